// Package cache provides the idempotency cache that suppresses duplicate
// task IDs within a time window.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 16

// TaskCache is a sharded, time-limited dedupe cache keyed by task ID.
// Sharding by key hash keeps writers on different tasks from contending on
// one lock. Within a shard, eviction prefers time-expired entries and falls
// back to LRU order when the shard is at capacity.
type TaskCache struct {
	shards []*shard
	ttl    time.Duration
}

// Options configures the cache.
type Options struct {
	// Capacity is the total entry budget across shards. Default 10000.
	Capacity int
	// TTL is the idempotency window. Default 1 hour.
	TTL time.Duration
	// Shards is the shard count. Default 16.
	Shards int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]int64 // task ID -> last-seen unix millis
	maxSize int
}

// New creates a task cache with the given options. Zero or negative fields
// fall back to defaults.
func New(opts Options) *TaskCache {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	nShards := opts.Shards
	if nShards <= 0 {
		nShards = defaultShards
	}
	if nShards > capacity {
		nShards = 1
	}

	perShard := capacity / nShards
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]*shard, nShards)
	for i := range shards {
		shards[i] = &shard{
			entries: make(map[string]int64),
			maxSize: perShard,
		}
	}
	return &TaskCache{shards: shards, ttl: ttl}
}

// Seen reports whether the task ID was observed within the TTL, recording
// it either way. The first call for an ID returns false; subsequent calls
// within the window return true.
func (c *TaskCache) Seen(taskID string) bool {
	return c.SeenAt(taskID, time.Now())
}

// SeenAt is Seen with an explicit timestamp, for tests.
func (c *TaskCache) SeenAt(taskID string, now time.Time) bool {
	if taskID == "" {
		return false
	}

	s := c.shardFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()
	if last, ok := s.entries[taskID]; ok && nowMs-last < c.ttl.Milliseconds() {
		s.entries[taskID] = nowMs
		return true
	}

	s.entries[taskID] = nowMs
	s.prune(nowMs, c.ttl)
	return false
}

// Size returns the current entry count across all shards.
func (c *TaskCache) Size() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

func (c *TaskCache) shardFor(taskID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// prune removes expired entries first, then enforces capacity by evicting
// the least recently seen entries. Caller holds the shard lock.
func (s *shard) prune(nowMs int64, ttl time.Duration) {
	cutoff := nowMs - ttl.Milliseconds()
	for id, last := range s.entries {
		if last < cutoff {
			delete(s.entries, id)
		}
	}

	for len(s.entries) > s.maxSize {
		var oldestID string
		oldest := int64(^uint64(0) >> 1)
		for id, last := range s.entries {
			if last < oldest {
				oldest = last
				oldestID = id
			}
		}
		if oldestID == "" {
			return
		}
		delete(s.entries, oldestID)
	}
}
