// Package registry tracks peer agents from their retained status messages
// and selects targets for dynamic routing.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mqmesh/mqmesh/pkg/wire"
)

// Common sentinel errors for selection.
var (
	// ErrNoAgentsAvailable indicates no live agent satisfies the request.
	ErrNoAgentsAvailable = errors.New("no agents available")
)

// SelectionStrategy picks among the candidates that satisfy a capability
// requirement.
type SelectionStrategy string

const (
	// StrategyLeastLoaded picks the agent with the lowest load ratio,
	// breaking ties by agent ID ascending.
	StrategyLeastLoaded SelectionStrategy = "least_loaded"

	// StrategyFirst picks the lexicographically first candidate. Mostly
	// useful for deterministic tests.
	StrategyFirst SelectionStrategy = "first"
)

// AgentInfo is a registry view of a peer: the last status seen plus when it
// was observed locally. Observation time drives the liveness TTL, not the
// peer's self-reported last_seen.
type AgentInfo struct {
	wire.AgentStatus
	ObservedAt time.Time
}

// Options configures the registry.
type Options struct {
	// TTL is how long a status stays live without refresh. Default 15 s.
	TTL time.Duration
	// SweepInterval is how often expired entries are removed. Default 1 s.
	SweepInterval time.Duration
}

// Registry is a thread-safe view of live peer agents. Entries expire TTL
// after their last observation; a background sweep reclaims memory, but
// expired entries are invisible to reads even before the sweep runs.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentInfo

	ttl           time.Duration
	sweepInterval time.Duration

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a registry with the given options. Zero or negative fields
// fall back to defaults.
func New(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	return &Registry{
		agents:        make(map[string]AgentInfo),
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
	}
}

// Record upserts an agent from a status message. An Offline status evicts
// the agent immediately.
func (r *Registry) Record(status wire.AgentStatus) {
	r.RecordAt(status, time.Now())
}

// RecordAt is Record with an explicit observation time, for tests.
func (r *Registry) RecordAt(status wire.AgentStatus, now time.Time) {
	if status.AgentID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if status.Status == wire.StateOffline {
		delete(r.agents, status.AgentID)
		return
	}
	r.agents[status.AgentID] = AgentInfo{AgentStatus: status, ObservedAt: now}
}

// Get returns a live agent by ID.
func (r *Registry) Get(agentID string) (AgentInfo, bool) {
	return r.GetAt(agentID, time.Now())
}

// GetAt is Get with an explicit timestamp, for tests.
func (r *Registry) GetAt(agentID string, now time.Time) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.agents[agentID]
	if !ok || r.expired(info, now) {
		return AgentInfo{}, false
	}
	return info, true
}

// List returns all live agents, sorted by agent ID.
func (r *Registry) List() []AgentInfo {
	return r.ListAt(time.Now())
}

// ListAt is List with an explicit timestamp, for tests.
func (r *Registry) ListAt(now time.Time) []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		if r.expired(info, now) {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Size returns the number of live agents.
func (r *Registry) Size() int {
	return len(r.ListAt(time.Now()))
}

// Select picks a live agent that advertises all required capabilities.
// Agents in state Draining or Busy at max load are skipped. Returns
// ErrNoAgentsAvailable when no candidate qualifies.
func (r *Registry) Select(requiredCaps []string, strategy SelectionStrategy) (AgentInfo, error) {
	return r.SelectAt(requiredCaps, strategy, time.Now())
}

// SelectAt is Select with an explicit timestamp, for tests.
func (r *Registry) SelectAt(requiredCaps []string, strategy SelectionStrategy, now time.Time) (AgentInfo, error) {
	candidates := r.ListAt(now)

	eligible := candidates[:0]
	for _, info := range candidates {
		if info.Status == wire.StateDraining {
			continue
		}
		if info.Status == wire.StateBusy && info.MaxLoad > 0 && info.CurrentLoad >= info.MaxLoad {
			continue
		}
		if !HasCapabilities(info.Capabilities, requiredCaps) {
			continue
		}
		eligible = append(eligible, info)
	}
	if len(eligible) == 0 {
		return AgentInfo{}, ErrNoAgentsAvailable
	}

	switch strategy {
	case StrategyFirst:
		return eligible[0], nil
	case StrategyLeastLoaded, "":
		fallthrough
	default:
		best := eligible[0]
		bestRatio := loadRatio(best)
		for _, info := range eligible[1:] {
			ratio := loadRatio(info)
			if ratio < bestRatio || (ratio == bestRatio && info.AgentID < best.AgentID) {
				best = info
				bestRatio = ratio
			}
		}
		return best, nil
	}
}

// HasCapabilities reports whether advertised covers every required
// capability, case-insensitively.
func HasCapabilities(advertised, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(advertised))
	for _, c := range advertised {
		have[strings.ToLower(c)] = struct{}{}
	}
	for _, want := range required {
		if _, ok := have[strings.ToLower(want)]; !ok {
			return false
		}
	}
	return true
}

// StartSweep launches the background goroutine that removes expired
// entries. Calling it twice is a no-op.
func (r *Registry) StartSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.sweep(now)
			}
		}
	}()
}

// StopSweep stops the sweep goroutine and waits for it to exit.
func (r *Registry) StopSweep() {
	r.mu.Lock()
	cancel := r.sweepCancel
	done := r.sweepDone
	r.sweepCancel = nil
	r.sweepDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, info := range r.agents {
		if r.expired(info, now) {
			delete(r.agents, id)
		}
	}
}

// An entry expires when the gap since its last observation exceeds the
// TTL; at exactly the TTL it is still live.
func (r *Registry) expired(info AgentInfo, now time.Time) bool {
	return now.Sub(info.ObservedAt) > r.ttl
}

// loadRatio normalizes current load against capacity; agents that do not
// report a max load are compared by absolute load.
func loadRatio(info AgentInfo) float64 {
	if info.MaxLoad > 0 {
		return float64(info.CurrentLoad) / float64(info.MaxLoad)
	}
	return float64(info.CurrentLoad)
}
