// Package orchestrator fans inbound tasks out to a bounded worker pool over
// an unbounded FIFO queue, with Busy/Available backpressure signalling and
// bounded drain on shutdown.
package orchestrator

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/mqmesh/mqmesh/internal/observability"
	"github.com/mqmesh/mqmesh/internal/transport"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

// Config configures the worker pool and backpressure thresholds.
type Config struct {
	// Workers is the pool size. Default min(2×GOMAXPROCS, 64).
	Workers int
	// BusyThreshold is the queue depth above which Busy is announced.
	// Default 256.
	BusyThreshold int
	// AvailableThreshold is the queue depth below which Available is
	// announced again. Default 128. Must be below BusyThreshold so the
	// state does not flap.
	AvailableThreshold int
	// DrainTimeout bounds how long Drain waits for in-flight work.
	// Default 30 s.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2 * runtime.GOMAXPROCS(0)
		if c.Workers > 64 {
			c.Workers = 64
		}
	}
	if c.BusyThreshold <= 0 {
		c.BusyThreshold = 256
	}
	if c.AvailableThreshold <= 0 || c.AvailableThreshold >= c.BusyThreshold {
		c.AvailableThreshold = c.BusyThreshold / 2
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// ProcessFunc handles one task. The context is cancelled when drain gives
// up on in-flight work.
type ProcessFunc func(ctx context.Context, msg transport.InboundMessage)

// Orchestrator owns the task queue and worker pool.
type Orchestrator struct {
	config  Config
	process ProcessFunc
	onState func(wire.AgentState)
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []transport.InboundMessage
	inflight int
	draining bool
	busy     bool
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. onState is called on Busy/Available flips;
// it may be nil.
func New(config Config, process ProcessFunc, onState func(wire.AgentState), metrics *observability.Metrics, logger *slog.Logger) *Orchestrator {
	config.applyDefaults()
	o := &Orchestrator{
		config:  config,
		process: process,
		onState: onState,
		metrics: metrics,
		logger:  logger.With("component", "orchestrator"),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Start launches the worker pool. Double Start is a no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	for i := 0; i < o.config.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	o.logger.Info("worker pool started", "workers", o.config.Workers)
}

// Enqueue adds a task to the queue. Tasks arriving during drain are
// rejected: the broker redelivers QoS-1 messages to the next session.
func (o *Orchestrator) Enqueue(msg transport.InboundMessage) bool {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, msg)
	depth := len(o.queue)
	flipBusy := depth > o.config.BusyThreshold && !o.busy
	if flipBusy {
		o.busy = true
	}
	o.mu.Unlock()

	o.metrics.QueueDepth.Set(float64(depth))
	o.cond.Signal()

	if flipBusy && o.onState != nil {
		o.logger.Info("backpressure engaged", "queue_depth", depth)
		o.onState(wire.StateBusy)
	}
	return true
}

// Load reports queued plus in-flight tasks, and the pool capacity. Feeds
// the status heartbeat.
func (o *Orchestrator) Load() (current, max int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) + o.inflight, o.config.Workers
}

// Drain stops intake, waits up to DrainTimeout for queued and in-flight
// work, then cancels whatever remains. Cancelled tasks surface as
// BudgetExhausted error envelopes through the processor's cancellation
// path. Idempotent.
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	if !o.started || o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.mu.Unlock()
	o.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("drained cleanly")
	case <-time.After(o.config.DrainTimeout):
		o.logger.Warn("drain timeout, cancelling in-flight tasks")
		o.cancel()
		<-done
	}
	o.cancel()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		msg, ok := o.next(ctx)
		if !ok {
			return
		}
		o.process(ctx, msg)
		o.finish()
	}
}

// next blocks until a task is available or the orchestrator is draining
// with an empty queue.
func (o *Orchestrator) next(ctx context.Context) (transport.InboundMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.queue) == 0 {
		if o.draining || ctx.Err() != nil {
			return transport.InboundMessage{}, false
		}
		o.cond.Wait()
	}

	msg := o.queue[0]
	o.queue = o.queue[1:]
	o.inflight++
	o.metrics.QueueDepth.Set(float64(len(o.queue)))
	return msg, true
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.inflight--
	depth := len(o.queue)
	flipAvailable := o.busy && depth < o.config.AvailableThreshold
	if flipAvailable {
		o.busy = false
	}
	o.mu.Unlock()

	if flipAvailable && o.onState != nil {
		o.logger.Info("backpressure released", "queue_depth", depth)
		o.onState(wire.StateAvailable)
	}
}
