package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqmesh/mqmesh/internal/observability"
	"github.com/mqmesh/mqmesh/internal/testutil"
	"github.com/mqmesh/mqmesh/internal/transport"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

func newOrchestrator(cfg Config, process ProcessFunc, onState func(wire.AgentState)) *Orchestrator {
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	return New(cfg, process, onState, metrics, testutil.Logger())
}

func msg(topic string) transport.InboundMessage {
	return transport.InboundMessage{Topic: topic, Payload: []byte("{}"), ReceiveTime: time.Now()}
}

func TestProcessesEnqueuedTasks(t *testing.T) {
	var processed int32
	done := make(chan struct{}, 10)
	o := newOrchestrator(Config{Workers: 2}, func(_ context.Context, _ transport.InboundMessage) {
		atomic.AddInt32(&processed, 1)
		done <- struct{}{}
	}, nil)
	o.Start()
	defer o.Drain()

	for i := 0; i < 5; i++ {
		if !o.Enqueue(msg("/t")) {
			t.Fatal("enqueue rejected before drain")
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("only %d of 5 tasks processed", atomic.LoadInt32(&processed))
		}
	}
}

func TestDrainRejectsNewWork(t *testing.T) {
	o := newOrchestrator(Config{Workers: 1}, func(context.Context, transport.InboundMessage) {}, nil)
	o.Start()
	o.Drain()

	if o.Enqueue(msg("/t")) {
		t.Fatal("enqueue accepted during drain")
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	o := newOrchestrator(Config{Workers: 1, DrainTimeout: 5 * time.Second},
		func(context.Context, transport.InboundMessage) {
			<-release
			finished.Store(true)
		}, nil)
	o.Start()
	o.Enqueue(msg("/t"))

	time.Sleep(20 * time.Millisecond) // let the worker pick it up
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	o.Drain()

	if !finished.Load() {
		t.Fatal("drain returned before in-flight task finished")
	}
}

func TestDrainTimeoutCancelsTasks(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	o := newOrchestrator(Config{Workers: 1, DrainTimeout: 50 * time.Millisecond},
		func(ctx context.Context, _ transport.InboundMessage) {
			close(started)
			<-ctx.Done()
			sawCancel.Store(true)
		}, nil)
	o.Start()
	o.Enqueue(msg("/t"))
	<-started

	o.Drain()
	if !sawCancel.Load() {
		t.Fatal("stuck task was not cancelled after drain timeout")
	}
}

func TestBackpressureHysteresis(t *testing.T) {
	var mu sync.Mutex
	var states []wire.AgentState

	release := make(chan struct{})
	o := newOrchestrator(
		Config{Workers: 1, BusyThreshold: 4, AvailableThreshold: 2},
		func(context.Context, transport.InboundMessage) { <-release },
		func(s wire.AgentState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})
	o.Start()

	// Fill past the busy threshold while the single worker is blocked.
	for i := 0; i < 6; i++ {
		o.Enqueue(msg("/t"))
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(states)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Busy never announced")
		case <-time.After(time.Millisecond):
		}
	}
	mu.Lock()
	if states[0] != wire.StateBusy {
		t.Fatalf("first transition = %s, want Busy", states[0])
	}
	mu.Unlock()

	// Let the worker chew through the queue; Available must follow once
	// the depth falls below the lower threshold.
	close(release)
	deadline = time.After(time.Second)
	for {
		mu.Lock()
		last := states[len(states)-1]
		mu.Unlock()
		if last == wire.StateAvailable {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Available never announced after queue drained")
		case <-time.After(time.Millisecond):
		}
	}

	// Exactly one Busy -> Available cycle: no flapping in between.
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(states); i++ {
		if states[i] == states[i-1] {
			t.Fatalf("repeated state announcement: %v", states)
		}
	}
	o.Drain()
}

func TestLoad(t *testing.T) {
	release := make(chan struct{})
	o := newOrchestrator(Config{Workers: 2}, func(context.Context, transport.InboundMessage) {
		<-release
	}, nil)
	o.Start()
	defer func() {
		close(release)
		o.Drain()
	}()

	for i := 0; i < 4; i++ {
		o.Enqueue(msg("/t"))
	}
	time.Sleep(20 * time.Millisecond)

	current, capacity := o.Load()
	if capacity != 2 {
		t.Fatalf("capacity = %d, want 2", capacity)
	}
	if current != 4 {
		t.Fatalf("load = %d, want 4 (2 in flight + 2 queued)", current)
	}
}

func TestDoubleStartAndDrain(t *testing.T) {
	o := newOrchestrator(Config{Workers: 1}, func(context.Context, transport.InboundMessage) {}, nil)
	o.Start()
	o.Start()
	o.Drain()
	o.Drain()
}
