// Package lifecycle assembles the agent and runs its ordered startup and
// shutdown sequences.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mqmesh/mqmesh/internal/cache"
	"github.com/mqmesh/mqmesh/internal/config"
	"github.com/mqmesh/mqmesh/internal/llm"
	"github.com/mqmesh/mqmesh/internal/observability"
	"github.com/mqmesh/mqmesh/internal/orchestrator"
	"github.com/mqmesh/mqmesh/internal/processor"
	"github.com/mqmesh/mqmesh/internal/registry"
	"github.com/mqmesh/mqmesh/internal/routing"
	"github.com/mqmesh/mqmesh/internal/tools"
	"github.com/mqmesh/mqmesh/internal/topics"
	"github.com/mqmesh/mqmesh/internal/transport"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

// agentTransport is what the lifecycle needs from the transport: the base
// Transport operations plus immediate status publication.
type agentTransport interface {
	transport.Transport
	PublishStatus(wire.AgentState)
}

// Agent owns every runtime component and their start/stop ordering.
type Agent struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	transport    agentTransport
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	processor    *processor.Processor
	provider     llm.Provider

	dynamic  bool
	pumpDone chan struct{}

	mu          sync.Mutex
	started     bool
	stopped     bool
	pumpRunning bool
}

// New wires the agent from configuration. The provider and tool registry
// are injected so the binary decides which adapter and tools to ship.
func New(cfg config.Config, provider llm.Provider, toolRegistry *tools.Registry, metrics *observability.Metrics, logger *slog.Logger) *Agent {
	a := newCore(cfg, provider, metrics, logger)

	a.transport = transport.NewMQTT(transport.Config{
		BrokerURL:         cfg.MQTT.BrokerURL,
		AgentID:           cfg.Agent.ID,
		Capabilities:      cfg.Agent.Capabilities,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		KeepAlive:         cfg.KeepAlive(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		PublishBufferCap:  cfg.MQTT.PublishBuffer,
		Status:            a.currentStatus,
		OnError: func(err error) {
			a.metrics.ErrorsTotal.WithLabelValues("TransportOverflow").Inc()
		},
		OnBufferDepth: func(depth int) {
			a.metrics.PublishBuffer.Set(float64(depth))
		},
	}, logger)

	a.assemble(toolRegistry)
	return a
}

func newCore(cfg config.Config, provider llm.Provider, metrics *observability.Metrics, logger *slog.Logger) *Agent {
	a := &Agent{
		cfg:      cfg,
		logger:   logger.With("agent_id", cfg.Agent.ID),
		metrics:  metrics,
		provider: provider,
		dynamic:  cfg.Routing.Mode == string(wire.RoutingDynamic),
		pumpDone: make(chan struct{}),
	}
	a.registry = registry.New(registry.Options{
		TTL:           cfg.RegistryTTL(),
		SweepInterval: cfg.RegistrySweepInterval(),
	})
	return a
}

// assemble builds the components that hang off the transport. Split from
// New so tests can substitute the transport first.
func (a *Agent) assemble(toolRegistry *tools.Registry) {
	cfg := a.cfg

	taskCache := cache.New(cache.Options{
		Capacity: cfg.Idempotency.Capacity,
		TTL:      cfg.IdempotencyTTL(),
	})

	executor := tools.NewExecutor(toolRegistry, tools.ExecConfig{})

	var router routing.Router
	if strings.EqualFold(cfg.Routing.Router, "llm") {
		router = routing.NewLLMRouter(a.provider, a.registry)
	} else {
		router = routing.NewRuleRouter(a.registry)
	}

	a.processor = processor.New(processor.Config{
		AgentID:       cfg.Agent.ID,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxDepth:      cfg.Pipeline.MaxDepth,
		MaxIterations: cfg.Budget.MaxIterations,
		MaxToolCalls:  cfg.Budget.MaxToolCalls,
		TaskDeadline:  cfg.TaskDeadline(),
		MaxTokens:     cfg.LLM.MaxTokens,
	}, a.transport, taskCache, a.provider, toolRegistry, executor, router, a.metrics, a.logger)

	a.orchestrator = orchestrator.New(orchestrator.Config{},
		a.processor.Process, a.transport.PublishStatus, a.metrics, a.logger)
}

// Start brings the agent up in order: subscriptions, broker connection,
// provider health, registry sweep, worker pool, message pump. Double Start
// is a no-op.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	qos := byte(a.cfg.MQTT.QoS)
	if err := a.transport.Subscribe(topics.AgentInput(a.cfg.Agent.ID), qos); err != nil {
		return fmt.Errorf("subscribe input: %w", err)
	}
	if a.dynamic {
		if err := a.transport.Subscribe(topics.StatusWildcard(), qos); err != nil {
			return fmt.Errorf("subscribe status wildcard: %w", err)
		}
	}

	if err := a.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	if err := a.provider.Health(ctx); err != nil {
		return fmt.Errorf("llm provider %s: %w", a.provider.Name(), err)
	}

	if a.dynamic {
		a.registry.StartSweep()
	}
	a.orchestrator.Start()

	a.mu.Lock()
	a.pumpRunning = true
	a.mu.Unlock()
	go a.pump()

	a.logger.Info("agent started",
		"broker", a.cfg.MQTT.BrokerURL,
		"routing_mode", a.cfg.Routing.Mode)
	return nil
}

// Stop shuts the agent down in reverse: announce Draining, drain the
// worker pool, publish the retained Offline status, disconnect, stop the
// sweep. Double Stop is a no-op.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	pumpRunning := a.pumpRunning
	a.mu.Unlock()

	a.logger.Info("agent stopping")
	a.transport.PublishStatus(wire.StateDraining)
	a.orchestrator.Drain()

	// Disconnect publishes the retained Offline status before closing the
	// session, and closes the inbox so the pump exits.
	if err := a.transport.Disconnect(ctx); err != nil {
		a.logger.Warn("disconnect failed", "error", err)
	}
	if pumpRunning {
		<-a.pumpDone
	}

	a.registry.StopSweep()
	a.logger.Info("agent stopped")
	return nil
}

// pump routes inbound messages: status updates feed the registry, tasks
// feed the orchestrator queue.
func (a *Agent) pump() {
	defer close(a.pumpDone)
	for msg := range a.transport.Incoming() {
		if agentID := topics.StatusAgentID(msg.Topic); agentID != "" {
			a.recordStatus(agentID, msg.Payload)
			continue
		}
		if !a.orchestrator.Enqueue(msg) {
			a.logger.Debug("task rejected during drain", "topic", msg.Topic)
		}
	}
}

// recordStatus updates the registry from a peer status message. Retained
// statuses seed the registry at subscribe time; the agent's own status is
// ignored.
func (a *Agent) recordStatus(agentID string, payload []byte) {
	if agentID == a.cfg.Agent.ID {
		return
	}
	var status wire.AgentStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		a.logger.Debug("unparseable status message", "agent", agentID, "error", err)
		return
	}
	if status.AgentID == "" {
		status.AgentID = agentID
	}
	a.registry.Record(status)
	a.metrics.RegistryAgents.Set(float64(a.registry.Size()))
}

// currentStatus feeds the heartbeat with live load numbers.
func (a *Agent) currentStatus() wire.AgentStatus {
	current, capacity := a.orchestrator.Load()
	return wire.AgentStatus{
		AgentID:     a.cfg.Agent.ID,
		CurrentLoad: current,
		MaxLoad:     capacity,
	}
}
