// Package observability provides Prometheus metrics and structured logging
// for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.TasksTotal.WithLabelValues("success").Inc()
//	metrics.TaskDuration.Observe(time.Since(start).Seconds())
type Metrics struct {
	// TasksTotal counts processed tasks.
	// Labels: result (success|error|duplicate|discarded)
	TasksTotal *prometheus.CounterVec

	// TaskDuration measures end-to-end task processing time in seconds.
	TaskDuration prometheus.Histogram

	// LLMRequestsTotal counts LLM completions.
	// Labels: provider, status (success|error)
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensTotal tracks token consumption.
	// Labels: provider, type (input|output)
	LLMTokensTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorsTotal counts task errors by protocol kind.
	// Labels: kind
	ErrorsTotal *prometheus.CounterVec

	// QueueDepth is the orchestrator's pending task count.
	QueueDepth prometheus.Gauge

	// PublishBuffer is the transport's pending publish count.
	PublishBuffer prometheus.Gauge

	// RegistryAgents is the number of live peer agents.
	RegistryAgents prometheus.Gauge
}

// NewMetrics creates and registers all collectors with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers against an explicit registry, for tests.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqmesh_tasks_total",
				Help: "Total number of tasks processed by result",
			},
			[]string{"result"},
		),

		TaskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mqmesh_task_duration_seconds",
				Help:    "End-to-end task processing duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		LLMRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqmesh_llm_requests_total",
				Help: "Total number of LLM requests by provider and status",
			},
			[]string{"provider", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mqmesh_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqmesh_llm_tokens_total",
				Help: "Total number of tokens used by provider and type",
			},
			[]string{"provider", "type"},
		),

		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqmesh_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mqmesh_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqmesh_errors_total",
				Help: "Total number of task errors by kind",
			},
			[]string{"kind"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mqmesh_queue_depth",
				Help: "Number of tasks waiting in the orchestrator queue",
			},
		),

		PublishBuffer: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mqmesh_publish_buffer",
				Help: "Number of messages pending in the transport publish buffer",
			},
		),

		RegistryAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mqmesh_registry_agents",
				Help: "Number of live peer agents in the registry",
			},
		),
	}
}
