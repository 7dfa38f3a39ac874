// Package observability exposes the gateway's Prometheus metrics: run and
// event throughput, permission outcomes, LLM latency and token usage, tool
// execution, and session/queue gauges.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Run throughput by origin and final status
//   - Event log append rates by kind
//   - Permission request outcomes for policy tuning
//   - LLM request performance and token consumption
//   - Tool execution patterns and latencies
//   - Connected sessions and queue pressure
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RunFinished("user", "done")
//	metrics.RecordToolExecution("shell", "success", time.Since(start).Seconds())
type Metrics struct {
	// RunCounter counts finished runs.
	// Labels: origin (user|scheduler|worker), status (done|failed|stopped)
	RunCounter *prometheus.CounterVec

	// EventCounter counts events appended to the log.
	// Labels: kind
	EventCounter *prometheus.CounterVec

	// PermissionCounter counts resolved permission requests.
	// Labels: capability, outcome (allowed|denied|expired)
	PermissionCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveSessions is a gauge tracking currently connected sessions.
	ActiveSessions prometheus.Gauge

	// QueueDepth is a gauge tracking runs waiting in session queues.
	QueueDepth prometheus.Gauge

	// ScheduleMisses counts scheduled occurrences skipped by the
	// no-catch-up policy after downtime.
	ScheduleMisses prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		RunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_runs_total",
				Help: "Total number of finished runs by origin and status",
			},
			[]string{"origin", "status"},
		),

		EventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_events_appended_total",
				Help: "Total number of events appended to the event log by kind",
			},
			[]string{"kind"},
		),

		PermissionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_permission_requests_total",
				Help: "Total number of resolved permission requests by capability and outcome",
			},
			[]string{"capability", "outcome"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentblob_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentblob_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentblob_sessions_active",
				Help: "Current number of connected sessions",
			},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentblob_queue_depth",
				Help: "Runs waiting in session queues",
			},
		),

		ScheduleMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agentblob_schedule_misses_total",
				Help: "Scheduled occurrences skipped because they were missed during downtime",
			},
		),
	}
}

// RunFinished increments the run counter for a finished run.
//
// Example:
//
//	metrics.RunFinished("scheduler", "done")
func (m *Metrics) RunFinished(origin, status string) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(origin, status).Inc()
}

// EventAppended increments the event counter for an appended event kind.
func (m *Metrics) EventAppended(kind string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(kind).Inc()
}

// PermissionResolved increments the permission counter for a resolved request.
//
// Example:
//
//	metrics.PermissionResolved("shell.write", "denied")
func (m *Metrics) PermissionResolved(capability, outcome string) {
	if m == nil {
		return
	}
	m.PermissionCounter.WithLabelValues(capability, outcome).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("shell", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// SessionConnected increments the active sessions gauge.
func (m *Metrics) SessionConnected() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionDisconnected decrements the active sessions gauge.
func (m *Metrics) SessionDisconnected() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// SetQueueDepth sets the queued-run gauge to the current total.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// ScheduleMissed counts one scheduled occurrence skipped after downtime.
func (m *Metrics) ScheduleMissed() {
	if m == nil {
		return
	}
	m.ScheduleMisses.Inc()
}
