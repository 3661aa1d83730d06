package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Tool execution patterns and latencies
//   - Error rates categorized by component and error type
//   - Plugin daemon state and restarts
//   - RPC call outcomes and latencies
//   - Event bus dispatch outcomes
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
type Metrics struct {
	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (orchestrator|processmanager|rpcclient|eventbus), error_type
	ErrorCounter *prometheus.CounterVec

	// DaemonState is a gauge reporting each plugin daemon's current state.
	// Labels: plugin, state (starting|running|stopping|stopped|error) — value
	// is 1 for the daemon's current state and 0 for every other state.
	DaemonState *prometheus.GaugeVec

	// DaemonRestarts counts restart attempts per plugin daemon.
	// Labels: plugin
	DaemonRestarts *prometheus.CounterVec

	// RPCCallDuration measures RpcClient.Call latency in seconds.
	// Labels: method
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s
	RPCCallDuration *prometheus.HistogramVec

	// RPCCallCounter counts RpcClient.Call outcomes.
	// Labels: method, status (success|error)
	RPCCallCounter *prometheus.CounterVec

	// EventDispatchCounter counts EventBus.Dispatch attempts per subscriber.
	// Labels: event_kind, status (success|error)
	EventDispatchCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolcore_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		DaemonState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolcore_daemon_state",
				Help: "Current state of a plugin daemon (1 = current state, 0 = otherwise)",
			},
			[]string{"plugin", "state"},
		),

		DaemonRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolcore_daemon_restarts_total",
				Help: "Total number of restart attempts per plugin daemon",
			},
			[]string{"plugin"},
		),

		RPCCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolcore_rpc_call_duration_seconds",
				Help:    "Duration of RpcClient.Call invocations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method"},
		),

		RPCCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolcore_rpc_calls_total",
				Help: "Total number of RPC calls by method and status",
			},
			[]string{"method", "status"},
		),

		EventDispatchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolcore_event_dispatch_total",
				Help: "Total number of per-subscriber event dispatch attempts by event kind and status",
			},
			[]string{"event_kind", "status"},
		),
	}
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("orchestrator", "system_error")
//	metrics.RecordError("processmanager", "restart_exhausted")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SetDaemonState records a plugin daemon's current state, zeroing every
// other known state so a gauge query returns exactly one active state.
func (m *Metrics) SetDaemonState(plugin, state string, knownStates []string) {
	for _, s := range knownStates {
		if s == state {
			m.DaemonState.WithLabelValues(plugin, s).Set(1)
		} else {
			m.DaemonState.WithLabelValues(plugin, s).Set(0)
		}
	}
}

// RecordDaemonRestart increments the restart counter for a plugin daemon.
func (m *Metrics) RecordDaemonRestart(plugin string) {
	m.DaemonRestarts.WithLabelValues(plugin).Inc()
}

// RecordRPCCall records metrics for an RpcClient.Call invocation.
func (m *Metrics) RecordRPCCall(method, status string, durationSeconds float64) {
	m.RPCCallCounter.WithLabelValues(method, status).Inc()
	m.RPCCallDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordEventDispatch records the outcome of one subscriber's delivery
// attempt for a dispatched event.
func (m *Metrics) RecordEventDispatch(eventKind, status string) {
	m.EventDispatchCounter.WithLabelValues(eventKind, status).Inc()
}
