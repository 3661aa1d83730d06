package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := &Metrics{
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_tool_executions_total", Help: "x"},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_tool_execution_duration_seconds", Help: "x"},
			[]string{"tool_name"},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_errors_total", Help: "x"},
			[]string{"component", "error_type"},
		),
		DaemonState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "test_daemon_state", Help: "x"},
			[]string{"plugin", "state"},
		),
		DaemonRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_daemon_restarts_total", Help: "x"},
			[]string{"plugin"},
		),
		RPCCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_rpc_call_duration_seconds", Help: "x"},
			[]string{"method"},
		),
		RPCCallCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_rpc_calls_total", Help: "x"},
			[]string{"method", "status"},
		),
		EventDispatchCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_event_dispatch_total", Help: "x"},
			[]string{"event_kind", "status"},
		),
	}
	registry.MustRegister(
		m.ToolExecutionCounter, m.ToolExecutionDuration, m.ErrorCounter,
		m.DaemonState, m.DaemonRestarts, m.RPCCallDuration, m.RPCCallCounter,
		m.EventDispatchCounter,
	)
	return m, registry
}

func TestRecordToolExecution(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordToolExecution("web_search", "success", 0.42)
	m.RecordToolExecution("web_search", "success", 0.10)
	m.RecordToolExecution("browser", "error", 1.5)

	if count := testutil.CollectAndCount(m.ToolExecutionCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP test_tool_executions_total x
		# TYPE test_tool_executions_total counter
		test_tool_executions_total{status="error",tool_name="browser"} 1
		test_tool_executions_total{status="success",tool_name="web_search"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordError(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordError("orchestrator", "system_error")
	m.RecordError("orchestrator", "system_error")
	m.RecordError("rpcclient", "timeout")

	if count := testutil.CollectAndCount(m.ErrorCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestSetDaemonState(t *testing.T) {
	m, _ := newTestMetrics(t)
	states := []string{"starting", "running", "stopping", "stopped", "error"}

	m.SetDaemonState("notifier", "running", states)

	expected := `
		# HELP test_daemon_state x
		# TYPE test_daemon_state gauge
		test_daemon_state{plugin="notifier",state="error"} 0
		test_daemon_state{plugin="notifier",state="running"} 1
		test_daemon_state{plugin="notifier",state="starting"} 0
		test_daemon_state{plugin="notifier",state="stopped"} 0
		test_daemon_state{plugin="notifier",state="stopping"} 0
	`
	if err := testutil.CollectAndCompare(m.DaemonState, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}

	m.SetDaemonState("notifier", "error", states)
	if got := testutil.ToFloat64(m.DaemonState.WithLabelValues("notifier", "running")); got != 0 {
		t.Errorf("expected running to be zeroed after transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.DaemonState.WithLabelValues("notifier", "error")); got != 1 {
		t.Errorf("expected error state to be 1, got %v", got)
	}
}

func TestRecordDaemonRestart(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordDaemonRestart("notifier")
	m.RecordDaemonRestart("notifier")
	m.RecordDaemonRestart("ingest")

	if got := testutil.ToFloat64(m.DaemonRestarts.WithLabelValues("notifier")); got != 2 {
		t.Errorf("expected 2 restarts for notifier, got %v", got)
	}
}

func TestRecordRPCCall(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordRPCCall("on_event", "success", 0.02)
	m.RecordRPCCall("on_event", "error", 0.5)

	if count := testutil.CollectAndCount(m.RPCCallCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordEventDispatch(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordEventDispatch("TOOL_CALL_START", "success")
	m.RecordEventDispatch("TOOL_CALL_START", "error")

	if got := testutil.ToFloat64(m.EventDispatchCounter.WithLabelValues("TOOL_CALL_START", "success")); got != 1 {
		t.Errorf("expected 1 success dispatch, got %v", got)
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			m.RecordToolExecution("a", "success", 0.01)
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < iterations; i++ {
			m.RecordToolExecution("b", "success", 0.01)
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	<-done
	<-done

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("a", "success")); got != float64(iterations) {
		t.Errorf("expected %d recordings for a, got %v", iterations, got)
	}
}
