package processmanager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/toolcore/internal/observability"
)

// startHealthLoop launches the per-daemon health task. It is a no-op if a
// loop is already running for this record.
func (m *Manager) startHealthLoop(rec *record) {
	m.mu.Lock()
	if rec.stopHealth != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	rec.stopHealth = stop
	rec.healthDone = done
	rec.healthFailures = 0
	m.mu.Unlock()

	go m.healthLoop(rec, stop, done)
}

func (m *Manager) stopHealthLoop(rec *record) {
	m.mu.Lock()
	stop := rec.stopHealth
	done := rec.healthDone
	rec.stopHealth = nil
	rec.healthDone = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) healthLoop(rec *record, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(rec.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runHealthCheck(rec)
		}
	}
}

func (m *Manager) runHealthCheck(rec *record) {
	ctx, cancel := context.WithTimeout(context.Background(), rec.config.HealthTimeout)
	defer cancel()

	err := m.rpc.Ping(ctx, rec.config.SocketPath, rec.config.HealthTimeout)

	m.mu.Lock()
	if err == nil {
		rec.healthFailures = 0
		m.mu.Unlock()
		return
	}
	rec.healthFailures++
	failures := rec.healthFailures
	maxFailures := rec.config.MaxHealthFailures
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Warn(context.Background(), "daemon health check failed", "name", rec.config.Name, "failures", failures, "error", err)
	}

	if failures >= maxFailures {
		m.scheduleRestart(rec, fmt.Errorf("processmanager: daemon %q failed %d consecutive health checks", rec.config.Name, failures))
	}
}

// onUnexpectedExit is invoked when a daemon's process exits on its own while
// still believed to be Running.
func (m *Manager) onUnexpectedExit(rec *record) {
	m.mu.Lock()
	state := rec.state
	m.mu.Unlock()

	if state != StateRunning {
		return
	}
	m.scheduleRestart(rec, fmt.Errorf("processmanager: daemon %q exited unexpectedly", rec.config.Name))
}

// scheduleRestart stops the current health loop, waits restart_delay, and
// attempts to Start the daemon again, up to max_restart_attempts. Exhausting
// the budget sticks the record in Error.
func (m *Manager) scheduleRestart(rec *record, cause error) {
	ctx := context.Background()
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "daemon.restart", observability.SpanOptions{
			Attributes: []attribute.KeyValue{attribute.String("daemon.name", rec.config.Name)},
		})
		m.tracer.RecordError(span, cause)
		defer span.End()
	}

	m.stopHealthLoop(rec)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	rec.restartCount++
	attempts := rec.restartCount
	maxAttempts := rec.config.MaxRestartAttempts
	config := rec.config
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordDaemonRestart(config.Name)
	}
	if m.logger != nil {
		m.logger.Warn(ctx, "restarting daemon", "name", config.Name, "attempt", attempts, "max_attempts", maxAttempts, "cause", cause)
	}

	if attempts > maxAttempts {
		m.fail(rec, fmt.Errorf("processmanager: daemon %q exhausted %d restart attempts: %w", config.Name, maxAttempts, cause))
		return
	}

	m.setState(rec, StateStopped)
	time.Sleep(config.RestartDelay)

	if err := m.Start(ctx, config); err != nil {
		m.fail(rec, fmt.Errorf("processmanager: restart of %q failed: %w", config.Name, err))
	}
}
