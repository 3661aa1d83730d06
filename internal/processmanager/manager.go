package processmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/toolcore/internal/observability"
	"github.com/haasonsaas/toolcore/internal/rpcclient"
)

// Manager supervises a keyed set of daemon processes.
type Manager struct {
	mu       sync.Mutex
	records  map[string]*record
	rpc      *rpcclient.Client
	metrics  *observability.Metrics
	logger   *observability.Logger
	tracer   *observability.Tracer
	shutdown bool
}

// New creates a ProcessManager. metrics, logger, and tracer may be nil.
func New(rpc *rpcclient.Client, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer) *Manager {
	if rpc == nil {
		rpc = rpcclient.New(0, metrics, logger, tracer)
	}
	return &Manager{
		records: make(map[string]*record),
		rpc:     rpc,
		metrics: metrics,
		logger:  logger,
		tracer:  tracer,
	}
}

// Start spawns a daemon and blocks until its socket accepts a connection or
// startup_timeout elapses. It rejects a restart attempt for a name whose
// existing record is not Stopped or Error, and rejects every start once
// StopAll has run.
func (m *Manager) Start(ctx context.Context, config Config) (err error) {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "daemon.start", observability.SpanOptions{
			Attributes: []attribute.KeyValue{attribute.String("daemon.name", config.Name)},
		})
		defer func() {
			if err != nil {
				m.tracer.RecordError(span, err)
			}
			span.End()
		}()
	}

	config = config.withDefaults()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return fmt.Errorf("processmanager: shutting down, rejecting start of %q", config.Name)
	}
	rec, existed := m.records[config.Name]
	if existed && rec.state != StateStopped && rec.state != StateError {
		m.mu.Unlock()
		return fmt.Errorf("processmanager: daemon %q already in state %s", config.Name, rec.state)
	}
	restartCount := 0
	if existed {
		restartCount = rec.restartCount
	}
	rec = &record{config: config, state: StateStarting, startedAt: time.Now(), restartCount: restartCount}
	m.records[config.Name] = rec
	m.mu.Unlock()

	m.setState(rec, StateStarting)

	resolved, lookErr := exec.LookPath(config.Command)
	if lookErr != nil {
		m.fail(rec, fmt.Errorf("resolve %s: %w", config.Command, lookErr))
		return rec.lastErrorAsErr()
	}
	if err := checkExecutable(resolved); err != nil {
		m.fail(rec, fmt.Errorf("daemon command %s: %w", resolved, err))
		return rec.lastErrorAsErr()
	}

	cmd := exec.CommandContext(context.Background(), resolved, config.Args...)
	cmd.Env = mergeEnv(os.Environ(), config.Env)

	logFile, err := os.OpenFile(config.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.fail(rec, fmt.Errorf("open log %s: %w", config.LogPath, err))
		return rec.lastErrorAsErr()
	}
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		m.fail(rec, fmt.Errorf("spawn %s: %w", config.Name, err))
		return rec.lastErrorAsErr()
	}
	logFile.Close()

	m.mu.Lock()
	rec.cmd = cmd
	rec.pid = cmd.Process.Pid
	rec.exited = make(chan struct{})
	m.mu.Unlock()

	if err := writePIDFile(pidPathFor(config.SocketPath), cmd.Process.Pid); err != nil && m.logger != nil {
		m.logger.Warn(context.Background(), "write pid file failed", "name", config.Name, "error", err)
	}

	go func() {
		cmd.Wait()
		close(rec.exited)
		m.onUnexpectedExit(rec)
	}()

	if err := m.waitReady(ctx, rec); err != nil {
		m.killAndFail(rec, err)
		return err
	}

	m.setState(rec, StateRunning)
	m.startHealthLoop(rec)
	return nil
}

// waitReady polls the socket path until it exists and accepts a connection,
// or until config.StartupTimeout elapses.
func (m *Manager) waitReady(ctx context.Context, rec *record) error {
	deadline := time.Now().Add(rec.config.StartupTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := m.rpc.Ping(ctx, rec.config.SocketPath, 500*time.Millisecond); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("processmanager: daemon %q did not become ready within %s", rec.config.Name, rec.config.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rec.exited:
			return fmt.Errorf("processmanager: daemon %q exited during startup", rec.config.Name)
		case <-ticker.C:
		}
	}
}

// Stop transitions a daemon to Stopping, signals it, waits up to
// ShutdownGrace, and force-kills if it is still alive.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("processmanager: no daemon named %q", name)
	}
	return m.stopRecord(ctx, rec)
}

func (m *Manager) stopRecord(ctx context.Context, rec *record) (err error) {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "daemon.stop", observability.SpanOptions{
			Attributes: []attribute.KeyValue{attribute.String("daemon.name", rec.config.Name)},
		})
		defer func() {
			if err != nil {
				m.tracer.RecordError(span, err)
			}
			span.End()
		}()
	}

	m.setState(rec, StateStopping)
	m.stopHealthLoop(rec)

	m.mu.Lock()
	cmd := rec.cmd
	exited := rec.exited
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		m.setState(rec, StateStopped)
		return nil
	}

	cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(rec.config.ShutdownGrace):
		if err := cmd.Process.Kill(); err != nil {
			m.fail(rec, fmt.Errorf("processmanager: force-kill %q failed: %w", rec.config.Name, err))
			return rec.lastErrorAsErr()
		}
		<-exited
	}

	os.Remove(rec.config.SocketPath)
	os.Remove(pidPathFor(rec.config.SocketPath))
	m.setState(rec, StateStopped)
	return nil
}

func pidPathFor(socketPath string) string {
	return socketPath + ".pid"
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644)
}

// StopAll stops every daemon in parallel and blocks further starts.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(r *record) {
			defer wg.Done()
			m.stopRecord(ctx, r)
		}(rec)
	}
	wg.Wait()
	return nil
}

// IsRunning reports whether a named daemon is currently in the Running state.
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return ok && rec.state == StateRunning
}

// State returns a named daemon's current lifecycle state.
func (m *Manager) State(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// PID returns a named daemon's OS process id, or 0 if unknown.
func (m *Manager) PID(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return 0
	}
	return rec.pid
}

// Info returns a defensive snapshot of a named daemon's record.
func (m *Manager) Info(name string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return Info{}, false
	}
	return Info{
		Name:           rec.config.Name,
		State:          rec.state,
		PID:            rec.pid,
		SocketPath:     rec.config.SocketPath,
		LogPath:        rec.config.LogPath,
		StartedAt:      rec.startedAt,
		LastError:      rec.lastError,
		RestartCount:   rec.restartCount,
		HealthFailures: rec.healthFailures,
	}, true
}

func (m *Manager) setState(rec *record, state State) {
	m.mu.Lock()
	rec.state = state
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetDaemonState(rec.config.Name, string(state), KnownStates)
	}
}

func (m *Manager) fail(rec *record, err error) {
	m.mu.Lock()
	rec.lastError = err.Error()
	rec.state = StateError
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetDaemonState(rec.config.Name, string(StateError), KnownStates)
		m.metrics.RecordError("processmanager", "daemon_error")
	}
	if m.logger != nil {
		m.logger.Error(context.Background(), "daemon entered error state", "name", rec.config.Name, "error", err)
	}
}

func (m *Manager) killAndFail(rec *record, err error) {
	m.mu.Lock()
	cmd := rec.cmd
	m.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	m.fail(rec, err)
}

func (rec *record) lastErrorAsErr() error {
	return fmt.Errorf("%s", rec.lastError)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overrides))
	copy(out, base)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
