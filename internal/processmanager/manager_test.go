package processmanager

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/toolcore/internal/rpcclient"
)

// These tests spawn `sleep` as a stand-in daemon process and open its
// listening socket directly in the test, since the daemon's own socket
// setup is out of scope for the manager itself.
func newManager(t *testing.T) *Manager {
	t.Helper()
	return New(rpcclient.New(0, nil, nil, nil), nil, nil, nil)
}

func listenAndClose(t *testing.T, path string) net.Listener {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return l
}

func TestStartWaitsForReadiness(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "d.sock")
	l := listenAndClose(t, sockPath)
	defer l.Close()

	m := newManager(t)
	cfg := Config{
		Name:                "notifier",
		Command:             "sleep",
		Args:                []string{"30"},
		SocketPath:          sockPath,
		StartupTimeout:      2 * time.Second,
		HealthInterval:      time.Hour,
		MaxRestartAttempts:  1,
	}

	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.StopAll(context.Background())

	if !m.IsRunning("notifier") {
		t.Fatal("expected notifier to be running")
	}
	info, ok := m.Info("notifier")
	if !ok || info.PID == 0 {
		t.Fatalf("expected populated info, got %+v ok=%v", info, ok)
	}
}

func TestStartFailsWithoutReadySocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "never.sock")

	m := newManager(t)
	cfg := Config{
		Name:           "ghost",
		Command:        "sleep",
		Args:           []string{"30"},
		SocketPath:     sockPath,
		StartupTimeout: 150 * time.Millisecond,
	}

	err := m.Start(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected Start to fail when socket never appears")
	}
	state, ok := m.State("ghost")
	if !ok || state != StateError {
		t.Fatalf("expected Error state, got %v ok=%v", state, ok)
	}
}

func TestStartRejectsDuplicateWhileRunning(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "d.sock")
	l := listenAndClose(t, sockPath)
	defer l.Close()

	m := newManager(t)
	cfg := Config{
		Name:           "notifier",
		Command:        "sleep",
		Args:           []string{"30"},
		SocketPath:     sockPath,
		StartupTimeout: 2 * time.Second,
		HealthInterval: time.Hour,
	}
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer m.StopAll(context.Background())

	if err := m.Start(context.Background(), cfg); err == nil {
		t.Fatal("expected duplicate Start to be rejected")
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "d.sock")
	l := listenAndClose(t, sockPath)
	defer l.Close()

	m := newManager(t)
	cfg := Config{
		Name:           "notifier",
		Command:        "sleep",
		Args:           []string{"30"},
		SocketPath:     sockPath,
		StartupTimeout: 2 * time.Second,
		ShutdownGrace:  time.Second,
		HealthInterval: time.Hour,
	}
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Stop(context.Background(), "notifier"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	state, _ := m.State("notifier")
	if state != StateStopped {
		t.Fatalf("expected Stopped, got %v", state)
	}
}

func TestStopAllBlocksFurtherStarts(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "d.sock")
	l := listenAndClose(t, sockPath)
	defer l.Close()

	m := newManager(t)
	cfg := Config{
		Name:           "notifier",
		Command:        "sleep",
		Args:           []string{"30"},
		SocketPath:     sockPath,
		StartupTimeout: 2 * time.Second,
		HealthInterval: time.Hour,
	}
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	if err := m.Start(context.Background(), cfg); err == nil {
		t.Fatal("expected Start after StopAll to be rejected")
	}
}

func TestHealthLoopRestartsAfterMaxFailures(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "flaky.sock")
	l := listenAndClose(t, sockPath)

	m := newManager(t)
	cfg := Config{
		Name:                "flaky",
		Command:             "sleep",
		Args:                []string{"30"},
		SocketPath:          sockPath,
		StartupTimeout:      2 * time.Second,
		HealthInterval:      30 * time.Millisecond,
		HealthTimeout:       20 * time.Millisecond,
		MaxHealthFailures:   2,
		RestartDelay:        10 * time.Millisecond,
		MaxRestartAttempts:  1,
	}
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.StopAll(context.Background())

	// Kill the listener so health checks start failing; the manager should
	// attempt a restart, which will itself fail readiness (socket gone) and
	// eventually stick the daemon in Error once restart attempts run out.
	l.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, ok := m.State("flaky")
		if ok && state == StateError {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected daemon to reach Error state after exhausting restart attempts")
}

func TestInfoIsDefensiveCopy(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "d.sock")
	l := listenAndClose(t, sockPath)
	defer l.Close()

	m := newManager(t)
	cfg := Config{
		Name:           "notifier",
		Command:        "sleep",
		Args:           []string{"30"},
		SocketPath:     sockPath,
		StartupTimeout: 2 * time.Second,
		HealthInterval: time.Hour,
	}
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.StopAll(context.Background())

	info, _ := m.Info("notifier")
	info.State = StateError // mutating the copy must not affect the manager
	state, _ := m.State("notifier")
	if state != StateRunning {
		t.Fatalf("Info mutation leaked into manager state: %v", state)
	}
}

func TestStopUnknownDaemon(t *testing.T) {
	m := newManager(t)
	if err := m.Stop(context.Background(), "nope"); err == nil {
		t.Fatal("expected error stopping unknown daemon")
	}
}

func TestPIDAndStateForUnknown(t *testing.T) {
	m := newManager(t)
	if pid := m.PID("nope"); pid != 0 {
		t.Fatalf("expected 0 pid for unknown daemon, got %d", pid)
	}
	if _, ok := m.State("nope"); ok {
		t.Fatal("expected State to report not-found for unknown daemon")
	}
}

func TestMergeEnvAppendsOverrides(t *testing.T) {
	base := []string{"PATH=/usr/bin"}
	merged := mergeEnv(base, map[string]string{"TOOLCORE_PLUGIN": "notifier"})
	found := false
	for _, kv := range merged {
		if kv == "TOOLCORE_PLUGIN=notifier" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected override in merged env, got %v", merged)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Name: "x"}.withDefaults()
	if cfg.StartupTimeout <= 0 || cfg.MaxRestartAttempts <= 0 {
		t.Fatalf("expected non-zero defaults, got %+v", cfg)
	}
}

func TestLastErrorAsErrFormatsMessage(t *testing.T) {
	rec := &record{lastError: "boom"}
	err := rec.lastErrorAsErr()
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected %q, got %v", fmt.Sprintf("boom"), err)
	}
}
