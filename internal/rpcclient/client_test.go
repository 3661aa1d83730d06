package rpcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeDaemon is a minimal Unix-socket JSON-RPC server for exercising Call
// and Notify against real transport behavior.
type fakeDaemon struct {
	listener net.Listener
	path     string
	handler  func(method string, params json.RawMessage, id json.RawMessage) any
}

func startFakeDaemon(t *testing.T, handler func(method string, params json.RawMessage, id json.RawMessage) any) *fakeDaemon {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDaemon{listener: l, path: path, handler: handler}
	go d.serve(t)
	t.Cleanup(func() { l.Close() })
	return d
}

func (d *fakeDaemon) serve(t *testing.T) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			reader := bufio.NewReader(conn)
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			var envelope struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
				ID     json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &envelope); err != nil {
				return
			}
			if envelope.ID == nil {
				return // notification: no response expected
			}
			resp := d.handler(envelope.Method, envelope.Params, envelope.ID)
			if resp == nil {
				return
			}
			out, _ := json.Marshal(resp)
			conn.Write(append(out, '\n'))
		}()
	}
}

func TestCallSuccess(t *testing.T) {
	d := startFakeDaemon(t, func(method string, params, id json.RawMessage) any {
		return map[string]any{"jsonrpc": "2.0", "result": map[string]any{"ok": true}, "id": json.RawMessage(id)}
	})

	c := New(0, nil, nil, nil)
	result, err := c.Call(context.Background(), d.path, "ping", nil, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var decoded map[string]bool
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !decoded["ok"] {
		t.Fatalf("expected ok=true, got %v", decoded)
	}
}

func TestCallRPCError(t *testing.T) {
	d := startFakeDaemon(t, func(method string, params, id json.RawMessage) any {
		return map[string]any{"jsonrpc": "2.0", "error": map[string]any{"code": -32601, "message": "method not found"}, "id": json.RawMessage(id)}
	})

	c := New(0, nil, nil, nil)
	_, err := c.Call(context.Background(), d.path, "missing", nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "RPC error (code -32601)") {
		t.Fatalf("expected RPC error message, got %v", err)
	}
}

func TestCallIDMismatch(t *testing.T) {
	d := startFakeDaemon(t, func(method string, params, id json.RawMessage) any {
		return map[string]any{"jsonrpc": "2.0", "result": 1, "id": 999999}
	})

	c := New(0, nil, nil, nil)
	_, err := c.Call(context.Background(), d.path, "ping", nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "Response ID mismatch") {
		t.Fatalf("expected id mismatch error, got %v", err)
	}
}

func TestCallSocketNotFound(t *testing.T) {
	c := New(0, nil, nil, nil)
	_, err := c.Call(context.Background(), filepath.Join(t.TempDir(), "missing.sock"), "ping", nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "Socket file not found") {
		t.Fatalf("expected socket not found error, got %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slow.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept the connection but never respond.
		buf := make([]byte, 4096)
		conn.Read(buf)
		time.Sleep(2 * time.Second)
	}()

	c := New(0, nil, nil, nil)
	_, err = c.Call(context.Background(), path, "ping", nil, 100*time.Millisecond)
	if err == nil || !strings.Contains(strings.ToLower(err.Error()), "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestNotifyNoResponseExpected(t *testing.T) {
	received := make(chan string, 1)
	dir := t.TempDir()
	path := filepath.Join(dir, "notify.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err == nil {
			received <- line
		}
	}()

	c := New(0, nil, nil, nil)
	if err := c.Notify(context.Background(), path, "on_event", map[string]any{"event_type": "TOOL_CALL_START"}, time.Second); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case line := <-received:
		if !strings.Contains(line, "on_event") {
			t.Fatalf("expected on_event in payload, got %q", line)
		}
		if strings.Contains(line, `"id"`) {
			t.Fatalf("notification must not carry an id field: %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("daemon never received notification")
	}
}

func TestPingSucceedsAndFailsOnMissingSocket(t *testing.T) {
	d := startFakeDaemon(t, func(method string, params, id json.RawMessage) any { return nil })
	c := New(0, nil, nil, nil)

	if err := c.Ping(context.Background(), d.path, time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	missing := filepath.Join(t.TempDir(), "nope.sock")
	if err := c.Ping(context.Background(), missing, time.Second); err == nil {
		t.Fatal("expected error pinging missing socket")
	}
}

func TestRequestIDsNeverRepeat(t *testing.T) {
	d := startFakeDaemon(t, func(method string, params, id json.RawMessage) any {
		return map[string]any{"jsonrpc": "2.0", "result": 1, "id": json.RawMessage(id)}
	})
	c := New(0, nil, nil, nil)

	seen := map[int64]bool{}
	for i := 0; i < 5; i++ {
		id := c.nextID + 1
		if _, err := c.Call(context.Background(), d.path, "ping", nil, time.Second); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("request id %d reused", id)
		}
		seen[id] = true
	}
}

func TestMain_socketCleanup(m *testing.M) {
	os.Exit(m.Run())
}
