// Command toolcore-plugin-runner is a reference background_rpc plugin host:
// it reads a plugin manifest, binds the Unix socket the manifest's
// background block declares, and serves each declared background_rpc
// tool's method with a demo echo handler. Real plugins ship their own
// daemon binary built against pkg/pluginsdk; this one exists so the
// orchestrator's DaemonBackend path can be exercised end to end without a
// third-party plugin checked out.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/haasonsaas/toolcore/pkg/pluginsdk"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to the plugin's toolcore.plugin.json manifest")
	socketOverride := flag.String("socket", "", "override the manifest's rendered socket path")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if strings.TrimSpace(*manifestPath) == "" {
		fmt.Fprintln(os.Stderr, "usage: toolcore-plugin-runner -manifest <path> [-socket <path>]")
		os.Exit(2)
	}

	manifest, err := pluginsdk.DecodeManifestFile(*manifestPath)
	if err != nil {
		logger.Error("load manifest", "error", err)
		os.Exit(1)
	}
	if err := manifest.Validate(); err != nil {
		logger.Error("invalid manifest", "error", err)
		os.Exit(1)
	}
	if manifest.Background == nil {
		logger.Error("manifest declares no background block; nothing to serve")
		os.Exit(1)
	}

	socketPath := *socketOverride
	if socketPath == "" {
		rendered, err := manifest.RenderedSocketPath(os.Getpid())
		if err != nil {
			logger.Error("render socket path", "error", err)
			os.Exit(1)
		}
		socketPath = rendered
	}

	methods := map[string]bool{}
	for _, t := range manifest.BackgroundRPCTools() {
		methods[t.Method] = true
	}
	if len(methods) == 0 {
		logger.Error("manifest declares no background_rpc tools")
		os.Exit(1)
	}

	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		logger.Error("listen on socket", "path", socketPath, "error", err)
		os.Exit(1)
	}
	logger.Info("plugin daemon listening", "plugin", manifest.ID, "socket", socketPath, "methods", methodNames(methods))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		listener.Close()
		os.Remove(socketPath)
	}()

	serve(ctx, listener, methods, logger)
}

func methodNames(methods map[string]bool) []string {
	names := make([]string, 0, len(methods))
	for m := range methods {
		names = append(names, m)
	}
	return names
}

// serve accepts one connection per call, matching the stateless client this
// daemon is dialed by: each connection carries exactly one request and one
// response.
func serve(ctx context.Context, listener net.Listener, methods map[string]bool, logger *slog.Logger) {
	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("accept", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConn(conn, methods, logger)
		}()
	}
	wg.Wait()
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func handleConn(conn net.Conn, methods map[string]bool, logger *slog.Logger) {
	defer conn.Close()

	if pid, uid, err := peerCredentials(conn); err == nil {
		logger.Debug("accepted connection", "peer_pid", pid, "peer_uid", uid)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	var req rpcRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		writeResponse(conn, nil, nil, &rpcError{Code: -32700, Message: "parse error: " + err.Error()})
		return
	}
	if req.ID == nil {
		// Notification: no response expected.
		return
	}
	if !methods[req.Method] {
		writeResponse(conn, req.ID, nil, &rpcError{Code: -32601, Message: "method not found: " + req.Method})
		return
	}

	result, rpcErr := dispatch(req.Method, req.Params)
	writeResponse(conn, req.ID, result, rpcErr)

	if rpcErr != nil {
		logger.Warn("tool call failed", "method", req.Method, "error", rpcErr.Message)
	}
}

// dispatch is the demo handler: it echoes the call's tool name and
// arguments back as the result. A real plugin daemon replaces this with
// its own per-method business logic.
func dispatch(method string, params json.RawMessage) (any, *rpcError) {
	var args map[string]any
	if len(params) > 0 {
		var envelope struct {
			ToolCallID string         `json:"tool_call_id"`
			ToolName   string         `json:"tool_name"`
			Arguments  map[string]any `json:"arguments"`
			AgentName  string         `json:"agent_name"`
		}
		if err := json.Unmarshal(params, &envelope); err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid params: " + err.Error()}
		}
		args = envelope.Arguments
	}
	return map[string]any{
		"echo":   args,
		"method": method,
	}, nil
}

func writeResponse(conn net.Conn, id *int64, result any, rpcErr *rpcError) {
	envelope := map[string]any{"jsonrpc": "2.0"}
	if id != nil {
		envelope["id"] = *id
	}
	if rpcErr != nil {
		envelope["error"] = rpcErr
	} else {
		envelope["result"] = result
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	payload = append(payload, '\n')
	conn.Write(payload)
}
