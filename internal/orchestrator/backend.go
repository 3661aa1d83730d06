package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/haasonsaas/toolcore/internal/processmanager"
	"github.com/haasonsaas/toolcore/internal/rpcclient"
)

// InProcessFunc is a direct Go function call tool implementation: no
// process boundary, grounded on the teacher's in-process tool handlers
// invoked from ToolRegistry.Execute.
type InProcessFunc func(ctx context.Context, args map[string]any, execCtx ExecContext) (any, error)

// InProcessBackend adapts a plain Go function to the Backend interface.
// PreviewFunc is optional; a nil PreviewFunc means the tool has no diff
// preview and previewed is a no-op.
type InProcessBackend struct {
	PreviewFunc func(ctx context.Context, call ToolCall) error
	Run         InProcessFunc
}

func (b *InProcessBackend) Preview(ctx context.Context, call ToolCall) error {
	if b.PreviewFunc == nil {
		return nil
	}
	return b.PreviewFunc(ctx, call)
}

func (b *InProcessBackend) Execute(ctx context.Context, call ToolCall, execCtx ExecContext) ToolResult {
	content, err := b.Run(ctx, call.Arguments, execCtx)
	if err != nil {
		return ToolResult{Success: false, Kind: classifyError(ctx, err), Error: err.Error()}
	}
	return ToolResult{Success: true, Kind: ResultSuccess, Content: content}
}

// SubprocessBackend spawns a one-shot executable per call, feeding the
// call's arguments as a JSON document on stdin and reading a JSON result
// document from stdout, grounded on the teacher's subprocess-spawn code
// in internal/mcp/transport_stdio.go (one-shot instead of persistent).
type SubprocessBackend struct {
	Command string
	Args    []string
	Timeout time.Duration
}

type subprocessEnvelope struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
}

type subprocessResult struct {
	Success bool   `json:"success"`
	Content any    `json:"content"`
	Error   string `json:"error"`
}

func (b *SubprocessBackend) Preview(ctx context.Context, call ToolCall) error {
	return nil
}

func (b *SubprocessBackend) Execute(ctx context.Context, call ToolCall, execCtx ExecContext) ToolResult {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(subprocessEnvelope{ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments})
	if err != nil {
		return ToolResult{Success: false, Kind: ResultSystemError, Error: fmt.Sprintf("marshal subprocess input: %v", err)}
	}

	cmd := exec.CommandContext(runCtx, b.Command, b.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return ToolResult{Success: false, Kind: classifyError(runCtx, err), Error: fmt.Sprintf("%s: %s", err, stderr.String())}
	}

	var res subprocessResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return ToolResult{Success: false, Kind: ResultSystemError, Error: fmt.Sprintf("decode subprocess output: %v", err)}
	}
	if !res.Success {
		return ToolResult{Success: false, Kind: ResultSystemError, Error: res.Error}
	}
	return ToolResult{Success: true, Kind: ResultSuccess, Content: res.Content}
}

// DaemonBackend routes a call through ProcessManager (is it running?) and
// RpcClient (Call), grounded on internal/mcp/client.go's CallTool.
type DaemonBackend struct {
	PluginName string
	SocketPath string
	Method     string
	Timeout    time.Duration

	Manager *processmanager.Manager
	RPC     *rpcclient.Client
}

func (b *DaemonBackend) Preview(ctx context.Context, call ToolCall) error {
	return nil
}

func (b *DaemonBackend) Execute(ctx context.Context, call ToolCall, execCtx ExecContext) ToolResult {
	if b.Manager != nil && !b.Manager.IsRunning(b.PluginName) {
		return ToolResult{
			Success: false,
			Kind:    ResultSystemError,
			Error:   fmt.Sprintf("daemon %q is not running", b.PluginName),
		}
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	params := map[string]any{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"arguments":    call.Arguments,
		"agent_name":   execCtx.AgentName,
	}

	raw, err := b.RPC.Call(ctx, b.SocketPath, b.Method, params, timeout)
	if err != nil {
		return ToolResult{Success: false, Kind: classifyError(ctx, err), Error: err.Error()}
	}

	var content any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &content); err != nil {
			content = string(raw)
		}
	}
	return ToolResult{Success: true, Kind: ResultSuccess, Content: content}
}
