package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/toolcore/internal/observability"
)

// DefaultMaxResponseSize bounds how much a single response may grow before
// Call gives up, protecting against a daemon that never terminates its reply.
const DefaultMaxResponseSize = 16 * 1024 * 1024

// DefaultTimeout is used when callers pass a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// Client is a stateless JSON-RPC 2.0 client: every Call or Notify opens a
// fresh Unix socket connection and tears it down on exit.
type Client struct {
	maxResponseSize int
	nextID          int64
	metrics         *observability.Metrics
	logger          *observability.Logger
	tracer          *observability.Tracer
}

// New creates an RpcClient. metrics, logger, and tracer may be nil.
func New(maxResponseSize int, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer) *Client {
	if maxResponseSize <= 0 {
		maxResponseSize = DefaultMaxResponseSize
	}
	return &Client{maxResponseSize: maxResponseSize, metrics: metrics, logger: logger, tracer: tracer}
}

type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type wireNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Call sends a request and blocks for the matching response or error.
func (c *Client) Call(ctx context.Context, socketPath, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := atomic.AddInt64(&c.nextID, 1)
	start := time.Now()

	result, err := c.call(ctx, socketPath, method, params, id, timeout)

	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
	}
	return result, err
}

func (c *Client) call(ctx context.Context, socketPath, method string, params any, id int64, timeout time.Duration) (result json.RawMessage, err error) {
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "rpc."+method, observability.SpanOptions{
			Kind: trace.SpanKindClient,
			Attributes: []attribute.KeyValue{
				attribute.String("rpc.socket", socketPath),
				attribute.Int64("rpc.id", id),
			},
		})
		defer func() {
			if err != nil {
				c.tracer.RecordError(span, err)
			}
			span.End()
		}()
	}

	payload, marshalErr := json.Marshal(wireRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if marshalErr != nil {
		return nil, fmt.Errorf("encode request: %w", marshalErr)
	}
	payload = append(payload, '\n')

	conn, err := dial(ctx, socketPath, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// A ctx cancellation should unblock an in-flight read even though the
	// socket's own deadline is set independently below.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(payload); err != nil {
		return nil, classifyIOError(err)
	}

	raw, err := readResponse(conn, c.maxResponseSize)
	if err != nil {
		return nil, classifyIOError(err)
	}

	return validateAndExtract(raw, id)
}

// Notify sends a fire-and-forget JSON-RPC notification (no id, no response
// wait). Used by the event bus to push on_event calls to daemons.
func (c *Client) Notify(ctx context.Context, socketPath, method string, params any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	payload, err := json.Marshal(wireNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	payload = append(payload, '\n')

	conn, err := dial(ctx, socketPath, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(payload); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// Ping is a connect-only health probe: readiness is defined as the socket
// existing and accepting a connection.
func (c *Client) Ping(ctx context.Context, socketPath string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := dial(ctx, socketPath, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func dial(ctx context.Context, socketPath string, timeout time.Duration) (net.Conn, error) {
	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "unix", socketPath)
	if err != nil {
		return nil, classifyIOError(err)
	}
	return conn, nil
}

// readResponse accumulates bytes and attempts a full JSON parse after every
// chunk; a syntactically incomplete buffer is not an error, only a reason to
// keep reading. Growth is capped by maxResponseSize.
func readResponse(conn net.Conn, maxResponseSize int) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, readErr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > maxResponseSize {
				return nil, errResponseTooLarge
			}
			trimmed := bytes.TrimSpace(buf)
			if len(trimmed) > 0 && json.Valid(trimmed) {
				return trimmed, nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil, errIncompleteResponse
			}
			return nil, readErr
		}
	}
}

func validateAndExtract(raw []byte, wantID int64) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errInvalidFormat
	}

	jsonrpcRaw, ok := envelope["jsonrpc"]
	if !ok {
		return nil, errInvalidFormat
	}
	var jsonrpc string
	if err := json.Unmarshal(jsonrpcRaw, &jsonrpc); err != nil || jsonrpc != "2.0" {
		return nil, errInvalidFormat
	}

	idRaw, ok := envelope["id"]
	if !ok {
		return nil, errInvalidFormat
	}
	var gotID int64
	if err := json.Unmarshal(idRaw, &gotID); err != nil {
		return nil, errInvalidFormat
	}

	resultRaw, hasResult := envelope["result"]
	errRaw, hasError := envelope["error"]
	if hasResult == hasError {
		return nil, errInvalidFormat
	}

	if gotID != wantID {
		return nil, errIDMismatch
	}

	if hasError {
		var wireErr wireError
		if err := json.Unmarshal(errRaw, &wireErr); err != nil {
			return nil, errInvalidFormat
		}
		return nil, fmt.Errorf("RPC error (code %d): %s", wireErr.Code, wireErr.Message)
	}

	return resultRaw, nil
}

// classifyIOError maps low-level connection errors onto the wire-protocol's
// client-visible error taxonomy.
func classifyIOError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return errSocketNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return errPermissionDenied
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return errConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", errRequestTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errRequestTimeout, err)
	}
	return err
}
