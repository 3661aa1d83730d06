// Package observability provides monitoring and debugging capabilities for
// the tool orchestration core through metrics, structured logging, and
// distributed tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: Minimal performance impact on production systems
//   - Type-safe: Strongly-typed APIs reduce configuration errors
//   - Production-ready: Built-in security (redaction) and reliability features
//   - Standards-based: Uses Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Tool execution outcomes and latency
//   - Daemon lifecycle state and restart counts
//   - RPC call latency and status by method
//   - Event bus dispatch outcomes
//   - Error rates by component and type
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track tool execution
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
//	// Track daemon lifecycle
//	metrics.SetDaemonState("code-search", "running", processmanager.KnownStates)
//	metrics.RecordDaemonRestart("code-search")
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddRequestID(ctx, requestID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "daemon started", "name", config.Name, "pid", pid)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "daemon start failed",
//	    "error", err,
//	    "socket_path", config.SocketPath,
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across
// components:
//   - Tool execution spans around each dispatched call
//   - RPC client spans around each socket round trip
//   - Daemon start/stop/restart spans around process-manager lifecycle
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "toolcored",
//	    ServiceVersion: "1.0.0",
//	    Endpoint:       "localhost:4317", // OTLP collector; empty disables tracing
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	// Trace tool execution
//	ctx, span := tracer.TraceToolExecution(ctx, "web_search")
//	defer span.End()
//	if err != nil {
//	    tracer.RecordError(span, err)
//	}
//
// NewTracer never returns nil: an empty Endpoint yields a tracer backed by
// a no-op span processor, so call sites never need a nil check before
// starting a span.
//
// # Context Propagation
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//	logger.Info(ctx, "dispatching call") // includes request_id, session_id
//
//	ctx, span := tracer.Start(ctx, "operation")
//	// trace context propagates to child spans
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys and generic secrets
//   - Passwords
//   - JWT and bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted: password, passwd, pwd,
// secret, api_key, apikey, token, auth, authorization, private_key,
// privatekey.
//
// # Testing
//
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests (empty Endpoint)
package observability
