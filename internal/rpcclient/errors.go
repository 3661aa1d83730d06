// Package rpcclient implements a stateless JSON-RPC 2.0 client over Unix
// domain sockets: one connection per call, newline-delimited framing.
package rpcclient

import "errors"

// Sentinel errors classified from the underlying transport. Messages match
// the wire-protocol error taxonomy verbatim so callers (and the orchestrator's
// system_error mapping) can match on substrings as well as errors.Is.
var (
	errSocketNotFound       = errors.New("Socket file not found")
	errPermissionDenied     = errors.New("Permission denied")
	errConnectionRefused    = errors.New("Connection refused")
	errIncompleteResponse   = errors.New("Socket closed with incomplete response")
	errIDMismatch           = errors.New("Response ID mismatch")
	errInvalidFormat        = errors.New("Invalid JSON-RPC response format")
	errResponseTooLarge     = errors.New("Response size exceeds maximum")
	errRequestTimeout       = errors.New("request timeout")
)

// ErrSocketNotFound, ErrPermissionDenied, and friends are exported aliases so
// callers outside the package can match specific failure modes with errors.Is.
var (
	ErrSocketNotFound     = errSocketNotFound
	ErrPermissionDenied   = errPermissionDenied
	ErrConnectionRefused  = errConnectionRefused
	ErrIncompleteResponse = errIncompleteResponse
	ErrIDMismatch         = errIDMismatch
	ErrInvalidFormat      = errInvalidFormat
	ErrResponseTooLarge   = errResponseTooLarge
	ErrRequestTimeout     = errRequestTimeout
)
