package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// permissionDeniedErr is raised out of the per-call state machine and
// re-raised to the group dispatcher, per the error propagation policy: a
// denial aborts the whole group and the enclosing turn.
type permissionDeniedErr struct {
	callID string
	reason string
}

func (e *permissionDeniedErr) Error() string {
	return fmt.Sprintf("permission denied for call %s: %s", e.callID, e.reason)
}

// classifyError maps an arbitrary error raised during a call's execution
// onto the ToolResult error-kind taxonomy. Abort maps to interrupted,
// directory-traversal maps to permission_denied, everything else to
// system_error.
func classifyError(ctx context.Context, err error) ResultKind {
	if err == nil {
		return ResultSuccess
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return ResultInterrupted
	}
	var denied *permissionDeniedErr
	if errors.As(err, &denied) {
		return ResultPermissionDenied
	}
	if strings.Contains(err.Error(), "..") && strings.Contains(strings.ToLower(err.Error()), "traversal") {
		return ResultPermissionDenied
	}
	return ResultSystemError
}

// ErrBatchInvalid is returned (and left unhandled, by design) when a batch
// wrapper's shape does not meet the unwrapping contract; invalid batches are
// passed through so the registry's own batch handler produces the
// authoritative error.
var ErrBatchInvalid = errors.New("orchestrator: invalid batch payload")
