// Package orchestrator dispatches one model turn's batch of tool calls: it
// unwraps batch wrappers, decides sequential vs. concurrent execution,
// walks each call through a preview/validate/permission/execute state
// machine, and post-processes results with reminders before returning them
// in input order.
package orchestrator

import (
	"context"
	"time"
)

// ToolCall is one invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any

	// ParentID correlates a synthetic batch-unwrapped call back to its
	// wrapper, and a group member back to its group.
	ParentID string
}

// ResultKind classifies a ToolResult's outcome for UI and reminder logic.
type ResultKind string

const (
	ResultSuccess         ResultKind = "success"
	ResultPermissionDenied ResultKind = "permission_denied"
	ResultPermissionError ResultKind = "permission_error"
	ResultFormCancelled   ResultKind = "form_cancelled"
	ResultInterrupted     ResultKind = "interrupted"
	ResultSystemError     ResultKind = "system_error"
	ResultValidationError ResultKind = "validation_error"
)

// ToolResult is the outcome of one call, post-processed and ready to be
// appended as a conversation message.
type ToolResult struct {
	CallID   string
	ToolName string
	Kind     ResultKind
	Success  bool
	Content  any
	Error    string

	Warning            string
	SystemReminder     string
	TotalTurnDuration  time.Duration
	Ephemeral          bool
	NonTruncatable     bool
	ExecutionStartedAt time.Time
}

// CycleInfo carries a per-call cycle-detection warning from the caller's
// loop-tracking collaborator.
type CycleInfo struct {
	Warning string
}

// ExecContext is handed to a Backend's Execute call: it carries the
// turn-scoped abort signal, the acting agent's name for visibility checks,
// and the scoped registry descriptor the backend should dispatch through.
type ExecContext struct {
	Ctx            context.Context
	AgentName      string
	ScopedRegistry string
}

// Backend is the uniform call surface the Orchestrator dispatches through,
// implemented once per tool-hosting strategy (in-process, subprocess-per-call,
// daemon-RPC).
type Backend interface {
	Preview(ctx context.Context, call ToolCall) error
	Execute(ctx context.Context, call ToolCall, execCtx ExecContext) ToolResult
}

// ToolDescriptor carries the per-tool display and policy flags the
// Orchestrator consults while walking the state machine. Callers cache one
// per turn to avoid repeated registry lookups during START/END emission.
type ToolDescriptor struct {
	Name                 string
	RequiresConfirmation bool
	HasFormSchema        bool
	Exploratory          bool

	// KeepsExploratoryStreak opts a non-exploratory tool out of resetting
	// the turn's exploratory streak (4.1.5 step 1). The zero value resets
	// the streak, matching the common case where acting on information
	// ends a run of exploration.
	KeepsExploratoryStreak bool

	VisibleTo        map[string]bool
	IsTodoManagement bool
	ConcurrentSafe   bool
}

// ToolCatalog resolves a tool name to its descriptor and Backend.
type ToolCatalog interface {
	Descriptor(name string) (ToolDescriptor, bool)
	Backend(name string) (Backend, bool)
}

// AgentCapabilities is the narrow capability record the Orchestrator depends
// on instead of holding a backward handle into the agent. The agent is
// constructed first and injects this record when building the Orchestrator.
type AgentCapabilities interface {
	AddMessage(result ToolResult)
	ResetActivity()
	AbortSignal() context.Context
	MaxDuration() time.Duration
	TurnStartTime() time.Time
	AgentName() string
	GetScopedRegistryName() string
	GenerateCheckpointReminder(ctx context.Context) (string, bool)
	PromoteFirstPendingTodo() (promoted bool)
	InProgressTodoSummary() (summary string, ok bool)
	RequestPermission(ctx context.Context, call ToolCall) (granted bool, err error)
	RequestForm(ctx context.Context, call ToolCall) (args map[string]any, cancelled bool, err error)
	RecordForDedup(callID, formatted string) (priorCallID string, duplicate bool)
	Truncate(formatted string) (truncated string, wasTruncated bool)
}

// TurnConfig parameterizes one Execute invocation.
type TurnConfig struct {
	ParallelTools     bool
	MaxBatchSize      int
	SafeConcurrentSet map[string]bool

	ExploratoryGentleThreshold int
	ExploratorySternThreshold  int

	GlobalPatternReminder string
}

func (c TurnConfig) withDefaults() TurnConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.ExploratoryGentleThreshold <= 0 {
		c.ExploratoryGentleThreshold = 3
	}
	if c.ExploratorySternThreshold <= 0 {
		c.ExploratorySternThreshold = 5
	}
	if c.SafeConcurrentSet == nil {
		c.SafeConcurrentSet = map[string]bool{}
	}
	return c
}
