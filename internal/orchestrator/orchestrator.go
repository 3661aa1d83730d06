package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/toolcore/internal/observability"
)

// batchToolName is the name of the transparent wrapper tool unwrapped
// before dispatch (4.1.1).
const batchToolName = "batch"

// Orchestrator dispatches one turn's batch of tool calls. One instance is
// used by exactly one turn; callers must not share it across concurrent
// turns (design note, section 5).
type Orchestrator struct {
	catalog ToolCatalog
	agent   AgentCapabilities
	metrics *observability.Metrics
	logger  *observability.Logger
	tracer  *observability.Tracer

	emitter *emitter

	// parentID is the Orchestrator's own nesting context: non-empty when
	// this Orchestrator belongs to a nested agent call (design note 9).
	parentID string

	exploratoryStreak int
	checkpointAttached bool
}

// New constructs an Orchestrator for one turn. sink receives lifecycle
// events; parentID correlates this turn's groups to an enclosing agent
// call, or is empty for the top-level turn.
func New(catalog ToolCatalog, agent AgentCapabilities, sink EventSink, parentID string, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer) *Orchestrator {
	return &Orchestrator{
		catalog:  catalog,
		agent:    agent,
		metrics:  metrics,
		logger:   logger,
		tracer:   tracer,
		emitter:  newEmitter(sink),
		parentID: parentID,
	}
}

// Execute runs one turn's tool calls to completion, in the concurrency
// mode the turn config dictates, and returns results in input order. A
// non-nil error means a member of the turn was permission-denied (4.1.3);
// callers must treat that as aborting the turn rather than continuing it,
// even though results still carries one entry per input call.
func (o *Orchestrator) Execute(ctx context.Context, turn []ToolCall, cycles map[string]CycleInfo, cfg TurnConfig) ([]ToolResult, error) {
	cfg = cfg.withDefaults()

	calls := o.unwrapBatches(turn, cfg.MaxBatchSize)
	if len(calls) == 0 {
		return nil, nil
	}

	if len(calls) == 1 {
		result, err := o.runSequentialMember(ctx, calls[0], cycles, cfg, "", true)
		return []ToolResult{result}, err
	}

	if cfg.ParallelTools && o.allSafeConcurrent(calls, cfg) {
		return o.executeConcurrent(ctx, calls, cycles, cfg)
	}
	return o.executeSequential(ctx, calls, cycles, cfg)
}

// unwrapBatches expands `batch` wrapper calls into synthetic member calls
// per 4.1.1. Invalid batch payloads are passed through unchanged so the
// registry's own batch handler produces the authoritative error.
func (o *Orchestrator) unwrapBatches(turn []ToolCall, maxBatch int) []ToolCall {
	out := make([]ToolCall, 0, len(turn))
	for _, call := range turn {
		if call.Name != batchToolName {
			out = append(out, call)
			continue
		}
		members, ok := parseBatchEntries(call.Arguments, maxBatch)
		if !ok {
			out = append(out, call)
			continue
		}
		for i, m := range members {
			out = append(out, ToolCall{
				ID:        fmt.Sprintf("%s-unwrapped-%d", call.ID, i),
				Name:      m.name,
				Arguments: m.args,
				ParentID:  call.ID,
			})
		}
	}
	return out
}

type batchEntry struct {
	name string
	args map[string]any
}

func parseBatchEntries(args map[string]any, maxBatch int) ([]batchEntry, bool) {
	raw, ok := args["tools"]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 || len(list) > maxBatch {
		return nil, false
	}
	entries := make([]batchEntry, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		name, ok := obj["name"].(string)
		if !ok || name == "" {
			return nil, false
		}
		argsObj, ok := obj["arguments"].(map[string]any)
		if !ok {
			return nil, false
		}
		entries = append(entries, batchEntry{name: name, args: argsObj})
	}
	return entries, true
}

// allSafeConcurrent reports whether every call names a tool in the
// configured safe-concurrent set (4.1.2).
func (o *Orchestrator) allSafeConcurrent(calls []ToolCall, cfg TurnConfig) bool {
	for _, c := range calls {
		if !cfg.SafeConcurrentSet[c.Name] {
			return false
		}
	}
	return true
}

// executeSequential runs each call's state machine one at a time,
// preserving input order by construction. A permission denial aborts the
// remaining calls in the turn, same as a cancelled context.
func (o *Orchestrator) executeSequential(ctx context.Context, calls []ToolCall, cycles map[string]CycleInfo, cfg TurnConfig) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))
	var turnErr error
	for i, call := range calls {
		result, err := o.runSequentialMember(ctx, call, cycles, cfg, o.parentID, i == 0)
		results[i] = result
		if err != nil {
			turnErr = err
		}
		if err != nil || ctx.Err() != nil {
			for j := i + 1; j < len(calls); j++ {
				results[j] = o.interruptedResult(calls[j])
			}
			break
		}
	}
	return results, turnErr
}

func (o *Orchestrator) runSequentialMember(ctx context.Context, call ToolCall, cycles map[string]CycleInfo, cfg TurnConfig, parentID string, isFirst bool) (ToolResult, error) {
	raw, err := o.runStateMachine(ctx, call, parentID, cfg)
	return o.postProcess(ctx, call, raw, cycles, cfg, isFirst), err
}

// executeConcurrent runs a concurrent-safe group of calls per 4.1.3/4.1.4:
// a group START, then every member START before any member executes, then
// fan-out, then a group END whose success is the AND over members. A
// permission_denied from any member is group-fatal: every still-pending
// member gets a synthetic END and the denial re-raises.
func (o *Orchestrator) executeConcurrent(ctx context.Context, calls []ToolCall, cycles map[string]CycleInfo, cfg TurnConfig) ([]ToolResult, error) {
	groupID := groupIDFor()
	o.emitter.callStart(groupID, o.parentID, "")

	for _, c := range calls {
		o.emitter.callStart(c.ID, groupID, c.Name)
	}

	results := make([]ToolResult, len(calls))
	settled := make([]bool, len(calls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deniedOnce sync.Once
	var deniedErr error

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c ToolCall) {
			defer wg.Done()
			raw, err := o.runStateMachineNoStart(groupCtx, c, groupID, cfg)
			result := o.postProcess(groupCtx, c, raw, cycles, cfg, idx == 0)
			mu.Lock()
			results[idx] = result
			settled[idx] = true
			mu.Unlock()
			if err != nil {
				deniedOnce.Do(func() {
					deniedErr = err
					cancel()
				})
			}
		}(i, call)
	}
	wg.Wait()

	mu.Lock()
	for i := range results {
		if !settled[i] {
			results[i] = ToolResult{
				CallID:   calls[i].ID,
				ToolName: calls[i].Name,
				Kind:     ResultSystemError,
				Success:  false,
				Error:    "Unknown error",
			}
			o.emitter.callEnd(calls[i].ID, groupID, calls[i].Name, false, "Unknown error")
		}
	}
	mu.Unlock()

	success := deniedErr == nil
	var groupErr string
	if !success {
		groupErr = "Permission denied"
	}
	o.emitter.callEnd(groupID, o.parentID, "", success, groupErr)

	return results, deniedErr
}

func groupIDFor() string {
	return "group-" + uuid.NewString()
}

// runStateMachine walks created -> previewed -> validated -> permission
// -> executing -> completed, emitting its own TOOL_CALL_START, per the
// sequential path (the concurrent path pre-emits member starts, so it
// calls runStateMachineNoStart instead).
func (o *Orchestrator) runStateMachine(ctx context.Context, call ToolCall, parentID string, cfg TurnConfig) (ToolResult, error) {
	o.emitter.callStart(call.ID, parentID, call.Name)
	return o.runStateMachineNoStart(ctx, call, parentID, cfg)
}

func (o *Orchestrator) runStateMachineNoStart(ctx context.Context, call ToolCall, parentID string, cfg TurnConfig) (ToolResult, error) {
	desc, ok := o.catalog.Descriptor(call.Name)
	if !ok {
		res := ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultSystemError, Error: "unknown tool: " + call.Name}
		o.emitter.callEnd(call.ID, parentID, call.Name, false, res.Error)
		return res, nil
	}

	if len(desc.VisibleTo) > 0 && !desc.VisibleTo[o.agent.AgentName()] {
		res := ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultPermissionError, Error: "tool not visible to agent " + o.agent.AgentName()}
		o.emitter.callEnd(call.ID, parentID, call.Name, false, res.Error)
		return res, nil
	}

	if !desc.IsTodoManagement {
		o.promoteTodoBestEffort()
	}

	backend, ok := o.catalog.Backend(call.Name)
	if !ok {
		res := ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultSystemError, Error: "no backend for tool: " + call.Name}
		o.emitter.callEnd(call.ID, parentID, call.Name, false, res.Error)
		return res, nil
	}

	// previewed
	if err := backend.Preview(ctx, call); err != nil {
		res := ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultValidationError, Error: err.Error()}
		o.emitter.callEnd(call.ID, parentID, call.Name, false, res.Error)
		return res, nil
	}

	// validated (pre-permission validation only applies to
	// confirmation-gated tools)
	if desc.RequiresConfirmation {
		if err := o.validateBeforePermission(ctx, call); err != nil {
			res := ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultValidationError, Error: err.Error()}
			o.emitter.callEnd(call.ID, parentID, call.Name, false, res.Error)
			return res, nil
		}

		if desc.HasFormSchema {
			formArgs, cancelled, err := o.agent.RequestForm(ctx, call)
			if err != nil {
				res := ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultSystemError, Error: err.Error()}
				o.emitter.callEnd(call.ID, parentID, call.Name, false, res.Error)
				return res, nil
			}
			if cancelled {
				res := ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultFormCancelled, Error: "form cancelled"}
				o.emitter.callEnd(call.ID, parentID, call.Name, false, res.Error)
				return res, nil
			}
			merged := mergeArgs(call.Arguments, formArgs)
			call.Arguments = merged
		}

		o.emitter.permissionRequest(call.ID, parentID, call.Name)
		granted, err := o.agent.RequestPermission(ctx, call)
		if err != nil || !granted {
			reason := "denied"
			if err != nil {
				reason = err.Error()
			}
			res := ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultPermissionDenied, Error: "Permission denied"}
			o.emitter.callEnd(call.ID, parentID, call.Name, false, res.Error)
			return res, &permissionDeniedErr{callID: call.ID, reason: reason}
		}
	}

	o.emitter.executionStart(call.ID, parentID, call.Name)
	startedAt := time.Now()
	execCtx := ExecContext{Ctx: ctx, AgentName: o.agent.AgentName(), ScopedRegistry: o.agent.GetScopedRegistryName()}

	spanCtx := ctx
	var span trace.Span
	if o.tracer != nil {
		spanCtx, span = o.tracer.TraceToolExecution(ctx, call.Name)
		execCtx.Ctx = spanCtx
	}

	res := o.safeExecute(spanCtx, backend, call, execCtx)
	if span != nil {
		if !res.Success {
			o.tracer.RecordError(span, fmt.Errorf("%s", res.Error))
		}
		span.End()
	}
	res.CallID = call.ID
	res.ToolName = call.Name
	res.ExecutionStartedAt = startedAt
	if res.Kind == "" {
		if res.Success {
			res.Kind = ResultSuccess
		} else {
			res.Kind = ResultSystemError
		}
	}

	o.emitter.callEnd(call.ID, parentID, call.Name, res.Success, res.Error)
	o.recordExecution(ctx, call, res, startedAt)

	if res.Kind == ResultInterrupted && !desc.IsTodoManagement {
		o.agent.ResetActivity()
	}

	return res, nil
}

// recordExecution reports per-tool duration and status to the metrics
// collaborator and logs non-success outcomes, mirroring the teacher's
// tool_exec.go completion-event logging.
func (o *Orchestrator) recordExecution(ctx context.Context, call ToolCall, res ToolResult, startedAt time.Time) {
	if o.metrics != nil {
		status := "success"
		if !res.Success {
			status = string(res.Kind)
		}
		o.metrics.RecordToolExecution(call.Name, status, time.Since(startedAt).Seconds())
	}
	if o.logger != nil && !res.Success {
		o.logger.Warn(ctx, "tool call did not succeed", "tool", call.Name, "call_id", call.ID, "kind", string(res.Kind), "error", res.Error)
	}
}

// safeExecute invokes the backend, recovering a panic into a
// system_error result so one misbehaving tool can never crash the turn.
func (o *Orchestrator) safeExecute(ctx context.Context, backend Backend, call ToolCall, execCtx ExecContext) (result ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ToolResult{Success: false, Kind: ResultSystemError, Error: fmt.Sprintf("panic executing %s: %v", call.Name, r)}
		}
	}()
	result = backend.Execute(ctx, call, execCtx)
	if err := ctx.Err(); err != nil && !result.Success {
		result.Kind = classifyError(ctx, err)
		if result.Kind == ResultInterrupted {
			result.Error = "interrupted"
		}
	}
	return result
}

// validateBeforePermission hooks section 4.1.3's "validated" transition
// for confirmation-gated tools; no-op unless the catalog exposes a
// validating variant via a type assertion, keeping the common path cheap.
func (o *Orchestrator) validateBeforePermission(ctx context.Context, call ToolCall) error {
	type validator interface {
		Validate(ctx context.Context, call ToolCall) error
	}
	backend, ok := o.catalog.Backend(call.Name)
	if !ok {
		return nil
	}
	if v, ok := backend.(validator); ok {
		return v.Validate(ctx, call)
	}
	return nil
}

func mergeArgs(base, overrides map[string]any) map[string]any {
	if len(overrides) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func (o *Orchestrator) promoteTodoBestEffort() {
	defer func() { _ = recover() }()
	o.agent.PromoteFirstPendingTodo()
}

func (o *Orchestrator) interruptedResult(call ToolCall) ToolResult {
	return ToolResult{CallID: call.ID, ToolName: call.Name, Kind: ResultInterrupted, Error: "interrupted"}
}

// postProcess runs the fixed pipeline from 4.1.5: exploratory streak,
// checkpoint reminder (first result of the turn only), dedup, format +
// reminder injection, then appends the conversation message via the
// agent collaborator.
func (o *Orchestrator) postProcess(ctx context.Context, call ToolCall, res ToolResult, cycles map[string]CycleInfo, cfg TurnConfig, isFirstOfTurn bool) ToolResult {
	desc, _ := o.catalog.Descriptor(call.Name)

	o.updateExploratoryStreak(desc, cfg, &res)

	if isFirstOfTurn && !o.checkpointAttached {
		if text, ok := o.agent.GenerateCheckpointReminder(ctx); ok && text != "" {
			if res.SystemReminder == "" {
				res.SystemReminder = text
			} else {
				res.SystemReminder = res.SystemReminder + "\n\n" + text
			}
			o.checkpointAttached = true
		}
	}

	formatted := formatResultPayload(res)

	if !res.Ephemeral {
		if priorID, dup := o.agent.RecordForDedup(call.ID, formatted); dup {
			formatted = fmt.Sprintf("Duplicate of prior result for call %s; content omitted.", priorID)
		}
	}

	truncated := formatted
	if !res.NonTruncatable {
		if t, did := o.agent.Truncate(formatted); did {
			truncated = t
		}
	}
	if res.Warning != "" {
		truncated = truncated + "\n" + res.Warning
	}

	rs := &ReminderState{
		ToolReminder:  res.SystemReminder,
		TurnStartTime: o.agent.TurnStartTime(),
		MaxDuration:   o.agent.MaxDuration(),
		CycleWarning:  cycles[call.ID].Warning,
		GlobalPattern: cfg.GlobalPatternReminder,
		TodoFocus:     o.todoFocusFor(desc),
	}
	reminders := assembleReminders(ctx, rs)
	finalContent := truncated + reminders

	res.Content = finalContent
	o.agent.AddMessage(res)
	return res
}

func (o *Orchestrator) todoFocusFor(desc ToolDescriptor) string {
	if desc.IsTodoManagement {
		return ""
	}
	if summary, ok := o.agent.InProgressTodoSummary(); ok {
		return summary
	}
	return ""
}

// updateExploratoryStreak implements 4.1.5 step 1: exploratory tools
// (for non-specialized agents) increment a turn-scoped counter and attach
// gentle/stern reminders at configured thresholds; any other tool that
// does not opt out of breaking the streak resets it to zero.
func (o *Orchestrator) updateExploratoryStreak(desc ToolDescriptor, cfg TurnConfig, res *ToolResult) {
	if desc.Exploratory {
		o.exploratoryStreak++
		switch {
		case o.exploratoryStreak >= cfg.ExploratorySternThreshold:
			appendReminder(res, "You have called many exploratory tools in a row without acting. Consider whether you have enough information to proceed.")
		case o.exploratoryStreak >= cfg.ExploratoryGentleThreshold:
			appendReminder(res, "You have called several exploratory tools in a row. Consider whether you have enough information to proceed.")
		}
		return
	}
	if desc.KeepsExploratoryStreak {
		return
	}
	o.exploratoryStreak = 0
}

func appendReminder(res *ToolResult, text string) {
	if res.SystemReminder == "" {
		res.SystemReminder = text
		return
	}
	res.SystemReminder = res.SystemReminder + "\n\n" + text
}

// formatResultPayload serializes the result to JSON, stripping the
// ephemeral fields (warning, system_reminder, total_turn_duration) before
// dedup/truncation/reminder injection re-attach them (4.1.5 step 4).
func formatResultPayload(res ToolResult) string {
	payload := struct {
		Success bool   `json:"success"`
		Content any    `json:"content,omitempty"`
		Error   string `json:"error,omitempty"`
	}{
		Success: res.Success,
		Content: res.Content,
		Error:   res.Error,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", res.Content)
	}
	return string(b)
}
