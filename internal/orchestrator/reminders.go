package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// ReminderState carries the inputs the fixed-order producer pipeline needs.
type ReminderState struct {
	ToolReminder   string
	TurnStartTime  time.Time
	MaxDuration    time.Duration
	CycleWarning   string
	GlobalPattern  string
	TodoFocus      string
}

// ReminderProducer emits one reminder's (text, persist) tuple, or ok=false
// to contribute nothing.
type ReminderProducer interface {
	Produce(ctx context.Context, rs *ReminderState) (text string, persist bool, ok bool)
}

type toolOwnReminder struct{}

func (toolOwnReminder) Produce(_ context.Context, rs *ReminderState) (string, bool, bool) {
	if rs.ToolReminder == "" {
		return "", false, false
	}
	return rs.ToolReminder, false, true
}

// elapsedTimeReminder implements the time-reminder rule from 4.1.6: no
// reminder under 50%, gentle at >=50%, warning at >=75%, urgent at >=90%,
// critical at >=100%.
type elapsedTimeReminder struct{}

func (elapsedTimeReminder) Produce(_ context.Context, rs *ReminderState) (string, bool, bool) {
	if rs.MaxDuration <= 0 || rs.TurnStartTime.IsZero() {
		return "", false, false
	}
	elapsed := time.Since(rs.TurnStartTime)
	percent := 100 * elapsed.Seconds() / rs.MaxDuration.Seconds()
	remaining := rs.MaxDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	mmss := formatMMSS(remaining)

	var label string
	switch {
	case percent >= 100:
		label = "critical"
	case percent >= 90:
		label = "urgent"
	case percent >= 75:
		label = "warning"
	case percent >= 50:
		label = "gentle"
	default:
		return "", false, false
	}
	return fmt.Sprintf("[%s] %s remaining in this turn's time budget", label, mmss), false, true
}

func formatMMSS(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

type cycleDetectionReminder struct{}

func (cycleDetectionReminder) Produce(_ context.Context, rs *ReminderState) (string, bool, bool) {
	if rs.CycleWarning == "" {
		return "", false, false
	}
	return rs.CycleWarning, false, true
}

type globalPatternReminder struct{}

func (globalPatternReminder) Produce(_ context.Context, rs *ReminderState) (string, bool, bool) {
	if rs.GlobalPattern == "" {
		return "", false, false
	}
	return rs.GlobalPattern, false, true
}

type todoFocusReminder struct{}

func (todoFocusReminder) Produce(_ context.Context, rs *ReminderState) (string, bool, bool) {
	if rs.TodoFocus == "" {
		return "", false, false
	}
	return rs.TodoFocus, false, true
}

// reminderPipeline is the fixed producer order from 4.1.5 step 4 / 4.6.
var reminderPipeline = []ReminderProducer{
	toolOwnReminder{},
	elapsedTimeReminder{},
	cycleDetectionReminder{},
	globalPatternReminder{},
	todoFocusReminder{},
}

// assembleReminders runs the pipeline in order and wraps each non-empty
// result in reminder tags, concatenating with no separator so tests can
// assert exact byte-for-byte output.
func assembleReminders(ctx context.Context, rs *ReminderState) string {
	var out string
	for _, p := range reminderPipeline {
		text, _, ok := p.Produce(ctx, rs)
		if !ok || text == "" {
			continue
		}
		out += "<system-reminder>" + text + "</system-reminder>"
	}
	return out
}
