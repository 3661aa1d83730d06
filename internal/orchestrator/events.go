package orchestrator

import (
	"sync/atomic"
	"time"
)

// EventKind is one of the closed set of orchestrator lifecycle events.
type EventKind string

const (
	EventToolCallStart       EventKind = "TOOL_CALL_START"
	EventToolCallEnd         EventKind = "TOOL_CALL_END"
	EventToolOutputChunk     EventKind = "TOOL_OUTPUT_CHUNK"
	EventToolPermissionReq   EventKind = "TOOL_PERMISSION_REQUEST"
	EventToolExecutionStart  EventKind = "TOOL_EXECUTION_START"
	EventToolFormRequest     EventKind = "TOOL_FORM_REQUEST"
	EventToolFormResponse    EventKind = "TOOL_FORM_RESPONSE"
	EventToolFormCancel      EventKind = "TOOL_FORM_CANCEL"
	EventError               EventKind = "ERROR"
)

// Event is one emitted lifecycle record.
type Event struct {
	Sequence  uint64
	Kind      EventKind
	CallID    string
	ParentID  string
	ToolName  string
	Success   bool
	Error     string
	Collapsed bool
	Payload   map[string]any
	Timestamp time.Time
}

// EventSink receives emitted events; the orchestrator never blocks waiting
// on a sink, so a slow or closed sink should buffer or drop internally.
type EventSink interface {
	OnEvent(e Event)
}

// noopSink discards every event; used when a turn carries no UI sink.
type noopSink struct{}

func (noopSink) OnEvent(Event) {}

// emitter assigns monotonically increasing sequence numbers to events
// dispatched during one turn.
type emitter struct {
	sequence uint64
	sink     EventSink
}

func newEmitter(sink EventSink) *emitter {
	if sink == nil {
		sink = noopSink{}
	}
	return &emitter{sink: sink}
}

func (e *emitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

func (e *emitter) base(kind EventKind, callID, parentID, toolName string) Event {
	return Event{
		Sequence:  e.nextSeq(),
		Kind:      kind,
		CallID:    callID,
		ParentID:  parentID,
		ToolName:  toolName,
		Collapsed: false,
		Timestamp: time.Now(),
	}
}

func (e *emitter) callStart(callID, parentID, toolName string) {
	e.sink.OnEvent(e.base(EventToolCallStart, callID, parentID, toolName))
}

func (e *emitter) permissionRequest(callID, parentID, toolName string) {
	e.sink.OnEvent(e.base(EventToolPermissionReq, callID, parentID, toolName))
}

func (e *emitter) executionStart(callID, parentID, toolName string) {
	e.sink.OnEvent(e.base(EventToolExecutionStart, callID, parentID, toolName))
}

func (e *emitter) callEnd(callID, parentID, toolName string, success bool, errMsg string) {
	evt := e.base(EventToolCallEnd, callID, parentID, toolName)
	evt.Success = success
	evt.Error = errMsg
	e.sink.OnEvent(evt)
}
