// Package eventbus fans out lifecycle events to subscribed plugin daemons
// over JSON-RPC notifications, isolating each subscriber's failures from the
// rest of the system.
package eventbus

import "fmt"

// EventKind is one of the fixed set of event types a plugin may subscribe to.
type EventKind string

const (
	ToolCallStart       EventKind = "TOOL_CALL_START"
	ToolCallEnd         EventKind = "TOOL_CALL_END"
	AgentStart          EventKind = "AGENT_START"
	AgentEnd            EventKind = "AGENT_END"
	PermissionRequest   EventKind = "PERMISSION_REQUEST"
	PermissionResponse  EventKind = "PERMISSION_RESPONSE"
	CompactionStart     EventKind = "COMPACTION_START"
	CompactionComplete  EventKind = "COMPACTION_COMPLETE"
	ContextUsageUpdate  EventKind = "CONTEXT_USAGE_UPDATE"
	TodoUpdate          EventKind = "TODO_UPDATE"
	ThoughtComplete     EventKind = "THOUGHT_COMPLETE"
	DiffPreview         EventKind = "DIFF_PREVIEW"
)

// ApprovedEvents is the fixed, versioned set of event kinds a subscription
// may name. Anything else is a configuration error raised from Subscribe.
var ApprovedEvents = map[EventKind]bool{
	ToolCallStart:      true,
	ToolCallEnd:        true,
	AgentStart:         true,
	AgentEnd:           true,
	PermissionRequest:  true,
	PermissionResponse: true,
	CompactionStart:    true,
	CompactionComplete: true,
	ContextUsageUpdate: true,
	TodoUpdate:         true,
	ThoughtComplete:    true,
	DiffPreview:        true,
}

func validateEvents(events []EventKind) error {
	if len(events) == 0 {
		return fmt.Errorf("eventbus: subscription requires at least one event")
	}
	for _, e := range events {
		if !ApprovedEvents[e] {
			return fmt.Errorf("eventbus: %q is not an approved event", e)
		}
	}
	return nil
}

func dedupe(events []EventKind) map[EventKind]bool {
	set := make(map[EventKind]bool, len(events))
	for _, e := range events {
		set[e] = true
	}
	return set
}

// subscription is one plugin's registered interest.
type subscription struct {
	pluginName string
	socketPath string
	events     map[EventKind]bool
}
