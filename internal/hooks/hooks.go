// Package hooks provides an event hook dispatcher for the execution engine.
// Components register handlers for lifecycle events (session start, tool use,
// approvals, results) and the dispatcher fans each emitted event out to all
// registered handlers concurrently, isolating failures per handler.
package hooks

import (
	"time"
)

// EventType identifies a hook event category.
type EventType string

// The closed set of hook event types.
const (
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventApprovalNeeded   EventType = "approval_needed"
	EventApprovalResponse EventType = "approval_response"
	EventResult           EventType = "result"
	EventError            EventType = "error"
	EventCostUpdate       EventType = "cost_update"
	EventNotification     EventType = "notification"
)

// AllEventTypes lists every hook event type.
func AllEventTypes() []EventType {
	return []EventType{
		EventSessionStart,
		EventSessionEnd,
		EventToolUse,
		EventToolResult,
		EventApprovalNeeded,
		EventApprovalResponse,
		EventResult,
		EventError,
		EventCostUpdate,
		EventNotification,
	}
}

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventSessionStart, EventSessionEnd, EventToolUse, EventToolResult,
		EventApprovalNeeded, EventApprovalResponse, EventResult, EventError,
		EventCostUpdate, EventNotification:
		return true
	}
	return false
}

// Event is the payload delivered to hook handlers.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	ChannelID string                 `json:"channel_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates a hook event with the current timestamp.
// ChannelID defaults to the session id when not set by the caller.
func NewEvent(eventType EventType, sessionID string, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		SessionID: sessionID,
		ChannelID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// HandlerResult records the outcome of one handler invocation during Emit.
type HandlerResult struct {
	HandlerName string      `json:"handler_name"`
	Success     bool        `json:"success"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	DurationMS  int64       `json:"duration_ms"`
}
