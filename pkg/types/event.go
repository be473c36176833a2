package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeInvocationStarted  EventType = "invocation_started"
	EventTypeInvocationComplete EventType = "invocation_complete"
	EventTypeInvocationError    EventType = "invocation_error"
	EventTypeSessionComplete    EventType = "graph_execution_state_complete"
	EventTypeSessionCanceled    EventType = "session_canceled"

	// Stream control events sent only over SSE.
	EventTypeHello     EventType = "hello"
	EventTypeStreamEnd EventType = "stream_end"
)

// Event represents a single event in a session's event stream.
type Event struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Type       EventType       `json:"type"`
	NodeID     string          `json:"node_id,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when emitting new events.
type EventInput struct {
	Type       EventType `json:"type"`
	NodeID     string    `json:"node_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// InvocationStartedEvent is the payload of invocation_started events.
type InvocationStartedEvent struct {
	Kind string `json:"kind"`
}

// InvocationCompleteEvent is the payload of invocation_complete events.
type InvocationCompleteEvent struct {
	Kind       string         `json:"kind"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// InvocationErrorEvent is the payload of invocation_error events.
type InvocationErrorEvent struct {
	Kind       string `json:"kind"`
	ErrorType  string `json:"error_type"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

// SessionCompleteEvent is the payload of graph_execution_state_complete events.
type SessionCompleteEvent struct {
	HasError bool `json:"has_error"`
	Executed int  `json:"executed"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
