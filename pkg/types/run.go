// Package types provides wire types shared by the engine's HTTP surface and
// event stream.
package types

import (
	"time"
)

// SessionStatus represents the current state of a session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusComplete SessionStatus = "complete"
)

// SessionSummary is a lightweight representation of a session for listing.
type SessionSummary struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	HasError  bool          `json:"has_error"`
	Executed  int           `json:"executed"`
	Blocked   []string      `json:"blocked,omitempty"`
	Canceled  bool          `json:"canceled,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// InvokeResponse is returned when work is enqueued for a session.
type InvokeResponse struct {
	SessionID  string `json:"session_id"`
	InstanceID string `json:"instance_id"`
	InvokeAll  bool   `json:"invoke_all"`
}
