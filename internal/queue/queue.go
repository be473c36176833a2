// Package queue provides the FIFO of invocation work items drained by the
// processor.
package queue

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Queue implementations.
var (
	ErrClosed   = errors.New("queue closed")
	ErrCanceled = errors.New("session canceled")
)

// Item is one unit of work: run instance InstanceID of session SessionID.
type Item struct {
	SessionID  string    `json:"session_id"`
	InstanceID string    `json:"instance_id"`
	InvokeAll  bool      `json:"invoke_all"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is an unbounded FIFO of work items.
// Implementations must be safe for concurrent producers and consumers.
type Queue interface {
	// Put appends an item. Returns ErrCanceled if the session was canceled.
	Put(ctx context.Context, item Item) error

	// Get blocks until an item is available, ctx is done or the queue is
	// closed (ErrClosed).
	Get(ctx context.Context) (Item, error)

	// Cancel drops queued items of a session and rejects future ones.
	Cancel(ctx context.Context, sessionID string) error

	// IsCanceled reports whether a session was canceled.
	IsCanceled(ctx context.Context, sessionID string) (bool, error)

	// Len returns the number of queued items.
	Len(ctx context.Context) (int, error)

	// Close wakes blocked consumers; further Gets return ErrClosed.
	Close() error
}
