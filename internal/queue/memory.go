package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue implements Queue in process memory.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []Item
	canceled map[string]struct{}
	closed   bool

	// signal is closed and replaced on every Put and on Close to wake
	// blocked consumers.
	signal chan struct{}
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		canceled: make(map[string]struct{}),
		signal:   make(chan struct{}),
	}
}

func (q *MemoryQueue) broadcast() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Put appends an item.
func (q *MemoryQueue) Put(ctx context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.canceled[item.SessionID]; ok {
		return ErrCanceled
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	q.items = append(q.items, item)
	q.broadcast()
	return nil
}

// Get removes and returns the oldest item.
func (q *MemoryQueue) Get(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Item{}, ErrClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = Item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-wait:
		}
	}
}

// Cancel drops queued items of a session.
func (q *MemoryQueue) Cancel(ctx context.Context, sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.canceled[sessionID] = struct{}{}
	kept := q.items[:0]
	for _, item := range q.items {
		if item.SessionID != sessionID {
			kept = append(kept, item)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = Item{}
	}
	q.items = kept
	return nil
}

// IsCanceled reports whether a session was canceled.
func (q *MemoryQueue) IsCanceled(ctx context.Context, sessionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.canceled[sessionID]
	return ok, nil
}

// Len returns the number of queued items.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close wakes blocked consumers. Safe to call more than once.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}
