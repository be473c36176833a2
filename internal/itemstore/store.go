// Package itemstore provides keyed persistence for engine records such as
// graphs, execution states and batch processes.
package itemstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound     = errors.New("item not found")
	ErrInvalidTable = errors.New("invalid table name")
)

// Well-known tables.
const (
	TableGraphs          = "graphs"
	TableGraphExecutions = "graph_executions"
	TableBatchProcess    = "batch_process"
)

// ListOptions configures list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store persists items of one type in a named table.
// Implementations must be safe for concurrent use.
type Store[T any] interface {
	// Table returns the table name the store writes to.
	Table() string

	// Get retrieves an item. Returns ErrNotFound if the key is absent.
	Get(ctx context.Context, id string) (T, error)

	// Set creates or replaces an item.
	Set(ctx context.Context, id string, item T) error

	// Delete removes an item. Returns ErrNotFound if the key is absent.
	Delete(ctx context.Context, id string) error

	// List returns item ids in ascending order.
	List(ctx context.Context, opts *ListOptions) ([]string, error)

	// OnChanged registers a callback run after every successful Set.
	OnChanged(fn func(id string, item T))

	// OnDeleted registers a callback run after every successful Delete.
	OnDeleted(fn func(id string))

	// Close releases any resources.
	Close() error
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkTable(table string) error {
	if !tableName.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return nil
}

// hooks holds change and delete callbacks shared by every backend.
type hooks[T any] struct {
	mu      sync.RWMutex
	changed []func(id string, item T)
	deleted []func(id string)
}

func (h *hooks[T]) OnChanged(fn func(id string, item T)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changed = append(h.changed, fn)
}

func (h *hooks[T]) OnDeleted(fn func(id string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, fn)
}

func (h *hooks[T]) notifyChanged(id string, item T) {
	h.mu.RLock()
	fns := h.changed
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(id, item)
	}
}

func (h *hooks[T]) notifyDeleted(id string) {
	h.mu.RLock()
	fns := h.deleted
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(id)
	}
}

func encode[T any](item T) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	return data, nil
}

func decode[T any](data []byte) (T, error) {
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return item, fmt.Errorf("unmarshal item: %w", err)
	}
	return item, nil
}

func paginate(ids []string, opts *ListOptions) []string {
	if opts == nil {
		return ids
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(ids) {
			return []string{}
		}
		ids = ids[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(ids) {
		ids = ids[:opts.Limit]
	}
	return ids
}
