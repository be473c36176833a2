package itemstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store in process memory. Items are kept in their
// JSON form so callers never share mutable state with the store.
// Suitable for testing and local development.
type MemoryStore[T any] struct {
	hooks[T]

	table string
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates a new in-memory store for table.
func NewMemoryStore[T any](table string) *MemoryStore[T] {
	return &MemoryStore[T]{
		table: table,
		items: make(map[string][]byte),
	}
}

func (s *MemoryStore[T]) Table() string { return s.table }

// Get retrieves an item by id.
func (s *MemoryStore[T]) Get(ctx context.Context, id string) (T, error) {
	s.mu.RLock()
	data, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return decode[T](data)
}

// Set stores an item.
func (s *MemoryStore[T]) Set(ctx context.Context, id string, item T) error {
	data, err := encode(item)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.items[id] = data
	s.mu.Unlock()

	s.notifyChanged(id, item)
	return nil
}

// Delete removes an item.
func (s *MemoryStore[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.items[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.items, id)
	s.mu.Unlock()

	s.notifyDeleted(id)
	return nil
}

// List returns stored ids.
func (s *MemoryStore[T]) List(ctx context.Context, opts *ListOptions) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return paginate(ids, opts), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore[T]) Close() error {
	return nil
}
