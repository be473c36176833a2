package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue as a Redis list shared by every process that
// points at the same prefix.
type RedisQueue struct {
	client *redis.Client
	prefix string

	// pollInterval bounds each BLPOP so Get notices ctx and Close.
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewRedisQueue creates a queue under prefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "graph-engine"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: time.Second,
		done:         make(chan struct{}),
	}
}

// Key helpers
func (q *RedisQueue) keyItems() string    { return fmt.Sprintf("%s:queue:items", q.prefix) }
func (q *RedisQueue) keyCanceled() string { return fmt.Sprintf("%s:queue:canceled", q.prefix) }

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Put appends an item.
func (q *RedisQueue) Put(ctx context.Context, item Item) error {
	if q.isClosed() {
		return ErrClosed
	}
	canceled, err := q.IsCanceled(ctx, item.SessionID)
	if err != nil {
		return err
	}
	if canceled {
		return ErrCanceled
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if err := q.client.RPush(ctx, q.keyItems(), data).Err(); err != nil {
		return fmt.Errorf("push item: %w", err)
	}
	return nil
}

// Get pops the oldest item, skipping items of canceled sessions.
func (q *RedisQueue) Get(ctx context.Context) (Item, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if q.isClosed() {
			return Item{}, ErrClosed
		}
		if err := parent.Err(); err != nil {
			return Item{}, err
		}

		res, err := q.client.BLPop(ctx, q.pollInterval, q.keyItems()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if q.isClosed() {
				return Item{}, ErrClosed
			}
			if parent.Err() != nil {
				return Item{}, parent.Err()
			}
			return Item{}, fmt.Errorf("pop item: %w", err)
		}

		var item Item
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return Item{}, fmt.Errorf("unmarshal item: %w", err)
		}
		// The item is off the list; finish with it even when ctx ends.
		detached := context.WithoutCancel(ctx)
		canceled, err := q.IsCanceled(detached, item.SessionID)
		if err != nil {
			if perr := q.client.LPush(detached, q.keyItems(), res[1]).Err(); perr != nil {
				return Item{}, errors.Join(err, fmt.Errorf("restore item: %w", perr))
			}
			return Item{}, err
		}
		if canceled {
			continue
		}
		return item, nil
	}
}

// Cancel marks a session canceled and drops its queued items.
func (q *RedisQueue) Cancel(ctx context.Context, sessionID string) error {
	if err := q.client.SAdd(ctx, q.keyCanceled(), sessionID).Err(); err != nil {
		return fmt.Errorf("mark canceled: %w", err)
	}

	raw, err := q.client.LRange(ctx, q.keyItems(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	pipe := q.client.Pipeline()
	for _, r := range raw {
		var item Item
		if json.Unmarshal([]byte(r), &item) == nil && item.SessionID == sessionID {
			pipe.LRem(ctx, q.keyItems(), 1, r)
		}
	}
	if pipe.Len() > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("drop items: %w", err)
		}
	}
	return nil
}

// IsCanceled reports whether a session was canceled.
func (q *RedisQueue) IsCanceled(ctx context.Context, sessionID string) (bool, error) {
	ok, err := q.client.SIsMember(ctx, q.keyCanceled(), sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("check canceled: %w", err)
	}
	return ok, nil
}

// Len returns the number of queued items.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.keyItems()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

// Close stops local consumers. The list itself is left in Redis.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
