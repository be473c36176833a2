package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queues(t *testing.T) map[string]func(t *testing.T) Queue {
	return map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue { return NewMemoryQueue() },
		"redis": func(t *testing.T) Queue {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisQueue(client, "test")
		},
	}
}

func TestQueue_Conformance(t *testing.T) {
	for name, open := range queues(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("fifo order", func(t *testing.T) {
				q := open(t)
				ctx := context.Background()
				for _, id := range []string{"a", "b", "c"} {
					require.NoError(t, q.Put(ctx, Item{SessionID: "s", InstanceID: id}))
				}
				n, err := q.Len(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				for _, want := range []string{"a", "b", "c"} {
					item, err := q.Get(ctx)
					require.NoError(t, err)
					assert.Equal(t, want, item.InstanceID)
					assert.False(t, item.EnqueuedAt.IsZero())
				}
			})

			t.Run("get blocks until put", func(t *testing.T) {
				q := open(t)
				got := make(chan Item, 1)
				go func() {
					item, err := q.Get(context.Background())
					if err == nil {
						got <- item
					}
				}()

				time.Sleep(20 * time.Millisecond)
				require.NoError(t, q.Put(context.Background(), Item{SessionID: "s", InstanceID: "late", InvokeAll: true}))

				select {
				case item := <-got:
					assert.Equal(t, "late", item.InstanceID)
					assert.True(t, item.InvokeAll)
				case <-time.After(2 * time.Second):
					t.Fatal("Get did not wake")
				}
			})

			t.Run("get honours context", func(t *testing.T) {
				q := open(t)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
				defer cancel()
				_, err := q.Get(ctx)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			})

			t.Run("close wakes consumers", func(t *testing.T) {
				q := open(t)
				errs := make(chan error, 1)
				go func() {
					_, err := q.Get(context.Background())
					errs <- err
				}()
				time.Sleep(20 * time.Millisecond)
				require.NoError(t, q.Close())
				require.NoError(t, q.Close())

				select {
				case err := <-errs:
					assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
				case <-time.After(2 * time.Second):
					t.Fatal("Close did not wake Get")
				}
			})

			t.Run("cancel drops session items", func(t *testing.T) {
				q := open(t)
				ctx := context.Background()
				require.NoError(t, q.Put(ctx, Item{SessionID: "drop", InstanceID: "1"}))
				require.NoError(t, q.Put(ctx, Item{SessionID: "keep", InstanceID: "2"}))
				require.NoError(t, q.Put(ctx, Item{SessionID: "drop", InstanceID: "3"}))

				require.NoError(t, q.Cancel(ctx, "drop"))

				canceled, err := q.IsCanceled(ctx, "drop")
				require.NoError(t, err)
				assert.True(t, canceled)
				canceled, err = q.IsCanceled(ctx, "keep")
				require.NoError(t, err)
				assert.False(t, canceled)

				n, err := q.Len(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				item, err := q.Get(ctx)
				require.NoError(t, err)
				assert.Equal(t, "keep", item.SessionID)

				assert.ErrorIs(t, q.Put(ctx, Item{SessionID: "drop", InstanceID: "4"}), ErrCanceled)
			})
		})
	}
}

func TestMemoryQueue_ConcurrentConsumers(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 200
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Get(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[item.InstanceID]++
				done := len(seen) == total
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		require.NoError(t, q.Put(context.Background(), Item{SessionID: "s", InstanceID: fmt.Sprintf("i-%d", i)}))
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s delivered %d times", id, n)
	}
}

func TestRedisQueue_KeepsItemWhenCancelCheckFails(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := NewRedisQueue(client, "test")

	require.NoError(t, q.Put(ctx, Item{SessionID: "s", InstanceID: "a"}))
	// A string where the canceled set belongs makes SISMEMBER fail.
	require.NoError(t, mr.Set(q.keyCanceled(), "oops"))

	_, err := q.Get(ctx)
	require.Error(t, err)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "popped item is pushed back")

	mr.Del(q.keyCanceled())
	item, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", item.InstanceID)
}
