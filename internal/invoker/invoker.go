// Package invoker is the entry point for running graphs: it creates
// execution states, prepares the next instance and hands it to the queue.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/events"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/execstate"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/itemstore"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/processor"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/queue"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
	"github.com/flexinfer/mentatlab/services/graph-engine/pkg/types"
)

// ErrNoWork is returned by Invoke when no instance is ready.
var ErrNoWork = errors.New("no instance ready to invoke")

// Services bundles the components an Invoker drives.
type Services struct {
	Graphs    itemstore.Store[*graph.Graph]
	States    itemstore.Store[*execstate.State]
	Queue     queue.Queue
	Processor *processor.Processor
	Registry  *registry.Registry
	Emitter   *events.Emitter
	Logger    *slog.Logger
}

// Invoker creates and advances graph execution sessions.
type Invoker struct {
	svc    *Services
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// New creates an invoker over svc.
func New(svc *Services) *Invoker {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{svc: svc, logger: logger}
}

// Services returns the bundle the invoker was created with.
func (i *Invoker) Services() *Services { return i.svc }

// Start starts the processor. Calling Start twice is a no-op.
func (i *Invoker) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.started {
		return nil
	}
	if err := i.svc.Processor.Start(ctx); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}
	i.started = true
	return nil
}

// Stop stops the processor, letting in-flight invocations finish. Calling
// Stop twice is a no-op.
func (i *Invoker) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.started {
		return
	}
	i.svc.Processor.Stop()
	i.started = false
}

// CreateExecutionState creates and persists a session over a copy of g.
// A nil g starts from an empty graph.
func (i *Invoker) CreateExecutionState(ctx context.Context, g *graph.Graph) (*execstate.State, error) {
	state := execstate.New(g).Bind(i.svc.Registry)
	if err := i.persist(ctx, state); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.WithLabelValues("api").Inc()
	i.logger.Info("session created", slog.String("session_id", state.ID), slog.Int("nodes", len(state.Graph.Nodes)))
	return state, nil
}

// Invoke prepares the next ready instance of state, persists the state and
// enqueues the instance. With invokeAll the processor keeps enqueuing until
// the session completes. It returns the enqueued instance id.
//
// When workers advanced the session since state was read, state is first
// replaced by the stored copy.
func (i *Invoker) Invoke(ctx context.Context, state *execstate.State, invokeAll bool) (string, error) {
	unlock := i.svc.Processor.LockSession(state.ID)
	defer unlock()

	if err := i.refresh(ctx, state); err != nil {
		return "", err
	}
	return i.invoke(ctx, state, invokeAll)
}

func (i *Invoker) refresh(ctx context.Context, state *execstate.State) error {
	stored, err := i.svc.States.Get(ctx, state.ID)
	metrics.ItemStoreOperations.WithLabelValues(i.svc.States.Table(), "get", metrics.Result(err)).Inc()
	switch {
	case errors.Is(err, itemstore.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	}
	if stored.UpdatedAt.After(state.UpdatedAt) || len(stored.ExecutedHistory) > len(state.ExecutedHistory) {
		*state = *stored
	}
	return nil
}

// InvokeSession loads the stored session and invokes it.
func (i *Invoker) InvokeSession(ctx context.Context, sessionID string, invokeAll bool) (string, error) {
	unlock := i.svc.Processor.LockSession(sessionID)
	defer unlock()

	state, err := i.svc.States.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return i.invoke(ctx, state, invokeAll)
}

func (i *Invoker) invoke(ctx context.Context, state *execstate.State, invokeAll bool) (string, error) {
	canceled, err := i.svc.Queue.IsCanceled(ctx, state.ID)
	if err != nil {
		return "", fmt.Errorf("cancel check: %w", err)
	}
	if canceled {
		return "", queue.ErrCanceled
	}

	state.Bind(i.svc.Registry)
	if len(state.Executed) == 0 {
		if err := state.Graph.Validate(); err != nil {
			return "", err
		}
	}
	next, err := state.Next()
	if err != nil {
		return "", err
	}
	if next == "" {
		return "", ErrNoWork
	}

	if err := i.persist(ctx, state); err != nil {
		return "", err
	}

	item := queue.Item{
		SessionID:  state.ID,
		InstanceID: next,
		InvokeAll:  invokeAll,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := i.svc.Queue.Put(ctx, item); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	i.logger.Debug("instance enqueued",
		slog.String("session_id", state.ID),
		slog.String("instance_id", next),
		slog.Bool("invoke_all", invokeAll),
	)
	return next, nil
}

// Cancel drops queued work for a session and rejects further invocations.
// An instance already running finishes and is recorded.
func (i *Invoker) Cancel(ctx context.Context, sessionID string) error {
	if err := i.svc.Queue.Cancel(ctx, sessionID); err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	metrics.EventsTotal.WithLabelValues(string(types.EventTypeSessionCanceled)).Inc()
	i.svc.Emitter.Emit(ctx, sessionID, &types.EventInput{Type: types.EventTypeSessionCanceled})
	i.logger.Info("session canceled", slog.String("session_id", sessionID))
	return nil
}

// Summary describes a stored session.
func (i *Invoker) Summary(ctx context.Context, state *execstate.State) types.SessionSummary {
	canceled, err := i.svc.Queue.IsCanceled(ctx, state.ID)
	if err != nil {
		i.logger.Warn("cancel check failed", slog.String("session_id", state.ID), slog.Any("error", err))
	}
	state.Bind(i.svc.Registry)
	return types.SessionSummary{
		ID:        state.ID,
		Status:    types.SessionStatus(state.Status()),
		HasError:  state.HasError(),
		Executed:  len(state.ExecutedHistory),
		Blocked:   state.Blocked(),
		Canceled:  canceled,
		CreatedAt: state.CreatedAt,
		UpdatedAt: state.UpdatedAt,
	}
}

func (i *Invoker) persist(ctx context.Context, state *execstate.State) error {
	state.UpdatedAt = time.Now().UTC()
	err := i.svc.States.Set(ctx, state.ID, state)
	metrics.ItemStoreOperations.WithLabelValues(i.svc.States.Table(), "set", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}
