// Package batch expands one template graph and a batch of field
// substitutions into many execution sessions.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/execstate"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/invoker"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/itemstore"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/queue"
)

// Batch validation errors.
var (
	ErrUnknownNode      = errors.New("batch references unknown node")
	ErrUnknownField     = errors.New("batch references unknown field")
	ErrMismatchedLength = errors.New("batch group entries differ in length")
	ErrEmptyBatch       = errors.New("batch produces no sessions")
	ErrCanceled         = errors.New("batch canceled")
)

// BatchData substitutes Items, one per combination, into one node input.
type BatchData struct {
	NodeID    string `json:"node_id"`
	FieldName string `json:"field_name"`
	Items     []any  `json:"items"`
}

// Batch is an ordered list of groups. Entries within a group are zipped;
// groups are combined as a Cartesian product, the first group outermost.
type Batch struct {
	Data [][]BatchData `json:"data"`
}

// BatchProcess is the persisted record of one batch submission.
type BatchProcess struct {
	BatchID    string       `json:"batch_id"`
	Batch      Batch        `json:"batch"`
	Graph      *graph.Graph `json:"graph"`
	SessionIDs []string     `json:"session_ids"`
	Canceled   bool         `json:"canceled,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Manager creates, runs and cancels batch processes.
type Manager struct {
	batches itemstore.Store[*BatchProcess]
	inv     *invoker.Invoker
	logger  *slog.Logger
}

// NewManager creates a manager persisting batch records in batches and
// sessions through inv.
func NewManager(batches itemstore.Store[*BatchProcess], inv *invoker.Invoker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{batches: batches, inv: inv, logger: logger}
}

// Validate checks the batch against the template graph and returns the
// number of sessions it produces.
func (b *Batch) Validate(g *graph.Graph) (int, error) {
	if len(b.Data) == 0 {
		return 0, ErrEmptyBatch
	}
	total := 1
	for gi, group := range b.Data {
		if len(group) == 0 {
			return 0, fmt.Errorf("%w: group %d is empty", ErrEmptyBatch, gi)
		}
		size := len(group[0].Items)
		for _, d := range group {
			n, ok := g.Nodes[d.NodeID]
			if !ok {
				return 0, fmt.Errorf("%w: %q", ErrUnknownNode, d.NodeID)
			}
			if g.Kinds() != nil {
				schema, err := g.Schema(n.ID)
				if err != nil {
					return 0, err
				}
				if _, ok := schema.Input(d.FieldName); !ok {
					return 0, fmt.Errorf("%w: node %q (%s) has no input %q", ErrUnknownField, n.ID, n.Kind, d.FieldName)
				}
			}
			if len(d.Items) != size {
				return 0, fmt.Errorf("%w: group %d has %d and %d items", ErrMismatchedLength, gi, size, len(d.Items))
			}
		}
		total *= size
	}
	if total == 0 {
		return 0, ErrEmptyBatch
	}
	return total, nil
}

// Points enumerates the combination space: one item index per group, the
// last group varying fastest.
func (b *Batch) Points() [][]int {
	var out [][]int
	var walk func(prefix []int)
	walk = func(prefix []int) {
		gi := len(prefix)
		if gi == len(b.Data) {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := range b.Data[gi][0].Items {
			walk(append(prefix, i))
		}
	}
	if len(b.Data) > 0 {
		walk(make([]int, 0, len(b.Data)))
	}
	return out
}

// apply substitutes the items of one point into g.
func (b *Batch) apply(g *graph.Graph, point []int) {
	for gi, idx := range point {
		for _, d := range b.Data[gi] {
			n := g.Nodes[d.NodeID]
			if n.Inputs == nil {
				n.Inputs = graph.Values{}
			}
			n.Inputs[d.FieldName] = graph.CloneValue(d.Items[idx])
		}
	}
}

// CreateBatchProcess creates and persists one session per combination of
// batch, then the batch record. Sessions are not invoked.
func (m *Manager) CreateBatchProcess(ctx context.Context, batch *Batch, g *graph.Graph) (*BatchProcess, error) {
	svc := m.inv.Services()
	if g == nil {
		g = graph.New(nil)
	}
	template := g.Clone().Bind(svc.Registry)

	if _, err := batch.Validate(template); err != nil {
		return nil, err
	}

	proc := &BatchProcess{
		BatchID:   uuid.New().String(),
		Batch:     *batch,
		Graph:     template,
		CreatedAt: time.Now().UTC(),
	}
	for _, point := range batch.Points() {
		instance := template.Clone()
		batch.apply(instance, point)

		state := execstate.New(instance)
		err := svc.States.Set(ctx, state.ID, state)
		metrics.ItemStoreOperations.WithLabelValues(svc.States.Table(), "set", metrics.Result(err)).Inc()
		if err != nil {
			return nil, fmt.Errorf("persist session: %w", err)
		}
		metrics.SessionsCreated.WithLabelValues("batch").Inc()
		proc.SessionIDs = append(proc.SessionIDs, state.ID)
	}

	if err := m.batches.Set(ctx, proc.BatchID, proc); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}
	metrics.BatchesTotal.Inc()

	m.logger.Info("batch created",
		slog.String("batch_id", proc.BatchID),
		slog.Int("sessions", len(proc.SessionIDs)),
	)
	return proc, nil
}

// Get returns a stored batch process.
func (m *Manager) Get(ctx context.Context, batchID string) (*BatchProcess, error) {
	proc, err := m.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if proc.Graph != nil {
		proc.Graph.Bind(m.inv.Services().Registry)
	}
	return proc, nil
}

// List returns stored batch ids.
func (m *Manager) List(ctx context.Context, opts *itemstore.ListOptions) ([]string, error) {
	return m.batches.List(ctx, opts)
}

// Run invokes every session of the batch to completion and returns how
// many were enqueued. Sessions with nothing left to run are skipped.
func (m *Manager) Run(ctx context.Context, batchID string) (int, error) {
	proc, err := m.Get(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if proc.Canceled {
		return 0, ErrCanceled
	}

	enqueued := 0
	for _, id := range proc.SessionIDs {
		_, err := m.inv.InvokeSession(ctx, id, true)
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, invoker.ErrNoWork), errors.Is(err, queue.ErrCanceled):
		default:
			return enqueued, fmt.Errorf("invoke session %s: %w", id, err)
		}
	}
	m.logger.Info("batch started", slog.String("batch_id", batchID), slog.Int("enqueued", enqueued))
	return enqueued, nil
}

// Cancel cancels every session of the batch and marks it canceled.
func (m *Manager) Cancel(ctx context.Context, batchID string) error {
	proc, err := m.Get(ctx, batchID)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range proc.SessionIDs {
		if err := m.inv.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	proc.Canceled = true
	if err := m.batches.Set(ctx, proc.BatchID, proc); err != nil {
		errs = append(errs, fmt.Errorf("persist batch: %w", err))
	}
	return errors.Join(errs...)
}
