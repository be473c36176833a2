package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/events"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/execstate"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/invoker"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/itemstore"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/processor"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/queue"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
)

type fixture struct {
	mgr    *Manager
	inv    *invoker.Invoker
	reg    *registry.Registry
	states itemstore.Store[*execstate.State]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, nodes.RegisterBuiltins(reg))

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })
	states := itemstore.NewMemoryStore[*execstate.State](itemstore.TableGraphExecutions)
	bus := events.NewBus()
	emitter := events.NewEmitter(bus, nil)

	inv := invoker.New(&invoker.Services{
		Graphs:    itemstore.NewMemoryStore[*graph.Graph](itemstore.TableGraphs),
		States:    states,
		Queue:     q,
		Processor: processor.New(q, states, reg, &processor.Config{Workers: 2, Emitter: emitter}),
		Registry:  reg,
		Emitter:   emitter,
	})
	t.Cleanup(inv.Stop)

	mgr := NewManager(itemstore.NewMemoryStore[*BatchProcess](itemstore.TableBatchProcess), inv, nil)
	return &fixture{mgr: mgr, inv: inv, reg: reg, states: states}
}

func (f *fixture) template(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New(f.reg)
	require.NoError(t, g.AddNode(&graph.Node{ID: "left", Kind: "string"}))
	require.NoError(t, g.AddNode(&graph.Node{ID: "right", Kind: "string"}))
	require.NoError(t, g.AddNode(&graph.Node{ID: "join", Kind: "concat", Inputs: graph.Values{"separator": "-"}}))
	require.NoError(t, g.AddEdge(graph.Edge{
		Source:      graph.EdgeConnection{NodeID: "left", Field: "value"},
		Destination: graph.EdgeConnection{NodeID: "join", Field: "a"},
	}))
	require.NoError(t, g.AddEdge(graph.Edge{
		Source:      graph.EdgeConnection{NodeID: "right", Field: "value"},
		Destination: graph.EdgeConnection{NodeID: "join", Field: "b"},
	}))
	return g
}

func items(prefix string, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func TestCreateBatchProcess_Product(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := f.template(t)

	b := &Batch{Data: [][]BatchData{
		{{NodeID: "left", FieldName: "value", Items: items("l", 5)}},
		{{NodeID: "right", FieldName: "value", Items: items("r", 5)}},
	}}
	proc, err := f.mgr.CreateBatchProcess(ctx, b, g)
	require.NoError(t, err)
	require.Len(t, proc.SessionIDs, 25)
	assert.NotEmpty(t, proc.BatchID)

	seen := map[string]bool{}
	for i, id := range proc.SessionIDs {
		assert.False(t, seen[id], "duplicate session id")
		seen[id] = true

		s, err := f.states.Get(ctx, id)
		require.NoError(t, err)
		s.Bind(f.reg)
		require.NoError(t, s.Graph.Validate())

		assert.Equal(t, fmt.Sprintf("l%d", i/5), s.Graph.Nodes["left"].Inputs["value"], "session %d", i)
		assert.Equal(t, fmt.Sprintf("r%d", i%5), s.Graph.Nodes["right"].Inputs["value"], "session %d", i)
		assert.Empty(t, s.ExecutedHistory)
	}

	// The template is untouched.
	assert.Nil(t, g.Nodes["left"].Inputs["value"])

	stored, err := f.mgr.Get(ctx, proc.BatchID)
	require.NoError(t, err)
	assert.Equal(t, proc.SessionIDs, stored.SessionIDs)
	assert.True(t, stored.Graph.Equal(g))

	ids, err := f.mgr.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{proc.BatchID}, ids)
}

func TestCreateBatchProcess_ZipWithinGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	b := &Batch{Data: [][]BatchData{{
		{NodeID: "left", FieldName: "value", Items: []any{"a", "b", "c"}},
		{NodeID: "right", FieldName: "value", Items: []any{"x", "y", "z"}},
	}}}
	proc, err := f.mgr.CreateBatchProcess(ctx, b, f.template(t))
	require.NoError(t, err)
	require.Len(t, proc.SessionIDs, 3)

	want := [][2]string{{"a", "x"}, {"b", "y"}, {"c", "z"}}
	for i, id := range proc.SessionIDs {
		s, err := f.states.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want[i][0], s.Graph.Nodes["left"].Inputs["value"])
		assert.Equal(t, want[i][1], s.Graph.Nodes["right"].Inputs["value"])
	}
}

func TestCreateBatchProcess_Errors(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
		want  error
	}{
		{
			name:  "no groups",
			batch: Batch{},
			want:  ErrEmptyBatch,
		},
		{
			name:  "empty items",
			batch: Batch{Data: [][]BatchData{{{NodeID: "left", FieldName: "value"}}}},
			want:  ErrEmptyBatch,
		},
		{
			name:  "empty group",
			batch: Batch{Data: [][]BatchData{{}}},
			want:  ErrEmptyBatch,
		},
		{
			name:  "unknown node",
			batch: Batch{Data: [][]BatchData{{{NodeID: "ghost", FieldName: "value", Items: []any{"x"}}}}},
			want:  ErrUnknownNode,
		},
		{
			name:  "unknown field",
			batch: Batch{Data: [][]BatchData{{{NodeID: "left", FieldName: "nope", Items: []any{"x"}}}}},
			want:  ErrUnknownField,
		},
		{
			name: "mismatched lengths",
			batch: Batch{Data: [][]BatchData{{
				{NodeID: "left", FieldName: "value", Items: []any{"a", "b"}},
				{NodeID: "right", FieldName: "value", Items: []any{"x"}},
			}}},
			want: ErrMismatchedLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.mgr.CreateBatchProcess(context.Background(), &tt.batch, f.template(t))
			require.ErrorIs(t, err, tt.want)

			ids, err := f.mgr.List(context.Background(), nil)
			require.NoError(t, err)
			assert.Empty(t, ids, "no batch should be persisted")
			sessions, err := f.states.List(context.Background(), nil)
			require.NoError(t, err)
			assert.Empty(t, sessions, "no session should be persisted")
		})
	}
}

func TestBatch_Points(t *testing.T) {
	b := &Batch{Data: [][]BatchData{
		{{Items: []any{1, 2}}},
		{{Items: []any{1, 2, 3}}},
	}}
	assert.Equal(t, [][]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}, b.Points())
	assert.Empty(t, (&Batch{}).Points())
}

func TestManager_RunAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.inv.Start(ctx))

	b := &Batch{Data: [][]BatchData{
		{{NodeID: "left", FieldName: "value", Items: []any{"a", "b"}}},
		{{NodeID: "right", FieldName: "value", Items: []any{"x", "y"}}},
	}}
	proc, err := f.mgr.CreateBatchProcess(ctx, b, f.template(t))
	require.NoError(t, err)

	n, err := f.mgr.Run(ctx, proc.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var joined []any
	for _, id := range proc.SessionIDs {
		var s *execstate.State
		require.Eventually(t, func() bool {
			s, err = f.states.Get(ctx, id)
			require.NoError(t, err)
			return s.Bind(f.reg).IsComplete()
		}, 5*time.Second, 10*time.Millisecond)
		joined = append(joined, s.Results["join"]["value"])
	}
	assert.Equal(t, []any{"a-x", "a-y", "b-x", "b-y"}, joined)

	// Completed sessions have no work left.
	n, err = f.mgr.Run(ctx, proc.BatchID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.mgr.Cancel(ctx, proc.BatchID))
	stored, err := f.mgr.Get(ctx, proc.BatchID)
	require.NoError(t, err)
	assert.True(t, stored.Canceled)

	_, err = f.mgr.Run(ctx, proc.BatchID)
	assert.ErrorIs(t, err, ErrCanceled)

	_, err = f.mgr.Get(ctx, "missing")
	assert.ErrorIs(t, err, itemstore.ErrNotFound)
}
