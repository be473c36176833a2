package nodes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func invoke(t *testing.T, reg *registry.Registry, kind string, in graph.Values) (graph.Values, error) {
	t.Helper()
	k, err := reg.Get(kind)
	require.NoError(t, err)
	return k.Invoke(context.Background(), &registry.InvocationContext{SessionID: "s", InstanceID: "i", SourceNodeID: "n", Index: -1}, in)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := newRegistry(t)
	for _, name := range []string{"string", "integer", "float", "add", "concat", "upper", "range", "collect", "iterate", "expression", "fail", "sleep"} {
		assert.True(t, reg.Exists(name), "missing kind %s", name)
	}

	err := RegisterBuiltins(reg)
	assert.ErrorIs(t, err, registry.ErrKindExists)
}

func TestBuiltins_Invoke(t *testing.T) {
	reg := newRegistry(t)

	tests := []struct {
		name string
		kind string
		in   graph.Values
		want graph.Values
	}{
		{"string", "string", graph.Values{"value": "hi"}, graph.Values{"value": "hi"}},
		{"integer from json number", "integer", graph.Values{"value": 7.0}, graph.Values{"value": 7}},
		{"float from int", "float", graph.Values{"value": 2}, graph.Values{"value": 2.0}},
		{"add", "add", graph.Values{"a": 1.5, "b": 2}, graph.Values{"value": 3.5}},
		{"concat", "concat", graph.Values{"a": "a", "b": "b", "separator": "-"}, graph.Values{"value": "a-b"}},
		{"upper", "upper", graph.Values{"text": "abc"}, graph.Values{"value": "ABC"}},
		{"range", "range", graph.Values{"stop": 3.0}, graph.Values{"collection": []any{0, 1, 2}}},
		{"range negative step", "range", graph.Values{"start": 3, "stop": 0, "step": -1}, graph.Values{"collection": []any{3, 2, 1}}},
		{"range empty", "range", graph.Values{"start": 5, "stop": 5}, graph.Values{"collection": []any{}}},
		{"collect list", "collect", graph.Values{"item": []any{"x", "y"}}, graph.Values{"collection": []any{"x", "y"}}},
		{"collect scalar", "collect", graph.Values{"item": "x"}, graph.Values{"collection": []any{"x"}}},
		{"collect nothing", "collect", graph.Values{}, graph.Values{"collection": []any{}}},
		{"iterate", "iterate", graph.Values{"collection": "x"}, graph.Values{"item": "x", "index": 0}},
		{"expression", "expression", graph.Values{"expression": "a * b", "a": 3.0, "b": 4.0}, graph.Values{"value": 12.0}},
		{"sleep zero", "sleep", graph.Values{"value": "v"}, graph.Values{"value": "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := invoke(t, reg, tt.kind, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuiltins_Errors(t *testing.T) {
	reg := newRegistry(t)

	t.Run("fail wraps sentinel", func(t *testing.T) {
		_, err := invoke(t, reg, "fail", graph.Values{"message": "boom"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvocationFailed))
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("range rejects zero step", func(t *testing.T) {
		_, err := invoke(t, reg, "range", graph.Values{"stop": 3, "step": 0})
		assert.Error(t, err)
	})

	t.Run("integer rejects fraction", func(t *testing.T) {
		_, err := invoke(t, reg, "integer", graph.Values{"value": 1.5})
		assert.Error(t, err)
	})

	t.Run("sleep honours cancellation", func(t *testing.T) {
		k, err := reg.Get("sleep")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		_, err = k.Invoke(ctx, nil, graph.Values{"seconds": 10.0})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}
