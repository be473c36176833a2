package registry

import (
	"context"
	"testing"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
)

func noopInvoke(ctx context.Context, ic *InvocationContext, inputs graph.Values) (graph.Values, error) {
	return graph.Values{}, nil
}

func testKind(name string, tags ...string) *Kind {
	return &Kind{
		Name:    name,
		Tags:    tags,
		Inputs:  []graph.Field{{Name: "in", Type: graph.TypeString}},
		Outputs: []graph.Field{{Name: "out", Type: graph.TypeString}},
		Invoke:  noopInvoke,
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := New()

	t.Run("registers new kind", func(t *testing.T) {
		if err := reg.Register(testKind("test.kind")); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if !reg.Exists("test.kind") {
			t.Error("expected kind to exist")
		}
	})

	t.Run("returns error for duplicate name", func(t *testing.T) {
		if err := reg.Register(testKind("duplicate.kind")); err != nil {
			t.Fatalf("First register failed: %v", err)
		}
		if err := reg.Register(testKind("duplicate.kind")); err != ErrKindExists {
			t.Errorf("expected ErrKindExists, got %v", err)
		}
	})

	t.Run("validates required fields", func(t *testing.T) {
		tests := []struct {
			name string
			kind *Kind
		}{
			{"missing Name", &Kind{Invoke: noopInvoke}},
			{"missing Invoke", &Kind{Name: "no.invoke"}},
			{"duplicate input", &Kind{
				Name:   "dup.input",
				Invoke: noopInvoke,
				Inputs: []graph.Field{{Name: "a"}, {Name: "a"}},
			}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := reg.Register(tt.kind); err == nil {
					t.Error("expected validation error")
				}
			})
		}
	})
}

func TestRegistry_Get(t *testing.T) {
	reg := New()
	reg.MustRegister(testKind("get.kind"))

	t.Run("gets existing kind", func(t *testing.T) {
		k, err := reg.Get("get.kind")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if k.Name != "get.kind" {
			t.Errorf("expected Name %q, got %q", "get.kind", k.Name)
		}
	})

	t.Run("returns error for unknown kind", func(t *testing.T) {
		if _, err := reg.Get("non-existent"); err != ErrKindNotFound {
			t.Errorf("expected ErrKindNotFound, got %v", err)
		}
	})

	t.Run("resolves schema", func(t *testing.T) {
		s, ok := reg.Schema("get.kind")
		if !ok {
			t.Fatal("expected schema")
		}
		if _, ok := s.Input("in"); !ok {
			t.Error("expected input field")
		}
		if _, ok := s.Output("out"); !ok {
			t.Error("expected output field")
		}
	})
}

func TestRegistry_List(t *testing.T) {
	reg := New()
	reg.MustRegister(
		testKind("c", "text"),
		testKind("a", "text", "math"),
		testKind("b", "math"),
	)

	t.Run("lists all kinds sorted", func(t *testing.T) {
		kinds := reg.List(nil)
		if len(kinds) != 3 {
			t.Fatalf("expected 3 kinds, got %d", len(kinds))
		}
		if kinds[0].Name != "a" || kinds[2].Name != "c" {
			t.Errorf("unexpected order: %s, %s, %s", kinds[0].Name, kinds[1].Name, kinds[2].Name)
		}
	})

	t.Run("filters by tags", func(t *testing.T) {
		kinds := reg.List(&ListOptions{Tags: []string{"text", "math"}})
		if len(kinds) != 1 || kinds[0].Name != "a" {
			t.Errorf("expected only kind a, got %d kinds", len(kinds))
		}
	})

	t.Run("applies limit", func(t *testing.T) {
		kinds := reg.List(&ListOptions{Limit: 2})
		if len(kinds) != 2 {
			t.Errorf("expected 2 kinds, got %d", len(kinds))
		}
	})

	t.Run("applies offset", func(t *testing.T) {
		kinds := reg.List(&ListOptions{Offset: 5})
		if len(kinds) != 0 {
			t.Errorf("expected 0 kinds, got %d", len(kinds))
		}
	})
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	reg := New()
	reg.MustRegister(testKind("once"))

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	reg.MustRegister(testKind("once"))
}
