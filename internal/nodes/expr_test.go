package nodes

import (
	"errors"
	"strings"
	"testing"
)

func TestProgramsEval(t *testing.T) {
	p := NewPrograms()

	tests := []struct {
		name    string
		source  string
		env     map[string]any
		want    any
		wantErr bool
	}{
		{"arithmetic", "a * 2 + b", map[string]any{"a": 4.0, "b": 1.5}, 9.5, false},
		{"string join", `a + "-" + b`, map[string]any{"a": "left", "b": "right"}, "left-right", false},
		{"vars lookup", "vars.scale * a", map[string]any{"a": 2.0, "vars": map[string]any{"scale": 3.0}}, 6.0, false},
		{"predicate", "a >= 0.5 ? 'keep' : 'drop'", map[string]any{"a": 0.25}, "drop", false},
		{"missing variable is nil", "b == nil", map[string]any{"a": 1.0}, true, false},
		{"syntax error", "a +* b", map[string]any{}, nil, true},
		{"runtime error", "a / b", map[string]any{"a": "x", "b": 2.0}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Eval(tt.source, tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Eval(%q) error = %v, wantErr %v", tt.source, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Eval(%q) = %v (%T), want %v (%T)", tt.source, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestProgramsReuse(t *testing.T) {
	p := NewPrograms()

	if _, err := p.Eval("a + 1", map[string]any{"a": 1.0}); err != nil {
		t.Fatal(err)
	}
	if !p.cached("a + 1") {
		t.Fatal("program should be cached after first use")
	}

	// The untyped program accepts a different input type on reuse.
	got, err := p.Eval("a + 1", map[string]any{"a": 41})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Errorf("got %v (%T), want 42", got, got)
	}
}

func TestProgramsLimits(t *testing.T) {
	p := NewPrograms()
	p.maxLength = 8
	p.maxPrograms = 2

	if _, err := p.Eval(strings.Repeat("1+", 10)+"1", nil); !errors.Is(err, ErrExpressionTooLong) {
		t.Fatalf("err = %v, want ErrExpressionTooLong", err)
	}

	for _, src := range []string{"1", "2", "3"} {
		if _, err := p.Eval(src, nil); err != nil {
			t.Fatal(err)
		}
	}
	if p.cached("1") || !p.cached("3") {
		t.Error("cache should have been reset when full")
	}
}
