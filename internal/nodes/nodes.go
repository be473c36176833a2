// Package nodes provides the built-in node kinds.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
)

// Tags used by the built-in kinds.
const (
	TagPrimitive  = "primitive"
	TagText       = "text"
	TagMath       = "math"
	TagCollection = "collection"
	TagTesting    = "testing"
)

// ErrInvocationFailed is returned by the fail kind.
var ErrInvocationFailed = errors.New("invocation failed")

// RegisterBuiltins registers every built-in kind on reg.
func RegisterBuiltins(reg *registry.Registry) error {
	eval := NewPrograms()
	for _, k := range Builtins(eval) {
		if err := reg.Register(k); err != nil {
			return fmt.Errorf("register %s: %w", k.Name, err)
		}
	}
	return nil
}

// Builtins returns fresh descriptors for the built-in kinds.
func Builtins(eval *Programs) []*registry.Kind {
	return []*registry.Kind{
		{
			Name:        "string",
			Description: "A string constant",
			Tags:        []string{TagPrimitive, TagText},
			Inputs:      []graph.Field{{Name: "value", Type: graph.TypeString}},
			Outputs:     []graph.Field{{Name: "value", Type: graph.TypeString}},
			Invoke:      invokeString,
		},
		{
			Name:        "integer",
			Description: "An integer constant",
			Tags:        []string{TagPrimitive, TagMath},
			Inputs:      []graph.Field{{Name: "value", Type: graph.TypeInt}},
			Outputs:     []graph.Field{{Name: "value", Type: graph.TypeInt}},
			Invoke:      invokeInteger,
		},
		{
			Name:        "float",
			Description: "A float constant",
			Tags:        []string{TagPrimitive, TagMath},
			Inputs:      []graph.Field{{Name: "value", Type: graph.TypeFloat}},
			Outputs:     []graph.Field{{Name: "value", Type: graph.TypeFloat}},
			Invoke:      invokeFloat,
		},
		{
			Name:        "add",
			Description: "Adds two numbers",
			Tags:        []string{TagMath},
			Inputs: []graph.Field{
				{Name: "a", Type: graph.TypeFloat},
				{Name: "b", Type: graph.TypeFloat},
			},
			Outputs: []graph.Field{{Name: "value", Type: graph.TypeFloat}},
			Invoke:  invokeAdd,
		},
		{
			Name:        "concat",
			Description: "Joins two strings with an optional separator",
			Tags:        []string{TagText},
			Inputs: []graph.Field{
				{Name: "a", Type: graph.TypeString},
				{Name: "b", Type: graph.TypeString},
				{Name: "separator", Type: graph.TypeString},
			},
			Outputs: []graph.Field{{Name: "value", Type: graph.TypeString}},
			Invoke:  invokeConcat,
		},
		{
			Name:        "upper",
			Description: "Upper-cases a string",
			Tags:        []string{TagText},
			Inputs:      []graph.Field{{Name: "text", Type: graph.TypeString, Required: true}},
			Outputs:     []graph.Field{{Name: "value", Type: graph.TypeString}},
			Invoke:      invokeUpper,
		},
		{
			Name:        "range",
			Description: "Produces integers from start up to stop by step",
			Tags:        []string{TagMath, TagCollection},
			Inputs: []graph.Field{
				{Name: "start", Type: graph.TypeInt},
				{Name: "stop", Type: graph.TypeInt, Required: true},
				{Name: "step", Type: graph.TypeInt},
			},
			Outputs: []graph.Field{{Name: "collection", Type: graph.ListOf(graph.TypeInt)}},
			Invoke:  invokeRange,
		},
		{
			Name:        "collect",
			Description: "Gathers values into a collection",
			Tags:        []string{TagCollection},
			Inputs:      []graph.Field{{Name: "item", Type: graph.ListOf(graph.TypeAny)}},
			Outputs:     []graph.Field{{Name: "collection", Type: graph.ListOf(graph.TypeAny)}},
			Invoke:      invokeCollect,
		},
		{
			Name:        "iterate",
			Description: "Runs once per element of a collection",
			Tags:        []string{TagCollection},
			Inputs: []graph.Field{
				{Name: "collection", Type: graph.TypeAny, Iterate: true, Required: true},
			},
			Outputs: []graph.Field{
				{Name: "item", Type: graph.TypeAny},
				{Name: "index", Type: graph.TypeInt},
			},
			Invoke: invokeIterate,
		},
		{
			Name:        "expression",
			Description: "Evaluates an expression over its inputs",
			Tags:        []string{TagMath, TagText},
			Inputs: []graph.Field{
				{Name: "expression", Type: graph.TypeString, Required: true},
				{Name: "a", Type: graph.TypeAny},
				{Name: "b", Type: graph.TypeAny},
				{Name: "vars", Type: graph.TypeAny},
			},
			Outputs: []graph.Field{{Name: "value", Type: graph.TypeAny}},
			Invoke:  expressionInvoker(eval),
		},
		{
			Name:        "fail",
			Description: "Always fails",
			Tags:        []string{TagTesting},
			Inputs: []graph.Field{
				{Name: "message", Type: graph.TypeString},
				{Name: "value", Type: graph.TypeAny},
			},
			Outputs: []graph.Field{{Name: "value", Type: graph.TypeAny}},
			Invoke:  invokeFail,
		},
		{
			Name:        "sleep",
			Description: "Waits and passes its value through",
			Tags:        []string{TagTesting},
			Inputs: []graph.Field{
				{Name: "seconds", Type: graph.TypeFloat},
				{Name: "value", Type: graph.TypeAny},
			},
			Outputs: []graph.Field{{Name: "value", Type: graph.TypeAny}},
			Invoke:  invokeSleep,
		},
	}
}

func invokeString(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	return graph.Values{"value": in.String("value")}, nil
}

func invokeInteger(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	n, err := intInput(in, "value", 0)
	if err != nil {
		return nil, err
	}
	return graph.Values{"value": n}, nil
}

func invokeFloat(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	f, _ := in.Float("value")
	return graph.Values{"value": f}, nil
}

func invokeAdd(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	a, _ := in.Float("a")
	b, _ := in.Float("b")
	return graph.Values{"value": a + b}, nil
}

func invokeConcat(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	return graph.Values{"value": in.String("a") + in.String("separator") + in.String("b")}, nil
}

func invokeUpper(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	return graph.Values{"value": strings.ToUpper(in.String("text"))}, nil
}

func invokeRange(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	start, err := intInput(in, "start", 0)
	if err != nil {
		return nil, err
	}
	stop, err := intInput(in, "stop", 0)
	if err != nil {
		return nil, err
	}
	step, err := intInput(in, "step", 1)
	if err != nil {
		return nil, err
	}
	if step == 0 {
		return nil, errors.New("range step must not be zero")
	}

	out := []any{}
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		out = append(out, i)
	}
	return graph.Values{"collection": out}, nil
}

func invokeCollect(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	switch v := in["item"].(type) {
	case nil:
		return graph.Values{"collection": []any{}}, nil
	case []any:
		return graph.Values{"collection": v}, nil
	default:
		return graph.Values{"collection": []any{v}}, nil
	}
}

func invokeIterate(_ context.Context, ic *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	idx := 0
	if ic != nil && ic.Index >= 0 {
		idx = ic.Index
	}
	return graph.Values{"item": in["collection"], "index": idx}, nil
}

func expressionInvoker(eval *Programs) registry.InvokeFunc {
	return func(_ context.Context, ic *registry.InvocationContext, in graph.Values) (graph.Values, error) {
		env := map[string]any{
			"a":    in["a"],
			"b":    in["b"],
			"vars": in["vars"],
		}
		if ic != nil {
			env["session_id"] = ic.SessionID
			env["node_id"] = ic.SourceNodeID
		}
		v, err := eval.Eval(in.String("expression"), env)
		if err != nil {
			return nil, err
		}
		return graph.Values{"value": v}, nil
	}
}

func invokeFail(_ context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	if msg := in.String("message"); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvocationFailed, msg)
	}
	return nil, ErrInvocationFailed
}

func invokeSleep(ctx context.Context, _ *registry.InvocationContext, in graph.Values) (graph.Values, error) {
	secs, _ := in.Float("seconds")
	if secs > 0 {
		timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return graph.Values{"value": in["value"]}, nil
}

// intInput reads an integral input, accepting float64 values decoded from JSON.
func intInput(in graph.Values, key string, def int) (int, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := in.Float(key)
	if !ok {
		return 0, fmt.Errorf("input %q: expected number, got %T", key, v)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("input %q: %v is not an integer", key, f)
	}
	return int(f), nil
}
