// Package registry provides node kind registration and discovery.
package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
)

// Common errors returned by the Registry.
var (
	ErrKindNotFound = errors.New("node kind not found")
	ErrKindExists   = errors.New("node kind already registered")
)

// InvocationContext carries run-scoped information into a node invocation.
type InvocationContext struct {
	SessionID    string
	InstanceID   string
	SourceNodeID string

	// Index is the element position of an iterated instance, or -1.
	Index int

	Logger *slog.Logger
}

// InvokeFunc executes one node instance. It receives the resolved inputs and
// returns the produced outputs, or an error that is recorded against the
// instance.
type InvokeFunc func(ctx context.Context, ic *InvocationContext, inputs graph.Values) (graph.Values, error)

// Kind describes a node implementation: its declared fields and entry point.
type Kind struct {
	// Name is the discriminator stored in graph nodes (e.g., "concat")
	Name string

	// Description provides details about the kind
	Description string

	// Tags describe what the kind does, for filtering
	Tags []string

	// Inputs and Outputs declare the field schema
	Inputs  []graph.Field
	Outputs []graph.Field

	// Invoke is the execution entry point
	Invoke InvokeFunc
}

// Schema returns the declared field set of the kind.
func (k *Kind) Schema() *graph.Schema {
	return &graph.Schema{Inputs: k.Inputs, Outputs: k.Outputs}
}

// Validate checks that a Kind can be registered.
func (k *Kind) Validate() error {
	if k.Name == "" {
		return errors.New("kind name is required")
	}
	if k.Invoke == nil {
		return errors.New("kind invoke function is required")
	}
	seen := make(map[string]bool)
	for _, f := range k.Inputs {
		if f.Name == "" || seen["in:"+f.Name] {
			return errors.New("kind inputs must have unique, non-empty names")
		}
		seen["in:"+f.Name] = true
	}
	for _, f := range k.Outputs {
		if f.Name == "" || seen["out:"+f.Name] {
			return errors.New("kind outputs must have unique, non-empty names")
		}
		seen["out:"+f.Name] = true
	}
	return nil
}

// ListOptions configures list queries.
type ListOptions struct {
	// Tags filters kinds that have ALL specified tags
	Tags []string

	// Limit is the maximum number of kinds to return (0 = no limit)
	Limit int

	// Offset is the number of kinds to skip (for pagination)
	Offset int
}
