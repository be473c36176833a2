// Package graph provides the node/edge model for invocation graphs.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FieldType names the declared type of an input or output field.
// Collections are written "list[T]".
type FieldType string

const (
	TypeAny    FieldType = "any"
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
)

// ListOf returns the collection type of t.
func ListOf(t FieldType) FieldType {
	return FieldType("list[" + string(t) + "]")
}

// IsList reports whether t is a collection type.
func (t FieldType) IsList() bool {
	s := string(t)
	return strings.HasPrefix(s, "list[") && strings.HasSuffix(s, "]")
}

// Elem returns the element type of a collection type, or t itself.
func (t FieldType) Elem() FieldType {
	if !t.IsList() {
		return t
	}
	s := string(t)
	return FieldType(s[len("list[") : len(s)-1])
}

// Field declares a named input or output slot of a node kind.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`

	// Iterate marks an input whose collection value is distributed across
	// one prepared instance per element.
	Iterate bool `json:"iterate,omitempty"`
}

// Schema is the declared field set of a node kind.
type Schema struct {
	Inputs  []Field
	Outputs []Field
}

// Input returns the input field with the given name.
func (s *Schema) Input(name string) (Field, bool) {
	for _, f := range s.Inputs {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Output returns the output field with the given name.
func (s *Schema) Output(name string) (Field, bool) {
	for _, f := range s.Outputs {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// KindResolver resolves a node kind name to its schema.
type KindResolver interface {
	Schema(kind string) (*Schema, bool)
}

// Values maps field names to JSON-compatible values.
type Values map[string]any

// Clone returns a deep copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = CloneValue(val)
	}
	return out
}

// CloneValue returns a deep copy of a JSON-compatible value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = CloneValue(inner)
		}
		return out
	case Values:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = CloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// Normalize returns v as it reads back from JSON: numbers become float64,
// slices []any and objects map[string]any.
func (v Values) Normalize() (Values, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Values
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// String returns the string value of key, or "" when absent or not a string.
func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// Float returns the numeric value of key as float64.
func (v Values) Float(key string) (float64, bool) {
	switch n := v[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Node is a single invocation in a graph. Kind selects the implementation;
// Inputs carries declared default values.
type Node struct {
	ID     string `json:"id"`
	Kind   string `json:"type"`
	Inputs Values `json:"inputs,omitempty"`
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	return &Node{ID: n.ID, Kind: n.Kind, Inputs: n.Inputs.Clone()}
}

// EdgeConnection addresses one field of one node.
type EdgeConnection struct {
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
}

func (c EdgeConnection) String() string {
	return c.NodeID + "." + c.Field
}

// Edge connects a source output field to a destination input field.
type Edge struct {
	Source      EdgeConnection `json:"source"`
	Destination EdgeConnection `json:"destination"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s", e.Source, e.Destination)
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source.NodeID != b.Source.NodeID {
			return a.Source.NodeID < b.Source.NodeID
		}
		if a.Source.Field != b.Source.Field {
			return a.Source.Field < b.Source.Field
		}
		if a.Destination.NodeID != b.Destination.NodeID {
			return a.Destination.NodeID < b.Destination.NodeID
		}
		return a.Destination.Field < b.Destination.Field
	})
}

// Compatible reports whether an output of type src may feed the input dst.
//
// Accepted: equal types, either side "any", int into float, T into list[T]
// (gathering), and list[T] into T when dst is an iterate input.
func Compatible(src FieldType, dst Field) bool {
	if compatibleScalar(src, dst.Type) {
		return true
	}
	if dst.Type.IsList() && compatibleScalar(src, dst.Type.Elem()) {
		return true
	}
	if dst.Iterate && src.IsList() && compatibleScalar(src.Elem(), dst.Type) {
		return true
	}
	return false
}

func compatibleScalar(src, dst FieldType) bool {
	switch {
	case src == dst:
		return true
	case src == TypeAny || dst == TypeAny:
		return true
	case src == TypeInt && dst == TypeFloat:
		return true
	case src.IsList() && dst.IsList():
		return compatibleScalar(src.Elem(), dst.Elem())
	default:
		return false
	}
}
