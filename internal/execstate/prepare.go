package execstate

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
)

type binding struct {
	inputs graph.Values
	index  int
}

// pairedInput holds the successful values of an expanded source keyed by
// pairing index.
type pairedInput struct {
	field  string
	values map[int]any
}

// preparation is the input plan of a template whose upstream finished.
type preparation struct {
	base    graph.Values
	pairs   []pairedInput
	blocked bool
}

// plan resolves the edge values of a template whose predecessors all
// executed. Edge values are resolved per destination field:
//   - scalar output into a list input gathers every source instance's value
//   - output of an expanded source into a scalar input pairs instance i
//     with source instance i
//   - otherwise the single source value is copied
//
// A failed source instance blocks gathering and copying. Paired inputs
// only drop the failed index; the template is blocked when no index
// survives a failure.
func (s *State) plan(id string) (*preparation, error) {
	node := s.Graph.Nodes[id]
	schema, err := s.Graph.Schema(id)
	if err != nil {
		return nil, err
	}

	base := node.Inputs.Clone()
	if base == nil {
		base = graph.Values{}
	}

	p := &preparation{base: base}
	dropped := false
	for _, e := range s.Graph.Incoming(id) {
		dst, _ := schema.Input(e.Destination.Field)
		srcSchema, err := s.Graph.Schema(e.Source.NodeID)
		if err != nil {
			return nil, err
		}
		src, _ := srcSchema.Output(e.Source.Field)

		srcIDs := s.SourcePreparedMapping[e.Source.NodeID]
		expanded := s.expanded(e.Source.NodeID)

		switch {
		case dst.Type.IsList() && (!src.Type.IsList() || expanded):
			values := make([]any, 0, len(srcIDs))
			for _, sid := range srcIDs {
				if s.failed(sid) {
					return &preparation{blocked: true}, nil
				}
				values = append(values, graph.CloneValue(s.Results[sid][e.Source.Field]))
			}
			base[dst.Name] = values
		case expanded:
			keys := s.pairKeys(srcIDs)
			pi := pairedInput{field: dst.Name, values: make(map[int]any, len(srcIDs))}
			for i, sid := range srcIDs {
				if s.failed(sid) {
					dropped = true
					continue
				}
				pi.values[keys[i]] = graph.CloneValue(s.Results[sid][e.Source.Field])
			}
			p.pairs = append(p.pairs, pi)
		default:
			if s.failed(srcIDs[0]) {
				return &preparation{blocked: true}, nil
			}
			base[dst.Name] = graph.CloneValue(s.Results[srcIDs[0]][e.Source.Field])
		}
	}
	if dropped && len(p.keys()) == 0 {
		p.blocked = true
	}
	return p, nil
}

// keys returns the pairing indices present in every paired input, sorted.
func (p *preparation) keys() []int {
	if len(p.pairs) == 0 {
		return nil
	}
	var out []int
	for k := range p.pairs[0].values {
		shared := true
		for _, other := range p.pairs[1:] {
			if _, ok := other.values[k]; !ok {
				shared = false
				break
			}
		}
		if shared {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

// pairKeys returns the pairing index of each source instance: its element
// index, or its position when indices are missing or repeat.
func (s *State) pairKeys(ids []string) []int {
	keys := make([]int, len(ids))
	seen := make(map[int]bool, len(ids))
	for i, sid := range ids {
		k := s.Instances[sid].Index
		if k < 0 || seen[k] {
			for j := range keys {
				keys[j] = j
			}
			return keys
		}
		seen[k] = true
		keys[i] = k
	}
	return keys
}

// prepare expands a planned template into instances with bound inputs.
// Iterate inputs holding a list fan out into one binding per element.
// Bound inputs are stored in their JSON form.
func (s *State) prepare(id string, p *preparation) error {
	node := s.Graph.Nodes[id]
	schema, err := s.Graph.Schema(id)
	if err != nil {
		return err
	}

	bound := []binding{{inputs: p.base, index: -1}}
	expanded := false
	if len(p.pairs) > 0 {
		expanded = true
		bound = bound[:0]
		for _, k := range p.keys() {
			in := p.base.Clone()
			for _, pi := range p.pairs {
				in[pi.field] = pi.values[k]
			}
			bound = append(bound, binding{inputs: in, index: k})
		}
	}

	for _, f := range schema.Inputs {
		if !f.Iterate {
			continue
		}
		var next []binding
		for _, b := range bound {
			items, ok := asList(b.inputs[f.Name])
			if !ok {
				next = append(next, b)
				continue
			}
			expanded = true
			for i, item := range items {
				in := b.inputs.Clone()
				in[f.Name] = item
				next = append(next, binding{inputs: in, index: i})
			}
		}
		bound = next
	}

	instances := make([]*Instance, 0, len(bound))
	for _, b := range bound {
		inputs, err := b.inputs.Normalize()
		if err != nil {
			return fmt.Errorf("node %q: inputs: %w", id, err)
		}
		if inputs == nil {
			inputs = graph.Values{}
		}
		instID := id
		if expanded {
			instID = uuid.New().String()
		}
		instances = append(instances, &Instance{
			ID:     instID,
			Source: id,
			Node:   &graph.Node{ID: instID, Kind: node.Kind, Inputs: inputs},
			Index:  b.index,
		})
	}

	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		s.Instances[inst.ID] = inst
		s.PreparedSourceMapping[inst.ID] = id
		ids = append(ids, inst.ID)
	}
	s.SourcePreparedMapping[id] = ids
	return nil
}

func (s *State) failed(instanceID string) bool {
	_, ok := s.Errors[instanceID]
	return ok
}

// expanded reports whether a prepared template produced anything other than
// its single plain instance.
func (s *State) expanded(id string) bool {
	ids := s.SourcePreparedMapping[id]
	return len(ids) != 1 || ids[0] != id
}

func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
