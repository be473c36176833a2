package graph

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/google/uuid"
)

// Graph is a set of nodes and the typed edges between them.
//
// A Graph is not safe for concurrent mutation. Mutations either succeed
// completely or leave the graph unchanged.
type Graph struct {
	ID    string
	Nodes map[string]*Node
	Edges []Edge

	kinds KindResolver
}

// New creates an empty graph bound to the given kind resolver.
func New(kinds KindResolver) *Graph {
	return &Graph{
		ID:    uuid.New().String(),
		Nodes: make(map[string]*Node),
		kinds: kinds,
	}
}

// Bind attaches a kind resolver, typically after decoding from JSON.
func (g *Graph) Bind(kinds KindResolver) *Graph {
	g.kinds = kinds
	return g
}

// Kinds returns the resolver the graph is bound to.
func (g *Graph) Kinds() KindResolver {
	return g.kinds
}

// Schema returns the schema of the node with the given id.
func (g *Graph) Schema(nodeID string) (*Schema, error) {
	n, ok := g.Nodes[nodeID]
	if !ok {
		return nil, errorf(ErrUnknownNode, "%q", nodeID)
	}
	return g.kindSchema(n)
}

func (g *Graph) kindSchema(n *Node) (*Schema, error) {
	if g.kinds == nil {
		return nil, &Error{Kind: ErrUnbound}
	}
	s, ok := g.kinds.Schema(n.Kind)
	if !ok {
		return nil, errorf(ErrUnknownKind, "node %q has kind %q", n.ID, n.Kind)
	}
	return s, nil
}

// AddNode adds a node. The node id must be unique within the graph.
func (g *Graph) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return errorf(ErrInvalidNode, "node id is required")
	}
	if _, exists := g.Nodes[n.ID]; exists {
		return errorf(ErrDuplicateNode, "%q", n.ID)
	}
	schema, err := g.kindSchema(n)
	if err != nil {
		return err
	}
	for name := range n.Inputs {
		if _, ok := schema.Input(name); !ok {
			return errorf(ErrUnknownField, "node %q (%s) has no input %q", n.ID, n.Kind, name)
		}
	}
	if g.Nodes == nil {
		g.Nodes = make(map[string]*Node)
	}
	g.Nodes[n.ID] = n
	return nil
}

// DeleteNode removes a node and every edge touching it.
func (g *Graph) DeleteNode(id string) error {
	if _, ok := g.Nodes[id]; !ok {
		return errorf(ErrUnknownNode, "%q", id)
	}
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if e.Source.NodeID == id || e.Destination.NodeID == id {
			continue
		}
		kept = append(kept, e)
	}
	g.Edges = kept
	delete(g.Nodes, id)
	return nil
}

// AddEdge connects two node fields after checking endpoints, field
// declarations, type compatibility and acyclicity.
func (g *Graph) AddEdge(e Edge) error {
	if err := g.checkEdge(e); err != nil {
		return err
	}
	for _, existing := range g.Edges {
		if existing.Destination == e.Destination {
			return errorf(ErrDuplicateEdge, "input %s is already connected from %s", e.Destination, existing.Source)
		}
	}
	if path := g.pathBetween(e.Destination.NodeID, e.Source.NodeID); path != nil {
		return cycleError(append(path, e.Destination.NodeID))
	}
	g.Edges = append(g.Edges, e)
	return nil
}

// DeleteEdge removes an existing edge.
func (g *Graph) DeleteEdge(e Edge) error {
	for i, existing := range g.Edges {
		if existing == e {
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			return nil
		}
	}
	return errorf(ErrUnknownEdge, "%s", e)
}

func (g *Graph) checkEdge(e Edge) error {
	src, ok := g.Nodes[e.Source.NodeID]
	if !ok {
		return errorf(ErrUnknownNode, "edge source %q", e.Source.NodeID)
	}
	dst, ok := g.Nodes[e.Destination.NodeID]
	if !ok {
		return errorf(ErrUnknownNode, "edge destination %q", e.Destination.NodeID)
	}
	srcSchema, err := g.kindSchema(src)
	if err != nil {
		return err
	}
	dstSchema, err := g.kindSchema(dst)
	if err != nil {
		return err
	}
	out, ok := srcSchema.Output(e.Source.Field)
	if !ok {
		return errorf(ErrUnknownField, "node %q (%s) has no output %q", src.ID, src.Kind, e.Source.Field)
	}
	in, ok := dstSchema.Input(e.Destination.Field)
	if !ok {
		return errorf(ErrUnknownField, "node %q (%s) has no input %q", dst.ID, dst.Kind, e.Destination.Field)
	}
	if !Compatible(out.Type, in) {
		return errorf(ErrTypeMismatch, "%s (%s) -> %s (%s)", e.Source, out.Type, e.Destination, in.Type)
	}
	return nil
}

// pathBetween returns a node path from -> ... -> to following edges, or nil.
func (g *Graph) pathBetween(from, to string) []string {
	if from == to {
		return []string{from}
	}
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Outgoing(cur) {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []string
				for n := to; n != ""; n = prev[n] {
					path = append([]string{n}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// Incoming returns the edges whose destination is nodeID.
func (g *Graph) Incoming(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Destination.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns the distinct, sorted ids of nodes fed by nodeID.
func (g *Graph) Outgoing(nodeID string) []string {
	seen := make(map[string]struct{})
	for _, e := range g.Edges {
		if e.Source.NodeID == nodeID {
			seen[e.Destination.NodeID] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Predecessors returns the distinct, sorted ids of nodes feeding nodeID.
func (g *Graph) Predecessors(nodeID string) []string {
	seen := make(map[string]struct{})
	for _, e := range g.Edges {
		if e.Destination.NodeID == nodeID {
			seen[e.Source.NodeID] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// TopologicalOrder returns node ids so that every edge points forward.
// Ties are broken by node id.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indeg[id] = 0
	}
	for _, e := range g.Edges {
		indeg[e.Destination.NodeID]++
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, e := range g.Edges {
			if e.Source.NodeID != cur {
				continue
			}
			indeg[e.Destination.NodeID]--
			if indeg[e.Destination.NodeID] == 0 {
				ready = insertSorted(ready, e.Destination.NodeID)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		var stuck []string
		for id, d := range indeg {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, cycleError(stuck)
	}
	return order, nil
}

// Validate returns the first violated structural invariant, or nil.
func (g *Graph) Validate() error {
	ids := sortedKeys(g.Nodes)
	for _, id := range ids {
		n := g.Nodes[id]
		if n.ID != id {
			return errorf(ErrInvalidNode, "node keyed %q has id %q", id, n.ID)
		}
		schema, err := g.kindSchema(n)
		if err != nil {
			return err
		}
		for name := range n.Inputs {
			if _, ok := schema.Input(name); !ok {
				return errorf(ErrUnknownField, "node %q (%s) has no input %q", n.ID, n.Kind, name)
			}
		}
	}

	seen := make(map[EdgeConnection]Edge, len(g.Edges))
	for _, e := range g.Edges {
		if err := g.checkEdge(e); err != nil {
			return err
		}
		if prior, dup := seen[e.Destination]; dup {
			return errorf(ErrDuplicateEdge, "input %s is connected from %s and %s", e.Destination, prior.Source, e.Source)
		}
		seen[e.Destination] = e
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}

	for _, id := range ids {
		n := g.Nodes[id]
		schema, _ := g.kindSchema(n)
		for _, f := range schema.Inputs {
			if !f.Required {
				continue
			}
			if v, ok := n.Inputs[f.Name]; ok && v != nil {
				continue
			}
			if _, connected := seen[EdgeConnection{NodeID: id, Field: f.Name}]; connected {
				continue
			}
			return errorf(ErrMissingInput, "node %q input %q", id, f.Name)
		}
	}
	return nil
}

// Equal reports whether both graphs hold the same nodes and edges,
// independent of construction order. Graph ids are not compared.
func (g *Graph) Equal(other *Graph) bool {
	if g == nil || other == nil {
		return g == other
	}
	if len(g.Nodes) != len(other.Nodes) || len(g.Edges) != len(other.Edges) {
		return false
	}
	for id, n := range g.Nodes {
		o, ok := other.Nodes[id]
		if !ok || n.ID != o.ID || n.Kind != o.Kind {
			return false
		}
		if !valuesEqual(n.Inputs, o.Inputs) {
			return false
		}
	}
	edges := make(map[Edge]int, len(g.Edges))
	for _, e := range g.Edges {
		edges[e]++
	}
	for _, e := range other.Edges {
		if edges[e] == 0 {
			return false
		}
		edges[e]--
	}
	return true
}

func valuesEqual(a, b Values) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	na, errA := a.Normalize()
	nb, errB := b.Normalize()
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

// Clone returns a deep copy sharing only the kind resolver.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		ID:    g.ID,
		Nodes: make(map[string]*Node, len(g.Nodes)),
		Edges: append([]Edge(nil), g.Edges...),
		kinds: g.kinds,
	}
	for id, n := range g.Nodes {
		out.Nodes[id] = n.Clone()
	}
	return out
}

type graphJSON struct {
	ID    string           `json:"id"`
	Nodes map[string]*Node `json:"nodes"`
	Edges []Edge           `json:"edges"`
}

// MarshalJSON encodes the graph with edges in canonical order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	edges := append([]Edge{}, g.Edges...)
	sortEdges(edges)
	nodes := g.Nodes
	if nodes == nil {
		nodes = map[string]*Node{}
	}
	return json.Marshal(graphJSON{ID: g.ID, Nodes: nodes, Edges: edges})
}

// UnmarshalJSON decodes a graph. The result is unbound; call Bind before
// mutating or validating it.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.ID = raw.ID
	g.Nodes = raw.Nodes
	if g.Nodes == nil {
		g.Nodes = make(map[string]*Node)
	}
	for id, n := range g.Nodes {
		if n == nil {
			return errorf(ErrInvalidNode, "node %q is null", id)
		}
		if n.ID == "" {
			n.ID = id
		}
	}
	g.Edges = raw.Edges
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
