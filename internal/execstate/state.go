// Package execstate tracks the progress of one graph run: which node
// instances were prepared from which template nodes, what executed, the
// results they produced and the errors they raised.
package execstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
)

// Common errors returned by State.
var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrAlreadyExecuted = errors.New("instance already executed")
	ErrInvalidOutput   = errors.New("invalid instance output")
)

// Status summarises where a run is.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
)

// Instance is a concrete, possibly expanded copy of a template node with
// its inputs bound.
type Instance struct {
	ID     string      `json:"id"`
	Source string      `json:"source"`
	Node   *graph.Node `json:"node"`

	// Index is the element position for expanded instances, -1 otherwise.
	Index int `json:"index"`
}

// ErrorRecord is the recorded failure of one instance.
type ErrorRecord struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// State is the execution state of one run over an exclusively owned graph.
//
// State is not safe for concurrent use; callers serialise access per id.
type State struct {
	ID    string       `json:"id"`
	Graph *graph.Graph `json:"graph"`

	Instances map[string]*Instance `json:"instances"`

	// Executed holds every instance that finished, successfully or not.
	Executed        map[string]bool `json:"executed"`
	ExecutedHistory []string        `json:"executed_history"`

	SourcePreparedMapping map[string][]string `json:"source_prepared_mapping"`
	PreparedSourceMapping map[string]string   `json:"prepared_source_mapping"`

	Results map[string]graph.Values `json:"results"`
	Errors  map[string]ErrorRecord  `json:"errors"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a state over a private clone of g with node inputs in their
// JSON form. A nil g yields an empty graph bound to nothing.
func New(g *graph.Graph) *State {
	if g == nil {
		g = graph.New(nil)
	} else {
		g = g.Clone()
		for _, n := range g.Nodes {
			if in, err := n.Inputs.Normalize(); err == nil {
				n.Inputs = in
			}
		}
	}
	now := time.Now().UTC()
	return &State{
		ID:                    uuid.New().String(),
		Graph:                 g,
		Instances:             make(map[string]*Instance),
		Executed:              make(map[string]bool),
		ExecutedHistory:       []string{},
		SourcePreparedMapping: make(map[string][]string),
		PreparedSourceMapping: make(map[string]string),
		Results:               make(map[string]graph.Values),
		Errors:                make(map[string]ErrorRecord),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Bind attaches a kind resolver to the owned graph after decoding.
func (s *State) Bind(kinds graph.KindResolver) *State {
	s.Graph.Bind(kinds)
	return s
}

// Instance returns the prepared instance with the given id.
func (s *State) Instance(id string) (*Instance, bool) {
	inst, ok := s.Instances[id]
	return inst, ok
}

// ResolveInputs returns a copy of the inputs bound to an instance.
func (s *State) ResolveInputs(instanceID string) (graph.Values, error) {
	inst, ok := s.Instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstance, instanceID)
	}
	in := inst.Node.Inputs.Clone()
	if in == nil {
		in = graph.Values{}
	}
	return in, nil
}

// Complete records successful outputs for an instance. Outputs are stored
// in their JSON form.
func (s *State) Complete(instanceID string, outputs graph.Values) error {
	if err := s.checkPending(instanceID); err != nil {
		return err
	}
	norm, err := outputs.Normalize()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if norm == nil {
		norm = graph.Values{}
	}
	s.Results[instanceID] = norm
	s.markExecuted(instanceID)
	return nil
}

// Fail records an error for an instance. The record is never cleared.
func (s *State) Fail(instanceID string, cause error) error {
	if err := s.checkPending(instanceID); err != nil {
		return err
	}
	rec := ErrorRecord{Type: "error", Message: "unknown error"}
	if cause != nil {
		rec.Type = fmt.Sprintf("%T", cause)
		rec.Message = cause.Error()
	}
	s.Errors[instanceID] = rec
	s.markExecuted(instanceID)
	return nil
}

func (s *State) checkPending(instanceID string) error {
	if _, ok := s.Instances[instanceID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownInstance, instanceID)
	}
	if s.Executed[instanceID] {
		return fmt.Errorf("%w: %q", ErrAlreadyExecuted, instanceID)
	}
	return nil
}

func (s *State) markExecuted(instanceID string) {
	s.Executed[instanceID] = true
	s.ExecutedHistory = append(s.ExecutedHistory, instanceID)
	s.UpdatedAt = time.Now().UTC()
}

// HasError reports whether any instance failed.
func (s *State) HasError() bool {
	return len(s.Errors) > 0
}

// IsComplete reports whether no executable work remains. Templates blocked
// by an upstream error are not required.
func (s *State) IsComplete() bool {
	order, err := s.Graph.TopologicalOrder()
	if err != nil {
		return true
	}
	blocked := s.blocked(order)
	for _, id := range order {
		if blocked[id] {
			continue
		}
		ids, prepared := s.SourcePreparedMapping[id]
		if !prepared {
			return false
		}
		for _, inst := range ids {
			if !s.Executed[inst] {
				return false
			}
		}
	}
	return true
}

// Status returns the lifecycle status of the run.
func (s *State) Status() Status {
	switch {
	case s.IsComplete():
		return StatusComplete
	case len(s.Executed) > 0:
		return StatusRunning
	default:
		return StatusPending
	}
}

// Blocked returns the template ids, in topological order, that will never
// run because an upstream failure leaves them nothing to bind. Instances
// paired with a failed source instance are never prepared either; their
// siblings still run.
func (s *State) Blocked() []string {
	order, err := s.Graph.TopologicalOrder()
	if err != nil {
		return nil
	}
	blocked := s.blocked(order)
	var out []string
	for _, id := range order {
		if blocked[id] {
			out = append(out, id)
		}
	}
	return out
}

// blocked marks unprepared templates that can never run: a predecessor is
// blocked, or every predecessor finished and the failures among them leave
// nothing to bind.
func (s *State) blocked(order []string) map[string]bool {
	blocked := make(map[string]bool)
	for _, id := range order {
		if _, prepared := s.SourcePreparedMapping[id]; prepared {
			continue
		}
		done, upstreamBlocked := s.upstream(id, blocked)
		if upstreamBlocked {
			blocked[id] = true
			continue
		}
		if !done {
			continue
		}
		if p, err := s.plan(id); err == nil && p.blocked {
			blocked[id] = true
		}
	}
	return blocked
}

// upstream reports whether every predecessor of id is prepared with all of
// its instances executed, and whether any predecessor is blocked.
func (s *State) upstream(id string, blocked map[string]bool) (done, isBlocked bool) {
	done = true
	for _, p := range s.Graph.Predecessors(id) {
		if blocked[p] {
			return false, true
		}
		if !s.finished(p) {
			done = false
		}
	}
	return done, false
}

func (s *State) finished(id string) bool {
	ids, prepared := s.SourcePreparedMapping[id]
	if !prepared {
		return false
	}
	for _, inst := range ids {
		if !s.Executed[inst] {
			return false
		}
	}
	return true
}

// Next returns the next ready instance id, preparing template nodes whose
// upstream finished. It returns "" when nothing is ready. Repeated calls
// without an intervening Complete or Fail return the same id.
func (s *State) Next() (string, error) {
	order, err := s.Graph.TopologicalOrder()
	if err != nil {
		return "", err
	}
	blocked := make(map[string]bool)
	for _, id := range order {
		if _, prepared := s.SourcePreparedMapping[id]; !prepared {
			done, upstreamBlocked := s.upstream(id, blocked)
			if upstreamBlocked {
				blocked[id] = true
				continue
			}
			if !done {
				continue
			}
			p, err := s.plan(id)
			if err != nil {
				return "", err
			}
			if p.blocked {
				blocked[id] = true
				continue
			}
			if err := s.prepare(id, p); err != nil {
				return "", err
			}
		}
		for _, inst := range s.SourcePreparedMapping[id] {
			if !s.Executed[inst] {
				return inst, nil
			}
		}
	}
	return "", nil
}
