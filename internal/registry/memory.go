package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
)

// Registry holds node kinds in memory. It is safe for concurrent use and
// implements graph.KindResolver.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		kinds: make(map[string]*Kind),
	}
}

// Register adds a kind. Returns ErrKindExists if the name is taken.
func (r *Registry) Register(k *Kind) error {
	if err := k.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[k.Name]; exists {
		return ErrKindExists
	}
	r.kinds[k.Name] = k
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(kinds ...*Kind) {
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			panic(fmt.Sprintf("registry: register %q: %v", k.Name, err))
		}
	}
}

// Get retrieves a kind by name.
func (r *Registry) Get(name string) (*Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[name]
	if !ok {
		return nil, ErrKindNotFound
	}
	return k, nil
}

// Exists checks if a kind with the given name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.kinds[name]
	return ok
}

// Schema implements graph.KindResolver.
func (r *Registry) Schema(kind string) (*graph.Schema, bool) {
	k, err := r.Get(kind)
	if err != nil {
		return nil, false
	}
	return k.Schema(), true
}

// List returns kinds matching the options, sorted by name.
func (r *Registry) List(opts *ListOptions) []*Kind {
	if opts == nil {
		opts = &ListOptions{}
	}

	r.mu.RLock()
	var kinds []*Kind
	for _, k := range r.kinds {
		if len(opts.Tags) > 0 && !hasAllTags(k.Tags, opts.Tags) {
			continue
		}
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()

	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Name < kinds[j].Name })

	if opts.Offset > 0 {
		if opts.Offset >= len(kinds) {
			return []*Kind{}
		}
		kinds = kinds[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(kinds) {
		kinds = kinds[:opts.Limit]
	}
	return kinds
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

var _ graph.KindResolver = (*Registry)(nil)
