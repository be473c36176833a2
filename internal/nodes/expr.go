package nodes

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrExpressionTooLong is returned for expressions above the length limit.
var ErrExpressionTooLong = errors.New("expression too long")

const (
	defaultMaxLength   = 4096
	defaultMaxPrograms = 1024
)

// Programs compiles expression sources once and reuses the programs across
// node instances. Programs are compiled untyped, so one program serves any
// input types. The cache is dropped wholesale when it reaches maxPrograms.
type Programs struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program

	maxLength   int
	maxPrograms int
}

// NewPrograms creates an empty program cache.
func NewPrograms() *Programs {
	return &Programs{
		programs:    make(map[string]*vm.Program),
		maxLength:   defaultMaxLength,
		maxPrograms: defaultMaxPrograms,
	}
}

func (p *Programs) compile(source string) (*vm.Program, error) {
	if len(source) > p.maxLength {
		return nil, fmt.Errorf("%w: %d > %d characters", ErrExpressionTooLong, len(source), p.maxLength)
	}

	p.mu.RLock()
	prog, ok := p.programs[source]
	p.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}

	p.mu.Lock()
	if len(p.programs) >= p.maxPrograms {
		p.programs = make(map[string]*vm.Program)
	}
	p.programs[source] = prog
	p.mu.Unlock()
	return prog, nil
}

// Eval runs source against env.
func (p *Programs) Eval(source string, env map[string]any) (any, error) {
	prog, err := p.compile(source)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", source, err)
	}
	return out, nil
}

func (p *Programs) cached(source string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.programs[source]
	return ok
}
