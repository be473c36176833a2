package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidNode   = errors.New("invalid node")
	ErrDuplicateNode = errors.New("duplicate node")
	ErrUnknownNode   = errors.New("unknown node")
	ErrUnknownKind   = errors.New("unknown node kind")
	ErrUnknownField  = errors.New("unknown field")
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrDuplicateEdge = errors.New("duplicate edge")
	ErrUnknownEdge   = errors.New("unknown edge")
	ErrCycle         = errors.New("cycle detected")
	ErrMissingInput  = errors.New("missing required input")
	ErrUnbound       = errors.New("graph has no kind resolver")
)

// Error wraps a structural graph failure.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &Error{Kind: ErrCycle, Msg: msg}
}
