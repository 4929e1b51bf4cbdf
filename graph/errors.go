package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/qri-io/lazyarray/chunk"
)

// Sentinel errors for graph construction and execution.
var (
	// ErrDuplicateTask is returned when two different tasks share a key.
	ErrDuplicateTask = errors.New("duplicate task key")

	// ErrMissingDependency is returned when a task depends on a key the graph lacks.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrCycle is returned when the graph is not acyclic.
	ErrCycle = errors.New("dependency cycle")

	// ErrUnknownTarget is returned when Compute is asked for a key the graph lacks.
	ErrUnknownTarget = errors.New("unknown target key")
)

// CycleError reports the keys forming a cycle.
type CycleError struct {
	Path []Key
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = string(k)
	}
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// ExecutionError wraps a failure raised while computing one task. It names
// the variable the task belongs to and the block coordinates so the failing
// block can be found without inspecting the graph.
type ExecutionError struct {
	Label string
	Key   Key
	Index []int
	Err   error
}

func (e *ExecutionError) Error() string {
	label := e.Label
	if label == "" {
		label = string(e.Key)
	}
	if e.Index != nil {
		return fmt.Sprintf("computing block (%s) of %q: %s", chunk.IndexString(e.Index), label, e.Err)
	}
	return fmt.Sprintf("computing %q: %s", label, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking task function
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
