// Package graph represents deferred computation as a directed acyclic graph
// of tasks and evaluates it on demand.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/qri-io/lazyarray/chunk"
)

// Key identifies a task within a graph
type Key string

// BlockKey names block idx of layer name. Block keys sort and print the same
// way for every layer, e.g. "mean-1a2b3c4d|2,3".
func BlockKey(name string, idx []int) Key {
	return Key(name + "|" + chunk.IndexString(idx))
}

// Token returns a fresh unique layer name beginning with prefix
func Token(prefix string) string {
	if prefix == "" {
		prefix = "array"
	}
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Func computes a task result from the results of its dependencies, given in
// the order the dependencies were declared
type Func func(ctx context.Context, deps []interface{}) (interface{}, error)

// Task is one node of a graph: a pure function of its upstream tasks.
type Task struct {
	Key Key
	// Label is the human name of what this task computes, usually the variable
	// name. It is reported in execution errors.
	Label string
	// Index holds block coordinates for block-level tasks, nil otherwise
	Index []int
	Deps  []Key
	Fn    Func

	value   interface{}
	literal bool
}

// Literal returns a task that is already computed
func Literal(key Key, label string, index []int, value interface{}) *Task {
	return &Task{Key: key, Label: label, Index: index, value: value, literal: true}
}

// IsLiteral reports whether the task holds a precomputed value
func (t *Task) IsLiteral() bool { return t.literal }

// Value returns the value of a literal task
func (t *Task) Value() (interface{}, bool) { return t.value, t.literal }

// Graph is a set of tasks keyed by Key. Graphs are immutable once built:
// composing graphs always produces a new Graph sharing the task values.
type Graph struct {
	tasks map[Key]*Task
}

// New builds a graph out of tasks
func New(tasks ...*Task) (*Graph, error) {
	g := &Graph{tasks: make(map[Key]*Task, len(tasks))}
	for _, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("nil task")
		}
		if _, exists := g.tasks[t.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.Key)
		}
		g.tasks[t.Key] = t
	}
	return g, nil
}

// Merge unions graphs. Keys are unique layer tokens, so a key present in more
// than one input refers to the same task and is kept once.
func Merge(graphs ...*Graph) *Graph {
	n := 0
	for _, g := range graphs {
		if g != nil {
			n += len(g.tasks)
		}
	}
	out := &Graph{tasks: make(map[Key]*Task, n)}
	for _, g := range graphs {
		if g == nil {
			continue
		}
		for k, t := range g.tasks {
			out.tasks[k] = t
		}
	}
	return out
}

// With returns a new graph holding g's tasks plus tasks
func (g *Graph) With(tasks ...*Task) (*Graph, error) {
	layer, err := New(tasks...)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if _, exists := g.tasks[t.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.Key)
		}
	}
	return Merge(g, layer), nil
}

func (g *Graph) Len() int { return len(g.tasks) }

func (g *Graph) Get(k Key) (*Task, bool) {
	t, ok := g.tasks[k]
	return t, ok
}

// Keys returns all keys in sorted order
func (g *Graph) Keys() []Key {
	keys := make([]Key, 0, len(g.tasks))
	for k := range g.tasks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Validate checks that every dependency resolves and the graph is acyclic
func (g *Graph) Validate() error {
	_, err := g.Order(g.Keys())
	return err
}

// Cull returns the subgraph of tasks needed to compute targets
func (g *Graph) Cull(targets []Key) (*Graph, error) {
	order, err := g.Order(targets)
	if err != nil {
		return nil, err
	}
	out := &Graph{tasks: make(map[Key]*Task, len(order))}
	for _, k := range order {
		out.tasks[k] = g.tasks[k]
	}
	return out, nil
}

// Order returns the dependency closure of targets in topological order,
// dependencies first. Cycles are found by depth-first search.
func (g *Graph) Order(targets []Key) ([]Key, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[Key]int)
	var order []Key
	var path []Key

	var visit func(k Key) error
	visit = func(k Key) error {
		switch marks[k] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == k {
					start = i
					break
				}
			}
			cycle := append(append([]Key(nil), path[start:]...), k)
			return &CycleError{Path: cycle}
		}
		t, ok := g.tasks[k]
		if !ok {
			if len(path) == 0 {
				return fmt.Errorf("%w: %s", ErrUnknownTarget, k)
			}
			return fmt.Errorf("%w: %s needs %s", ErrMissingDependency, path[len(path)-1], k)
		}
		marks[k] = visiting
		path = append(path, k)
		for _, dep := range t.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		marks[k] = done
		order = append(order, k)
		return nil
	}

	for _, k := range targets {
		if err := visit(k); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// IsConcrete reports whether every task in the graph is a literal, meaning
// nothing is left to compute
func (g *Graph) IsConcrete() bool {
	for _, t := range g.tasks {
		if !t.literal {
			return false
		}
	}
	return true
}
