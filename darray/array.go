// Package darray implements chunked arrays whose blocks are tasks in a lazy
// graph. Every operation adds a layer of block tasks over its inputs and
// returns a new Array; nothing runs until Compute or Persist.
package darray

import (
	"context"
	"fmt"

	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// Array is a lazily evaluated N-dimensional array split into blocks. Block
// idx is the result of task graph.BlockKey(Name(), idx).
type Array struct {
	name   string
	label  string
	chunks chunk.Chunks
	dtype  ndarray.DType
	graph  *graph.Graph
}

func (a *Array) Name() string            { return a.name }
func (a *Array) Label() string           { return a.label }
func (a *Array) Chunks() chunk.Chunks    { return a.chunks.Clone() }
func (a *Array) Shape() []int            { return a.chunks.Shape() }
func (a *Array) NDim() int               { return len(a.chunks) }
func (a *Array) DType() ndarray.DType    { return a.dtype }
func (a *Array) Graph() *graph.Graph     { return a.graph }
func (a *Array) NumBlocks() int          { return a.chunks.NumBlocks() }
func (a *Array) Meta() ndarray.Meta      { return ndarray.Meta{DType: a.dtype, NDim: len(a.chunks)} }
func (a *Array) Key(idx []int) graph.Key { return graph.BlockKey(a.name, idx) }

// Keys lists block keys in C order of the block grid
func (a *Array) Keys() []graph.Key {
	idxs := chunk.Indices(a.chunks.Grid())
	keys := make([]graph.Key, len(idxs))
	for i, idx := range idxs {
		keys[i] = a.Key(idx)
	}
	return keys
}

// WithLabel returns a shallow copy reporting label in errors raised by
// layers built on top of it
func (a *Array) WithLabel(label string) *Array {
	b := *a
	b.label = label
	return &b
}

func (a *Array) String() string {
	return fmt.Sprintf("<darray %s shape=%v chunks=%s dtype=%s>", a.name, a.Shape(), a.chunks, a.dtype)
}

// FromArray splits a concrete array into literal blocks of the given sizes.
// See chunk.Normalize for the meaning of sizes.
func FromArray(x *ndarray.Array, sizes []int, label string) (*Array, error) {
	c, err := chunk.Normalize(x.Shape(), sizes)
	if err != nil {
		return nil, err
	}
	name := graph.Token(prefixFor(label, "array"))
	idxs := chunk.Indices(c.Grid())
	tasks := make([]*graph.Task, 0, len(idxs))
	for _, idx := range idxs {
		start, stop := c.Bounds(idx)
		b, err := x.Slice(start, stop)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, graph.Literal(graph.BlockKey(name, idx), label, idx, b))
	}
	g, err := graph.New(tasks...)
	if err != nil {
		return nil, err
	}
	return &Array{name: name, label: label, chunks: c, dtype: x.DType(), graph: g}, nil
}

// FromSource builds an array whose blocks are read from src when computed
func FromSource(src ndarray.Source, sizes []int, label string) (*Array, error) {
	c, err := chunk.Normalize(src.Shape(), sizes)
	if err != nil {
		return nil, err
	}
	return fromSourceChunks(src, c, label)
}

// FromSourceChunks is FromSource with explicit, possibly irregular, chunks
func FromSourceChunks(src ndarray.Source, c chunk.Chunks, label string) (*Array, error) {
	if !ndarray.EqualInts(c.Shape(), src.Shape()) {
		return nil, fmt.Errorf("chunks %s do not cover source shape %v", c, src.Shape())
	}
	return fromSourceChunks(src, c, label)
}

func fromSourceChunks(src ndarray.Source, c chunk.Chunks, label string) (*Array, error) {
	name := graph.Token(prefixFor(label, "source"))
	idxs := chunk.Indices(c.Grid())
	tasks := make([]*graph.Task, 0, len(idxs))
	for _, idx := range idxs {
		start, stop := c.Bounds(idx)
		tasks = append(tasks, &graph.Task{
			Key:   graph.BlockKey(name, idx),
			Label: label,
			Index: idx,
			Fn: func(context.Context, []interface{}) (interface{}, error) {
				return src.Block(start, stop)
			},
		})
	}
	g, err := graph.New(tasks...)
	if err != nil {
		return nil, err
	}
	return &Array{name: name, label: label, chunks: c, dtype: src.DType(), graph: g}, nil
}

// IsConcrete reports whether every block is already computed
func (a *Array) IsConcrete() bool {
	for _, k := range a.Keys() {
		t, ok := a.graph.Get(k)
		if !ok || !t.IsLiteral() {
			return false
		}
	}
	return true
}

// Compute evaluates every block and assembles them into one concrete array.
// Computing the same array twice yields identical results.
func (a *Array) Compute(ctx context.Context, exec *graph.Executor) (*ndarray.Array, error) {
	blocks, err := a.computeBlocks(ctx, exec)
	if err != nil {
		return nil, err
	}
	return a.assemble(blocks)
}

// Persist computes every block and returns an array with the same chunks
// whose graph holds only the computed blocks
func (a *Array) Persist(ctx context.Context, exec *graph.Executor) (*Array, error) {
	out, err := PersistAll(ctx, exec, a)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// PersistAll persists every array in one graph run, so blocks they share
// upstream are computed once
func PersistAll(ctx context.Context, exec *graph.Executor, arrays ...*Array) ([]*Array, error) {
	res, err := computeMerged(ctx, exec, arrays)
	if err != nil {
		return nil, err
	}
	out := make([]*Array, len(arrays))
	for i, a := range arrays {
		blocks, err := a.collect(res)
		if err != nil {
			return nil, err
		}
		name := graph.Token(prefixFor(a.label, "persist"))
		idxs := chunk.Indices(a.chunks.Grid())
		tasks := make([]*graph.Task, len(idxs))
		for j, idx := range idxs {
			tasks[j] = graph.Literal(graph.BlockKey(name, idx), a.label, idx, blocks[j])
		}
		g, err := graph.New(tasks...)
		if err != nil {
			return nil, err
		}
		out[i] = &Array{name: name, label: a.label, chunks: a.chunks.Clone(), dtype: a.dtype, graph: g}
	}
	return out, nil
}

// computeBlocks returns realized blocks in C order, checked against the
// chunk grid
func (a *Array) computeBlocks(ctx context.Context, exec *graph.Executor) ([]*ndarray.Array, error) {
	if exec == nil {
		exec = graph.Sequential()
	}
	res, err := exec.Compute(ctx, a.graph, a.Keys())
	if err != nil {
		return nil, err
	}
	return a.collect(res)
}

func (a *Array) collect(res map[graph.Key]interface{}) ([]*ndarray.Array, error) {
	keys := a.Keys()
	idxs := chunk.Indices(a.chunks.Grid())
	blocks := make([]*ndarray.Array, len(keys))
	for i, k := range keys {
		b, ok := res[k].(*ndarray.Array)
		if !ok {
			return nil, fmt.Errorf("block %s holds %T, not an array", k, res[k])
		}
		if want := a.chunks.BlockShape(idxs[i]); !ndarray.EqualInts(b.Shape(), want) {
			return nil, &ShapeMismatchError{Label: a.label, Index: idxs[i], Got: b.Shape(), Want: want}
		}
		if b.DType() != a.dtype {
			b = b.AsType(a.dtype)
		}
		blocks[i] = b
	}
	return blocks, nil
}

func (a *Array) assemble(blocks []*ndarray.Array) (*ndarray.Array, error) {
	idxs := chunk.Indices(a.chunks.Grid())
	offsets := make([][]int, len(idxs))
	for i, idx := range idxs {
		offsets[i], _ = a.chunks.Bounds(idx)
	}
	return ndarray.Assemble(a.dtype, a.Shape(), offsets, blocks)
}

// ComputeAll evaluates several arrays in one pass over their merged graphs,
// so tasks they share run once.
func ComputeAll(ctx context.Context, exec *graph.Executor, arrays ...*Array) ([]*ndarray.Array, error) {
	res, err := computeMerged(ctx, exec, arrays)
	if err != nil {
		return nil, err
	}
	out := make([]*ndarray.Array, len(arrays))
	for i, a := range arrays {
		blocks, err := a.collect(res)
		if err != nil {
			return nil, err
		}
		if out[i], err = a.assemble(blocks); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func computeMerged(ctx context.Context, exec *graph.Executor, arrays []*Array) (map[graph.Key]interface{}, error) {
	if exec == nil {
		exec = graph.Sequential()
	}
	graphs := make([]*graph.Graph, len(arrays))
	var keys []graph.Key
	for i, a := range arrays {
		graphs[i] = a.graph
		keys = append(keys, a.Keys()...)
	}
	return exec.Compute(ctx, graph.Merge(graphs...), keys)
}

func prefixFor(label, fallback string) string {
	if label != "" {
		return label
	}
	return fallback
}
