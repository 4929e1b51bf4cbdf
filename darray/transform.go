package darray

import (
	"context"
	"fmt"

	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// Rechunk returns the array split along new block boundaries. Each new block
// is stitched together from the old blocks it overlaps.
func Rechunk(a *Array, blocks chunk.Chunks) (*Array, error) {
	c, err := chunk.FromSizes(a.Shape(), blocks)
	if err != nil {
		return nil, err
	}
	if c.Equal(a.chunks) {
		return a, nil
	}
	return regrid(a, c, make([]int, a.NDim()), "rechunk")
}

// RechunkSizes is Rechunk with regular block sizes, see chunk.Normalize
func RechunkSizes(a *Array, sizes []int) (*Array, error) {
	c, err := chunk.Normalize(a.Shape(), sizes)
	if err != nil {
		return nil, err
	}
	return Rechunk(a, c)
}

// Slice selects the region [start, stop). The result keeps the block
// boundaries of a that fall inside the region.
func Slice(a *Array, start, stop []int) (*Array, error) {
	shape := a.Shape()
	if len(start) != len(shape) || len(stop) != len(shape) {
		return nil, fmt.Errorf("slice rank does not match %d-d array", len(shape))
	}
	c := make(chunk.Chunks, len(shape))
	for d := range shape {
		if start[d] < 0 || stop[d] > shape[d] || start[d] > stop[d] {
			return nil, fmt.Errorf("slice [%d:%d] out of bounds for axis %d of size %d", start[d], stop[d], d, shape[d])
		}
		for _, p := range a.chunks.ProjectDim(d, start[d], stop[d]) {
			c[d] = append(c[d], p.BlockStop-p.BlockStart)
		}
		if len(c[d]) == 0 {
			c[d] = []int{0}
		}
	}
	return regrid(a, c, start, "getitem")
}

// regrid builds an array with chunks c whose region is offset by origin
// inside a
func regrid(a *Array, c chunk.Chunks, origin []int, prefix string) (*Array, error) {
	name := graph.Token(prefixFor(a.label, "array") + "-" + prefix)
	dt := a.dtype
	idxs := chunk.Indices(c.Grid())
	tasks := make([]*graph.Task, 0, len(idxs))
	for _, idx := range idxs {
		key := graph.BlockKey(name, idx)
		shape := c.BlockShape(idx)
		if ndarray.SizeOf(shape) == 0 {
			tasks = append(tasks, graph.Literal(key, a.label, idx, ndarray.New(dt, shape...)))
			continue
		}
		start, stop := c.Bounds(idx)
		for d := range start {
			start[d] += origin[d]
			stop[d] += origin[d]
		}
		projs := a.chunks.Project(start, stop)
		deps := make([]graph.Key, len(projs))
		for i, p := range projs {
			deps[i] = a.Key(p.Block)
		}
		tasks = append(tasks, &graph.Task{
			Key:   key,
			Label: a.label,
			Index: idx,
			Deps:  deps,
			Fn: func(_ context.Context, vals []interface{}) (interface{}, error) {
				pieces := make([]*ndarray.Array, len(projs))
				offsets := make([][]int, len(projs))
				for i, p := range projs {
					b := vals[i].(*ndarray.Array)
					if ndarray.EqualInts(b.Shape(), shape) && len(projs) == 1 {
						return b, nil
					}
					piece, err := b.Slice(p.BlockStart, p.BlockStop)
					if err != nil {
						return nil, err
					}
					pieces[i] = piece
					offsets[i] = p.OutOffset
				}
				return ndarray.Assemble(dt, shape, offsets, pieces)
			},
		})
	}
	return withLayer(a, name, c, dt, tasks)
}

// Transpose permutes axes; output axis i is input axis perm[i]
func Transpose(a *Array, perm []int) (*Array, error) {
	if len(perm) != a.NDim() {
		return nil, fmt.Errorf("permutation %v does not match %d-d array", perm, a.NDim())
	}
	identity := true
	seen := make([]bool, len(perm))
	c := make(chunk.Chunks, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
		identity = identity && p == i
		c[i] = append([]int(nil), a.chunks[p]...)
	}
	if identity {
		return a, nil
	}
	return derive(a, "transpose", c, a.dtype, func(idx []int) []int {
		old := make([]int, len(idx))
		for i, p := range perm {
			old[p] = idx[i]
		}
		return old
	}, func(_ []int, b *ndarray.Array) (*ndarray.Array, error) {
		return b.Transpose(perm...)
	})
}

// ExpandDims inserts a size-1 axis at position axis
func ExpandDims(a *Array, axis int) (*Array, error) {
	if axis < 0 || axis > a.NDim() {
		return nil, fmt.Errorf("axis %d out of range for expanding %d-d array", axis, a.NDim())
	}
	c := make(chunk.Chunks, 0, a.NDim()+1)
	c = append(c, a.chunks[:axis]...)
	c = append(c, []int{1})
	c = append(c, a.chunks[axis:]...)
	return derive(a, "expand", c.Clone(), a.dtype, func(idx []int) []int {
		old := make([]int, 0, len(idx)-1)
		old = append(old, idx[:axis]...)
		return append(old, idx[axis+1:]...)
	}, func(_ []int, b *ndarray.Array) (*ndarray.Array, error) {
		shape := b.Shape()
		shape = append(shape[:axis], append([]int{1}, shape[axis:]...)...)
		return b.Reshape(shape...)
	})
}

// Take selects positions along axis. -1 marks a missing position, filled with
// the dtype's missing value after promotion to a fillable dtype. The axis is
// merged into one block first.
func Take(a *Array, axis int, indexer []int) (*Array, error) {
	if axis < 0 || axis >= a.NDim() {
		return nil, fmt.Errorf("axis %d out of range for %d-d array", axis, a.NDim())
	}
	size := a.Shape()[axis]
	dt := a.dtype
	for _, i := range indexer {
		if i < -1 || i >= size {
			return nil, fmt.Errorf("index %d out of bounds for axis %d of size %d", i, axis, size)
		}
		if i == -1 {
			dt = a.dtype.Fillable()
		}
	}
	if len(a.chunks[axis]) > 1 {
		target := a.chunks.Clone()
		target[axis] = []int{size}
		var err error
		if a, err = Rechunk(a, target); err != nil {
			return nil, err
		}
	}
	c := a.chunks.Clone()
	c[axis] = []int{len(indexer)}
	idx := append([]int(nil), indexer...)
	return derive(a, "take", c, dt, func(i []int) []int { return i }, func(_ []int, b *ndarray.Array) (*ndarray.Array, error) {
		out, err := b.Take(axis, idx)
		if err != nil {
			return nil, err
		}
		return out.AsType(dt), nil
	})
}

// BroadcastTo repeats the size-1 axes of a over the blocks of c. Every other
// axis must already be split as c splits it. Nothing is copied until the
// blocks are computed.
func BroadcastTo(a *Array, c chunk.Chunks) (*Array, error) {
	if len(c) != a.NDim() {
		return nil, fmt.Errorf("cannot broadcast %d-d array to %d-d chunks", a.NDim(), len(c))
	}
	bcast := make([]bool, len(c))
	needed := false
	for d := range c {
		switch {
		case equalInts(a.chunks[d], c[d]):
		case len(a.chunks[d]) == 1 && a.chunks[d][0] == 1:
			bcast[d] = true
			needed = true
		default:
			return nil, &AlignmentError{Dim: fmt.Sprintf("axis %d", d), Reason: fmt.Sprintf("blocks %v cannot be broadcast to %v", a.chunks[d], c[d])}
		}
	}
	if !needed {
		return a, nil
	}
	c = c.Clone()
	return derive(a, "broadcast", c, a.dtype, func(idx []int) []int {
		old := make([]int, len(idx))
		for d, i := range idx {
			if !bcast[d] {
				old[d] = i
			}
		}
		return old
	}, func(idx []int, b *ndarray.Array) (*ndarray.Array, error) {
		return b.BroadcastTo(c.BlockShape(idx)...)
	})
}

// derive adds a layer where every output block is computed from exactly one
// input block
func derive(a *Array, prefix string, c chunk.Chunks, dt ndarray.DType, source func([]int) []int, fn func(idx []int, b *ndarray.Array) (*ndarray.Array, error)) (*Array, error) {
	name := graph.Token(prefixFor(a.label, "array") + "-" + prefix)
	idxs := chunk.Indices(c.Grid())
	tasks := make([]*graph.Task, len(idxs))
	for i, idx := range idxs {
		tasks[i] = &graph.Task{
			Key:   graph.BlockKey(name, idx),
			Label: a.label,
			Index: idx,
			Deps:  []graph.Key{a.Key(source(idx))},
			Fn: func(_ context.Context, vals []interface{}) (interface{}, error) {
				return fn(idx, vals[0].(*ndarray.Array))
			},
		}
	}
	return withLayer(a, name, c, dt, tasks)
}

func withLayer(a *Array, name string, c chunk.Chunks, dt ndarray.DType, tasks []*graph.Task) (*Array, error) {
	g, err := a.graph.With(tasks...)
	if err != nil {
		return nil, err
	}
	return &Array{name: name, label: a.label, chunks: c, dtype: dt, graph: g}, nil
}
