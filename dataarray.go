// Package lazyarray provides labeled N-dimensional arrays and datasets backed
// by chunked, lazily evaluated data. Operations on a DataArray or Dataset
// build new task graph layers over the old blocks and return new values;
// nothing runs until Compute or Persist.
package lazyarray

import (
	"context"
	"fmt"
	"sort"

	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// Attrs is free-form metadata attached to arrays and datasets. Values must
// be JSON-serializable to survive a round trip through storage.
type Attrs map[string]interface{}

func (a Attrs) clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns attribute names in sorted order
func (a Attrs) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Coords maps a dimension name to the 1-D array of labels along it
type Coords map[string]*ndarray.Array

func (c Coords) clone() Coords {
	out := make(Coords, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Chunked is a source stored in blocks. Arrays built from a Chunked source
// keep its block layout.
type Chunked interface {
	ndarray.Source
	Chunks() chunk.Chunks
}

// DataArray is a chunked array with named dimensions, optional coordinate
// labels per dimension and attributes. DataArrays are immutable.
type DataArray struct {
	name   string
	dims   []string
	coords Coords
	data   *darray.Array
	attrs  Attrs
}

// NewDataArray wraps src. A concrete *ndarray.Array becomes a single block,
// a Chunked source keeps its stored blocks and any other source is read as
// one block when computed.
func NewDataArray(name string, src ndarray.Source, dims []string, coords Coords, attrs Attrs) (*DataArray, error) {
	data, err := fromSource(src, name)
	if err != nil {
		return nil, err
	}
	return FromDarray(name, data, dims, coords, attrs)
}

func fromSource(src ndarray.Source, label string) (*darray.Array, error) {
	switch s := src.(type) {
	case *ndarray.Array:
		return darray.FromArray(s, make([]int, s.NDim()), label)
	case Chunked:
		return darray.FromSourceChunks(s, s.Chunks(), label)
	case nil:
		return nil, fmt.Errorf("nil data source")
	default:
		return darray.FromSource(src, make([]int, len(src.Shape())), label)
	}
}

// FromDarray labels an existing chunked array
func FromDarray(name string, data *darray.Array, dims []string, coords Coords, attrs Attrs) (*DataArray, error) {
	if data == nil {
		return nil, fmt.Errorf("nil data")
	}
	if name != "" && data.Label() != name {
		data = data.WithLabel(name)
	}
	a := &DataArray{
		name:   name,
		dims:   append([]string(nil), dims...),
		coords: coords.clone(),
		data:   data,
		attrs:  attrs.clone(),
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// MustNew is NewDataArray that panics on error, for tests and examples
func MustNew(name string, src ndarray.Source, dims []string, coords Coords, attrs Attrs) *DataArray {
	a, err := NewDataArray(name, src, dims, coords, attrs)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *DataArray) validate() error {
	shape := a.data.Shape()
	if len(a.dims) != len(shape) {
		return fmt.Errorf("%d dimension names %v for %d-d data", len(a.dims), a.dims, len(shape))
	}
	seen := make(map[string]bool, len(a.dims))
	for _, d := range a.dims {
		if d == "" {
			return fmt.Errorf("empty dimension name in %v", a.dims)
		}
		if seen[d] {
			return fmt.Errorf("dimension %q appears more than once in %v", d, a.dims)
		}
		seen[d] = true
	}
	for d, c := range a.coords {
		ax := a.axis(d)
		if ax < 0 {
			return fmt.Errorf("coordinate %q is not a dimension of %v", d, a.dims)
		}
		if c == nil || c.NDim() != 1 {
			return fmt.Errorf("coordinate %q must be 1-dimensional", d)
		}
		if n := c.Shape()[0]; n != shape[ax] {
			return fmt.Errorf("coordinate %q has %d labels, dimension has size %d", d, n, shape[ax])
		}
	}
	return nil
}

func (a *DataArray) Name() string             { return a.name }
func (a *DataArray) Dims() []string           { return append([]string(nil), a.dims...) }
func (a *DataArray) Shape() []int             { return a.data.Shape() }
func (a *DataArray) NDim() int                { return len(a.dims) }
func (a *DataArray) DType() ndarray.DType     { return a.data.DType() }
func (a *DataArray) Chunks() chunk.Chunks     { return a.data.Chunks() }
func (a *DataArray) Data() *darray.Array      { return a.data }
func (a *DataArray) Attrs() Attrs             { return a.attrs.clone() }
func (a *DataArray) Coords() Coords           { return a.coords.clone() }
func (a *DataArray) IsConcrete() bool         { return a.data.IsConcrete() }
func (a *DataArray) Has(dim string) bool      { return a.axis(dim) >= 0 }
func (a *DataArray) Coord(dim string) *ndarray.Array { return a.coords[dim] }

// Sizes maps each dimension to its length
func (a *DataArray) Sizes() map[string]int {
	shape := a.data.Shape()
	out := make(map[string]int, len(a.dims))
	for i, d := range a.dims {
		out[d] = shape[i]
	}
	return out
}

func (a *DataArray) axis(dim string) int {
	for i, d := range a.dims {
		if d == dim {
			return i
		}
	}
	return -1
}

func (a *DataArray) size(dim string) int {
	return a.data.Shape()[a.axis(dim)]
}

func (a *DataArray) with(data *darray.Array, dims []string, coords Coords) *DataArray {
	return &DataArray{name: a.name, dims: dims, coords: coords, data: data, attrs: a.attrs}
}

// Rename returns a copy named name
func (a *DataArray) Rename(name string) *DataArray {
	b := *a
	b.name = name
	if name != "" {
		b.data = a.data.WithLabel(name)
	}
	return &b
}

// WithAttrs returns a copy carrying attrs in place of the current attributes
func (a *DataArray) WithAttrs(attrs Attrs) *DataArray {
	b := *a
	b.attrs = attrs.clone()
	return &b
}

// WithCoord returns a copy with labels attached to dim
func (a *DataArray) WithCoord(dim string, labels *ndarray.Array) (*DataArray, error) {
	b := *a
	b.coords = a.coords.clone()
	b.coords[dim] = labels
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Chunk splits the named dimensions into blocks of the given size. A size
// of zero or less puts the whole dimension in one block. Other dimensions
// keep their blocks.
func (a *DataArray) Chunk(sizes map[string]int) (*DataArray, error) {
	for d := range sizes {
		if !a.Has(d) {
			return nil, fmt.Errorf("cannot chunk %q: no dimension %q in %v", a.name, d, a.dims)
		}
	}
	return a.chunk(sizes)
}

func (a *DataArray) chunk(sizes map[string]int) (*DataArray, error) {
	c := a.data.Chunks()
	shape := a.data.Shape()
	for i, d := range a.dims {
		if n, ok := sizes[d]; ok {
			c[i] = chunk.Split(shape[i], n)
		}
	}
	data, err := darray.Rechunk(a.data, c)
	if err != nil {
		return nil, err
	}
	return a.with(data, a.dims, a.coords), nil
}

// Isel selects positions [start, stop) along dim
func (a *DataArray) Isel(dim string, start, stop int) (*DataArray, error) {
	ax := a.axis(dim)
	if ax < 0 {
		return nil, fmt.Errorf("no dimension %q in %v", dim, a.dims)
	}
	shape := a.data.Shape()
	lo, hi := make([]int, len(shape)), append([]int(nil), shape...)
	lo[ax], hi[ax] = start, stop
	data, err := darray.Slice(a.data, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("selecting %q: %w", dim, err)
	}
	coords := a.coords.clone()
	if c, ok := coords[dim]; ok {
		if coords[dim], err = c.Slice([]int{start}, []int{stop}); err != nil {
			return nil, err
		}
	}
	return a.with(data, a.dims, coords), nil
}

// Sel selects the positions along dim whose coordinate equals each label,
// in the order given
func (a *DataArray) Sel(dim string, labels ...float64) (*DataArray, error) {
	ax := a.axis(dim)
	if ax < 0 {
		return nil, fmt.Errorf("no dimension %q in %v", dim, a.dims)
	}
	c, ok := a.coords[dim]
	if !ok {
		return nil, fmt.Errorf("dimension %q has no coordinate to select on", dim)
	}
	pos := make(map[float64]int, c.Size())
	for i, v := range c.Float64s() {
		if _, dup := pos[v]; !dup {
			pos[v] = i
		}
	}
	indexer := make([]int, len(labels))
	for i, l := range labels {
		p, ok := pos[l]
		if !ok {
			return nil, fmt.Errorf("label %v not found along %q", l, dim)
		}
		indexer[i] = p
	}
	return a.take(dim, indexer, nil)
}

// take reindexes dim with indexer, -1 marking missing positions. labels
// replaces the coordinate when non-nil.
func (a *DataArray) take(dim string, indexer []int, labels *ndarray.Array) (*DataArray, error) {
	ax := a.axis(dim)
	data, err := darray.Take(a.data, ax, indexer)
	if err != nil {
		return nil, err
	}
	coords := a.coords.clone()
	switch c, ok := coords[dim]; {
	case labels != nil:
		coords[dim] = labels
	case ok:
		if coords[dim], err = c.Take(0, indexer); err != nil {
			return nil, err
		}
	}
	return a.with(data, a.dims, coords), nil
}

// Transpose reorders dimensions. With no arguments the order is reversed.
func (a *DataArray) Transpose(dims ...string) (*DataArray, error) {
	if len(dims) == 0 {
		for i := len(a.dims) - 1; i >= 0; i-- {
			dims = append(dims, a.dims[i])
		}
	}
	if len(dims) != len(a.dims) {
		return nil, fmt.Errorf("transpose order %v does not name every dimension of %v", dims, a.dims)
	}
	perm := make([]int, len(dims))
	for i, d := range dims {
		if perm[i] = a.axis(d); perm[i] < 0 {
			return nil, fmt.Errorf("no dimension %q in %v", d, a.dims)
		}
	}
	data, err := darray.Transpose(a.data, perm)
	if err != nil {
		return nil, err
	}
	return a.with(data, append([]string(nil), dims...), a.coords), nil
}

// Values computes the data and returns it as one concrete array
func (a *DataArray) Values(ctx context.Context, exec *graph.Executor) (*ndarray.Array, error) {
	return a.data.Compute(ctx, exec)
}

// Compute returns a copy backed by concrete data in a single block
func (a *DataArray) Compute(ctx context.Context, exec *graph.Executor) (*DataArray, error) {
	vals, err := a.data.Compute(ctx, exec)
	if err != nil {
		return nil, err
	}
	data, err := darray.FromArray(vals, make([]int, vals.NDim()), a.name)
	if err != nil {
		return nil, err
	}
	return a.with(data, a.dims, a.coords), nil
}

// Load is Compute. Arrays are immutable, so the loaded copy is returned
// rather than replacing a's data.
func (a *DataArray) Load(ctx context.Context, exec *graph.Executor) (*DataArray, error) {
	return a.Compute(ctx, exec)
}

// Persist returns a copy whose blocks are computed but keep their chunking
func (a *DataArray) Persist(ctx context.Context, exec *graph.Executor) (*DataArray, error) {
	data, err := a.data.Persist(ctx, exec)
	if err != nil {
		return nil, err
	}
	return a.with(data, a.dims, a.coords), nil
}

// Identical reports whether a and b have the same name, dimensions,
// coordinates, attributes, dtype and values. Missing values compare equal.
// Chunking is not compared. Lazy data is computed.
func (a *DataArray) Identical(ctx context.Context, b *DataArray, exec *graph.Executor) (bool, error) {
	if a.name != b.name || !sameStrings(a.dims, b.dims) || a.DType() != b.DType() ||
		!ndarray.EqualInts(a.Shape(), b.Shape()) || !sameCoords(a.coords, b.coords) || !sameAttrs(a.attrs, b.attrs) {
		return false, nil
	}
	vals, err := darray.ComputeAll(ctx, exec, a.data, b.data)
	if err != nil {
		return false, err
	}
	return vals[0].Identical(vals[1]), nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameCoords(a, b Coords) bool {
	if len(a) != len(b) {
		return false
	}
	for d, c := range a {
		if !c.Identical(b[d]) {
			return false
		}
	}
	return true
}
