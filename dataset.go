package lazyarray

import (
	"context"
	"fmt"

	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// Dataset is a set of named variables sharing coordinates. Variables may
// span different dimensions; a dimension has one size and at most one
// coordinate across the whole dataset.
type Dataset struct {
	names  []string
	vars   map[string]*DataArray
	coords Coords
	attrs  Attrs
}

// NewDataset aligns vars under join and collects them into a dataset.
// Every variable needs a unique, non-empty name.
func NewDataset(vars []*DataArray, attrs Attrs, join Join) (*Dataset, error) {
	names := make([]string, len(vars))
	for i, v := range vars {
		if v.name == "" {
			return nil, fmt.Errorf("dataset variable %d has no name", i)
		}
		for _, n := range names[:i] {
			if n == v.name {
				return nil, fmt.Errorf("duplicate dataset variable %q", n)
			}
		}
		names[i] = v.name
	}
	aligned, err := Align(join, vars...)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{names: names, vars: make(map[string]*DataArray, len(vars)), coords: Coords{}, attrs: attrs.clone()}
	sizes := map[string]int{}
	for _, v := range aligned {
		for d, n := range v.Sizes() {
			if m, ok := sizes[d]; ok && m != n {
				return nil, &darray.AlignmentError{Dim: d, Reason: fmt.Sprintf("variable %q has size %d, another has %d", v.name, n, m)}
			}
			sizes[d] = n
		}
		for d, c := range v.coords {
			ds.coords[d] = c
		}
	}
	for _, v := range aligned {
		ds.vars[v.name] = v.withDatasetCoords(ds.coords)
	}
	return ds, nil
}

// withDatasetCoords attaches the dataset coordinate of each of a's dims
func (a *DataArray) withDatasetCoords(coords Coords) *DataArray {
	own := Coords{}
	for _, d := range a.dims {
		if c, ok := coords[d]; ok {
			own[d] = c
		}
	}
	b := *a
	b.coords = own
	return &b
}

// MustDataset is NewDataset with an outer join that panics on error
func MustDataset(attrs Attrs, vars ...*DataArray) *Dataset {
	ds, err := NewDataset(vars, attrs, JoinOuter)
	if err != nil {
		panic(err)
	}
	return ds
}

// Vars returns variable names in insertion order
func (ds *Dataset) Vars() []string { return append([]string(nil), ds.names...) }

// Var returns the named variable with its coordinates
func (ds *Dataset) Var(name string) (*DataArray, bool) {
	v, ok := ds.vars[name]
	return v, ok
}

func (ds *Dataset) Coords() Coords { return ds.coords.clone() }
func (ds *Dataset) Attrs() Attrs   { return ds.attrs.clone() }

// Dims lists dimension names in order of first appearance across variables
func (ds *Dataset) Dims() []string {
	return dimOrder(ds.list())
}

// Sizes maps every dimension to its length
func (ds *Dataset) Sizes() map[string]int {
	sizes := map[string]int{}
	for _, v := range ds.vars {
		for d, n := range v.Sizes() {
			sizes[d] = n
		}
	}
	return sizes
}

func (ds *Dataset) list() []*DataArray {
	out := make([]*DataArray, len(ds.names))
	for i, n := range ds.names {
		out[i] = ds.vars[n]
	}
	return out
}

// mapVars builds a dataset from the result of fn on each variable. Coords
// are recollected from the results.
func (ds *Dataset) mapVars(fn func(*DataArray) (*DataArray, error)) (*Dataset, error) {
	out := &Dataset{names: ds.Vars(), vars: make(map[string]*DataArray, len(ds.names)), coords: Coords{}, attrs: ds.attrs}
	for _, n := range ds.names {
		v, err := fn(ds.vars[n])
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", n, err)
		}
		out.vars[n] = v
		for d, c := range v.coords {
			out.coords[d] = c
		}
	}
	return out, nil
}

// Chunk splits the named dimensions of every variable into blocks of the
// given size
func (ds *Dataset) Chunk(sizes map[string]int) (*Dataset, error) {
	all := ds.Sizes()
	for d := range sizes {
		if _, ok := all[d]; !ok {
			return nil, fmt.Errorf("no dimension %q in dataset", d)
		}
	}
	return ds.mapVars(func(v *DataArray) (*DataArray, error) {
		return v.chunk(sizes)
	})
}

// Chunks returns the block sizes of every dimension. Variables that
// disagree on a dimension's blocks produce an AlignmentError.
func (ds *Dataset) Chunks() (map[string][]int, error) {
	out := map[string][]int{}
	for _, v := range ds.list() {
		c := v.data.Chunks()
		for i, d := range v.dims {
			if have, ok := out[d]; ok && !ndarray.EqualInts(have, c[i]) {
				return nil, &darray.AlignmentError{Dim: d, Reason: fmt.Sprintf("variable %q has blocks %v, another has %v", v.name, c[i], have)}
			}
			out[d] = c[i]
		}
	}
	return out, nil
}

// Isel selects positions [start, stop) along dim in every variable that has it
func (ds *Dataset) Isel(dim string, start, stop int) (*Dataset, error) {
	if _, ok := ds.Sizes()[dim]; !ok {
		return nil, fmt.Errorf("no dimension %q in dataset", dim)
	}
	return ds.mapVars(func(v *DataArray) (*DataArray, error) {
		if !v.Has(dim) {
			return v, nil
		}
		return v.Isel(dim, start, stop)
	})
}

// Mean, Sum, Min and Max reduce every variable that has dim and keep the
// others unchanged.

func (ds *Dataset) Mean(dim string) (*Dataset, error) { return ds.reduce(dim, ndarray.Mean) }
func (ds *Dataset) Sum(dim string) (*Dataset, error)  { return ds.reduce(dim, ndarray.Sum) }
func (ds *Dataset) Min(dim string) (*Dataset, error)  { return ds.reduce(dim, ndarray.Min) }
func (ds *Dataset) Max(dim string) (*Dataset, error)  { return ds.reduce(dim, ndarray.Max) }

func (ds *Dataset) reduce(dim string, op ndarray.ReduceOp) (*Dataset, error) {
	if _, ok := ds.Sizes()[dim]; !ok {
		return nil, fmt.Errorf("no dimension %q in dataset", dim)
	}
	return ds.mapVars(func(v *DataArray) (*DataArray, error) {
		if !v.Has(dim) {
			return v, nil
		}
		r, err := v.reduce(dim, op)
		if err != nil {
			return nil, err
		}
		return r.WithAttrs(nil), nil
	})
}

// Compute returns a copy whose variables hold concrete data. All variables
// are computed in one pass, so work they share runs once.
func (ds *Dataset) Compute(ctx context.Context, exec *graph.Executor) (*Dataset, error) {
	vars := ds.list()
	datas := make([]*darray.Array, len(vars))
	for i, v := range vars {
		datas[i] = v.data
	}
	vals, err := darray.ComputeAll(ctx, exec, datas...)
	if err != nil {
		return nil, err
	}
	i := 0
	return ds.mapVars(func(v *DataArray) (*DataArray, error) {
		data, err := darray.FromArray(vals[i], make([]int, vals[i].NDim()), v.name)
		i++
		if err != nil {
			return nil, err
		}
		return v.with(data, v.dims, v.coords), nil
	})
}

// Load is Compute
func (ds *Dataset) Load(ctx context.Context, exec *graph.Executor) (*Dataset, error) {
	return ds.Compute(ctx, exec)
}

// Persist computes every variable in one run and keeps the results chunked
func (ds *Dataset) Persist(ctx context.Context, exec *graph.Executor) (*Dataset, error) {
	vars := ds.list()
	datas := make([]*darray.Array, len(vars))
	for i, v := range vars {
		datas[i] = v.data
	}
	persisted, err := darray.PersistAll(ctx, exec, datas...)
	if err != nil {
		return nil, err
	}
	i := 0
	return ds.mapVars(func(v *DataArray) (*DataArray, error) {
		data := persisted[i]
		i++
		return v.with(data, v.dims, v.coords), nil
	})
}

// Identical reports whether both datasets hold the same variables in the
// same order, with identical coordinates, attributes and values
func (ds *Dataset) Identical(ctx context.Context, other *Dataset, exec *graph.Executor) (bool, error) {
	if !sameStrings(ds.names, other.names) || !sameCoords(ds.coords, other.coords) || !sameAttrs(ds.attrs, other.attrs) {
		return false, nil
	}
	for _, n := range ds.names {
		ok, err := ds.vars[n].Identical(ctx, other.vars[n], exec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
