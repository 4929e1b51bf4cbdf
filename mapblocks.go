package lazyarray

import (
	"context"
	"fmt"
	"sync"

	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// thisArray names the single variable of the dataset a DataArray is
// wrapped in while its blocks are mapped
const thisArray = "<this-array>"

// MapBlocksOptions controls MapBlocks
type MapBlocksOptions struct {
	// Template describes the result: name, dimensions, sizes, dtype,
	// coordinates of new dimensions and attributes. Its data is never
	// computed. Without a template fn is probed with a zero-sized block.
	Template *DataArray
	// Name of the result, overriding the template or probed name
	Name string
}

// MapBlocks applies fn to every block of obj, each passed as a DataArray
// with the coordinates of that block. Per-call arguments are best captured
// by fn as a closure.
func MapBlocks(fn func(*DataArray) (*DataArray, error), obj *DataArray, opts MapBlocksOptions) (*DataArray, error) {
	ds := wrapArray(obj)
	var template *Dataset
	if opts.Template != nil {
		template = wrapArray(opts.Template)
	}

	var (
		once       sync.Once
		probedName string
	)
	wrapped := func(block *Dataset) (*Dataset, error) {
		r, err := fn(block.vars[thisArray].Rename(obj.name))
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, fmt.Errorf("map blocks function returned no array")
		}
		once.Do(func() { probedName = r.name })
		return wrapArray(r), nil
	}

	label := opts.Name
	if label == "" {
		label = obj.name
	}
	res, err := ds.mapBlocks(wrapped, template, label)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	switch {
	case name != "":
	case opts.Template != nil:
		name = opts.Template.name
	default:
		name = probedName
	}
	return res.vars[thisArray].Rename(name), nil
}

func wrapArray(a *DataArray) *Dataset {
	v := *a
	v.name = thisArray
	return &Dataset{
		names:  []string{thisArray},
		vars:   map[string]*DataArray{thisArray: &v},
		coords: a.coords.clone(),
		attrs:  Attrs{},
	}
}

// MapBlocks applies fn to every block of the dataset's unified block grid.
// Each call receives all variables cut to one block, with matching
// coordinates. The result variables may keep, drop or add dimensions; added
// dimensions need a template to give their sizes. A result variable lacking
// a dimension the input splits is taken from the first block along it.
// Variables must agree on the blocks of every shared dimension.
func (ds *Dataset) MapBlocks(fn func(*Dataset) (*Dataset, error), template *Dataset) (*Dataset, error) {
	return ds.mapBlocks(fn, template, "map_blocks")
}

type blockOutput struct {
	name      string
	dims      []string
	blockDims []string // loop dims then new dims, as blocks are laid out
	dtype     ndarray.DType
	attrs     Attrs
}

func (ds *Dataset) mapBlocks(fn func(*Dataset) (*Dataset, error), template *Dataset, label string) (*Dataset, error) {
	dims := ds.Dims()
	if _, err := ds.Chunks(); err != nil {
		return nil, err
	}
	sizes := ds.Sizes()

	probed := template == nil
	if probed {
		var err error
		if template, err = ds.probe(fn, dims); err != nil {
			return nil, &darray.InferenceError{Label: label, Err: err}
		}
	}

	outputs := make([]blockOutput, len(template.names))
	newAxes := map[string]int{}
	opts := darray.Options{Label: label, OutputCoreInd: make([][]string, len(outputs)), OutputLoopInd: make([][]string, len(outputs))}
	for k, n := range template.names {
		v := template.vars[n]
		o := blockOutput{name: n, dims: v.Dims(), dtype: v.DType(), attrs: v.attrs}
		loop := make([]string, 0, len(dims))
		var core []string
		for _, d := range dims {
			if v.Has(d) {
				loop = append(loop, d)
			}
		}
		for _, d := range v.dims {
			in, isInput := sizes[d]
			switch {
			case isInput && !probed && v.size(d) != in:
				return nil, fmt.Errorf("template variable %q has size %d along %q, input has %d", n, v.size(d), d, in)
			case isInput:
			case probed:
				return nil, &darray.InferenceError{Label: label, Err: fmt.Errorf("result variable %q adds dimension %q whose size a zero-sized block cannot reveal; supply a template", n, d)}
			default:
				if m, ok := newAxes[d]; ok && m != v.size(d) {
					return nil, fmt.Errorf("template dimension %q has sizes %d and %d", d, m, v.size(d))
				}
				newAxes[d] = v.size(d)
				core = append(core, d)
			}
		}
		o.blockDims = append(append([]string(nil), loop...), core...)
		outputs[k] = o
		opts.OutputCoreInd[k] = core
		opts.OutputLoopInd[k] = loop
		opts.Meta = append(opts.Meta, ndarray.Meta{DType: o.dtype, NDim: len(o.blockDims)})
	}
	opts.NewAxes = newAxes

	vars := ds.list()
	args := make([]darray.Arg, len(vars))
	for i, v := range vars {
		args[i] = darray.Arg{Array: v.data, Ind: v.dims}
	}
	datas, err := darray.Blockwise(func(ctx context.Context, info darray.BlockInfo, blocks []*ndarray.Array) ([]*ndarray.Array, error) {
		block, err := ds.block(dims, info.Start, info.Stop, blocks)
		if err != nil {
			return nil, err
		}
		res, err := fn(block)
		if err != nil {
			return nil, err
		}
		return blockResults(ctx, res, outputs, probed, label)
	}, dims, args, opts)
	if err != nil {
		return nil, err
	}

	out := &Dataset{names: template.Vars(), vars: map[string]*DataArray{}, coords: Coords{}, attrs: template.attrs.clone()}
	for k, o := range outputs {
		perm := make([]int, len(o.dims))
		for i, d := range o.dims {
			perm[i] = indexOf(o.blockDims, d)
		}
		data, err := darray.Transpose(datas[k], perm)
		if err != nil {
			return nil, err
		}
		coords := Coords{}
		for _, d := range o.dims {
			c, ok := ds.coords[d]
			if _, isNew := newAxes[d]; isNew {
				c, ok = template.coords[d]
			}
			if ok {
				coords[d] = c
				out.coords[d] = c
			}
		}
		if out.vars[o.name], err = FromDarray(o.name, data, o.dims, coords, o.attrs); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// block builds the dataset seen by one call of a map blocks function.
// start and stop locate the block along dims.
func (ds *Dataset) block(dims []string, start, stop []int, blocks []*ndarray.Array) (*Dataset, error) {
	coords := Coords{}
	for i, d := range dims {
		if c, ok := ds.coords[d]; ok {
			s, err := c.Slice([]int{start[i]}, []int{stop[i]})
			if err != nil {
				return nil, err
			}
			coords[d] = s
		}
	}
	out := &Dataset{names: ds.names, vars: make(map[string]*DataArray, len(ds.names)), coords: coords, attrs: ds.attrs}
	for i, n := range ds.names {
		v := ds.vars[n]
		data, err := darray.FromArray(blocks[i], make([]int, blocks[i].NDim()), n)
		if err != nil {
			return nil, err
		}
		out.vars[n] = v.with(data, v.dims, nil).withDatasetCoords(coords)
	}
	return out, nil
}

// probe calls fn on a block with every dimension of size zero and returns
// the computed result as a template
func (ds *Dataset) probe(fn func(*Dataset) (*Dataset, error), dims []string) (tmpl *Dataset, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("function panicked on zero-sized block: %v", p)
		}
	}()
	zero := make([]int, len(dims))
	blocks := make([]*ndarray.Array, len(ds.names))
	for i, n := range ds.names {
		v := ds.vars[n]
		blocks[i] = ndarray.New(v.DType(), make([]int, v.NDim())...)
	}
	block, err := ds.block(dims, zero, zero, blocks)
	if err != nil {
		return nil, err
	}
	res, err := fn(block)
	if err != nil {
		return nil, fmt.Errorf("function failed on zero-sized block: %w", err)
	}
	if res == nil {
		return nil, fmt.Errorf("function returned no dataset")
	}
	return res, nil
}

// blockResults computes the variables a map blocks function returned and
// lays them out as the block's outputs
func blockResults(ctx context.Context, res *Dataset, outputs []blockOutput, probed bool, label string) ([]*ndarray.Array, error) {
	if res == nil {
		return nil, fmt.Errorf("function returned no dataset")
	}
	datas := make([]*darray.Array, len(outputs))
	vars := make([]*DataArray, len(outputs))
	for k, o := range outputs {
		v, ok := res.vars[o.name]
		if !ok {
			return nil, fmt.Errorf("result has no variable %q", o.name)
		}
		if len(v.dims) != len(o.dims) {
			return nil, fmt.Errorf("result variable %q has dimensions %v, want %v", o.name, v.dims, o.dims)
		}
		vars[k] = v
		datas[k] = v.data
	}
	vals, err := darray.ComputeAll(ctx, graph.Sequential(), datas...)
	if err != nil {
		return nil, err
	}
	outs := make([]*ndarray.Array, len(outputs))
	for k, o := range outputs {
		v := vars[k]
		perm := make([]int, len(o.blockDims))
		for i, d := range o.blockDims {
			if perm[i] = v.axis(d); perm[i] < 0 {
				return nil, fmt.Errorf("result variable %q has dimensions %v, want %v", o.name, v.dims, o.dims)
			}
		}
		if probed && vals[k].DType() != o.dtype {
			return nil, &darray.InferenceError{Label: label, Err: fmt.Errorf("result variable %q has dtype %s, inferred %s", o.name, vals[k].DType(), o.dtype)}
		}
		if outs[k], err = vals[k].Transpose(perm...); err != nil {
			return nil, err
		}
	}
	return outs, nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
