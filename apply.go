package lazyarray

import (
	"context"
	"fmt"

	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// Execution says how ApplyUFunc may run a function over chunked data
type Execution int

const (
	// ExecutionForbidden applies the function immediately and fails when
	// any input is lazy
	ExecutionForbidden Execution = iota
	// ExecutionAllowed merges every input into a single block and applies
	// the function once, lazily
	ExecutionAllowed
	// ExecutionParallelized applies the function to every block, inferring
	// output metadata unless OutputDTypes is given
	ExecutionParallelized
)

func (e Execution) String() string {
	switch e {
	case ExecutionForbidden:
		return "forbidden"
	case ExecutionAllowed:
		return "allowed"
	case ExecutionParallelized:
		return "parallelized"
	}
	return fmt.Sprintf("Execution(%d)", int(e))
}

// UFunc computes output blocks from one block of each input. Core
// dimensions of each input are the trailing axes of its block, in the order
// the input's core dimensions are listed. The remaining axes are shared by
// all inputs, with size 1 where an input lacks the dimension.
type UFunc func(blocks []*ndarray.Array) ([]*ndarray.Array, error)

// UFuncOptions controls ApplyUFunc
type UFuncOptions struct {
	// InputCoreDims lists the core dimensions of each input
	InputCoreDims [][]string
	// OutputCoreDims lists the core dimensions of each output; nil means one
	// output without core dimensions
	OutputCoreDims [][]string
	// Join aligns the coordinate labels of the inputs
	Join      Join
	Execution Execution
	// OutputDTypes describes the outputs, skipping inference by probing
	OutputDTypes []ndarray.DType
	// OutputSizes gives sizes of output core dimensions not found in inputs
	OutputSizes map[string]int
	// AllowRechunk merges core dimensions split across blocks
	AllowRechunk bool
	// AlignChunks rechunks inputs whose blocks along a shared dimension
	// differ from the first input's
	AlignChunks bool
	KeepAttrs   bool
	// Name of the outputs; defaults to the name the inputs share
	Name string
}

func (o UFuncOptions) numOutputs() int {
	if len(o.OutputCoreDims) == 0 {
		return 1
	}
	return len(o.OutputCoreDims)
}

func (o UFuncOptions) outputCore(k int) []string {
	if len(o.OutputCoreDims) == 0 {
		return nil
	}
	return o.OutputCoreDims[k]
}

// ApplyUFunc applies fn over the broadcast, aligned loop dimensions of args.
// The outputs have the loop dimensions followed by their core dimensions.
// With ExecutionForbidden the result is computed before returning and ctx
// bounds that computation; otherwise building the result runs nothing but
// a metadata probe.
func ApplyUFunc(ctx context.Context, fn UFunc, args []*DataArray, opts UFuncOptions) ([]*DataArray, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("apply_ufunc needs at least one input")
	}
	if len(opts.InputCoreDims) > len(args) {
		return nil, fmt.Errorf("%d core dimension lists for %d inputs", len(opts.InputCoreDims), len(args))
	}
	inCore := make([][]string, len(args))
	copy(inCore, opts.InputCoreDims)
	nOut := opts.numOutputs()

	if opts.Execution == ExecutionForbidden {
		for i, a := range args {
			if !a.IsConcrete() {
				return nil, fmt.Errorf("input %d (%q) holds lazy data, but execution is forbidden; use ExecutionAllowed or ExecutionParallelized", i, a.name)
			}
		}
	}

	aligned, err := Align(opts.Join, args...)
	if err != nil {
		return nil, err
	}
	loopDims, sizes, err := loopDimensions(aligned, inCore)
	if err != nil {
		return nil, err
	}

	newAxes := map[string]int{}
	for k := 0; k < nOut; k++ {
		for _, d := range opts.outputCore(k) {
			if _, ok := sizes[d]; ok {
				continue
			}
			n, ok := opts.OutputSizes[d]
			if !ok {
				return nil, fmt.Errorf("output core dimension %q is not an input dimension and has no size in OutputSizes", d)
			}
			newAxes[d] = n
			sizes[d] = n
		}
	}

	bargs := make([]darray.Arg, len(aligned))
	for i, a := range aligned {
		if bargs[i], err = blockArg(a, loopDims, inCore[i], opts.Execution != ExecutionParallelized); err != nil {
			return nil, err
		}
	}

	name := opts.Name
	if name == "" {
		name = sharedName(args)
	}
	bopts := darray.Options{
		Label:        name,
		NewAxes:      newAxes,
		AllowRechunk: opts.AllowRechunk,
		Align:        opts.AlignChunks,
	}
	if len(opts.OutputCoreDims) > 0 {
		bopts.OutputCoreInd = opts.OutputCoreDims
	}
	if opts.OutputDTypes != nil {
		if len(opts.OutputDTypes) != nOut {
			return nil, fmt.Errorf("%d output dtypes for %d outputs", len(opts.OutputDTypes), nOut)
		}
		for k, dt := range opts.OutputDTypes {
			bopts.Meta = append(bopts.Meta, ndarray.Meta{DType: dt, NDim: len(loopDims) + len(opts.outputCore(k))})
		}
	}

	datas, err := darray.Blockwise(func(_ context.Context, _ darray.BlockInfo, blocks []*ndarray.Array) ([]*ndarray.Array, error) {
		return fn(blocks)
	}, loopDims, bargs, bopts)
	if err != nil {
		return nil, err
	}

	attrs := Attrs{}
	if opts.KeepAttrs {
		attrs = args[0].attrs
	}
	outs := make([]*DataArray, nOut)
	for k, data := range datas {
		dims := append(append([]string(nil), loopDims...), opts.outputCore(k)...)
		coords := Coords{}
		for i, d := range dims {
			if _, isNew := newAxes[d]; isNew {
				continue
			}
			for _, a := range aligned {
				if c, ok := a.coords[d]; ok && c.Size() == data.Shape()[i] {
					coords[d] = c
					break
				}
			}
		}
		if opts.Execution == ExecutionForbidden {
			if data, err = data.Persist(ctx, graph.Sequential()); err != nil {
				return nil, err
			}
		}
		if outs[k], err = FromDarray(name, data, dims, coords, attrs); err != nil {
			return nil, err
		}
	}
	return outs, nil
}

// loopDimensions returns the non-core dimensions of the inputs in order of
// appearance, and the size of every dimension
func loopDimensions(args []*DataArray, inCore [][]string) ([]string, map[string]int, error) {
	core := map[string]bool{}
	for i, dims := range inCore {
		for _, d := range dims {
			if !args[i].Has(d) {
				return nil, nil, fmt.Errorf("input %d (%q) has no core dimension %q", i, args[i].name, d)
			}
			core[d] = true
		}
	}
	var loop []string
	sizes := map[string]int{}
	for i, a := range args {
		own := map[string]bool{}
		for _, d := range inCore[i] {
			own[d] = true
		}
		for _, d := range a.dims {
			n := a.size(d)
			if m, ok := sizes[d]; ok && m != n {
				return nil, nil, &darray.AlignmentError{Dim: d, Reason: fmt.Sprintf("sizes %d and %d differ", m, n)}
			}
			if _, ok := sizes[d]; !ok && !core[d] {
				loop = append(loop, d)
			}
			sizes[d] = n
			if core[d] && !own[d] {
				return nil, nil, fmt.Errorf("dimension %q is a core dimension of another input but not of input %d (%q)", d, i, a.name)
			}
		}
	}
	return loop, sizes, nil
}

// blockArg arranges a's axes as the loop dimensions, with size-1 axes for
// those it lacks, followed by its core dimensions
func blockArg(a *DataArray, loopDims, core []string, single bool) (darray.Arg, error) {
	data := a.data
	var err error
	if single {
		if data, err = darray.Rechunk(data, chunk.Single(data.Shape())); err != nil {
			return darray.Arg{}, err
		}
	}
	perm := make([]int, 0, a.NDim())
	for _, d := range loopDims {
		if ax := a.axis(d); ax >= 0 {
			perm = append(perm, ax)
		}
	}
	for _, d := range core {
		perm = append(perm, a.axis(d))
	}
	if data, err = darray.Transpose(data, perm); err != nil {
		return darray.Arg{}, err
	}
	for i, d := range loopDims {
		if !a.Has(d) {
			if data, err = darray.ExpandDims(data, i); err != nil {
				return darray.Arg{}, err
			}
		}
	}
	ind := append(append([]string(nil), loopDims...), core...)
	return darray.Arg{Array: data, Ind: ind}, nil
}

func sharedName(args []*DataArray) string {
	name := args[0].name
	for _, a := range args[1:] {
		if a.name != name {
			return ""
		}
	}
	return name
}
