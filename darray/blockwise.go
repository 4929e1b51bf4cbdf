package darray

import (
	"context"
	"fmt"

	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// Arg is one blockwise input: an array and a name for each of its axes
type Arg struct {
	Array *Array
	Ind   []string
}

// InputInfo locates the block of one input passed to a BlockFunc
type InputInfo struct {
	Index       []int
	Start, Stop []int
}

// BlockInfo describes the block a BlockFunc invocation produces. Start and
// Stop are the location of the block along the loop dimensions.
type BlockInfo struct {
	Index       []int
	Start, Stop []int
	Inputs      []InputInfo
}

// BlockFunc computes the output blocks for one position of the loop grid
// from the aligned input blocks. Core dimensions of each input block are
// whole and trailing in the order given by the input's Ind.
type BlockFunc func(ctx context.Context, info BlockInfo, blocks []*ndarray.Array) ([]*ndarray.Array, error)

// Options controls Blockwise
type Options struct {
	// Name prefixes the layer names of the outputs
	Name string
	// Label is reported in errors, usually the variable name
	Label string
	// OutputCoreInd names the core axes of each output, which follow the loop
	// axes. nil means a single output with no core axes.
	OutputCoreInd [][]string
	// OutputLoopInd restricts output k to a subset of the loop axes, in loop
	// order. A missing axis is taken from the first block along it. nil means
	// every output carries every loop axis.
	OutputLoopInd [][]string
	// NewAxes gives sizes of output axes not present in any input
	NewAxes map[string]int
	// Meta is an explicit description of each output. When set the function
	// is not probed and realized blocks are converted to the declared dtype.
	Meta []ndarray.Meta
	// AllowRechunk merges multi-block core axes into one block instead of
	// failing
	AllowRechunk bool
	// Align rechunks inputs whose block boundaries differ from the first
	// input carrying the axis, instead of failing
	Align bool
}

func (o Options) numOutputs() int {
	if len(o.OutputCoreInd) == 0 {
		return 1
	}
	return len(o.OutputCoreInd)
}

func (o Options) outputCore(k int) []string {
	if len(o.OutputCoreInd) == 0 {
		return nil
	}
	return o.OutputCoreInd[k]
}

// loopAxes returns the positions in loopInd carried by output k
func (o Options) loopAxes(k int, loopInd []string) ([]int, error) {
	if o.OutputLoopInd == nil || o.OutputLoopInd[k] == nil {
		axes := make([]int, len(loopInd))
		for i := range axes {
			axes[i] = i
		}
		return axes, nil
	}
	axes := make([]int, 0, len(o.OutputLoopInd[k]))
	next := 0
	for _, d := range o.OutputLoopInd[k] {
		p := next
		for p < len(loopInd) && loopInd[p] != d {
			p++
		}
		if p == len(loopInd) {
			return nil, fmt.Errorf("output %d loop dimensions %v are not an ordered subset of %v", k, o.OutputLoopInd[k], loopInd)
		}
		axes = append(axes, p)
		next = p + 1
	}
	return axes, nil
}

// dimInfo is the reference chunking of one named axis
type dimInfo struct {
	chunks []int
	size   int
}

// Blockwise applies fn independently to each position of the loop grid
// spanned by loopInd. Axes of an input not in loopInd are core axes: they
// are passed whole, so they must be held in a single block. Inputs must share
// block boundaries along common axes; a size-1 single-block axis broadcasts.
//
// Output metadata comes from opts.Meta or, failing that, from calling fn once
// with zero-sized inputs. Building the graph runs nothing else; block shapes
// are checked when blocks are computed.
func Blockwise(fn BlockFunc, loopInd []string, args []Arg, opts Options) ([]*Array, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("blockwise needs at least one input")
	}
	if err := uniqueNames(loopInd); err != nil {
		return nil, err
	}
	inLoop := make(map[string]int, len(loopInd))
	for i, d := range loopInd {
		inLoop[d] = i
	}
	nOut := opts.numOutputs()
	if opts.OutputLoopInd != nil && len(opts.OutputLoopInd) != nOut {
		return nil, fmt.Errorf("%d output loop dimension lists for %d outputs", len(opts.OutputLoopInd), nOut)
	}
	loopAxes := make([][]int, nOut)
	for k := 0; k < nOut; k++ {
		axes, err := opts.loopAxes(k, loopInd)
		if err != nil {
			return nil, err
		}
		loopAxes[k] = axes
		for _, d := range opts.outputCore(k) {
			if _, ok := inLoop[d]; ok {
				return nil, fmt.Errorf("output core dimension %q is also a loop dimension", d)
			}
		}
	}

	dims, err := referenceDims(args)
	if err != nil {
		return nil, err
	}

	// bring each input to the reference chunking
	args = append([]Arg(nil), args...)
	for i, arg := range args {
		target := arg.Array.chunks.Clone()
		changed := false
		for ax, d := range arg.Ind {
			ref := dims[d]
			have := arg.Array.chunks[ax]
			size := sumInts(have)
			_, isLoop := inLoop[d]
			switch {
			case !isLoop && len(have) > 1:
				if !opts.AllowRechunk {
					return nil, &AlignmentError{Dim: d, Reason: fmt.Sprintf("core dimension consists of %d blocks %v; it must be a single block (rechunk or allow rechunking)", len(have), have)}
				}
				target[ax] = []int{size}
				changed = true
			case !isLoop:
			case size == 1 && ref.size != 1:
				// broadcast axis
			case !equalInts(have, ref.chunks):
				if !opts.Align {
					return nil, &AlignmentError{Dim: d, Reason: fmt.Sprintf("block boundaries %v do not match %v", have, ref.chunks)}
				}
				target[ax] = append([]int(nil), ref.chunks...)
				changed = true
			}
		}
		if changed {
			rc, err := Rechunk(arg.Array, target)
			if err != nil {
				return nil, err
			}
			args[i].Array = rc
		}
	}

	// loop axes come from the inputs or from NewAxes as single blocks
	loopChunks := make(chunk.Chunks, len(loopInd))
	for i, d := range loopInd {
		if ref, ok := dims[d]; ok {
			loopChunks[i] = append([]int(nil), ref.chunks...)
			continue
		}
		n, ok := opts.NewAxes[d]
		if !ok {
			return nil, fmt.Errorf("loop dimension %q is not present in any input and has no size", d)
		}
		loopChunks[i] = []int{n}
	}
	coreSizes := make([][]int, nOut)
	for k := range coreSizes {
		for _, d := range opts.outputCore(k) {
			if n, ok := opts.NewAxes[d]; ok {
				coreSizes[k] = append(coreSizes[k], n)
			} else if ref, ok := dims[d]; ok {
				coreSizes[k] = append(coreSizes[k], ref.size)
			} else {
				return nil, fmt.Errorf("output core dimension %q is not present in any input and has no size", d)
			}
		}
	}

	metas, probed, err := outputMeta(fn, loopInd, args, opts, loopAxes, coreSizes)
	if err != nil {
		return nil, err
	}

	bw := &blockwise{
		fn:         fn,
		args:       args,
		loopInd:    loopInd,
		loopChunks: loopChunks,
		loopAxes:   loopAxes,
		coreSizes:  coreSizes,
		metas:      metas,
		probed:     probed,
		label:      opts.Label,
	}
	return bw.build(graph.Token(prefixFor(opts.Name, prefixFor(opts.Label, "blockwise"))))
}

// MapBlocks applies fn to corresponding blocks of arrays that share their
// chunking. The output has the chunking of the first array.
func MapBlocks(fn func(blocks ...*ndarray.Array) (*ndarray.Array, error), arrays []*Array, opts Options) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("map blocks needs at least one input")
	}
	ind := make([]string, arrays[0].NDim())
	for i := range ind {
		ind[i] = fmt.Sprintf("dim_%d", i)
	}
	args := make([]Arg, len(arrays))
	for i, a := range arrays {
		if a.NDim() != len(ind) {
			return nil, fmt.Errorf("map blocks input %d has %d dimensions, want %d", i, a.NDim(), len(ind))
		}
		args[i] = Arg{Array: a, Ind: ind}
	}
	opts.OutputCoreInd = nil
	out, err := Blockwise(func(_ context.Context, _ BlockInfo, blocks []*ndarray.Array) ([]*ndarray.Array, error) {
		b, err := fn(blocks...)
		if err != nil {
			return nil, err
		}
		return []*ndarray.Array{b}, nil
	}, ind, args, opts)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func referenceDims(args []Arg) (map[string]dimInfo, error) {
	dims := map[string]dimInfo{}
	for i, arg := range args {
		if arg.Array == nil {
			return nil, fmt.Errorf("input %d is nil", i)
		}
		if len(arg.Ind) != arg.Array.NDim() {
			return nil, fmt.Errorf("input %d has %d dimensions but %d names %v", i, arg.Array.NDim(), len(arg.Ind), arg.Ind)
		}
		if err := uniqueNames(arg.Ind); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		for ax, d := range arg.Ind {
			have := arg.Array.chunks[ax]
			size := sumInts(have)
			ref, seen := dims[d]
			switch {
			case !seen || (ref.size == 1 && size != 1):
				dims[d] = dimInfo{chunks: append([]int(nil), have...), size: size}
			case size == ref.size || size == 1:
			default:
				return nil, &AlignmentError{Dim: d, Reason: fmt.Sprintf("sizes %d and %d differ", ref.size, size)}
			}
		}
	}
	return dims, nil
}

// outputMeta returns the declared or probed output metadata
func outputMeta(fn BlockFunc, loopInd []string, args []Arg, opts Options, loopAxes, coreSizes [][]int) ([]ndarray.Meta, bool, error) {
	nOut := opts.numOutputs()
	if opts.Meta != nil {
		if len(opts.Meta) != nOut {
			return nil, false, fmt.Errorf("%d output templates for %d outputs", len(opts.Meta), nOut)
		}
		for k, m := range opts.Meta {
			if want := len(loopAxes[k]) + len(coreSizes[k]); m.NDim != want {
				return nil, false, fmt.Errorf("output %d template has %d dimensions, want %d", k, m.NDim, want)
			}
		}
		return opts.Meta, false, nil
	}

	metas, err := probe(fn, loopInd, args, nOut)
	if err != nil {
		return nil, true, &InferenceError{Label: opts.Label, Err: err}
	}
	for k, m := range metas {
		if want := len(loopAxes[k]) + len(coreSizes[k]); m.NDim != want {
			return nil, true, &InferenceError{Label: opts.Label, Err: fmt.Errorf("output %d has %d dimensions on zero-sized input, want %d", k, m.NDim, want)}
		}
	}
	return metas, true, nil
}

// probe calls fn on zero-sized versions of every input
func probe(fn BlockFunc, loopInd []string, args []Arg, nOut int) (metas []ndarray.Meta, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("function panicked on zero-sized input: %v", p)
		}
	}()
	blocks := make([]*ndarray.Array, len(args))
	info := BlockInfo{
		Index: make([]int, len(loopInd)),
		Start: make([]int, len(loopInd)),
		Stop:  make([]int, len(loopInd)),
	}
	for i, arg := range args {
		shape := make([]int, arg.Array.NDim())
		blocks[i] = ndarray.New(arg.Array.dtype, shape...)
		info.Inputs = append(info.Inputs, InputInfo{Index: shape, Start: shape, Stop: shape})
	}
	outs, err := fn(context.Background(), info, blocks)
	if err != nil {
		return nil, fmt.Errorf("function failed on zero-sized input: %w", err)
	}
	if len(outs) != nOut {
		return nil, fmt.Errorf("function returned %d outputs, want %d", len(outs), nOut)
	}
	metas = make([]ndarray.Meta, nOut)
	for k, o := range outs {
		if o == nil {
			return nil, fmt.Errorf("output %d is nil", k)
		}
		metas[k] = o.Meta()
	}
	return metas, nil
}

type blockwise struct {
	fn         BlockFunc
	args       []Arg
	loopInd    []string
	loopChunks chunk.Chunks
	loopAxes   [][]int
	coreSizes  [][]int
	metas      []ndarray.Meta
	probed     bool
	label      string
}

func (bw *blockwise) build(name string) ([]*Array, error) {
	nOut := len(bw.metas)
	tuple := nOut > 1 || len(bw.loopAxes[0]) != len(bw.loopInd)
	layer := name
	if tuple {
		layer = name + "-tuple"
	}

	idxs := chunk.Indices(bw.loopChunks.Grid())
	tasks := make([]*graph.Task, 0, len(idxs)*(nOut+1))
	for _, idx := range idxs {
		info := bw.blockInfo(idx)
		deps := make([]graph.Key, len(bw.args))
		for i, arg := range bw.args {
			deps[i] = arg.Array.Key(info.Inputs[i].Index)
		}
		tasks = append(tasks, &graph.Task{
			Key:   graph.BlockKey(layer, idx),
			Label: bw.label,
			Index: idx,
			Deps:  deps,
			Fn:    bw.taskFunc(info, !tuple),
		})
	}

	outs := make([]*Array, nOut)
	outNames := make([]string, nOut)
	for k := range outs {
		c := make(chunk.Chunks, 0, len(bw.loopAxes[k])+len(bw.coreSizes[k]))
		for _, p := range bw.loopAxes[k] {
			c = append(c, append([]int(nil), bw.loopChunks[p]...))
		}
		for _, n := range bw.coreSizes[k] {
			c = append(c, []int{n})
		}
		outNames[k] = layer
		if tuple {
			outNames[k] = fmt.Sprintf("%s-%d", name, k)
		}
		outs[k] = &Array{name: outNames[k], label: bw.label, chunks: c, dtype: bw.metas[k].DType}
	}

	if tuple {
		for _, idx := range idxs {
			for k := 0; k < nOut; k++ {
				outIdx, ok := bw.outputIndex(k, idx)
				if !ok {
					continue
				}
				tasks = append(tasks, &graph.Task{
					Key:   graph.BlockKey(outNames[k], outIdx),
					Label: bw.label,
					Index: outIdx,
					Deps:  []graph.Key{graph.BlockKey(layer, idx)},
					Fn: func(_ context.Context, deps []interface{}) (interface{}, error) {
						return deps[0].([]*ndarray.Array)[k], nil
					},
				})
			}
		}
	}

	graphs := make([]*graph.Graph, 0, len(bw.args)+1)
	for _, arg := range bw.args {
		graphs = append(graphs, arg.Array.graph)
	}
	own, err := graph.New(tasks...)
	if err != nil {
		return nil, err
	}
	g := graph.Merge(append(graphs, own)...)
	for _, o := range outs {
		o.graph = g
	}
	return outs, nil
}

// outputIndex maps a loop grid index onto the block index of output k. It
// reports false when the block of output k is produced at another index.
func (bw *blockwise) outputIndex(k int, idx []int) ([]int, bool) {
	carried := make([]bool, len(idx))
	out := make([]int, 0, len(bw.loopAxes[k])+len(bw.coreSizes[k]))
	for _, p := range bw.loopAxes[k] {
		carried[p] = true
		out = append(out, idx[p])
	}
	for p, i := range idx {
		if !carried[p] && i != 0 {
			return nil, false
		}
	}
	return append(out, make([]int, len(bw.coreSizes[k]))...), true
}

// blockInfo maps a loop grid index onto the block of each input
func (bw *blockwise) blockInfo(idx []int) BlockInfo {
	start, stop := bw.loopChunks.Bounds(idx)
	info := BlockInfo{Index: idx, Start: start, Stop: stop, Inputs: make([]InputInfo, len(bw.args))}
	pos := make(map[string]int, len(bw.loopInd))
	for i, d := range bw.loopInd {
		pos[d] = i
	}
	for i, arg := range bw.args {
		in := make([]int, len(arg.Ind))
		for ax, d := range arg.Ind {
			// core axes are single blocks and size-1 axes broadcast
			if p, isLoop := pos[d]; isLoop && sumInts(arg.Array.chunks[ax]) != 1 {
				in[ax] = idx[p]
			}
		}
		s, e := arg.Array.chunks.Bounds(in)
		info.Inputs[i] = InputInfo{Index: in, Start: s, Stop: e}
	}
	return info
}

func (bw *blockwise) taskFunc(info BlockInfo, single bool) graph.Func {
	want := make([][]int, len(bw.metas))
	blockShape := bw.loopChunks.BlockShape(info.Index)
	for k := range want {
		for _, p := range bw.loopAxes[k] {
			want[k] = append(want[k], blockShape[p])
		}
		want[k] = append(want[k], bw.coreSizes[k]...)
	}
	return func(ctx context.Context, deps []interface{}) (interface{}, error) {
		blocks := make([]*ndarray.Array, len(deps))
		for i, d := range deps {
			b, ok := d.(*ndarray.Array)
			if !ok {
				return nil, fmt.Errorf("input %d block holds %T, not an array", i, d)
			}
			blocks[i] = b
		}
		outs, err := bw.fn(ctx, info, blocks)
		if err != nil {
			return nil, err
		}
		if len(outs) != len(bw.metas) {
			return nil, fmt.Errorf("function returned %d outputs, want %d", len(outs), len(bw.metas))
		}
		for k, o := range outs {
			if o == nil {
				return nil, fmt.Errorf("output %d is nil", k)
			}
			if !ndarray.EqualInts(o.Shape(), want[k]) {
				return nil, &ShapeMismatchError{Label: bw.label, Index: info.Index, Output: k, Got: o.Shape(), Want: want[k]}
			}
			if dt := bw.metas[k].DType; o.DType() != dt {
				if bw.probed {
					return nil, &InferenceError{Label: bw.label, Err: fmt.Errorf("output %d of block (%s) has dtype %s, inferred %s", k, chunk.IndexString(info.Index), o.DType(), dt)}
				}
				outs[k] = o.AsType(dt)
			}
		}
		if single {
			return outs[0], nil
		}
		return outs, nil
	}
}

func uniqueNames(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("dimension %q appears more than once", n)
		}
		seen[n] = true
	}
	return nil
}

func sumInts(s []int) int {
	n := 0
	for _, x := range s {
		n += x
	}
	return n
}

func equalInts(a, b []int) bool {
	return ndarray.EqualInts(a, b)
}
