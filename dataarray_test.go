package lazyarray

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

func values(t *testing.T, a *DataArray) *ndarray.Array {
	t.Helper()
	v, err := a.Values(context.Background(), graph.NewExecutor(graph.WithWorkers(4)))
	require.NoError(t, err)
	return v
}

func ints(vals ...int64) *ndarray.Array {
	return ndarray.MustFromSlice(vals, len(vals))
}

func floats(vals ...float64) *ndarray.Array {
	return ndarray.MustFromSlice(vals, len(vals))
}

func arange(shape ...int) *ndarray.Array {
	vals := make([]float64, ndarray.SizeOf(shape))
	for i := range vals {
		vals[i] = float64(i)
	}
	return ndarray.MustFromSlice(vals, shape...)
}

func TestNewDataArrayValidates(t *testing.T) {
	cases := []struct {
		description string
		dims        []string
		coords      Coords
	}{
		{"too few dims", []string{"x"}, nil},
		{"repeated dim", []string{"x", "x"}, nil},
		{"coordinate of unknown dim", []string{"y", "x"}, Coords{"t": ints(1, 2)}},
		{"coordinate length", []string{"y", "x"}, Coords{"x": ints(1, 2)}},
	}
	for _, c := range cases {
		t.Run(c.description, func(t *testing.T) {
			_, err := NewDataArray("v", arange(2, 3), c.dims, c.coords, nil)
			assert.Error(t, err)
		})
	}

	a, err := NewDataArray("v", arange(2, 3), []string{"y", "x"}, Coords{"x": ints(10, 20, 30)}, Attrs{"units": "K"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"y": 2, "x": 3}, a.Sizes())
	assert.True(t, a.IsConcrete())
	assert.Equal(t, "K", a.Attrs()["units"])
}

func TestAlignOuterAndInner(t *testing.T) {
	a := MustNew("a", ints(10, 20, 30), []string{"x"}, Coords{"x": ints(1, 2, 3)}, nil)
	b := MustNew("b", floats(0.2, 0.3, 0.4), []string{"x"}, Coords{"x": ints(2, 3, 4)}, nil)

	outer, err := Align(JoinOuter, a, b)
	require.NoError(t, err)
	for _, o := range outer {
		assert.Equal(t, []int64{1, 2, 3, 4}, o.Coord("x").Data())
	}
	av := values(t, outer[0])
	assert.Equal(t, ndarray.Float64, av.DType(), "integer data is promoted when filled")
	assert.Equal(t, []float64{10, 20, 30}, av.Float64s()[:3])
	assert.True(t, math.IsNaN(av.Float64s()[3]))
	bv := values(t, outer[1])
	assert.True(t, math.IsNaN(bv.Float64s()[0]))
	assert.Equal(t, []float64{0.2, 0.3, 0.4}, bv.Float64s()[1:])

	inner, err := Align(JoinInner, a, b)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, inner[0].Coord("x").Data())
	assert.Equal(t, []int64{20, 30}, values(t, inner[0]).Data(), "no fill, no promotion")
	assert.Equal(t, []float64{0.2, 0.3}, values(t, inner[1]).Data())

	left, err := Align(JoinLeft, a, b)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, left[1].Coord("x").Data())

	_, err = Align(JoinExact, a, b)
	var ae *darray.AlignmentError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "x", ae.Dim)
}

func TestAlignRejectsMissingLabels(t *testing.T) {
	a := MustNew("a", floats(1, 2), []string{"x"}, Coords{"x": floats(1, math.NaN())}, nil)
	b := MustNew("b", floats(3, 4), []string{"x"}, Coords{"x": floats(1, 2)}, nil)

	for _, join := range []Join{JoinOuter, JoinInner, JoinLeft} {
		_, err := Align(join, a, b)
		var ae *darray.AlignmentError
		require.True(t, errors.As(err, &ae), "join %v: got %v", join, err)
		assert.Equal(t, "x", ae.Dim)
		assert.Contains(t, ae.Reason, "NaN")
	}

	same, err := Align(JoinOuter, a, a)
	require.NoError(t, err)
	assert.Equal(t, 2, same[0].Coord("x").Size())
}

func TestAlignIsLazy(t *testing.T) {
	src := &countingSource{Array: arange(3)}
	a, err := NewDataArray("a", src, []string{"x"}, Coords{"x": ints(1, 2, 3)}, nil)
	require.NoError(t, err)
	b := MustNew("b", arange(3), []string{"x"}, Coords{"x": ints(2, 3, 4)}, nil)

	out, err := Align(JoinOuter, a, b)
	require.NoError(t, err)
	assert.Equal(t, int32(0), src.reads.Load())
	assert.Equal(t, 4, values(t, out[0]).Size())
	assert.Equal(t, int32(1), src.reads.Load())
}

type countingSource struct {
	*ndarray.Array
	reads atomic.Int32
}

func (s *countingSource) Block(start, stop []int) (*ndarray.Array, error) {
	s.reads.Add(1)
	return s.Array.Slice(start, stop)
}

func TestAlignWithoutCoordinates(t *testing.T) {
	a := MustNew("a", arange(3), []string{"x"}, nil, nil)
	b := MustNew("b", arange(4), []string{"x"}, nil, nil)
	_, err := Align(JoinOuter, a, b)
	var ae *darray.AlignmentError
	assert.True(t, errors.As(err, &ae))

	c := MustNew("c", arange(3), []string{"x"}, Coords{"x": ints(5, 6, 7)}, nil)
	out, err := Align(JoinOuter, a, c)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7}, out[0].Coord("x").Data())
}

func TestBroadcast(t *testing.T) {
	a := MustNew("a", floats(1, 2, 3), []string{"x"}, Coords{"x": ints(0, 1, 2)}, nil)
	b, err := MustNew("b", floats(10, 20), []string{"y"}, nil, nil).Chunk(map[string]int{"y": 1})
	require.NoError(t, err)

	out, err := Broadcast(a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x"}, out[0].Dims())
	assert.Equal(t, [][]int{{1, 1}, {3}}, [][]int(out[0].Chunks()))
	assert.Equal(t, []float64{1, 2, 3, 1, 2, 3}, values(t, out[0]).Data())
	assert.Equal(t, []string{"x", "y"}, out[1].Dims())
	assert.Equal(t, []int64{0, 1, 2}, out[1].Coord("x").Data())
	assert.Equal(t, []float64{10, 20, 10, 20, 10, 20}, values(t, out[1]).Data())
}

func TestArithmetic(t *testing.T) {
	a := MustNew("v", floats(1, 2, 3), []string{"x"}, Coords{"x": ints(1, 2, 3)}, nil)
	b := MustNew("v", floats(10, 20, 30), []string{"x"}, Coords{"x": ints(2, 3, 4)}, nil)

	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, "v", sum.Name())
	assert.Equal(t, []int64{2, 3}, sum.Coord("x").Data())
	assert.Equal(t, []float64{12, 23}, values(t, sum).Data())

	x := MustNew("x", floats(1, 2, 3), []string{"x"}, nil, nil)
	y, err := MustNew("y", floats(10, 20), []string{"y"}, nil, nil).Chunk(map[string]int{"y": 1})
	require.NoError(t, err)
	outer, err := Mul(x, y)
	require.NoError(t, err)
	assert.Equal(t, "", outer.Name())
	assert.Equal(t, []string{"x", "y"}, outer.Dims())
	assert.Equal(t, []float64{10, 20, 20, 40, 30, 60}, values(t, outer).Data())

	ratio, err := Div(MustNew("n", ints(1, 3), []string{"x"}, nil, nil), MustNew("n", ints(2, 4), []string{"x"}, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, ndarray.Float64, ratio.DType())
	assert.Equal(t, []float64{0.5, 0.75}, values(t, ratio).Data())

	diff, err := Sub(a, a)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, values(t, diff).Data())
}

func TestIntegerArithmeticIsExact(t *testing.T) {
	n := MustNew("n", ints(1<<53+1, 2), []string{"x"}, nil, nil)
	chunked, err := n.Chunk(map[string]int{"x": 1})
	require.NoError(t, err)

	sum, err := Add(chunked, MustNew("z", ints(0, 0), []string{"x"}, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, ndarray.Int64, sum.DType())
	assert.Equal(t, []int64{1<<53 + 1, 2}, values(t, sum).Data())

	grid, err := MustNew("n", ndarray.MustFromSlice([]int64{1<<53 + 1, 2}, 2, 1), []string{"x", "y"}, nil, nil).Chunk(map[string]int{"x": 1})
	require.NoError(t, err)
	total, err := grid.Sum("x")
	require.NoError(t, err)
	assert.Equal(t, ndarray.Int64, total.DType())
	assert.Equal(t, []int64{1<<53 + 3}, values(t, total).Data())
}

func TestMeanIgnoresChunking(t *testing.T) {
	da := MustNew("v", arange(2, 3, 5), []string{"a", "b", "t"}, nil, Attrs{"units": "K"})
	one, err := da.Chunk(map[string]int{"a": 1, "t": 5})
	require.NoError(t, err)
	five, err := da.Chunk(map[string]int{"a": 1, "t": 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1, 1}, five.Chunks()[2])

	m1, err := one.Mean("t")
	require.NoError(t, err)
	m5, err := five.Mean("t")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, m1.Dims())
	assert.Equal(t, []int{2, 3}, m5.Shape())
	assert.Empty(t, m1.Attrs())

	v1, v5 := values(t, m1), values(t, m5)
	assert.True(t, v1.Identical(v5))
	assert.Equal(t, 2.0, v1.At(0, 0))
	assert.Equal(t, 27.0, v1.At(1, 2))

	s, err := five.Sum("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "t"}, s.Dims())
	assert.Equal(t, 15.0, values(t, s).At(0, 0))

	lo, err := five.Min("t")
	require.NoError(t, err)
	hi, err := five.Max("t")
	require.NoError(t, err)
	assert.Equal(t, 25.0, values(t, lo).At(1, 2))
	assert.Equal(t, 29.0, values(t, hi).At(1, 2))

	_, err = da.Mean("z")
	assert.Error(t, err)
}

func double(blocks []*ndarray.Array) ([]*ndarray.Array, error) {
	r, err := ndarray.Apply(ndarray.Mul, blocks[0], ndarray.Full(ndarray.Float64, 2, 1))
	return []*ndarray.Array{r}, err
}

func TestApplyUFuncExecution(t *testing.T) {
	ctx := context.Background()
	eager := MustNew("v", arange(4, 3), []string{"y", "x"}, nil, Attrs{"units": "K"})
	lazy, err := eager.Chunk(map[string]int{"y": 2})
	require.NoError(t, err)
	want := []float64{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22}

	_, err = ApplyUFunc(ctx, double, []*DataArray{lazy}, UFuncOptions{Execution: ExecutionForbidden})
	assert.Error(t, err)

	out, err := ApplyUFunc(ctx, double, []*DataArray{eager}, UFuncOptions{Execution: ExecutionForbidden, KeepAttrs: true})
	require.NoError(t, err)
	assert.True(t, out[0].IsConcrete())
	assert.Equal(t, "K", out[0].Attrs()["units"])
	assert.Equal(t, want, values(t, out[0]).Data())

	out, err = ApplyUFunc(ctx, double, []*DataArray{lazy}, UFuncOptions{Execution: ExecutionAllowed})
	require.NoError(t, err)
	assert.False(t, out[0].IsConcrete())
	assert.Equal(t, 1, out[0].Data().NumBlocks())
	assert.Empty(t, out[0].Attrs())
	assert.Equal(t, want, values(t, out[0]).Data())

	out, err = ApplyUFunc(ctx, double, []*DataArray{lazy}, UFuncOptions{Execution: ExecutionParallelized})
	require.NoError(t, err)
	assert.Equal(t, lazy.Chunks(), out[0].Chunks())
	assert.Equal(t, want, values(t, out[0]).Data())
}

func TestApplyUFuncCoreDims(t *testing.T) {
	ctx := context.Background()
	da, err := MustNew("v", arange(3, 4), []string{"t", "x"}, Coords{"x": ints(1, 2, 3, 4)}, nil).Chunk(map[string]int{"t": 1, "x": 2})
	require.NoError(t, err)

	// core dimension t moves to the end of every block
	minmax := func(blocks []*ndarray.Array) ([]*ndarray.Array, error) {
		b := blocks[0]
		lo, err := b.Reduce(b.NDim()-1, ndarray.Min)
		if err != nil {
			return nil, err
		}
		hi, err := b.Reduce(b.NDim()-1, ndarray.Max)
		return []*ndarray.Array{lo, hi}, err
	}
	opts := UFuncOptions{
		InputCoreDims:  [][]string{{"t"}},
		OutputCoreDims: [][]string{nil, nil},
		Execution:      ExecutionParallelized,
	}
	_, err = ApplyUFunc(ctx, minmax, []*DataArray{da}, opts)
	var ae *darray.AlignmentError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "t", ae.Dim)

	opts.AllowRechunk = true
	out, err := ApplyUFunc(ctx, minmax, []*DataArray{da}, opts)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []string{"x"}, out[0].Dims())
	assert.Equal(t, []int64{1, 2, 3, 4}, out[0].Coord("x").Data())
	assert.Equal(t, []float64{0, 1, 2, 3}, values(t, out[0]).Data())
	assert.Equal(t, []float64{8, 9, 10, 11}, values(t, out[1]).Data())

	// a new output core dimension needs its size
	spread := func(blocks []*ndarray.Array) ([]*ndarray.Array, error) {
		b := blocks[0]
		n := 1
		for _, s := range b.Shape()[:b.NDim()-1] {
			n *= s
		}
		lo, err := b.Reduce(b.NDim()-1, ndarray.Min)
		if err != nil {
			return nil, err
		}
		hi, err := b.Reduce(b.NDim()-1, ndarray.Max)
		if err != nil {
			return nil, err
		}
		vals := make([]float64, 0, 2*n)
		for i := 0; i < n; i++ {
			vals = append(vals, lo.Float64s()[i], hi.Float64s()[i])
		}
		r, err := ndarray.FromSlice(vals, append(lo.Shape(), 2)...)
		return []*ndarray.Array{r}, err
	}
	_, err = ApplyUFunc(ctx, spread, []*DataArray{da}, UFuncOptions{
		InputCoreDims:  [][]string{{"t"}},
		OutputCoreDims: [][]string{{"bound"}},
		Execution:      ExecutionParallelized,
		AllowRechunk:   true,
	})
	assert.Error(t, err)

	out, err = ApplyUFunc(ctx, spread, []*DataArray{da}, UFuncOptions{
		InputCoreDims:  [][]string{{"t"}},
		OutputCoreDims: [][]string{{"bound"}},
		OutputSizes:    map[string]int{"bound": 2},
		OutputDTypes:   []ndarray.DType{ndarray.Float64},
		Execution:      ExecutionParallelized,
		AllowRechunk:   true,
		Name:           "range",
	})
	require.NoError(t, err)
	assert.Equal(t, "range", out[0].Name())
	assert.Equal(t, []string{"x", "bound"}, out[0].Dims())
	assert.Nil(t, out[0].Coord("bound"))
	assert.Equal(t, []float64{0, 8, 1, 9, 2, 10, 3, 11}, values(t, out[0]).Data())
}

func TestComputeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	da, err := MustNew("v", arange(5, 4), []string{"y", "x"}, Coords{"y": ints(0, 1, 2, 3, 4)}, Attrs{"units": "K"}).Chunk(map[string]int{"y": 2, "x": 3})
	require.NoError(t, err)
	m, err := Mul(da, da)
	require.NoError(t, err)
	exec := graph.NewExecutor(graph.WithWorkers(3))

	first, err := m.Compute(ctx, exec)
	require.NoError(t, err)
	second, err := m.Compute(ctx, exec)
	require.NoError(t, err)
	assert.True(t, first.IsConcrete())
	same, err := first.Identical(ctx, second, exec)
	require.NoError(t, err)
	assert.True(t, same)

	p, err := m.Persist(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, m.Chunks(), p.Chunks())
	same, err = p.Identical(ctx, first, exec)
	require.NoError(t, err)
	assert.True(t, same)

	loaded, err := m.Load(ctx, exec)
	require.NoError(t, err)
	assert.True(t, loaded.IsConcrete())
	assert.False(t, m.IsConcrete())
}

func TestSelection(t *testing.T) {
	da := MustNew("v", arange(3, 4), []string{"y", "x"}, Coords{"x": ints(10, 20, 30, 40)}, nil)

	s, err := da.Isel("x", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 30}, s.Coord("x").Data())
	assert.Equal(t, []float64{1, 2, 5, 6, 9, 10}, values(t, s).Data())

	s, err = da.Sel("x", 40, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{40, 10}, s.Coord("x").Data())
	assert.Equal(t, []float64{3, 0, 7, 4, 11, 8}, values(t, s).Data())

	_, err = da.Sel("x", 15)
	assert.Error(t, err)
	_, err = da.Sel("y", 0)
	assert.Error(t, err, "no coordinate to select on")

	tr, err := da.Transpose()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, tr.Dims())
	assert.Equal(t, 4.0, values(t, tr).At(0, 1))
}

func TestFailureNamesVariableAndBlock(t *testing.T) {
	da, err := MustNew("temperature", arange(8, 8), []string{"y", "x"},
		Coords{"y": ndarray.Arange(ndarray.Int64, 8), "x": ndarray.Arange(ndarray.Int64, 8)}, nil).Chunk(map[string]int{"y": 2, "x": 2})
	require.NoError(t, err)
	boom := errors.New("calibration table missing")
	out, err := MapBlocks(func(b *DataArray) (*DataArray, error) {
		y, x := b.Coord("y"), b.Coord("x")
		if y.Size() > 0 && y.At(0) == 4 && x.At(0) == 6 {
			return nil, boom
		}
		return b, nil
	}, da, MapBlocksOptions{})
	require.NoError(t, err)

	_, err = out.Values(context.Background(), graph.NewExecutor(graph.WithWorkers(4)))
	var ee *graph.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "temperature", ee.Label)
	assert.Equal(t, []int{2, 3}, ee.Index)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "(2,3)")
}

func TestMapBlocksProbeMatchesTemplate(t *testing.T) {
	da, err := MustNew("v", arange(6, 4), []string{"t", "x"}, Coords{"x": ints(1, 2, 3, 4)}, Attrs{"units": "K"}).Chunk(map[string]int{"t": 2, "x": 2})
	require.NoError(t, err)
	fn := func(b *DataArray) (*DataArray, error) {
		outs, err := ApplyUFunc(context.Background(), double, []*DataArray{b}, UFuncOptions{Execution: ExecutionForbidden, KeepAttrs: true})
		if err != nil {
			return nil, err
		}
		return outs[0], nil
	}

	probed, err := MapBlocks(fn, da, MapBlocksOptions{Name: "doubled"})
	require.NoError(t, err)
	templated, err := MapBlocks(fn, da, MapBlocksOptions{Name: "doubled", Template: da})
	require.NoError(t, err)
	assert.Equal(t, da.Chunks(), probed.Chunks())
	assert.Equal(t, "K", probed.Attrs()["units"])

	same, err := probed.Identical(context.Background(), templated, nil)
	require.NoError(t, err)
	assert.True(t, same)
	assert.Equal(t, 46.0, values(t, probed).At(5, 3))
}

func TestMapBlocksNewDimensionNeedsTemplate(t *testing.T) {
	da, err := MustNew("v", arange(4), []string{"x"}, nil, nil).Chunk(map[string]int{"x": 2})
	require.NoError(t, err)
	stack := func(b *DataArray) (*DataArray, error) {
		vals, err := b.Values(context.Background(), nil)
		if err != nil {
			return nil, err
		}
		out := make([]float64, 0, 2*vals.Size())
		for _, v := range vals.Float64s() {
			out = append(out, v, 10*v)
		}
		return NewDataArray("stacked", ndarray.MustFromSlice(out, vals.Size(), 2), []string{"x", "band"}, nil, nil)
	}

	_, err = MapBlocks(stack, da, MapBlocksOptions{})
	var ie *darray.InferenceError
	require.True(t, errors.As(err, &ie))

	template := MustNew("stacked", ndarray.New(ndarray.Float64, 4, 2), []string{"x", "band"}, Coords{"band": ints(1, 2)}, nil)
	out, err := MapBlocks(stack, da, MapBlocksOptions{Template: template})
	require.NoError(t, err)
	assert.Equal(t, "stacked", out.Name())
	assert.Equal(t, [][]int{{2, 2}, {2}}, [][]int(out.Chunks()))
	assert.Equal(t, []int64{1, 2}, out.Coord("band").Data())
	assert.Equal(t, []float64{0, 0, 1, 10, 2, 20, 3, 30}, values(t, out).Data())
}

func TestMapBlocksShapeMismatch(t *testing.T) {
	da, err := MustNew("v", arange(4), []string{"x"}, nil, nil).Chunk(map[string]int{"x": 2})
	require.NoError(t, err)
	out, err := MapBlocks(func(b *DataArray) (*DataArray, error) {
		if b.Shape()[0] == 0 {
			return b, nil
		}
		return b.Isel("x", 0, 1)
	}, da, MapBlocksOptions{})
	require.NoError(t, err)

	_, err = out.Values(context.Background(), nil)
	var se *darray.ShapeMismatchError
	assert.True(t, errors.As(err, &se))
}

func TestRepr(t *testing.T) {
	da := MustNew("temperature", arange(2, 3), []string{"y", "x"}, Coords{"x": ints(10, 20, 30)}, Attrs{"units": "K"})
	r := da.Repr(DefaultFormatOptions())
	assert.True(t, strings.HasPrefix(r, `<lazyarray.DataArray "temperature" (y: 2, x: 3)>`), r)
	assert.Contains(t, r, "float64 [0 1 2 3 4 5]")
	assert.Contains(t, r, "  * x (x) int64 [10 20 30]")
	assert.Contains(t, r, "    units: K")

	short := da.Repr(FormatOptions{MaxItems: 2, ShowValues: true})
	assert.Contains(t, short, "[0 1 ...]")
	assert.NotContains(t, short, "units")

	src := &countingSource{Array: arange(4, 3)}
	lazy, err := NewDataArray("v", src, []string{"y", "x"}, nil, nil)
	require.NoError(t, err)
	lazy, err = lazy.Chunk(map[string]int{"y": 2})
	require.NoError(t, err)
	assert.Contains(t, lazy.String(), "lazy float64 chunks=([2 2], [3]) blocks=2")
	assert.Equal(t, int32(0), src.reads.Load(), "rendering never computes")
}
