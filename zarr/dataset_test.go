package zarr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qri-io/lazyarray"
	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

func float64s(shape ...int) *ndarray.Array {
	vals := make([]float64, ndarray.SizeOf(shape))
	for i := range vals {
		vals[i] = float64(i) / 2
	}
	return ndarray.MustFromSlice(vals, shape...)
}

// observations holds elev(x) and temp(t, x), with temp split along t
func observations(t *testing.T) *lazyarray.Dataset {
	t.Helper()
	x := ndarray.MustFromSlice([]int64{10, 20, 30}, 3)
	elev := lazyarray.MustNew("elev", ndarray.MustFromSlice([]float64{100, 200, 300}, 3), []string{"x"}, lazyarray.Coords{"x": x}, nil)
	temp := lazyarray.MustNew("temp", float64s(5, 3), []string{"t", "x"}, lazyarray.Coords{"x": x}, lazyarray.Attrs{"units": "K"})
	ds, err := lazyarray.NewDataset([]*lazyarray.DataArray{elev, temp}, lazyarray.Attrs{"title": "obs", "version": 2}, lazyarray.JoinExact)
	require.NoError(t, err)
	ds, err = ds.Chunk(map[string]int{"t": 2})
	require.NoError(t, err)
	return ds
}

func TestDatasetRoundTrip(t *testing.T) {
	ctx := context.Background()
	exec := graph.NewExecutor(graph.WithWorkers(4))
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ds := observations(t)
			comp, err := ParseCompressor("gzip")
			require.NoError(t, err)
			require.NoError(t, WriteDataset(ctx, s, "runs/obs", ds, WriteOptions{Compressor: comp, Executor: exec}))

			back, err := OpenDataset(s, "runs/obs")
			require.NoError(t, err)
			same, err := ds.Identical(ctx, back, exec)
			require.NoError(t, err)
			assert.True(t, same)

			temp, ok := back.Var("temp")
			require.True(t, ok)
			assert.False(t, temp.IsConcrete())
			assert.Equal(t, [][]int{{2, 2, 1}, {3}}, [][]int(temp.Chunks()))
			assert.Equal(t, []string{"t", "x"}, temp.Dims())
			assert.NotContains(t, temp.Attrs(), DimensionsAttr)

			mean, err := temp.Mean("t")
			require.NoError(t, err)
			vals, err := mean.Values(ctx, exec)
			require.NoError(t, err)
			assert.Equal(t, []float64{3, 3.5, 4}, vals.Float64s())
		})
	}
}

func TestDatasetRoundTripKeepsVariableOrder(t *testing.T) {
	ctx := context.Background()
	temp := lazyarray.MustNew("temp", float64s(4), []string{"t"}, nil, nil)
	precip := lazyarray.MustNew("precip", float64s(4), []string{"t"}, nil, nil)
	ds := lazyarray.MustDataset(lazyarray.Attrs{"title": "obs"}, temp, precip)

	s := NewMemoryStore()
	require.NoError(t, WriteDataset(ctx, s, "obs", ds, WriteOptions{}))
	back, err := OpenDataset(s, "obs")
	require.NoError(t, err)
	assert.Equal(t, []string{"temp", "precip"}, back.Vars())
	assert.NotContains(t, back.Attrs(), VariablesAttr)
	same, err := ds.Identical(ctx, back, nil)
	require.NoError(t, err)
	assert.True(t, same)
}

func TestWriteDatasetRejectsVariableNamedAfterDimension(t *testing.T) {
	ctx := context.Background()
	x := lazyarray.MustNew("x", float64s(3), []string{"x"}, nil, nil)
	y := lazyarray.MustNew("y", float64s(3), []string{"x"}, nil, nil)

	s := NewMemoryStore()
	err := WriteDataset(ctx, s, "xy", lazyarray.MustDataset(nil, x, y), WriteOptions{})
	assert.ErrorContains(t, err, "name of a dimension")
	_, err = OpenDataset(s, "xy")
	assert.ErrorIs(t, err, ErrNotfound)

	reserved := lazyarray.MustDataset(lazyarray.Attrs{VariablesAttr: []string{"y"}}, y)
	assert.ErrorContains(t, WriteDataset(ctx, s, "xy", reserved, WriteOptions{}), "reserved")
}

func TestWriteDatasetRegularizesChunks(t *testing.T) {
	ctx := context.Background()
	data, err := darray.FromSourceChunks(float64s(5, 2), chunk.Chunks{{2, 1, 2}, {2}}, "v")
	require.NoError(t, err)
	v, err := lazyarray.FromDarray("v", data, []string{"t", "y"}, nil, nil)
	require.NoError(t, err)
	ds := lazyarray.MustDataset(nil, v)

	s := NewMemoryStore()
	require.NoError(t, WriteDataset(ctx, s, "", ds, WriteOptions{}))
	arr, err := Open(s, "v", ModeRead)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, arr.Meta().Chunks)

	back, err := OpenDataset(s, "")
	require.NoError(t, err)
	same, err := ds.Identical(ctx, back, nil)
	require.NoError(t, err)
	assert.True(t, same)
	bv, _ := back.Var("v")
	assert.Equal(t, [][]int{{2, 2, 1}, {2}}, [][]int(bv.Chunks()))
}

func TestWriteDatasetNamesFailingVariable(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("sensor offline")
	src := lazyarray.MustNew("temp", float64s(4), []string{"t"}, nil, nil)
	src, err := src.Chunk(map[string]int{"t": 2})
	require.NoError(t, err)
	broken, err := lazyarray.MapBlocks(func(b *lazyarray.DataArray) (*lazyarray.DataArray, error) {
		vals, err := b.Values(ctx, nil)
		if err != nil {
			return nil, err
		}
		if vals.Float64s()[0] > 0 {
			return nil, boom
		}
		return b, nil
	}, src, lazyarray.MapBlocksOptions{Template: src})
	require.NoError(t, err)

	err = WriteDataset(ctx, NewMemoryStore(), "", lazyarray.MustDataset(nil, broken), WriteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var ee *graph.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, []int{1}, ee.Index)
}

func TestWriteDatasetModes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ds := observations(t)
	require.NoError(t, WriteDataset(ctx, s, "obs", ds, WriteOptions{Mode: ModeWriteFail}))
	assert.Error(t, WriteDataset(ctx, s, "obs", ds, WriteOptions{Mode: ModeWriteFail}))
	assert.NoError(t, WriteDataset(ctx, s, "obs", ds, WriteOptions{}))
	assert.Error(t, WriteDataset(ctx, s, "obs", ds, WriteOptions{Mode: ModeRead}))

	x := ndarray.MustFromSlice([]int64{1, 2}, 2)
	clash := lazyarray.MustNew("x", x, []string{"x"}, lazyarray.Coords{"x": x}, nil)
	assert.Error(t, WriteDataset(ctx, s, "clash", lazyarray.MustDataset(nil, clash), WriteOptions{}))
}

func TestOpenDatasetRejectsBrokenMetadata(t *testing.T) {
	meta := func(shape ...int) *ArrayMeta {
		m, err := NewArrayMeta(shape, shape, ndarray.Float64, nil)
		require.NoError(t, err)
		return m
	}
	cases := []struct {
		description string
		metadata    map[string]MetaTyper
	}{
		{"no group", map[string]MetaTyper{
			"v/.zarray": meta(3),
			"v/.zattrs": Attributes{DimensionsAttr: []string{"x"}},
		}},
		{"no dimension names", map[string]MetaTyper{
			".zgroup":   Group{ZarrFormat: FormatVersion},
			"v/.zarray": meta(3),
		}},
		{"dimension names do not match shape", map[string]MetaTyper{
			".zgroup":   Group{ZarrFormat: FormatVersion},
			"v/.zarray": meta(3),
			"v/.zattrs": Attributes{DimensionsAttr: []string{"x", "y"}},
		}},
		{"conflicting sizes", map[string]MetaTyper{
			".zgroup":   Group{ZarrFormat: FormatVersion},
			"a/.zarray": meta(3),
			"a/.zattrs": Attributes{DimensionsAttr: []string{"x"}},
			"b/.zarray": meta(4),
			"b/.zattrs": Attributes{DimensionsAttr: []string{"x"}},
		}},
		{"listed variable stored as a coordinate", map[string]MetaTyper{
			".zgroup":   Group{ZarrFormat: FormatVersion},
			".zattrs":   Attributes{VariablesAttr: []string{"x", "v"}},
			"x/.zarray": meta(3),
			"x/.zattrs": Attributes{DimensionsAttr: []string{"x"}},
			"v/.zarray": meta(3),
			"v/.zattrs": Attributes{DimensionsAttr: []string{"x"}},
		}},
		{"unlisted variable", map[string]MetaTyper{
			".zgroup":   Group{ZarrFormat: FormatVersion},
			".zattrs":   Attributes{VariablesAttr: []string{"v"}},
			"v/.zarray": meta(3),
			"v/.zattrs": Attributes{DimensionsAttr: []string{"x"}},
			"w/.zarray": meta(3),
			"w/.zattrs": Attributes{DimensionsAttr: []string{"x"}},
		}},
		{"listed variable missing", map[string]MetaTyper{
			".zgroup":   Group{ZarrFormat: FormatVersion},
			".zattrs":   Attributes{VariablesAttr: []string{"v", "gone"}},
			"v/.zarray": meta(3),
			"v/.zattrs": Attributes{DimensionsAttr: []string{"x"}},
		}},
	}
	for _, c := range cases {
		t.Run(c.description, func(t *testing.T) {
			s := NewMemoryStore()
			cm := &ConsolidatedMetadata{ConsolidatedFormat: 1, Metadata: c.metadata}
			require.NoError(t, putJSON(s, string(MTMetadata), cm))
			_, err := OpenDataset(s, "")
			var rte *RoundTripError
			assert.True(t, errors.As(err, &rte), "got %v", err)
		})
	}

	_, err := OpenDataset(NewMemoryStore(), "nothing/here")
	var rte *RoundTripError
	require.True(t, errors.As(err, &rte))
	assert.Equal(t, "nothing/here", rte.Path)
	assert.ErrorIs(t, err, ErrNotfound)
}
