package zarr

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qri-io/lazyarray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

func int32s(shape ...int) *ndarray.Array {
	vals := make([]int32, ndarray.SizeOf(shape))
	for i := range vals {
		vals[i] = int32(i)
	}
	return ndarray.MustFromSlice(vals, shape...)
}

func TestArrayRoundTrip(t *testing.T) {
	x := int32s(5, 7)
	for _, id := range []string{"none", "gzip", "zstd"} {
		t.Run(id, func(t *testing.T) {
			comp, err := ParseCompressor(id)
			require.NoError(t, err)
			s := NewMemoryStore()
			meta, err := NewArrayMeta(x.Shape(), []int{2, 3}, x.DType(), comp)
			require.NoError(t, err)
			a, err := Create(s, "foo/bar", meta, Attributes{"units": "m"}, ModeWrite)
			require.NoError(t, err)
			require.NoError(t, a.Write(x))

			b, err := Open(s, "/foo//bar/", ModeRead)
			require.NoError(t, err)
			assert.Equal(t, "foo/bar", b.Path())
			assert.Equal(t, ndarray.Int32, b.DType())
			assert.Equal(t, "m", b.Attrs()["units"])
			assert.Equal(t, [][]int{{2, 2, 1}, {3, 3, 1}}, [][]int(b.Chunks()))
			assert.Equal(t, 9, b.NumChunks())

			all, err := b.ReadAll()
			require.NoError(t, err)
			assert.True(t, all.Identical(x))

			region, err := b.Block([]int{1, 2}, []int{4, 6})
			require.NoError(t, err)
			want, err := x.Slice([]int{1, 2}, []int{4, 6})
			require.NoError(t, err)
			assert.True(t, region.Identical(want))
		})
	}
}

func TestEdgeChunksArePadded(t *testing.T) {
	s := NewMemoryStore()
	meta, err := NewArrayMeta([]int{3}, []int{2}, ndarray.Float64, nil)
	require.NoError(t, err)
	a, err := Create(s, "a", meta, nil, ModeWrite)
	require.NoError(t, err)
	require.NoError(t, a.Write(ndarray.MustFromSlice([]float64{1, 2, 3}, 3)))

	d, err := readAll(s, "a/1")
	require.NoError(t, err)
	require.Len(t, d, 16)
	assert.Equal(t, 3.0, math.Float64frombits(binary.LittleEndian.Uint64(d[:8])))
	assert.True(t, math.IsNaN(math.Float64frombits(binary.LittleEndian.Uint64(d[8:]))))

	assert.Error(t, a.WriteChunk([]int{1}, ndarray.MustFromSlice([]float64{3, 4}, 2)), "edge chunk written at full size")
}

func TestUnwrittenChunksReadAsFill(t *testing.T) {
	s := NewMemoryStore()
	meta, err := NewArrayMeta([]int{2, 2}, []int{1, 2}, ndarray.Float64, nil)
	require.NoError(t, err)
	a, err := Create(s, "a", meta, nil, ModeWrite)
	require.NoError(t, err)
	require.NoError(t, a.WriteChunk([]int{0, 0}, ndarray.MustFromSlice([]float64{1, 2}, 1, 2)))

	all, err := a.ReadAll()
	require.NoError(t, err)
	vals := all.Float64s()
	assert.Equal(t, []float64{1, 2}, vals[:2])
	assert.True(t, math.IsNaN(vals[2]))
	assert.True(t, math.IsNaN(vals[3]))
}

func TestCreateModes(t *testing.T) {
	s := NewMemoryStore()
	meta, err := NewArrayMeta([]int{2}, []int{2}, ndarray.Int64, nil)
	require.NoError(t, err)
	a, err := Create(s, "a", meta, nil, ModeWriteFail)
	require.NoError(t, err)
	require.NoError(t, a.Write(ndarray.MustFromSlice([]int64{7, 8}, 2)))

	_, err = Create(s, "a", meta, nil, ModeWriteFail)
	assert.Error(t, err)
	_, err = Create(s, "a", meta, nil, ModeRead)
	assert.Error(t, err)

	b, err := Create(s, "a", meta, nil, ModeReadWriteCreate)
	require.NoError(t, err)
	assert.Equal(t, ModeReadWrite, b.Mode())
	all, err := b.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, all.Data())

	r, err := Open(s, "a", ModeRead)
	require.NoError(t, err)
	assert.Error(t, r.WriteChunk([]int{0}, ndarray.MustFromSlice([]int64{1, 2}, 2)))

	_, err = Open(s, "missing", ModeRead)
	assert.ErrorIs(t, err, ErrNotfound)
}

func TestNewPath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"foo/bar", "foo/bar"},
		{"/foo/bar/", "foo/bar"},
		{`foo\bar`, "foo/bar"},
		{"foo///bar", "foo/bar"},
		{"", ""},
	}
	for _, c := range cases {
		p, err := NewPath(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, p.String(), c.in)
	}
	_, err := NewPath("foo/../bar")
	assert.Error(t, err)

	base, _ := NewPath("a")
	x, y := base.Join("x"), base.Join("y")
	assert.Equal(t, "a/x", x.String())
	assert.Equal(t, "a/y", y.String())
}

func TestInfo(t *testing.T) {
	s := NewMemoryStore()
	meta, err := NewArrayMeta([]int{4, 4}, []int{2, 2}, ndarray.Float32, &CompressionMeta{ID: "gzip"})
	require.NoError(t, err)
	a, err := Create(s, "v", meta, nil, ModeWrite)
	require.NoError(t, err)
	info := a.Info()
	assert.Contains(t, info, "Data type   : float32 (<f4)")
	assert.Contains(t, info, "Compressor  : gzip")
	assert.Contains(t, info, "No. chunks  : 4")
}

// countingStore counts chunk reads, skipping metadata documents
type countingStore struct {
	Store
	chunkReads atomic.Int32
}

func (s *countingStore) Get(key string) (io.ReadCloser, error) {
	if _, isMeta := KeyMetaType(key); !isMeta {
		s.chunkReads.Add(1)
	}
	return s.Store.Get(key)
}

func TestArrayBacksLazyDataArray(t *testing.T) {
	s := &countingStore{Store: NewMemoryStore()}
	x := int32s(4, 4)
	meta, err := NewArrayMeta(x.Shape(), []int{2, 2}, x.DType(), nil)
	require.NoError(t, err)
	a, err := Create(s, "v", meta, nil, ModeWrite)
	require.NoError(t, err)
	require.NoError(t, a.Write(x))

	da, err := lazyarray.NewDataArray("v", a, []string{"y", "x"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{2, 2}, {2, 2}}, [][]int(da.Chunks()))
	assert.False(t, da.IsConcrete())
	assert.Equal(t, int32(0), s.chunkReads.Load())

	corner, err := da.Isel("y", 0, 2)
	require.NoError(t, err)
	corner, err = corner.Isel("x", 2, 4)
	require.NoError(t, err)
	vals, err := corner.Values(context.Background(), graph.NewExecutor(graph.WithWorkers(2)))
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 3, 6, 7}, vals.Data())
	assert.Equal(t, int32(1), s.chunkReads.Load())
	assert.True(t, strings.HasPrefix(a.ChunkKey([]int{0, 1}), "v/"))
}
