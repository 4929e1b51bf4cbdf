// Package zarr reads and writes chunked arrays in the Zarr v2 storage format.
// An Array is a lazy Source: it reads only the chunks a requested region
// overlaps, so a DataArray built on it computes block by block.
package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/ndarray"
)

type Array struct {
	path  Path
	store Store
	mode  PersistenceMode
	meta  *ArrayMeta
	attrs Attributes

	dtype ndarray.DType
	grid  chunk.Chunks
	fill  float64
}

func newArray(store Store, p Path, mode PersistenceMode, meta *ArrayMeta, attrs Attributes) (*Array, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("array %q: %w", p.String(), err)
	}
	dt, _ := meta.Dtype.NDType()
	grid, err := meta.Grid()
	if err != nil {
		return nil, err
	}
	fill, _ := meta.Fill()
	if attrs == nil {
		attrs = Attributes{}
	}
	return &Array{path: p, store: store, mode: mode, meta: meta, attrs: attrs, dtype: dt, grid: grid, fill: fill}, nil
}

// Create writes array metadata at path and returns the empty array. Chunks
// never written read as the fill value. mode decides what happens when an
// array already exists there: ModeWrite overwrites it, ModeWriteFail fails
// and ModeReadWriteCreate opens it.
func Create(store Store, path string, meta *ArrayMeta, attrs Attributes, mode PersistenceMode) (*Array, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeWrite:
	case ModeWriteFail, ModeReadWriteCreate:
		ok, err := exists(store, p.Join(string(MTArray)).String())
		if err != nil {
			return nil, err
		}
		if ok && mode == ModeWriteFail {
			return nil, fmt.Errorf("array %q already exists", path)
		}
		if ok {
			return Open(store, path, ModeReadWrite)
		}
	default:
		return nil, fmt.Errorf("cannot create an array in mode %q", mode)
	}

	a, err := newArray(store, p, mode, meta, attrs)
	if err != nil {
		return nil, err
	}
	if err := putJSON(store, p.Join(string(MTArray)).String(), meta); err != nil {
		return nil, err
	}
	if err := putJSON(store, p.Join(string(MTAttributes)).String(), a.attrs); err != nil {
		return nil, err
	}
	return a, nil
}

// Open reads the array stored at path. Attributes are optional.
func Open(store Store, path string, mode PersistenceMode) (*Array, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}

	meta := &ArrayMeta{}
	if err := getJSON(store, p.Join(string(MTArray)).String(), meta); err != nil {
		return nil, fmt.Errorf("opening array %q: %w", path, err)
	}
	attrs := Attributes{}
	if err := getJSON(store, p.Join(string(MTAttributes)).String(), &attrs); err != nil && !errors.Is(err, ErrNotfound) {
		return nil, fmt.Errorf("opening array %q: %w", path, err)
	}
	return newArray(store, p, mode, meta, attrs)
}

func putJSON(store Store, key string, v interface{}) error {
	d, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return store.Put(key, bytes.NewReader(d))
}

func getJSON(store Store, key string, v interface{}) error {
	d, err := readAll(store, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(d, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (a *Array) Path() string              { return a.path.String() }
func (a *Array) Meta() ArrayMeta           { return *a.meta }
func (a *Array) Attrs() Attributes         { return a.attrs }
func (a *Array) Shape() []int              { return append([]int{}, a.meta.Shape...) }
func (a *Array) DType() ndarray.DType      { return a.dtype }
func (a *Array) Chunks() chunk.Chunks      { return a.grid.Clone() }
func (a *Array) Mode() PersistenceMode     { return a.mode }
func (a *Array) NumChunks() int            { return a.grid.NumBlocks() }
func (a *Array) ChunkKey(idx []int) string { return a.path.Join(a.meta.ChunkKey(idx)).String() }

// Info summarizes the array the way zarr's info property does
func (a *Array) Info() string {
	var sb strings.Builder
	rows := [][2]string{
		{"Type", "zarr.Array"},
		{"Path", a.Path()},
		{"Data type", fmt.Sprintf("%s (%s)", a.dtype, a.meta.Dtype)},
		{"Shape", fmt.Sprint(a.meta.Shape)},
		{"Chunk shape", fmt.Sprint(a.meta.Chunks)},
		{"Order", a.meta.Order},
		{"Compressor", a.meta.Compressor.String()},
		{"Store type", a.store.Type()},
		{"No. chunks", fmt.Sprint(a.NumChunks())},
	}
	for _, r := range rows {
		fmt.Fprintf(&sb, "%-12s: %s\n", r[0], r[1])
	}
	return sb.String()
}

// ReadAll reads the whole array
func (a *Array) ReadAll() (*ndarray.Array, error) {
	return a.Block(make([]int, len(a.meta.Shape)), a.Shape())
}

// readChunk decodes the stored chunk at idx at its full, padded shape. A
// chunk missing from the store reads as the fill value.
func (a *Array) readChunk(idx []int) (*ndarray.Array, error) {
	shape := a.meta.Chunks
	r, err := a.store.Get(a.ChunkKey(idx))
	if errors.Is(err, ErrNotfound) {
		return ndarray.Full(a.dtype, a.fill, shape...), nil
	}
	if err != nil {
		return nil, err
	}
	dr, err := a.meta.Compressor.Decompressor(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("chunk %s: %w", a.ChunkKey(idx), err)
	}
	defer dr.Close()
	flat, err := a.meta.Dtype.decode(dr, ndarray.SizeOf(shape))
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", a.ChunkKey(idx), err)
	}
	return flat.Reshape(shape...)
}

// WriteChunk stores b as the chunk at idx. b has the chunk's shape within
// the array; edge chunks are padded with the fill value.
func (a *Array) WriteChunk(idx []int, b *ndarray.Array) error {
	if a.mode == ModeRead {
		return fmt.Errorf("array %q is read-only", a.Path())
	}
	if want := a.grid.BlockShape(idx); !ndarray.EqualInts(b.Shape(), want) {
		return fmt.Errorf("chunk (%s) of %q has shape %v, want %v", chunk.IndexString(idx), a.Path(), b.Shape(), want)
	}
	full := b.AsType(a.dtype)
	if !ndarray.EqualInts(b.Shape(), a.meta.Chunks) {
		var err error
		pad := ndarray.Full(a.dtype, a.fill, a.meta.Chunks...)
		if full, err = pad.SetBlock(make([]int, len(idx)), full); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	w, err := a.meta.Compressor.Compressor(&buf)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, full.Data()); err != nil {
		w.Close()
		return fmt.Errorf("encoding chunk (%s) of %q: %w", chunk.IndexString(idx), a.Path(), err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	return a.store.Put(a.ChunkKey(idx), &buf)
}

// Write stores every chunk of x, which must have the array's shape
func (a *Array) Write(x *ndarray.Array) error {
	if !ndarray.EqualInts(x.Shape(), a.meta.Shape) {
		return fmt.Errorf("cannot write shape %v to array %q of shape %v", x.Shape(), a.Path(), a.meta.Shape)
	}
	for _, idx := range chunk.Indices(a.grid.Grid()) {
		start, stop := a.grid.Bounds(idx)
		b, err := x.Slice(start, stop)
		if err != nil {
			return err
		}
		if err := a.WriteChunk(idx, b); err != nil {
			return err
		}
	}
	return nil
}

type PersistenceMode string

const (
	// ModeRead means read only (must exist)
	ModeRead PersistenceMode = "r"
	// ModeReadWrite means read/write (must exist)
	ModeReadWrite PersistenceMode = "r+"
	// ModeReadWriteCreate means read/write (create if doesn't exist)
	ModeReadWriteCreate PersistenceMode = "a"
	// ModeWrite means create (overwrite if exists)
	ModeWrite PersistenceMode = "w"
	// ModeWriteFail means create (fail if exists)
	ModeWriteFail PersistenceMode = "w-"
)

// Path is a normalized logical path within a store
type Path []string

// NewPath normalizes posix: backslashes become slashes, leading and
// trailing slashes are stripped and runs of slashes collapse. "." and ".."
// segments are rejected.
func NewPath(posix string) (Path, error) {
	posix = strings.ReplaceAll(posix, `\`, "/")
	p := Path{}
	for _, seg := range strings.Split(posix, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("invalid path %q: relative segment %q", posix, seg)
		}
		p = append(p, seg)
	}
	return p, nil
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

func (p Path) Shift() (head string, ch Path) {
	switch len(p) {
	case 0:
		return "", nil
	case 1:
		return p[0], nil
	default:
		return p[0], p[1:]
	}
}

// Join returns a new path with elems appended
func (p Path) Join(elems ...string) Path {
	out := make(Path, 0, len(p)+len(elems))
	return append(append(out, p...), elems...)
}
