// Package ndarray implements the concrete, in-memory N-dimensional buffers
// that chunked arrays are assembled from and split into.
package ndarray

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Source is anything that exposes a shape, an element type and rectangular
// block extraction. Chunked arrays are built on top of Sources so concrete
// buffers and stored arrays can back them interchangeably.
type Source interface {
	Shape() []int
	DType() DType
	Block(start, stop []int) (*Array, error)
}

// Array is a dense row-major N-dimensional buffer. Arrays are treated as
// immutable values once constructed: every operation returns a new Array and
// callers must not modify the slice returned by Data.
type Array struct {
	dtype DType
	shape []int
	data  interface{}
}

var _ Source = (*Array)(nil)

// New allocates a zero-filled array
func New(dt DType, shape ...int) *Array {
	n := SizeOf(shape)
	var data interface{}
	switch dt {
	case Bool:
		data = make([]bool, n)
	case Int32:
		data = make([]int32, n)
	case Int64:
		data = make([]int64, n)
	case Float32:
		data = make([]float32, n)
	case Float64:
		data = make([]float64, n)
	default:
		panic(fmt.Sprintf("ndarray: cannot allocate dtype %s", dt))
	}
	return &Array{dtype: dt, shape: copyInts(shape), data: data}
}

// FromSlice wraps a typed slice as an array of the given shape. The array
// takes ownership of data.
func FromSlice(data interface{}, shape ...int) (*Array, error) {
	dt, n := sliceDType(data)
	if dt == Invalid {
		return nil, fmt.Errorf("unsupported slice type %T", data)
	}
	if n != SizeOf(shape) {
		return nil, fmt.Errorf("slice of length %d does not fill shape %v", n, shape)
	}
	return &Array{dtype: dt, shape: copyInts(shape), data: data}, nil
}

// MustFromSlice is FromSlice for literals known to be valid
func MustFromSlice(data interface{}, shape ...int) *Array {
	a, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return a
}

// Full returns an array with every element set to v
func Full(dt DType, v float64, shape ...int) *Array {
	n := SizeOf(shape)
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = v
	}
	return &Array{dtype: dt, shape: copyInts(shape), data: fromFloat64s(dt, vals)}
}

// Arange returns the 1-D array [0, 1, ..., n-1]
func Arange(dt DType, n int) *Array {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i)
	}
	return &Array{dtype: dt, shape: []int{n}, data: fromFloat64s(dt, vals)}
}

func (a *Array) DType() DType      { return a.dtype }
func (a *Array) Shape() []int      { return copyInts(a.shape) }
func (a *Array) NDim() int         { return len(a.shape) }
func (a *Array) Size() int         { return SizeOf(a.shape) }
func (a *Array) Meta() Meta        { return Meta{DType: a.dtype, NDim: len(a.shape)} }
func (a *Array) Data() interface{} { return a.data }

// Float64s returns a copy of the elements converted to float64
func (a *Array) Float64s() []float64 {
	return castTo[float64](a.data)
}

// At returns the element at idx converted to float64
func (a *Array) At(idx ...int) float64 {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("ndarray: %d indices for %d-d array", len(idx), len(a.shape)))
	}
	st := Strides(a.shape)
	off := 0
	for i, x := range idx {
		off += x * st[i]
	}
	return elemFloat(a.data, off)
}

// Block implements Source
func (a *Array) Block(start, stop []int) (*Array, error) {
	return a.Slice(start, stop)
}

// Slice copies the rectangular region [start, stop) out of the array
func (a *Array) Slice(start, stop []int) (*Array, error) {
	if len(start) != len(a.shape) || len(stop) != len(a.shape) {
		return nil, fmt.Errorf("slice rank %d/%d does not match array rank %d", len(start), len(stop), len(a.shape))
	}
	out := make([]int, len(a.shape))
	for i := range a.shape {
		if start[i] < 0 || stop[i] > a.shape[i] || start[i] > stop[i] {
			return nil, fmt.Errorf("slice [%d:%d] out of bounds for axis %d of size %d", start[i], stop[i], i, a.shape[i])
		}
		out[i] = stop[i] - start[i]
	}
	st := Strides(a.shape)
	idx := flatIndices(out, func(ix []int) int {
		off := 0
		for i, x := range ix {
			off += (x + start[i]) * st[i]
		}
		return off
	})
	return &Array{dtype: a.dtype, shape: out, data: gatherAny(a.data, idx)}, nil
}

// SetBlock returns a copy of the array with src written at offset
func (a *Array) SetBlock(offset []int, src *Array) (*Array, error) {
	out := &Array{dtype: a.dtype, shape: copyInts(a.shape), data: cloneAny(a.data)}
	if err := out.setBlockInPlace(offset, src); err != nil {
		return nil, err
	}
	return out, nil
}

// setBlockInPlace is only used on arrays that have not escaped the package
func (a *Array) setBlockInPlace(offset []int, src *Array) error {
	if len(offset) != len(a.shape) || src.NDim() != len(a.shape) {
		return fmt.Errorf("block rank %d does not match array rank %d", src.NDim(), len(a.shape))
	}
	for i := range a.shape {
		if offset[i] < 0 || offset[i]+src.shape[i] > a.shape[i] {
			return fmt.Errorf("block of size %d at offset %d overflows axis %d of size %d", src.shape[i], offset[i], i, a.shape[i])
		}
	}
	if src.dtype != a.dtype {
		src = src.AsType(a.dtype)
	}
	st := Strides(a.shape)
	idx := flatIndices(src.shape, func(ix []int) int {
		off := 0
		for i, x := range ix {
			off += (x + offset[i]) * st[i]
		}
		return off
	})
	scatterAny(a.data, src.data, idx)
	return nil
}

// Assemble builds an array of the given shape out of blocks written at their
// offsets. Blocks must tile the shape; overlap is not checked.
func Assemble(dt DType, shape []int, offsets [][]int, blocks []*Array) (*Array, error) {
	if len(offsets) != len(blocks) {
		return nil, fmt.Errorf("%d offsets for %d blocks", len(offsets), len(blocks))
	}
	out := New(dt, shape...)
	for i, b := range blocks {
		if err := out.setBlockInPlace(offsets[i], b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Reshape reinterprets the elements with a new shape of equal size
func (a *Array) Reshape(shape ...int) (*Array, error) {
	if SizeOf(shape) != a.Size() {
		return nil, fmt.Errorf("cannot reshape array of size %d into %v", a.Size(), shape)
	}
	return &Array{dtype: a.dtype, shape: copyInts(shape), data: a.data}, nil
}

// Transpose permutes the axes. Output axis i is input axis perm[i].
func (a *Array) Transpose(perm ...int) (*Array, error) {
	if err := checkPerm(perm, len(a.shape)); err != nil {
		return nil, err
	}
	out := make([]int, len(perm))
	for i, p := range perm {
		out[i] = a.shape[p]
	}
	st := Strides(a.shape)
	idx := flatIndices(out, func(ix []int) int {
		off := 0
		for i, x := range ix {
			off += x * st[perm[i]]
		}
		return off
	})
	return &Array{dtype: a.dtype, shape: out, data: gatherAny(a.data, idx)}, nil
}

// BroadcastTo repeats size-1 and missing leading axes to reach shape, following
// numpy broadcasting rules.
func (a *Array) BroadcastTo(shape ...int) (*Array, error) {
	lead := len(shape) - len(a.shape)
	if lead < 0 {
		return nil, fmt.Errorf("cannot broadcast shape %v to lower rank %v", a.shape, shape)
	}
	for i, n := range a.shape {
		if n != 1 && n != shape[lead+i] {
			return nil, fmt.Errorf("cannot broadcast shape %v to %v", a.shape, shape)
		}
	}
	st := Strides(a.shape)
	idx := flatIndices(shape, func(ix []int) int {
		off := 0
		for i, n := range a.shape {
			if n != 1 {
				off += ix[lead+i] * st[i]
			}
		}
		return off
	})
	return &Array{dtype: a.dtype, shape: copyInts(shape), data: gatherAny(a.data, idx)}, nil
}

// BroadcastShapes returns the shape every input broadcasts to
func BroadcastShapes(shapes ...[]int) ([]int, error) {
	rank := 0
	for _, s := range shapes {
		if len(s) > rank {
			rank = len(s)
		}
	}
	out := make([]int, rank)
	for i := range out {
		out[i] = 1
	}
	for _, s := range shapes {
		lead := rank - len(s)
		for i, n := range s {
			switch {
			case n == out[lead+i] || n == 1:
			case out[lead+i] == 1:
				out[lead+i] = n
			default:
				return nil, fmt.Errorf("shapes %v are not broadcastable", shapes)
			}
		}
	}
	return out, nil
}

// Take selects positions along axis. An index of -1 produces a missing value,
// which promotes integer and boolean data to Float64.
func (a *Array) Take(axis int, indexer []int) (*Array, error) {
	if axis < 0 || axis >= len(a.shape) {
		return nil, fmt.Errorf("axis %d out of range for %d-d array", axis, len(a.shape))
	}
	missing := false
	for _, i := range indexer {
		if i < -1 || i >= a.shape[axis] {
			return nil, fmt.Errorf("index %d out of bounds for axis %d of size %d", i, axis, a.shape[axis])
		}
		if i == -1 {
			missing = true
		}
	}
	src := a
	if missing {
		src = a.AsType(a.dtype.Fillable())
	}
	out := copyInts(a.shape)
	out[axis] = len(indexer)
	st := Strides(a.shape)
	idx := flatIndices(out, func(ix []int) int {
		off := 0
		for i, x := range ix {
			if i == axis {
				if indexer[x] < 0 {
					return -1
				}
				x = indexer[x]
			}
			off += x * st[i]
		}
		return off
	})
	return &Array{dtype: src.dtype, shape: out, data: gatherAny(src.data, idx)}, nil
}

// AsType converts the elements to dt
func (a *Array) AsType(dt DType) *Array {
	if dt == a.dtype {
		return a
	}
	var data interface{}
	switch dt {
	case Bool:
		vals := castTo[float64](a.data)
		bs := make([]bool, len(vals))
		for i, v := range vals {
			bs[i] = v != 0
		}
		data = bs
	case Int32:
		data = castTo[int32](a.data)
	case Int64:
		data = castTo[int64](a.data)
	case Float32:
		data = castTo[float32](a.data)
	case Float64:
		data = castTo[float64](a.data)
	default:
		panic(fmt.Sprintf("ndarray: cannot convert to dtype %s", dt))
	}
	return &Array{dtype: dt, shape: copyInts(a.shape), data: data}
}

// Identical reports whether both arrays have the same dtype, shape and
// elements. NaNs compare equal to each other.
func (a *Array) Identical(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.dtype != b.dtype || !EqualInts(a.shape, b.shape) {
		return false
	}
	n := a.Size()
	for i := 0; i < n; i++ {
		x, y := elemFloat(a.data, i), elemFloat(b.data, i)
		if x != y && !(math.IsNaN(x) && math.IsNaN(y)) {
			return false
		}
	}
	return true
}

// AllClose compares shapes and elements within tolerance, ignoring dtype
func AllClose(a, b *Array, rtol, atol float64) bool {
	if !EqualInts(a.shape, b.shape) {
		return false
	}
	av, bv := a.Float64s(), b.Float64s()
	for i := range av {
		if math.IsNaN(av[i]) || math.IsNaN(bv[i]) {
			if math.IsNaN(av[i]) != math.IsNaN(bv[i]) {
				return false
			}
			continue
		}
		if math.Abs(av[i]-bv[i]) > atol+rtol*math.Abs(bv[i]) {
			return false
		}
	}
	return true
}

// Format renders up to maxItems elements, eliding the rest
func (a *Array) Format(maxItems int) string {
	n := a.Size()
	var sb strings.Builder
	sb.WriteByte('[')
	for i := 0; i < n; i++ {
		if maxItems > 0 && i == maxItems {
			sb.WriteString(" ...")
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(formatElem(a.data, i))
	}
	sb.WriteByte(']')
	return sb.String()
}

func (a *Array) String() string {
	return fmt.Sprintf("<ndarray %s %v %s>", a.dtype, a.shape, a.Format(10))
}

func formatElem(data interface{}, i int) string {
	switch d := data.(type) {
	case []bool:
		return strconv.FormatBool(d[i])
	case []int32:
		return strconv.FormatInt(int64(d[i]), 10)
	case []int64:
		return strconv.FormatInt(d[i], 10)
	case []float32:
		return strconv.FormatFloat(float64(d[i]), 'g', -1, 32)
	case []float64:
		return strconv.FormatFloat(d[i], 'g', -1, 64)
	}
	return "?"
}

// SizeOf is the product of shape; the empty shape has size 1
func SizeOf(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Strides returns row-major element strides for shape
func Strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// EqualInts compares two int slices element-wise
func EqualInts(a, b []int) bool {
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

func copyInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func checkPerm(perm []int, n int) error {
	if len(perm) != n {
		return fmt.Errorf("permutation %v does not match rank %d", perm, n)
	}
	seen := make([]bool, n)
	for _, p := range perm {
		if p < 0 || p >= n || seen[p] {
			return fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
	}
	return nil
}

// flatIndices walks shape in C order and records the source offset for every
// position
func flatIndices(shape []int, offset func(ix []int) int) []int {
	n := SizeOf(shape)
	out := make([]int, n)
	if n == 0 {
		return out
	}
	ix := make([]int, len(shape))
	for k := 0; k < n; k++ {
		out[k] = offset(ix)
		for d := len(shape) - 1; d >= 0; d-- {
			ix[d]++
			if ix[d] < shape[d] {
				break
			}
			ix[d] = 0
		}
	}
	return out
}
