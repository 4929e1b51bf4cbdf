package ndarray

import (
	"fmt"
	"math"
)

type number interface {
	~int32 | ~int64 | ~float32 | ~float64
}

func sliceDType(data interface{}) (DType, int) {
	switch d := data.(type) {
	case []bool:
		return Bool, len(d)
	case []int32:
		return Int32, len(d)
	case []int64:
		return Int64, len(d)
	case []float32:
		return Float32, len(d)
	case []float64:
		return Float64, len(d)
	}
	return Invalid, 0
}

func elemFloat(data interface{}, i int) float64 {
	switch d := data.(type) {
	case []bool:
		if d[i] {
			return 1
		}
		return 0
	case []int32:
		return float64(d[i])
	case []int64:
		return float64(d[i])
	case []float32:
		return float64(d[i])
	case []float64:
		return d[i]
	}
	panic(fmt.Sprintf("ndarray: unsupported data %T", data))
}

func convert[S, D number](src []S) []D {
	out := make([]D, len(src))
	for i, v := range src {
		out[i] = D(v)
	}
	return out
}

func castTo[D number](data interface{}) []D {
	switch s := data.(type) {
	case []bool:
		out := make([]D, len(s))
		for i, v := range s {
			if v {
				out[i] = 1
			}
		}
		return out
	case []int32:
		return convert[int32, D](s)
	case []int64:
		return convert[int64, D](s)
	case []float32:
		return convert[float32, D](s)
	case []float64:
		return convert[float64, D](s)
	}
	panic(fmt.Sprintf("ndarray: unsupported data %T", data))
}

func fromFloat64s(dt DType, vals []float64) interface{} {
	switch dt {
	case Bool:
		out := make([]bool, len(vals))
		for i, v := range vals {
			out[i] = v != 0
		}
		return out
	case Int32:
		return convert[float64, int32](vals)
	case Int64:
		return convert[float64, int64](vals)
	case Float32:
		return convert[float64, float32](vals)
	case Float64:
		return vals
	}
	panic(fmt.Sprintf("ndarray: unsupported dtype %s", dt))
}

// gather builds out[i] = src[idx[i]]; an index of -1 yields fill
func gather[T any](src []T, idx []int, fill T) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		if j < 0 {
			out[i] = fill
			continue
		}
		out[i] = src[j]
	}
	return out
}

func gatherAny(data interface{}, idx []int) interface{} {
	switch d := data.(type) {
	case []bool:
		return gather(d, idx, false)
	case []int32:
		return gather(d, idx, 0)
	case []int64:
		return gather(d, idx, 0)
	case []float32:
		return gather(d, idx, float32(math.NaN()))
	case []float64:
		return gather(d, idx, math.NaN())
	}
	panic(fmt.Sprintf("ndarray: unsupported data %T", data))
}

func scatter[T any](dst, src []T, idx []int) {
	for i, j := range idx {
		dst[j] = src[i]
	}
}

// scatterAny writes src into dst at idx; both must share an element type
func scatterAny(dst, src interface{}, idx []int) {
	switch d := dst.(type) {
	case []bool:
		scatter(d, src.([]bool), idx)
	case []int32:
		scatter(d, src.([]int32), idx)
	case []int64:
		scatter(d, src.([]int64), idx)
	case []float32:
		scatter(d, src.([]float32), idx)
	case []float64:
		scatter(d, src.([]float64), idx)
	default:
		panic(fmt.Sprintf("ndarray: unsupported data %T", dst))
	}
}

func cloneAny(data interface{}) interface{} {
	switch d := data.(type) {
	case []bool:
		return append([]bool(nil), d...)
	case []int32:
		return append([]int32(nil), d...)
	case []int64:
		return append([]int64(nil), d...)
	case []float32:
		return append([]float32(nil), d...)
	case []float64:
		return append([]float64(nil), d...)
	}
	panic(fmt.Sprintf("ndarray: unsupported data %T", data))
}
