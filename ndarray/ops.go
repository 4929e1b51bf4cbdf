package ndarray

import (
	"fmt"
	"math"
)

// ReduceOp names an aggregation along one axis
type ReduceOp string

const (
	Sum  ReduceOp = "sum"
	Mean ReduceOp = "mean"
	Min  ReduceOp = "min"
	Max  ReduceOp = "max"
)

// ResultDType is the dtype a reduction over in produces
func (op ReduceOp) ResultDType(in DType) DType {
	if op == Mean {
		return Float64
	}
	if in == Bool {
		return Int64
	}
	return in
}

// Reduce aggregates away axis. Reducing an empty axis yields 0 for Sum and NaN
// for every other op; integer Min and Max of an empty axis are an error.
// Integer sums wrap on overflow.
func (a *Array) Reduce(axis int, op ReduceOp) (*Array, error) {
	if axis < 0 || axis >= len(a.shape) {
		return nil, fmt.Errorf("axis %d out of range for %d-d array", axis, len(a.shape))
	}
	switch op {
	case Sum, Mean, Min, Max:
	default:
		return nil, fmt.Errorf("unknown reduction %q", op)
	}

	out := make([]int, 0, len(a.shape)-1)
	out = append(out, a.shape[:axis]...)
	out = append(out, a.shape[axis+1:]...)

	st := Strides(a.shape)
	n := a.shape[axis]
	bases := flatIndices(out, func(ix []int) int {
		base := 0
		for i, x := range ix {
			d := i
			if i >= axis {
				d = i + 1
			}
			base += x * st[d]
		}
		return base
	})

	dt := op.ResultDType(a.dtype)
	var (
		data interface{}
		err  error
	)
	switch dt {
	case Int32:
		data, err = reduceInts(castTo[int32](a.data), bases, st[axis], n, op)
	case Int64:
		data, err = reduceInts(castTo[int64](a.data), bases, st[axis], n, op)
	default:
		vals := a.Float64s()
		res := make([]float64, len(bases))
		for k, base := range bases {
			res[k] = reduce(vals, base, st[axis], n, op)
		}
		return (&Array{dtype: Float64, shape: out, data: res}).AsType(dt), nil
	}
	if err != nil {
		return nil, err
	}
	return &Array{dtype: dt, shape: out, data: data}, nil
}

func reduce(vals []float64, base, stride, n int, op ReduceOp) float64 {
	if n == 0 {
		if op == Sum {
			return 0
		}
		return math.NaN()
	}
	acc := vals[base]
	for i := 1; i < n; i++ {
		v := vals[base+i*stride]
		switch op {
		case Sum, Mean:
			acc += v
		case Min:
			acc = math.Min(acc, v)
		case Max:
			acc = math.Max(acc, v)
		}
	}
	if op == Mean {
		acc /= float64(n)
	}
	return acc
}

// reduceInts aggregates integers without a detour through float64, which
// would round int64 values beyond 2^53
func reduceInts[T int32 | int64](vals []T, bases []int, stride, n int, op ReduceOp) ([]T, error) {
	res := make([]T, len(bases))
	if n == 0 {
		if op != Sum && len(bases) > 0 {
			return nil, fmt.Errorf("%s of an empty integer axis is undefined", op)
		}
		return res, nil
	}
	for k, base := range bases {
		acc := vals[base]
		for i := 1; i < n; i++ {
			v := vals[base+i*stride]
			switch op {
			case Sum:
				acc += v
			case Min:
				acc = min(acc, v)
			case Max:
				acc = max(acc, v)
			}
		}
		res[k] = acc
	}
	return res, nil
}

// BinaryOp is an element-wise arithmetic operator
type BinaryOp string

const (
	Add BinaryOp = "+"
	Sub BinaryOp = "-"
	Mul BinaryOp = "*"
	Div BinaryOp = "/"
)

// ResultDType is the dtype of a op b
func (op BinaryOp) ResultDType(a, b DType) DType {
	if op == Div {
		return Float64
	}
	dt := Promote(a, b)
	if dt == Bool {
		return Int64
	}
	return dt
}

// Apply broadcasts a and b against each other and combines them element-wise.
// Integer results are computed in their own type and wrap on overflow.
func Apply(op BinaryOp, a, b *Array) (*Array, error) {
	switch op {
	case Add, Sub, Mul, Div:
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	shape, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	if a, err = a.BroadcastTo(shape...); err != nil {
		return nil, err
	}
	if b, err = b.BroadcastTo(shape...); err != nil {
		return nil, err
	}

	dt := op.ResultDType(a.dtype, b.dtype)
	switch dt {
	case Int32:
		return &Array{dtype: dt, shape: shape, data: applyNumbers(op, castTo[int32](a.data), castTo[int32](b.data))}, nil
	case Int64:
		return &Array{dtype: dt, shape: shape, data: applyNumbers(op, castTo[int64](a.data), castTo[int64](b.data))}, nil
	}
	res := applyNumbers(op, a.Float64s(), b.Float64s())
	return (&Array{dtype: Float64, shape: shape, data: res}).AsType(dt), nil
}

func applyNumbers[T number](op BinaryOp, av, bv []T) []T {
	res := make([]T, len(av))
	for i := range av {
		switch op {
		case Add:
			res[i] = av[i] + bv[i]
		case Sub:
			res[i] = av[i] - bv[i]
		case Mul:
			res[i] = av[i] * bv[i]
		case Div:
			res[i] = av[i] / bv[i]
		}
	}
	return res
}
