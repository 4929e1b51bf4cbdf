package lazyarray

import (
	"context"

	"github.com/qri-io/lazyarray/ndarray"
)

// Add, Sub, Mul and Div combine two arrays elementwise after an inner join
// of their coordinates, broadcasting dimensions either operand lacks.
// Blocks along shared dimensions are realigned to the first operand.

func Add(a, b *DataArray) (*DataArray, error) { return binary(ndarray.Add, a, b) }
func Sub(a, b *DataArray) (*DataArray, error) { return binary(ndarray.Sub, a, b) }
func Mul(a, b *DataArray) (*DataArray, error) { return binary(ndarray.Mul, a, b) }
func Div(a, b *DataArray) (*DataArray, error) { return binary(ndarray.Div, a, b) }

func binary(op ndarray.BinaryOp, a, b *DataArray) (*DataArray, error) {
	outs, err := ApplyUFunc(context.Background(), func(blocks []*ndarray.Array) ([]*ndarray.Array, error) {
		r, err := ndarray.Apply(op, blocks[0], blocks[1])
		return []*ndarray.Array{r}, err
	}, []*DataArray{a, b}, UFuncOptions{
		Join:         JoinInner,
		Execution:    ExecutionParallelized,
		OutputDTypes: []ndarray.DType{op.ResultDType(a.DType(), b.DType())},
		AlignChunks:  true,
	})
	if err != nil {
		return nil, err
	}
	return outs[0], nil
}

// Mean, Sum, Min and Max reduce over dim, which may be split across any
// number of blocks. Attributes are dropped.

func (a *DataArray) Mean(dim string) (*DataArray, error) { return a.reduce(dim, ndarray.Mean) }
func (a *DataArray) Sum(dim string) (*DataArray, error)  { return a.reduce(dim, ndarray.Sum) }
func (a *DataArray) Min(dim string) (*DataArray, error)  { return a.reduce(dim, ndarray.Min) }
func (a *DataArray) Max(dim string) (*DataArray, error)  { return a.reduce(dim, ndarray.Max) }

func (a *DataArray) reduce(dim string, op ndarray.ReduceOp) (*DataArray, error) {
	outs, err := ApplyUFunc(context.Background(), func(blocks []*ndarray.Array) ([]*ndarray.Array, error) {
		r, err := blocks[0].Reduce(blocks[0].NDim()-1, op)
		return []*ndarray.Array{r}, err
	}, []*DataArray{a}, UFuncOptions{
		InputCoreDims: [][]string{{dim}},
		Execution:     ExecutionParallelized,
		OutputDTypes:  []ndarray.DType{op.ResultDType(a.DType())},
		AllowRechunk:  true,
	})
	if err != nil {
		return nil, err
	}
	return outs[0], nil
}
