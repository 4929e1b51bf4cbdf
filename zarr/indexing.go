package zarr

import (
	"fmt"

	"github.com/qri-io/lazyarray/ndarray"
)

var _ ndarray.Source = (*Array)(nil)

// Block reads the region [start, stop). Only chunks the region overlaps are
// read from the store.
func (a *Array) Block(start, stop []int) (*ndarray.Array, error) {
	if len(start) != len(a.meta.Shape) || len(stop) != len(a.meta.Shape) {
		return nil, fmt.Errorf("region %v:%v does not match %d-d array %q", start, stop, len(a.meta.Shape), a.Path())
	}
	shape := make([]int, len(start))
	for d := range start {
		if start[d] < 0 || stop[d] > a.meta.Shape[d] || start[d] > stop[d] {
			return nil, fmt.Errorf("region %v:%v out of bounds for shape %v", start, stop, a.meta.Shape)
		}
		shape[d] = stop[d] - start[d]
	}
	if ndarray.SizeOf(shape) == 0 {
		return ndarray.New(a.dtype, shape...), nil
	}

	projections := a.grid.Project(start, stop)
	offsets := make([][]int, len(projections))
	pieces := make([]*ndarray.Array, len(projections))
	for i, p := range projections {
		c, err := a.readChunk(p.Block)
		if err != nil {
			return nil, err
		}
		if pieces[i], err = c.Slice(p.BlockStart, p.BlockStop); err != nil {
			return nil, err
		}
		offsets[i] = p.OutOffset
	}
	return ndarray.Assemble(a.dtype, shape, offsets, pieces)
}
