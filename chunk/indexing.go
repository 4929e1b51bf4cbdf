package chunk

// DimProjection maps part of a selection along one dimension onto one block
type DimProjection struct {
	// Index of the block along the dimension
	Block int
	// Selection of items from the block, relative to the block start
	BlockStart, BlockStop int
	// Where those items land in the selection output, relative to its start
	OutStart int
}

// Projection is a mapping of items from one block to an output region. It can
// be used to copy items from the block into the output, or to cut the output
// back into blocks.
type Projection struct {
	// Indices of the block
	Block []int
	// Selection of items from the block array
	BlockStart, BlockStop []int
	// Offset of the selection in the output array
	OutOffset []int
}

// ProjectDim returns the blocks along dim overlapping [start, stop)
func (c Chunks) ProjectDim(dim, start, stop int) []DimProjection {
	var out []DimProjection
	off := 0
	for i, s := range c[dim] {
		lo, hi := off, off+s
		off = hi
		if hi <= start || lo >= stop {
			// zero-length blocks still anchor an empty selection at their position
			if !(s == 0 && start == stop && lo == start) {
				continue
			}
		}
		bs := max(start, lo) - lo
		be := min(stop, hi) - lo
		out = append(out, DimProjection{
			Block:      i,
			BlockStart: bs,
			BlockStop:  be,
			OutStart:   lo + bs - start,
		})
	}
	return out
}

// Project returns one Projection per block overlapping the region
// [start, stop), in C order of the block grid
func (c Chunks) Project(start, stop []int) []Projection {
	dims := make([][]DimProjection, len(c))
	for d := range c {
		dims[d] = c.ProjectDim(d, start[d], stop[d])
		if len(dims[d]) == 0 {
			return nil
		}
	}
	grid := make([]int, len(c))
	for d := range dims {
		grid[d] = len(dims[d])
	}
	idxs := Indices(grid)
	out := make([]Projection, 0, len(idxs))
	for _, ix := range idxs {
		p := Projection{
			Block:      make([]int, len(c)),
			BlockStart: make([]int, len(c)),
			BlockStop:  make([]int, len(c)),
			OutOffset:  make([]int, len(c)),
		}
		for d, k := range ix {
			dp := dims[d][k]
			p.Block[d] = dp.Block
			p.BlockStart[d] = dp.BlockStart
			p.BlockStop[d] = dp.BlockStop
			p.OutOffset[d] = dp.OutStart
		}
		out = append(out, p)
	}
	return out
}
