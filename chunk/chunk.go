// Package chunk describes how an N-dimensional shape is partitioned into
// rectangular blocks, and maps regions of the full shape onto that block grid.
package chunk

import (
	"fmt"
	"strconv"
	"strings"
)

// Chunks holds the block sizes along each dimension. Concatenating the blocks
// of every dimension reconstructs the full shape exactly once.
type Chunks [][]int

// Split divides total into blocks of size, with a shorter trailing block when
// size does not divide total. size <= 0 yields one block.
func Split(total, size int) []int {
	if total == 0 {
		return []int{0}
	}
	if size <= 0 || size > total {
		size = total
	}
	n := (total + size - 1) / size
	out := make([]int, n)
	for i := range out {
		out[i] = size
	}
	if rem := total % size; rem != 0 {
		out[n-1] = rem
	}
	return out
}

// Normalize builds regular chunks for shape from one block size per
// dimension. A size of zero or less means the whole dimension in one block.
func Normalize(shape []int, sizes []int) (Chunks, error) {
	if len(sizes) != len(shape) {
		return nil, fmt.Errorf("chunk sizes %v do not match %d-d shape %v", sizes, len(shape), shape)
	}
	c := make(Chunks, len(shape))
	for i, n := range shape {
		if n < 0 {
			return nil, fmt.Errorf("negative dimension %d in shape %v", n, shape)
		}
		c[i] = Split(n, sizes[i])
	}
	return c, nil
}

// FromSizes validates explicit per-dimension block sizes against shape
func FromSizes(shape []int, blocks [][]int) (Chunks, error) {
	if len(blocks) != len(shape) {
		return nil, fmt.Errorf("chunks for %d dims do not match %d-d shape", len(blocks), len(shape))
	}
	c := make(Chunks, len(shape))
	for i, sizes := range blocks {
		if len(sizes) == 0 {
			return nil, fmt.Errorf("dimension %d has no blocks", i)
		}
		sum := 0
		for _, s := range sizes {
			if s < 0 || (s == 0 && shape[i] != 0) {
				return nil, fmt.Errorf("invalid block size %d along dimension %d", s, i)
			}
			sum += s
		}
		if sum != shape[i] {
			return nil, fmt.Errorf("blocks %v along dimension %d sum to %d, want %d", sizes, i, sum, shape[i])
		}
		c[i] = append([]int(nil), sizes...)
	}
	return c, nil
}

// Single returns chunks with exactly one block covering shape
func Single(shape []int) Chunks {
	c := make(Chunks, len(shape))
	for i, n := range shape {
		c[i] = []int{n}
	}
	return c
}

func (c Chunks) NDim() int { return len(c) }

func (c Chunks) Shape() []int {
	out := make([]int, len(c))
	for i, sizes := range c {
		for _, s := range sizes {
			out[i] += s
		}
	}
	return out
}

// Grid is the number of blocks along each dimension
func (c Chunks) Grid() []int {
	out := make([]int, len(c))
	for i, sizes := range c {
		out[i] = len(sizes)
	}
	return out
}

func (c Chunks) NumBlocks() int {
	n := 1
	for _, sizes := range c {
		n *= len(sizes)
	}
	return n
}

// Offsets returns the cumulative block boundaries along dim, starting at 0
// and ending at the dimension size
func (c Chunks) Offsets(dim int) []int {
	out := make([]int, len(c[dim])+1)
	for i, s := range c[dim] {
		out[i+1] = out[i] + s
	}
	return out
}

// Bounds returns the [start, stop) region covered by the block at idx
func (c Chunks) Bounds(idx []int) (start, stop []int) {
	start = make([]int, len(c))
	stop = make([]int, len(c))
	for d, sizes := range c {
		for i := 0; i < idx[d]; i++ {
			start[d] += sizes[i]
		}
		stop[d] = start[d] + sizes[idx[d]]
	}
	return start, stop
}

func (c Chunks) BlockShape(idx []int) []int {
	out := make([]int, len(c))
	for d, sizes := range c {
		out[d] = sizes[idx[d]]
	}
	return out
}

func (c Chunks) Equal(o Chunks) bool {
	if len(c) != len(o) {
		return false
	}
	for d := range c {
		if !equalInts(c[d], o[d]) {
			return false
		}
	}
	return true
}

// Uniform reports the block size of each dimension when every block but the
// last has the same size and the last is no larger, which is the only layout
// a regular grid store can represent
func (c Chunks) Uniform() ([]int, bool) {
	out := make([]int, len(c))
	for d, sizes := range c {
		out[d] = sizes[0]
		for i, s := range sizes {
			if i < len(sizes)-1 && s != sizes[0] {
				return nil, false
			}
			if i == len(sizes)-1 && s > sizes[0] {
				return nil, false
			}
		}
	}
	return out, true
}

func (c Chunks) Clone() Chunks {
	out := make(Chunks, len(c))
	for i := range c {
		out[i] = append([]int(nil), c[i]...)
	}
	return out
}

func (c Chunks) String() string {
	parts := make([]string, len(c))
	for i, sizes := range c {
		parts[i] = fmt.Sprint(sizes)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Indices lists every block index of grid in C order
func Indices(grid []int) [][]int {
	n := 1
	for _, g := range grid {
		n *= g
	}
	out := make([][]int, 0, n)
	if n == 0 {
		return out
	}
	ix := make([]int, len(grid))
	for k := 0; k < n; k++ {
		cur := make([]int, len(ix))
		copy(cur, ix)
		out = append(out, cur)
		for d := len(grid) - 1; d >= 0; d-- {
			ix[d]++
			if ix[d] < grid[d] {
				break
			}
			ix[d] = 0
		}
	}
	return out
}

// IndexString renders a block index as "i,j,k"
func IndexString(idx []int) string {
	parts := make([]string, len(idx))
	for i, x := range idx {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func equalInts(a, b []int) bool {
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
