package lazyarray

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/ndarray"
)

// Join is the policy for combining coordinate labels along a shared dimension
type Join int

const (
	// JoinOuter uses the sorted union of labels, filling missing positions
	JoinOuter Join = iota
	// JoinInner keeps the labels present in every operand, in the order of
	// the first
	JoinInner
	// JoinLeft uses the labels of the first operand
	JoinLeft
	// JoinExact fails unless every operand has the same labels
	JoinExact
)

func (j Join) String() string {
	switch j {
	case JoinOuter:
		return "outer"
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	case JoinExact:
		return "exact"
	}
	return fmt.Sprintf("Join(%d)", int(j))
}

// ParseJoin reads a join policy by name
func ParseJoin(s string) (Join, error) {
	for _, j := range []Join{JoinOuter, JoinInner, JoinLeft, JoinExact} {
		if j.String() == s {
			return j, nil
		}
	}
	return 0, fmt.Errorf("unknown join %q", s)
}

// Align reindexes arrays so that every shared dimension carries the same
// coordinate labels under join. Positions absent from an operand are filled
// with its missing value, promoting integer and boolean data to float64.
// Reindexing is lazy. Dimensions without coordinates must have equal sizes.
func Align(join Join, arrays ...*DataArray) ([]*DataArray, error) {
	out := append([]*DataArray(nil), arrays...)
	for _, dim := range dimOrder(arrays) {
		var labels []*ndarray.Array
		size := -1
		for _, a := range out {
			if !a.Has(dim) {
				continue
			}
			if c, ok := a.coords[dim]; ok {
				labels = append(labels, c)
				continue
			}
			n := a.size(dim)
			if size >= 0 && n != size {
				return nil, &darray.AlignmentError{Dim: dim, Reason: fmt.Sprintf("sizes %d and %d differ and the dimension has no coordinate", size, n)}
			}
			size = n
		}
		if len(labels) == 0 {
			continue
		}
		joined, err := joinLabels(join, dim, labels)
		if err != nil {
			return nil, err
		}
		if size >= 0 && size != joined.Size() {
			return nil, &darray.AlignmentError{Dim: dim, Reason: fmt.Sprintf("an operand without coordinate has size %d, aligned size is %d", size, joined.Size())}
		}
		for i, a := range out {
			if !a.Has(dim) {
				continue
			}
			c, ok := a.coords[dim]
			if !ok {
				if out[i], err = a.WithCoord(dim, joined); err != nil {
					return nil, err
				}
				continue
			}
			if sameLabels(c, joined) {
				if c.DType() != joined.DType() {
					if out[i], err = a.WithCoord(dim, joined); err != nil {
						return nil, err
					}
				}
				continue
			}
			indexer, err := reindexer(dim, c, joined)
			if err != nil {
				return nil, err
			}
			if out[i], err = a.take(dim, indexer, joined); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// dimOrder lists dimension names in order of first appearance
func dimOrder(arrays []*DataArray) []string {
	var dims []string
	seen := map[string]bool{}
	for _, a := range arrays {
		for _, d := range a.dims {
			if !seen[d] {
				seen[d] = true
				dims = append(dims, d)
			}
		}
	}
	return dims
}

func joinLabels(join Join, dim string, labels []*ndarray.Array) (*ndarray.Array, error) {
	dt := labels[0].DType()
	allSame := true
	for _, l := range labels[1:] {
		dt = ndarray.Promote(dt, l.DType())
		allSame = allSame && sameLabels(labels[0], l)
	}
	if allSame || join == JoinLeft {
		return labels[0].AsType(dt), nil
	}

	var vals []float64
	switch join {
	case JoinExact:
		return nil, &darray.AlignmentError{Dim: dim, Reason: "coordinate labels differ and the join is exact"}
	case JoinOuter:
		set := map[float64]bool{}
		for _, l := range labels {
			lv, err := matchableLabels(dim, l)
			if err != nil {
				return nil, err
			}
			for _, v := range lv {
				if !set[v] {
					set[v] = true
					vals = append(vals, v)
				}
			}
		}
		sort.Float64s(vals)
	case JoinInner:
		var err error
		if vals, err = matchableLabels(dim, labels[0]); err != nil {
			return nil, err
		}
		for _, l := range labels[1:] {
			lv, err := matchableLabels(dim, l)
			if err != nil {
				return nil, err
			}
			in := map[float64]bool{}
			for _, v := range lv {
				in[v] = true
			}
			kept := vals[:0:0]
			for _, v := range vals {
				if in[v] {
					kept = append(kept, v)
				}
			}
			vals = kept
		}
	default:
		return nil, fmt.Errorf("unknown join %v", join)
	}
	if vals == nil {
		vals = []float64{}
	}
	return ndarray.MustFromSlice(vals, len(vals)).AsType(dt), nil
}

// reindexer returns, for each label of to, its position in from or -1
func reindexer(dim string, from, to *ndarray.Array) ([]int, error) {
	fv, err := matchableLabels(dim, from)
	if err != nil {
		return nil, err
	}
	pos := make(map[float64]int, from.Size())
	for i, v := range fv {
		if _, dup := pos[v]; dup {
			return nil, &darray.AlignmentError{Dim: dim, Reason: fmt.Sprintf("cannot reindex: label %v is not unique", v)}
		}
		pos[v] = i
	}
	tv, err := matchableLabels(dim, to)
	if err != nil {
		return nil, err
	}
	idx := make([]int, to.Size())
	for i, v := range tv {
		p, ok := pos[v]
		if !ok {
			p = -1
		}
		idx[i] = p
	}
	return idx, nil
}

// matchableLabels returns l as float64. A missing label never equals
// another, so it cannot take part in a join.
func matchableLabels(dim string, l *ndarray.Array) ([]float64, error) {
	vals := l.Float64s()
	for i, v := range vals {
		if math.IsNaN(v) {
			return nil, &darray.AlignmentError{Dim: dim, Reason: fmt.Sprintf("coordinate label %d is missing (NaN)", i)}
		}
	}
	return vals, nil
}

func sameLabels(a, b *ndarray.Array) bool {
	if a.Size() != b.Size() {
		return false
	}
	av, bv := a.Float64s(), b.Float64s()
	for i := range av {
		if av[i] != bv[i] && !(math.IsNaN(av[i]) && math.IsNaN(bv[i])) {
			return false
		}
	}
	return true
}

// Broadcast aligns arrays with an outer join and gives each of them every
// dimension of the others. Missing dimensions are added in front and their
// data is repeated blockwise when computed, never stored.
func Broadcast(arrays ...*DataArray) ([]*DataArray, error) {
	aligned, err := Align(JoinOuter, arrays...)
	if err != nil {
		return nil, err
	}
	dims := dimOrder(aligned)
	holder := map[string]*DataArray{}
	for _, a := range aligned {
		for _, d := range a.dims {
			if h, ok := holder[d]; !ok {
				holder[d] = a
			} else if h.size(d) != a.size(d) {
				return nil, &darray.AlignmentError{Dim: d, Reason: fmt.Sprintf("sizes %d and %d differ", h.size(d), a.size(d))}
			}
		}
	}
	out := make([]*DataArray, len(aligned))
	for i, a := range aligned {
		var missing []string
		for _, d := range dims {
			if !a.Has(d) {
				missing = append(missing, d)
			}
		}
		if len(missing) == 0 {
			out[i] = a
			continue
		}
		if out[i], err = a.expand(missing, holder); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// expand adds dims in front of a, chunked as the arrays in holder chunk them
func (a *DataArray) expand(dims []string, holder map[string]*DataArray) (*DataArray, error) {
	data := a.data
	var err error
	for i := range dims {
		if data, err = darray.ExpandDims(data, i); err != nil {
			return nil, err
		}
	}
	target := make(chunk.Chunks, 0, len(dims)+a.NDim())
	coords := a.coords.clone()
	for _, d := range dims {
		h := holder[d]
		target = append(target, h.data.Chunks()[h.axis(d)])
		if c, ok := h.coords[d]; ok {
			coords[d] = c
		}
	}
	target = append(target, a.data.Chunks()...)
	if data, err = darray.BroadcastTo(data, target); err != nil {
		return nil, err
	}
	return a.with(data, append(append([]string(nil), dims...), a.dims...), coords), nil
}

// sameAttrs compares attributes by their JSON encoding, so numeric values
// of different Go types that encode alike compare equal
func sameAttrs(a, b Attrs) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
