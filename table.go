package lazyarray

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// ErrDuplicateKey is returned by FromTable when two rows share a key
var ErrDuplicateKey = errors.New("duplicate table key")

// Column is a named 1-D array of table values
type Column struct {
	Name   string
	Values *ndarray.Array
}

// Table is a flat set of equal-length columns
type Table struct {
	Columns []Column
}

// NewTable checks that columns are 1-D, uniquely named and of equal length
func NewTable(cols ...Column) (*Table, error) {
	seen := map[string]bool{}
	for _, c := range cols {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if c.Values == nil || c.Values.NDim() != 1 {
			return nil, fmt.Errorf("column %q must be 1-dimensional", c.Name)
		}
		if c.Values.Size() != cols[0].Values.Size() {
			return nil, fmt.Errorf("column %q has %d rows, column %q has %d", c.Name, c.Values.Size(), cols[0].Name, cols[0].Values.Size())
		}
	}
	return &Table{Columns: cols}, nil
}

// NumRows is the length of every column
func (t *Table) NumRows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return t.Columns[0].Values.Size()
}

// Column returns the values of the named column
func (t *Table) Column(name string) (*ndarray.Array, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Values, true
		}
	}
	return nil, false
}

// WriteCSV writes a header row followed by one record per row
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(t.Columns))
	vals := make([][]float64, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name
		vals[i] = c.Values.Float64s()
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(t.Columns))
	for r := 0; r < t.NumRows(); r++ {
		for i, c := range t.Columns {
			rec[i] = formatValue(c.Values.DType(), vals[i][r])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(dt ndarray.DType, v float64) string {
	switch dt {
	case ndarray.Bool:
		return strconv.FormatBool(v != 0)
	case ndarray.Float32:
		return strconv.FormatFloat(v, 'g', -1, 32)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ToTable flattens ds into one key column per dimension and one value column
// per variable. Rows follow the C order of the dimensions; variables lacking
// a dimension repeat along it. Dimensions without a coordinate are keyed by
// position.
func (ds *Dataset) ToTable(ctx context.Context, exec *graph.Executor) (*Table, error) {
	dims := ds.Dims()
	sizes := ds.Sizes()
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = sizes[d]
	}
	n := ndarray.SizeOf(shape)

	var cols []Column
	strides := ndarray.Strides(shape)
	for i, d := range dims {
		labels, ok := ds.coords[d]
		if !ok {
			labels = ndarray.Arange(ndarray.Int64, sizes[d])
		}
		idx := make([]int, n)
		for r := range idx {
			idx[r] = (r / strides[i]) % shape[i]
		}
		key, err := labels.Take(0, idx)
		if err != nil {
			return nil, err
		}
		cols = append(cols, Column{Name: d, Values: key})
	}

	vars, err := Broadcast(ds.list()...)
	if err != nil {
		return nil, err
	}
	for i, v := range vars {
		if vars[i], err = v.Transpose(dims...); err != nil {
			return nil, err
		}
	}
	if len(vars) > 0 {
		datas := make([]*darray.Array, len(vars))
		for i, v := range vars {
			datas[i] = v.data
		}
		vals, err := darray.ComputeAll(ctx, exec, datas...)
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			flat, err := v.Reshape(n)
			if err != nil {
				return nil, err
			}
			cols = append(cols, Column{Name: ds.names[i], Values: flat})
		}
	}
	return NewTable(cols...)
}

// FromTable builds a dataset with one dimension per key column and one
// variable per remaining column. Each dimension's coordinate holds the
// sorted distinct key values. Key combinations missing from the table are
// filled with the missing value, promoting integer and boolean columns to
// float64. Two rows with the same key fail with ErrDuplicateKey.
func FromTable(t *Table, keys ...string) (*Dataset, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("table conversion needs at least one key column")
	}
	isKey := map[string]bool{}
	coords := Coords{}
	shape := make([]int, len(keys))
	rowPos := make([][]int, len(keys))
	for i, k := range keys {
		col, ok := t.Column(k)
		if !ok {
			return nil, fmt.Errorf("no key column %q", k)
		}
		if isKey[k] {
			return nil, fmt.Errorf("key column %q given twice", k)
		}
		isKey[k] = true
		vals := col.Float64s()
		for r, v := range vals {
			if math.IsNaN(v) {
				return nil, fmt.Errorf("key column %q is missing a value in row %d", k, r)
			}
		}
		labels, pos := uniqueSorted(vals)
		coords[k] = ndarray.MustFromSlice(labels, len(labels)).AsType(col.DType())
		shape[i] = len(labels)
		rowPos[i] = pos
	}

	strides := ndarray.Strides(shape)
	indexer := make([]int, ndarray.SizeOf(shape))
	for i := range indexer {
		indexer[i] = -1
	}
	for r := 0; r < t.NumRows(); r++ {
		flat := 0
		for i := range keys {
			flat += rowPos[i][r] * strides[i]
		}
		if indexer[flat] >= 0 {
			key := make([]string, len(keys))
			for i, k := range keys {
				col, _ := t.Column(k)
				key[i] = fmt.Sprintf("%s=%v", k, col.At(r))
			}
			return nil, fmt.Errorf("%w: %v in rows %d and %d", ErrDuplicateKey, key, indexer[flat], r)
		}
		indexer[flat] = r
	}

	var vars []*DataArray
	for _, c := range t.Columns {
		if isKey[c.Name] {
			continue
		}
		vals, err := c.Values.Take(0, indexer)
		if err != nil {
			return nil, err
		}
		if vals, err = vals.Reshape(shape...); err != nil {
			return nil, err
		}
		own := Coords{}
		for _, k := range keys {
			own[k] = coords[k]
		}
		v, err := NewDataArray(c.Name, vals, keys, own, nil)
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	ds, err := NewDataset(vars, nil, JoinExact)
	if err != nil {
		return nil, err
	}
	for k, c := range coords {
		ds.coords[k] = c
	}
	return ds, nil
}

// uniqueSorted returns the distinct values of vals in ascending order and
// the position of each value within them
func uniqueSorted(vals []float64) ([]float64, []int) {
	set := map[float64]bool{}
	var labels []float64
	for _, v := range vals {
		if !set[v] {
			set[v] = true
			labels = append(labels, v)
		}
	}
	sort.Float64s(labels)
	if labels == nil {
		labels = []float64{}
	}
	at := make(map[float64]int, len(labels))
	for i, l := range labels {
		at[l] = i
	}
	pos := make([]int, len(vals))
	for i, v := range vals {
		pos[i] = at[v]
	}
	return labels, pos
}
