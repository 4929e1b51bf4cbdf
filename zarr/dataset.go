package zarr

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/qri-io/lazyarray"
	"github.com/qri-io/lazyarray/darray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
)

// DimensionsAttr is the array attribute naming an array's dimensions, as
// xarray writes it
const DimensionsAttr = "_ARRAY_DIMENSIONS"

// VariablesAttr is the group attribute listing a dataset's variables in
// order. It marks which arrays are variables and which are coordinates.
const VariablesAttr = "_DATASET_VARIABLES"

// RoundTripError reports a stored dataset whose metadata is missing or
// contradicts itself, so it cannot be read back as written
type RoundTripError struct {
	Path   string
	Reason string
	Err    error
}

func (e *RoundTripError) Error() string {
	msg := fmt.Sprintf("dataset %q cannot be read back: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RoundTripError) Unwrap() error { return e.Err }

// WriteOptions controls WriteDataset
type WriteOptions struct {
	// Compressor encodes every chunk; nil stores them raw
	Compressor *CompressionMeta
	// Executor computes and writes the variables' blocks. Nil writes
	// sequentially.
	Executor *graph.Executor
	// Mode is ModeWrite, the default, or ModeWriteFail
	Mode PersistenceMode
}

// WriteDataset stores ds as a group at path. Every variable becomes an
// array whose chunks are its blocks, realigned to a regular grid when they
// are irregular. Each coordinate becomes a 1-D array named after its
// dimension. Blocks are computed and written as tasks of one graph run.
// Consolidated metadata is written last, so a dataset is only visible to
// OpenDataset once it is complete.
func WriteDataset(ctx context.Context, store Store, path string, ds *lazyarray.Dataset, opts WriteOptions) error {
	p, err := NewPath(path)
	if err != nil {
		return err
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeWrite
	}
	if mode != ModeWrite && mode != ModeWriteFail {
		return fmt.Errorf("cannot write a dataset in mode %q", mode)
	}
	if mode == ModeWriteFail {
		ok, err := exists(store, p.Join(string(MTGroup)).String())
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("a group already exists at %q", path)
		}
	}

	coords := ds.Coords()
	dimSet := map[string]bool{}
	for _, d := range ds.Dims() {
		dimSet[d] = true
	}
	for _, name := range ds.Vars() {
		if dimSet[name] {
			return fmt.Errorf("variable %q has the name of a dimension", name)
		}
	}
	if _, ok := ds.Attrs()[VariablesAttr]; ok {
		return fmt.Errorf("dataset attribute %q is reserved", VariablesAttr)
	}

	cm := &ConsolidatedMetadata{ConsolidatedFormat: 1, Metadata: map[string]MetaTyper{}}
	group := Group{ZarrFormat: FormatVersion}
	if err := putJSON(store, p.Join(string(MTGroup)).String(), group); err != nil {
		return err
	}
	attrs := Attributes(ds.Attrs())
	attrs[VariablesAttr] = ds.Vars()
	if err := putJSON(store, p.Join(string(MTAttributes)).String(), attrs); err != nil {
		return err
	}
	cm.Metadata[string(MTGroup)] = group
	cm.Metadata[string(MTAttributes)] = attrs

	dims := make([]string, 0, len(coords))
	for d := range coords {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	for _, d := range dims {
		c := coords[d]
		meta, err := NewArrayMeta(c.Shape(), []int{max(c.Size(), 1)}, c.DType(), opts.Compressor)
		if err != nil {
			return fmt.Errorf("coordinate %q: %w", d, err)
		}
		a, err := Create(store, p.Join(d).String(), meta, Attributes{DimensionsAttr: []string{d}}, ModeWrite)
		if err != nil {
			return err
		}
		if err := a.Write(c); err != nil {
			return fmt.Errorf("coordinate %q: %w", d, err)
		}
		cm.add(d, a)
	}

	var writes []*darray.Array
	for _, name := range ds.Vars() {
		v, _ := ds.Var(name)
		w, a, err := writeLayer(store, p.Join(name), v, opts.Compressor)
		if err != nil {
			return fmt.Errorf("variable %q: %w", name, err)
		}
		writes = append(writes, w)
		cm.add(name, a)
	}
	if _, err := darray.ComputeAll(ctx, opts.Executor, writes...); err != nil {
		return err
	}
	return putJSON(store, p.Join(string(MTMetadata)).String(), cm)
}

func (m *ConsolidatedMetadata) add(name string, a *Array) {
	meta := a.Meta()
	m.Metadata[name+"/"+string(MTArray)] = &meta
	m.Metadata[name+"/"+string(MTAttributes)] = a.Attrs()
}

// writeLayer creates the array for v and returns a layer whose blocks write
// v's blocks as chunks
func writeLayer(store Store, p Path, v *lazyarray.DataArray, compressor *CompressionMeta) (*darray.Array, *Array, error) {
	data := v.Data()
	sizes, regular := data.Chunks().Uniform()
	if !regular {
		sizes = make([]int, data.NDim())
		for d, c := range data.Chunks() {
			sizes[d] = c[0]
		}
		var err error
		if data, err = darray.RechunkSizes(data, sizes); err != nil {
			return nil, nil, err
		}
	}
	chunks := make([]int, len(sizes))
	for i, s := range sizes {
		chunks[i] = max(s, 1)
	}
	meta, err := NewArrayMeta(data.Shape(), chunks, data.DType(), compressor)
	if err != nil {
		return nil, nil, err
	}
	attrs := Attributes(v.Attrs())
	attrs[DimensionsAttr] = v.Dims()
	a, err := Create(store, p.String(), meta, attrs, ModeWrite)
	if err != nil {
		return nil, nil, err
	}

	w, err := darray.Blockwise(func(_ context.Context, info darray.BlockInfo, blocks []*ndarray.Array) ([]*ndarray.Array, error) {
		if err := a.WriteChunk(info.Index, blocks[0]); err != nil {
			return nil, err
		}
		return blocks, nil
	}, v.Dims(), []darray.Arg{{Array: data, Ind: v.Dims()}}, darray.Options{
		Name:  "zarr-write",
		Label: v.Name(),
		Meta:  []ndarray.Meta{data.Meta()},
	})
	if err != nil {
		return nil, nil, err
	}
	return w[0], a, nil
}

// OpenDataset reads the group at path written by WriteDataset, or by any
// writer following xarray's conventions that consolidated its metadata.
// Variables are lazy and keep the stored chunking; coordinates are read
// eagerly. Variables keep the order they were written in; groups from
// other writers list them by name.
func OpenDataset(store Store, path string) (*lazyarray.Dataset, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	fail := func(reason string, err error) error {
		return &RoundTripError{Path: p.String(), Reason: reason, Err: err}
	}

	cm := &ConsolidatedMetadata{}
	if err := getJSON(store, p.Join(string(MTMetadata)).String(), cm); err != nil {
		if errors.Is(err, ErrNotfound) {
			return nil, fail("no consolidated metadata", err)
		}
		return nil, fail("unreadable consolidated metadata", err)
	}
	if _, ok := cm.Metadata[string(MTGroup)]; !ok {
		return nil, fail("metadata describes no group", nil)
	}

	arrays := map[string]*Array{}
	arrayDims := map[string][]string{}
	sizes := map[string]int{}
	for _, name := range cm.Arrays() {
		meta, attrs, _ := cm.Array(name)
		a, err := newArray(store, p.Join(name), ModeRead, meta, attrs.clone())
		if err != nil {
			return nil, fail(fmt.Sprintf("array %q", name), err)
		}
		dims, err := dimensionNames(a.attrs)
		if err != nil {
			return nil, fail(fmt.Sprintf("array %q", name), err)
		}
		if len(dims) != len(meta.Shape) {
			return nil, fail(fmt.Sprintf("array %q names dimensions %v for shape %v", name, dims, meta.Shape), nil)
		}
		for i, d := range dims {
			if n, ok := sizes[d]; ok && n != meta.Shape[i] {
				return nil, fail(fmt.Sprintf("dimension %q has size %d in array %q and %d elsewhere", d, meta.Shape[i], name, n), nil)
			}
			sizes[d] = meta.Shape[i]
		}
		delete(a.attrs, DimensionsAttr)
		arrays[name] = a
		arrayDims[name] = dims
	}

	groupAttrs, _ := cm.Metadata[string(MTAttributes)].(Attributes)
	groupAttrs = groupAttrs.clone()
	varNames, err := variableNames(cm.Arrays(), arrayDims, groupAttrs)
	if err != nil {
		return nil, fail("variables", err)
	}
	delete(groupAttrs, VariablesAttr)

	isVar := map[string]bool{}
	for _, name := range varNames {
		isVar[name] = true
	}
	coords := lazyarray.Coords{}
	for _, name := range cm.Arrays() {
		if isVar[name] {
			continue
		}
		c, err := arrays[name].ReadAll()
		if err != nil {
			return nil, fail(fmt.Sprintf("coordinate %q", name), err)
		}
		coords[name] = c
	}
	if len(varNames) == 0 && len(coords) > 0 {
		return nil, fail("group holds coordinates but no variables", nil)
	}

	vars := make([]*lazyarray.DataArray, 0, len(varNames))
	for _, name := range varNames {
		a := arrays[name]
		own := lazyarray.Coords{}
		for _, d := range arrayDims[name] {
			if c, ok := coords[d]; ok {
				own[d] = c
			}
		}
		v, err := lazyarray.NewDataArray(name, a, arrayDims[name], own, lazyarray.Attrs(a.attrs))
		if err != nil {
			return nil, fail(fmt.Sprintf("variable %q", name), err)
		}
		vars = append(vars, v)
	}

	ds, err := lazyarray.NewDataset(vars, lazyarray.Attrs(groupAttrs), lazyarray.JoinExact)
	if err != nil {
		return nil, fail("variables do not form a dataset", err)
	}
	return ds, nil
}

func (a Attributes) clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// isCoordinate reports whether an array follows the coordinate convention:
// one dimension, named after the array
func isCoordinate(name string, dims []string) bool {
	return len(dims) == 1 && dims[0] == name
}

// variableNames picks the variables out of a group's arrays. A group written
// by WriteDataset lists them; every unlisted array must then be a
// coordinate. Otherwise the variables are the arrays that are not
// coordinates, by name.
func variableNames(arrays []string, arrayDims map[string][]string, groupAttrs Attributes) ([]string, error) {
	if _, ok := groupAttrs[VariablesAttr]; !ok {
		var names []string
		for _, name := range arrays {
			if !isCoordinate(name, arrayDims[name]) {
				names = append(names, name)
			}
		}
		return names, nil
	}

	names, err := attrNames(groupAttrs, VariablesAttr)
	if err != nil {
		return nil, err
	}
	listed := map[string]bool{}
	for _, name := range names {
		dims, ok := arrayDims[name]
		if !ok {
			return nil, fmt.Errorf("%s lists %q, which is not stored", VariablesAttr, name)
		}
		if listed[name] {
			return nil, fmt.Errorf("%s lists %q twice", VariablesAttr, name)
		}
		if isCoordinate(name, dims) {
			return nil, fmt.Errorf("%s lists %q, which is stored as a coordinate", VariablesAttr, name)
		}
		listed[name] = true
	}
	for _, name := range arrays {
		if !listed[name] && !isCoordinate(name, arrayDims[name]) {
			return nil, fmt.Errorf("array %q is neither a listed variable nor a coordinate", name)
		}
	}
	return names, nil
}

func dimensionNames(attrs Attributes) ([]string, error) {
	return attrNames(attrs, DimensionsAttr)
}

func attrNames(attrs Attributes, key string) ([]string, error) {
	raw, ok := attrs[key]
	if !ok {
		return nil, fmt.Errorf("no %s attribute", key)
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		names := make([]string, len(v))
		for i, d := range v {
			s, ok := d.(string)
			if !ok {
				return nil, fmt.Errorf("%s holds %v, not names", key, raw)
			}
			names[i] = s
		}
		return names, nil
	}
	return nil, fmt.Errorf("%s holds %v, not names", key, raw)
}
