package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/qri-io/lazyarray/chunk"
	"github.com/qri-io/lazyarray/ndarray"
)

type MetaType string

const (
	// MTAttributes stores userland metadata keyed by array name
	MTAttributes MetaType = ".zattrs"
	// MTArray is the key for storing metadata on an array store
	MTArray MetaType = ".zarray"
	// MTGroup is the key for storing group definitions on an array store
	MTGroup MetaType = ".zgroup"
	// MTMetadata is the key for composite metadata
	MTMetadata MetaType = ".zmetadata"
)

// FormatVersion is the storage specification version written and read
const FormatVersion = 2

type MetaTyper interface {
	MetaType() MetaType
}

var metaTypes = map[MetaType]struct{}{
	MTAttributes: {},
	MTArray:      {},
	MTGroup:      {},
}

// relies on the fact that all keynames are 7 characters long
func KeyMetaType(s string) (mt MetaType, ok bool) {
	if len(s) < 7 {
		return mt, false
	}
	mt = MetaType(s[len(s)-7:])
	_, ok = metaTypes[mt]
	return mt, ok
}

type Attributes map[string]interface{}

func (Attributes) MetaType() MetaType { return MTAttributes }

// Arrays can be organized into groups which can also contain other groups.
// A group exists at logical path "foo/bar" if the "foo/bar/.zgroup" key
// exists in the store.
type Group struct {
	ZarrFormat int `json:"zarr_format"`
}

func (Group) MetaType() MetaType { return MTGroup }

// ConsolidatedMetadata gathers every metadata document below a group under
// one key, so a reader needs a single request to learn the hierarchy
type ConsolidatedMetadata struct {
	ConsolidatedFormat int                  `json:"zarr_consolidated_format"`
	Metadata           map[string]MetaTyper `json:"metadata"`
}

type consolidatedMetaDecoder struct {
	ConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata           map[string]json.RawMessage `json:"metadata"`
}

func (m *ConsolidatedMetadata) UnmarshalJSON(d []byte) error {
	cd := consolidatedMetaDecoder{}
	if err := json.Unmarshal(d, &cd); err != nil {
		return err
	}
	cm := ConsolidatedMetadata{
		ConsolidatedFormat: cd.ConsolidatedFormat,
		Metadata:           map[string]MetaTyper{},
	}

	for key, data := range cd.Metadata {
		kt, ok := KeyMetaType(key)
		if !ok {
			return fmt.Errorf("invalid consolidated metadata key: %q", key)
		}

		switch kt {
		case MTArray:
			arr := &ArrayMeta{}
			if err := json.Unmarshal(data, arr); err != nil {
				return fmt.Errorf("reading %q metadata: %w", key, err)
			}
			cm.Metadata[key] = arr
		case MTAttributes:
			attr := Attributes{}
			if err := json.Unmarshal(data, &attr); err != nil {
				return fmt.Errorf("reading %q attributes: %w", key, err)
			}
			cm.Metadata[key] = attr
		case MTGroup:
			grp := Group{}
			if err := json.Unmarshal(data, &grp); err != nil {
				return fmt.Errorf("reading %q group: %w", key, err)
			}
			cm.Metadata[key] = grp
		}
	}

	*m = cm
	return nil
}

// Arrays returns the names of arrays directly below the group, sorted
func (m *ConsolidatedMetadata) Arrays() []string {
	var names []string
	for key := range m.Metadata {
		name, ok := strings.CutSuffix(key, "/"+string(MTArray))
		if ok && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Array returns the metadata and attributes stored for the named array
func (m *ConsolidatedMetadata) Array(name string) (*ArrayMeta, Attributes, bool) {
	meta, ok := m.Metadata[name+"/"+string(MTArray)].(*ArrayMeta)
	if !ok {
		return nil, nil, false
	}
	attrs, _ := m.Metadata[name+"/"+string(MTAttributes)].(Attributes)
	return meta, attrs, true
}

// Each array requires essential configuration metadata to be stored,
// enabling correct interpretation of the stored data.
// This metadata is encoded using JSON and stored as the value of the
// ".zarray" key within an array store.
type ArrayMeta struct {
	// An integer defining the version of the storage specification to which
	// the array store adheres.
	ZarrFormat int `json:"zarr_format"`
	// A list of integers defining the length of each dimension of the array.
	Shape []int `json:"shape"`
	// A list of integers defining the length of each dimension of a chunk of
	// the array. All chunks within a Zarr array have the same shape; chunks
	// on the trailing edge are padded with the fill value.
	Chunks []int `json:"chunks"`
	// A string defining the data type for the array.
	Dtype Dtype `json:"dtype"`
	// The primary compression codec, or null if no compressor is to be used.
	Compressor *CompressionMeta `json:"compressor"`
	// A scalar value providing the default value to use for uninitialized
	// portions of the array, or null if no fill_value is to be used.
	// Floating point fill values may be "NaN", "Infinity" or "-Infinity".
	FillValue interface{} `json:"fill_value"`
	// Either "C" or "F", defining the layout of bytes within each chunk of
	// the array. Only "C" (row-major) is supported.
	Order string `json:"order"`
	// Codec configurations applied before compression, or null. Filters are
	// not supported.
	Filters []Filter `json:"filters"`

	// If present, either the string "." or "/" defining the separator placed
	// between the dimensions of a chunk. Defaults to ".", leading to chunk
	// keys of the form "0.0".
	DimensionSeparator string `json:"dimension_separator,omitempty"`
}

func (a ArrayMeta) MetaType() MetaType { return MTArray }

type Filter struct {
	ID     string `json:"id"`
	Delta  string `json:"delta,omitempty"`
	Dtype  string `json:"dtype,omitempty"`
	AsType string `json:"astype,omitempty"`
}

const (
	// Not a Number
	FillValueNaN = "NaN"
	// Infinity
	FillValueInfinity = "Infinity"
	// -Infinity
	FillValueNegativeInfinity = "-Infinity"
)

// NewArrayMeta describes a C-ordered array of dt, chunked by chunks
func NewArrayMeta(shape, chunks []int, dt ndarray.DType, compressor *CompressionMeta) (*ArrayMeta, error) {
	zdt, err := DtypeOf(dt)
	if err != nil {
		return nil, err
	}
	m := &ArrayMeta{
		ZarrFormat: FormatVersion,
		Shape:      append([]int{}, shape...),
		Chunks:     append([]int{}, chunks...),
		Dtype:      zdt,
		Compressor: compressor,
		FillValue:  fillValueOf(dt),
		Order:      "C",
	}
	return m, m.Validate()
}

func fillValueOf(dt ndarray.DType) interface{} {
	switch {
	case dt == ndarray.Bool:
		return false
	case dt.IsFloat():
		return FillValueNaN
	}
	return 0
}

// Validate checks that the metadata describes an array this package can read
func (m *ArrayMeta) Validate() error {
	if m.ZarrFormat != FormatVersion {
		return fmt.Errorf("unsupported zarr_format %d", m.ZarrFormat)
	}
	if len(m.Chunks) != len(m.Shape) {
		return fmt.Errorf("chunks %v do not match %d-d shape %v", m.Chunks, len(m.Shape), m.Shape)
	}
	for i, n := range m.Shape {
		if n < 0 || m.Chunks[i] < 1 {
			return fmt.Errorf("invalid shape %v or chunks %v", m.Shape, m.Chunks)
		}
	}
	if _, err := m.Dtype.NDType(); err != nil {
		return err
	}
	if m.Order != "C" {
		return fmt.Errorf("unsupported order %q", m.Order)
	}
	if len(m.Filters) > 0 {
		return fmt.Errorf("filters are not supported")
	}
	switch m.DimensionSeparator {
	case "", ".", "/":
	default:
		return fmt.Errorf("invalid dimension separator %q", m.DimensionSeparator)
	}
	if m.Compressor != nil {
		if _, err := m.Compressor.format(); err != nil {
			return err
		}
	}
	_, err := m.Fill()
	return err
}

// Fill is the fill value as a float. A null fill value reads as zero.
func (m *ArrayMeta) Fill() (float64, error) {
	switch v := m.FillValue.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		switch v {
		case FillValueNaN:
			return math.NaN(), nil
		case FillValueInfinity:
			return math.Inf(1), nil
		case FillValueNegativeInfinity:
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value %v", m.FillValue)
}

// Grid is the chunking of the stored array with the edge chunks cut to the
// array's shape
func (m *ArrayMeta) Grid() (chunk.Chunks, error) {
	return chunk.Normalize(m.Shape, m.Chunks)
}

// ChunkKey is the store key of a chunk relative to its array
func (m *ArrayMeta) ChunkKey(idx []int) string {
	if len(idx) == 0 {
		return "0"
	}
	sep := m.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	parts := make([]string, len(idx))
	for i, x := range idx {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, sep)
}
