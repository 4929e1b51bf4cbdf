package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/qri-io/lazyarray/ndarray"
)

// Dtype is a simple zarr data type, written as a NumPy array protocol type
// string. The format consists of 3 parts:
//   - One character describing the byteorder of the data:
//     "<": little-endian; ">": big-endian; "|": not-relevant
//   - One character code giving the basic type of the array:
//     "b": boolean, "i": integer, "u": unsigned integer, "f": floating point,
//     "c": complex, "m": timedelta, "M": datetime, "S": string,
//     "U": unicode, "V": other
//   - An integer specifying the number of bytes the type uses
//
// Only boolean, integer and floating point types can be read into arrays.
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
	Units     string
}

var (
	_ json.Unmarshaler = (*Dtype)(nil)
	_ json.Marshaler   = (*Dtype)(nil)
)

func ParseDtype(s string) (dt Dtype, err error) {
	// python writers sometimes HTML-escape the byte order
	s = strings.Replace(s, "&lt;", "<", 1)
	s = strings.Replace(s, "&gt;", ">", 1)

	if len(s) < 3 {
		return dt, fmt.Errorf("invalid dtype string. %q is too short", s)
	}

	boByte, s := s[0], s[1:]
	if dt.ByteOrder, err = ParseByteOrder(rune(boByte)); err != nil {
		return dt, err
	}

	typeByte, s := s[0], s[1:]
	if dt.BasicType, err = ParseBasicType(rune(typeByte)); err != nil {
		return dt, err
	}

	sizeStr := s
	if i := strings.IndexByte(s, '['); i >= 0 {
		sizeStr, dt.Units = s[:i], s[i:]
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return dt, fmt.Errorf("invalid dtype size %q: %w", sizeStr, err)
	}
	dt.ByteSize = size
	return dt, nil
}

func (dt Dtype) String() string {
	return fmt.Sprintf("%s%s%d%s", string(dt.ByteOrder), string(dt.BasicType), dt.ByteSize, dt.Units)
}

func (dt Dtype) MarshalJSON() ([]byte, error) {
	return json.Marshal(dt.String())
}

func (dt *Dtype) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return fmt.Errorf("dtype must be a string: %w", err)
	}
	t, err := ParseDtype(s)
	if err != nil {
		return err
	}
	*dt = t
	return nil
}

// DtypeOf is the little-endian zarr type of an array element type
func DtypeOf(dt ndarray.DType) (Dtype, error) {
	switch dt {
	case ndarray.Bool:
		return Dtype{ByteOrder: BONotRelevant, BasicType: BTBoolean, ByteSize: 1}, nil
	case ndarray.Int32, ndarray.Int64:
		return Dtype{ByteOrder: BOLittleEndian, BasicType: BTInteger, ByteSize: dt.ItemSize()}, nil
	case ndarray.Float32, ndarray.Float64:
		return Dtype{ByteOrder: BOLittleEndian, BasicType: BTFloatingPoint, ByteSize: dt.ItemSize()}, nil
	}
	return Dtype{}, fmt.Errorf("no zarr type for %s", dt)
}

// NDType is the element type values of dt are read into. Narrow integers
// widen to the nearest type that holds them.
func (dt Dtype) NDType() (ndarray.DType, error) {
	switch {
	case dt.BasicType == BTBoolean && dt.ByteSize == 1:
		return ndarray.Bool, nil
	case dt.BasicType == BTInteger && dt.ByteSize <= 4,
		dt.BasicType == BTUnsigned && dt.ByteSize <= 2:
		return ndarray.Int32, nil
	case dt.BasicType == BTInteger && dt.ByteSize == 8,
		dt.BasicType == BTUnsigned && dt.ByteSize == 4:
		return ndarray.Int64, nil
	case dt.BasicType == BTFloatingPoint && dt.ByteSize == 4:
		return ndarray.Float32, nil
	case dt.BasicType == BTFloatingPoint && dt.ByteSize == 8:
		return ndarray.Float64, nil
	}
	return ndarray.Invalid, fmt.Errorf("unsupported zarr dtype %s (%s)", dt, dt.BasicType.Human())
}

func (dt Dtype) order() binary.ByteOrder {
	if dt.ByteOrder == BOBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decode reads n elements of dt from r
func (dt Dtype) decode(r io.Reader, n int) (*ndarray.Array, error) {
	bo := dt.order()
	var raw interface{}
	switch dt.BasicType {
	case BTBoolean:
		raw = make([]bool, n)
	case BTInteger:
		switch dt.ByteSize {
		case 1:
			raw = make([]int8, n)
		case 2:
			raw = make([]int16, n)
		case 4:
			raw = make([]int32, n)
		case 8:
			raw = make([]int64, n)
		}
	case BTUnsigned:
		switch dt.ByteSize {
		case 1:
			raw = make([]uint8, n)
		case 2:
			raw = make([]uint16, n)
		case 4:
			raw = make([]uint32, n)
		}
	case BTFloatingPoint:
		switch dt.ByteSize {
		case 4:
			raw = make([]float32, n)
		case 8:
			raw = make([]float64, n)
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("unsupported zarr dtype %s", dt)
	}
	if err := binary.Read(r, bo, raw); err != nil {
		return nil, fmt.Errorf("decoding %d %s values: %w", n, dt, err)
	}

	var data interface{}
	switch v := raw.(type) {
	case []int8:
		data = widen[int8, int32](v)
	case []int16:
		data = widen[int16, int32](v)
	case []uint8:
		data = widen[uint8, int32](v)
	case []uint16:
		data = widen[uint16, int32](v)
	case []uint32:
		data = widen[uint32, int64](v)
	default:
		data = raw
	}
	return ndarray.FromSlice(data, n)
}

func widen[S int8 | int16 | uint8 | uint16 | uint32, D int32 | int64](src []S) []D {
	out := make([]D, len(src))
	for i, v := range src {
		out[i] = D(v)
	}
	return out
}

type ByteOrder rune

func ParseByteOrder(r rune) (ByteOrder, error) {
	o := ByteOrder(r)
	if _, ok := byteOrders[o]; !ok {
		return o, fmt.Errorf("unsupported byte order format: %q", r)
	}
	return o, nil
}

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

var byteOrders = map[ByteOrder]struct{}{
	BONotRelevant:  {},
	BOLittleEndian: {},
	BOBigEndian:    {},
}

type BasicType rune

func ParseBasicType(r rune) (BasicType, error) {
	t := BasicType(r)
	if _, ok := basicTypeNames[t]; !ok {
		return t, fmt.Errorf("unsupported basic type: %q", r)
	}
	return t, nil
}

func (bt BasicType) Human() string {
	return basicTypeNames[bt]
}

const (
	BTBoolean       BasicType = 'b'
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
	BTComplex       BasicType = 'c'
	BTTimedelta     BasicType = 'm'
	BTDatetime      BasicType = 'M'
	BTString        BasicType = 'S'
	BTUnicode       BasicType = 'U'
	BTOther         BasicType = 'V'
)

var basicTypeNames = map[BasicType]string{
	BTBoolean:       "bool",
	BTInteger:       "int",
	BTUnsigned:      "uint",
	BTFloatingPoint: "float",
	BTComplex:       "complex",
	BTTimedelta:     "timedelta",
	BTDatetime:      "datetime",
	BTString:        "string",
	BTUnicode:       "unicode",
	BTOther:         "other",
}
