package ndarray

import (
	"fmt"
	"math"
)

// DType is the element type of an Array
type DType int

const (
	Invalid DType = iota
	Bool
	Int32
	Int64
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Invalid: "invalid",
	Bool:    "bool",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

func (dt DType) String() string {
	if s, ok := dtypeNames[dt]; ok {
		return s
	}
	return fmt.Sprintf("dtype(%d)", int(dt))
}

// ParseDType is the inverse of DType.String
func ParseDType(s string) (DType, error) {
	for dt, name := range dtypeNames {
		if name == s && dt != Invalid {
			return dt, nil
		}
	}
	return Invalid, fmt.Errorf("unsupported dtype %q", s)
}

// ItemSize is the number of bytes one element occupies
func (dt DType) ItemSize() int {
	switch dt {
	case Bool:
		return 1
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether dt can hold a NaN missing-value sentinel
func (dt DType) IsFloat() bool {
	return dt == Float32 || dt == Float64
}

// Fillable returns the dtype an array must be promoted to before missing
// values can be written into it. Integer and boolean data become Float64.
func (dt DType) Fillable() DType {
	if dt.IsFloat() {
		return dt
	}
	return Float64
}

// Promote returns the smallest dtype both a and b convert to without loss
func Promote(a, b DType) DType {
	if a == b {
		return a
	}
	if a == Invalid {
		return b
	}
	if b == Invalid {
		return a
	}
	if a.IsFloat() || b.IsFloat() {
		if (a == Float32 || a == Bool) && (b == Float32 || b == Bool) {
			return Float32
		}
		return Float64
	}
	if a == Int64 || b == Int64 {
		return Int64
	}
	return Int32
}

// MissingValue is the sentinel used to fill positions absent after alignment
func (dt DType) MissingValue() float64 {
	if dt.IsFloat() {
		return math.NaN()
	}
	return 0
}

// Meta is the zero-sized description of an array used for shape and dtype
// inference: everything about an array except its data and sizes.
type Meta struct {
	DType DType
	NDim  int
}

func (m Meta) String() string {
	return fmt.Sprintf("%s[%dd]", m.DType, m.NDim)
}
