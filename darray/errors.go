package darray

import (
	"fmt"

	"github.com/qri-io/lazyarray/chunk"
)

// AlignmentError reports inputs whose block boundaries or sizes along a
// dimension are incompatible, when no realignment was requested.
type AlignmentError struct {
	Dim    string
	Reason string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("cannot align dimension %q: %s", e.Dim, e.Reason)
}

// InferenceError reports that output metadata could not be inferred by
// probing the function with zero-sized inputs, or that the inferred
// metadata disagrees with what the function actually returned.
type InferenceError struct {
	Label string
	Err   error
}

func (e *InferenceError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("inferring output metadata: %s", e.Err)
	}
	return fmt.Sprintf("inferring output metadata of %q: %s", e.Label, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ShapeMismatchError reports a realized block whose shape differs from the
// shape its position in the block grid requires.
type ShapeMismatchError struct {
	Label  string
	Index  []int
	Output int
	Got    []int
	Want   []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("block (%s) of %q output %d has shape %v, want %v",
		chunk.IndexString(e.Index), e.Label, e.Output, e.Got, e.Want)
}
