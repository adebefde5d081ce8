package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// ShapeMismatchError reports a backbone output that does not fit the loaded head: a layer
// reference outside the populated buffer, or a feature map whose shape a transform cannot
// accept. It is fatal for the request and is never retried.
type ShapeMismatchError struct {
	// Layer is the descriptor index that failed, or -1 when the failure is not tied to a layer.
	Layer int
	// Ref is the offending buffer reference, or -1 when the failure is about a shape.
	Ref int
	// Len is the number of populated buffer entries at the time of failure.
	Len int
	// Reason describes the mismatch.
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	if e.Ref >= 0 {
		return fmt.Sprintf("shape mismatch: layer %d references index %d but only %d outputs are populated",
			e.Layer, e.Ref, e.Len)
	}
	if e.Layer >= 0 {
		return fmt.Sprintf("shape mismatch: layer %d: %s", e.Layer, e.Reason)
	}
	return "shape mismatch: " + e.Reason
}

// NewShapeMismatch builds a ShapeMismatchError that is not tied to a layer yet. The executor
// stamps the layer index when the error surfaces from a transform.
func NewShapeMismatch(format string, args ...interface{}) error {
	return &ShapeMismatchError{
		Layer:  -1,
		Ref:    -1,
		Reason: fmt.Sprintf(format, args...),
	}
}

// IsShapeMismatch reports whether err, or anything it wraps, is a ShapeMismatchError.
func IsShapeMismatch(err error) bool {
	var sme *ShapeMismatchError
	return errors.As(err, &sme)
}

func outOfRange(layer, ref, populated int) error {
	return &ShapeMismatchError{
		Layer: layer,
		Ref:   ref,
		Len:   populated,
	}
}
