package payload

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeserializationError reports an upload that is not a readable backbone payload. It is
// fatal for the request.
type DeserializationError struct {
	Reason string
	Err    error
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deserialization: %s: %v", e.Reason, e.Err)
	}
	return "deserialization: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *DeserializationError) Unwrap() error {
	return e.Err
}

func deserialization(err error, format string, args ...interface{}) error {
	return &DeserializationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsDeserialization reports whether err, or anything it wraps, is a DeserializationError.
func IsDeserialization(err error) bool {
	var de *DeserializationError
	return errors.As(err, &de)
}
