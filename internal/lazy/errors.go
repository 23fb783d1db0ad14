package lazy

import (
	"errors"
	"fmt"
)

// ResourceLoadError reports that the runtime could not be constructed.
type ResourceLoadError struct {
	Model string
	Err   error
}

func (e *ResourceLoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Model, e.Err)
}

func (e *ResourceLoadError) Unwrap() error { return e.Err }

// IsResourceLoadError reports whether err is (or wraps) a ResourceLoadError.
func IsResourceLoadError(err error) bool {
	var le *ResourceLoadError
	return errors.As(err, &le)
}

// InferenceError reports a failure inside a loaded runtime.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsInferenceError reports whether err is (or wraps) an InferenceError.
func IsInferenceError(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}
