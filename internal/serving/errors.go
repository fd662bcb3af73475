package serving

import (
	"errors"
	"fmt"
)

var (
	ErrExecutorClosed = errors.New("executor is closed")
	ErrBatchSize      = fmt.Errorf("batch must contain between 1 and %d requests", MaxBatchSize)
)

// ShapeMismatchError reports input that does not match what the model
// expects. Row is the offending row index, or -1 when the whole request is
// at fault.
type ShapeMismatchError struct {
	Expected int
	Got      int
	Row      int
	Reason   string
}

func (e *ShapeMismatchError) Error() string {
	if e.Row < 0 {
		return "invalid input: " + e.Reason
	}
	if e.Reason != "" {
		return fmt.Sprintf("invalid input at row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("invalid input at row %d: expected %d features, got %d", e.Row, e.Expected, e.Got)
}

// InferenceError wraps any failure raised while the engine ran.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return "prediction failed: " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
