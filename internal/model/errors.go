package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotLoaded   = errors.New("model not loaded")
	ErrZeroOutputs = errors.New("model declares zero outputs")
)

// LoadError reports a failure to load a model artifact.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
