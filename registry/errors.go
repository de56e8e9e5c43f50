package registry

import "errors"

var (
	// ErrModelNotFound means no classifier artifact exists for the subject.
	ErrModelNotFound = errors.New("model not found")
	// ErrModelUnavailable means an artifact exists but cannot be loaded,
	// either because its runtime is missing or because it is corrupt.
	ErrModelUnavailable = errors.New("model unavailable")
)
