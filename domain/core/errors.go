package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	ErrNotFound    = errors.New("resource not found")
	ErrRunNotFound = fmt.Errorf("%w: run", ErrNotFound)

	ErrNoSamples     = errors.New("no samples evaluated")
	ErrShapeMismatch = errors.New("shape mismatch")
)
