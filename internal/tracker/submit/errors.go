package submit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrGeneration matches any *GenerationError
	ErrGeneration = errors.New("generation failed")

	// ErrTimeout matches any *TimeoutError
	ErrTimeout = errors.New("generation timed out")

	// ErrImageRequired is returned when a model needs an input image and none was attached
	ErrImageRequired = errors.New("model requires an input image")
)

// GenerationError carries the backend's failure message verbatim
type GenerationError struct {
	JobID   string
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	return e.Message
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}

// TimeoutError is returned when an async job outlives the polling deadline.
// The backend may still finish it; the client no longer tracks it.
type TimeoutError struct {
	JobID    string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation did not finish within %s", e.Deadline)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
