package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned by JobStatus on HTTP 404
	ErrJobNotFound = errors.New("job not found")

	// ErrJobRejected is returned by JobStatus on any other 4xx. Pollers stop
	// tracking the job; asking again gets the same answer.
	ErrJobRejected = errors.New("job status rejected")

	// ErrModelNotFound is returned by ModelInfo on HTTP 404
	ErrModelNotFound = errors.New("model not found")
)

// APIError is a non-success response carrying the backend's error message
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// TransportError is a network or decoding failure talking to the backend.
// Pollers treat it as transient.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransportError
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
