package jobstore

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity matches any *CapacityError
	ErrCapacity = errors.New("in-flight job limit reached")

	// ErrNoState is returned by a Medium when nothing is stored under the key
	ErrNoState = errors.New("no stored state")

	// ErrNotLoaded is logged when a mutation is refused because the
	// persisted blob has not been read yet
	ErrNotLoaded = errors.New("persisted state not loaded")

	errCorruptState = errors.New("corrupt stored state")
)

// CapacityError is returned by Start when the in-flight limit is reached
type CapacityError struct {
	Limit    int
	InFlight int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%d of %d generations already running, wait for one to finish", e.InFlight, e.Limit)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// StoreIOError describes a failed read or write of the persisted blob.
// It is logged, never returned from store operations.
type StoreIOError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("job store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreIOError) Unwrap() error {
	return e.Err
}
