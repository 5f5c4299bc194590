package domain

import "errors"

var (
	// ErrJobAlreadyClaimed means the row is gone or another worker owns it
	ErrJobAlreadyClaimed = errors.New("job already claimed or not pending")

	// ErrInvalidPayload marks a queue message that cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Stages at which a job can be handed back to the queue
const (
	StageClaim    = "claim"
	StageShutdown = "shutdown"
	StageExecute  = "execute"
)

// RequeueError returns the delivery to the queue for another attempt
type RequeueError struct {
	Stage string
	Err   error
}

func (e *RequeueError) Error() string {
	return "requeue after " + e.Stage + ": " + e.Err.Error()
}

func (e *RequeueError) Unwrap() error { return e.Err }

// Requeue wraps err as a RequeueError raised at stage
func Requeue(stage string, err error) error {
	return &RequeueError{Stage: stage, Err: err}
}
