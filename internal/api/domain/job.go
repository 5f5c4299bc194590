package domain

import (
	"errors"
)

// Job statuses as stored and reported by job-status
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Messages reported by job-status
const (
	MessageCallingAPI = "Calling API..."
	MessageQueued     = "Job submitted and waiting to start"
)

var (
	ErrJobNotFound = errors.New("job not found")
)

// JobMessage is the queue payload announcing a new job
type JobMessage struct {
	JobID   string `json:"job_id"`
	ModelID string `json:"model_id"`
}
