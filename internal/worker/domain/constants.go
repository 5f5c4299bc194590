package domain

// Job status constants, shared with the API through the generation_jobs table
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Progress messages written while a job runs
const (
	ProgressClaimed = 25
	ProgressDone    = 100

	MessageCallingAPI = "Calling API..."
	MessageRetrying   = "Retrying after a transient failure"
	MessageDone       = "Generation complete"
	MessageWorkerLost = "worker stopped responding"
)
