package backend

import (
	"time"

	"github.com/cuongbtq/genjob/internal/tracker/jobstore"
)

// OutputType is the kind of content a model produces
type OutputType string

const (
	OutputImage OutputType = "image"
	OutputVideo OutputType = "video"
)

// ModelInfo is the backend's description of a model
type ModelInfo struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Type               string     `json:"type"`
	Description        string     `json:"description"`
	OutputType         OutputType `json:"output_type"`
	MaxOutputs         int        `json:"max_outputs"`
	SupportsImageInput bool       `json:"supports_image_input"`
	RequiresImage      bool       `json:"requires_image"`
}

// File is an attachment sent with a submission
type File struct {
	FieldName   string // multipart field, "image" when empty
	Name        string
	ContentType string
	Data        []byte
	ModifiedAt  time.Time
}

// SubmitRequest is the body of a sync or async submission
type SubmitRequest struct {
	ModelID    string
	Prompt     string
	NumOutputs int
	Fields     map[string]string
	Files      []File
}

// JobState is the normalized state of a backend job
type JobState string

const (
	JobPending   JobState = "pending"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobStatus is one job-status response
type JobStatus struct {
	JobID    string
	State    JobState
	Progress int
	Message  string
	Results  []jobstore.Result
}

type errorResponse struct {
	Error string `json:"error"`
}

type syncResponse struct {
	Results []jobstore.Result `json:"results"`
}

type asyncResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type statusResponse struct {
	JobID    string            `json:"job_id"`
	Status   string            `json:"status"`
	Progress int               `json:"progress"`
	Message  string            `json:"message"`
	Error    string            `json:"error"`
	Result   *jobstore.Result  `json:"result"`
	Results  []jobstore.Result `json:"results"`
}
