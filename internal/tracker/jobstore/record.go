package jobstore

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of an in-flight job
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further status change is expected
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Result describes one generated item
type Result struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// FileMeta summarizes an attached file. Raw bytes are never persisted.
type FileMeta struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// RequestSnapshot is the serializable copy of a submitted form
type RequestSnapshot struct {
	Fields map[string]string `json:"fields,omitempty"`
	Files  []FileMeta        `json:"files,omitempty"`
}

func (r RequestSnapshot) clone() RequestSnapshot {
	return RequestSnapshot{
		Fields: maps.Clone(r.Fields),
		Files:  slices.Clone(r.Files),
	}
}

// JobRecord is an in-flight job
type JobRecord struct {
	ID                  string          `json:"id"`
	ModelID             string          `json:"modelId"`
	Prompt              string          `json:"prompt"`
	StartedAt           time.Time       `json:"startedAt"`
	Status              Status          `json:"status"`
	ExpectedOutputCount int             `json:"expectedOutputCount"`
	RequestSnapshot     RequestSnapshot `json:"requestSnapshot"`
	LastUpdatedAt       time.Time       `json:"lastUpdatedAt"`

	// BackendJobID is set once the backend accepted an async job
	BackendJobID string `json:"backendJobId,omitempty"`
	Progress     int    `json:"progress,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (r JobRecord) clone() JobRecord {
	r.RequestSnapshot = r.RequestSnapshot.clone()
	return r
}

// FinishedRecord is a job that completed successfully
type FinishedRecord struct {
	ID          string    `json:"id"`
	ModelID     string    `json:"modelId"`
	Prompt      string    `json:"prompt"`
	Results     []Result  `json:"results"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
}

func (r FinishedRecord) clone() FinishedRecord {
	r.Results = slices.Clone(r.Results)
	return r
}

// State is the persisted blob layout
type State struct {
	ActiveGenerations    map[string]JobRecord      `json:"activeGenerations"`
	CompletedGenerations map[string]FinishedRecord `json:"completedGenerations"`
	LastCleanup          time.Time                 `json:"lastCleanup"`
}

func newState() State {
	return State{
		ActiveGenerations:    make(map[string]JobRecord),
		CompletedGenerations: make(map[string]FinishedRecord),
	}
}

func (s State) clone() State {
	next := State{
		ActiveGenerations:    make(map[string]JobRecord, len(s.ActiveGenerations)),
		CompletedGenerations: make(map[string]FinishedRecord, len(s.CompletedGenerations)),
		LastCleanup:          s.LastCleanup,
	}
	for id, r := range s.ActiveGenerations {
		next.ActiveGenerations[id] = r.clone()
	}
	for id, r := range s.CompletedGenerations {
		next.CompletedGenerations[id] = r.clone()
	}
	return next
}

// StartConfig describes a job about to be submitted
type StartConfig struct {
	ModelID             string
	Prompt              string
	ExpectedOutputCount int
	Snapshot            RequestSnapshot
}

// Patch holds fields merged into an in-flight record by Update. Zero values are ignored.
type Patch struct {
	BackendJobID string
	Progress     int
	Message      string
}

// Entry is the result of a lookup across both maps
type Entry struct {
	InFlight *JobRecord
	Finished *FinishedRecord
}

// SweepReport lists the ids removed by a sweep
type SweepReport struct {
	InFlight []string
	Finished []string
}

// Total returns the number of removed records
func (r SweepReport) Total() int {
	return len(r.InFlight) + len(r.Finished)
}
