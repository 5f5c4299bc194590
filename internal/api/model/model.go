package model

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GenerationJob is one row of generation_jobs
type GenerationJob struct {
	JobID       string          `db:"job_id"`
	ModelID     string          `db:"model_id"`
	Prompt      string          `db:"prompt"`
	NumOutputs  int             `db:"num_outputs"`
	InputImage  []byte          `db:"input_image"`
	InputMIME   string          `db:"input_mime"`
	Status      string          `db:"status"`
	Progress    int             `db:"progress"`
	Message     string          `db:"message"`
	Results     json.RawMessage `db:"results"`
	Error       string          `db:"error"`
	Attempts    int             `db:"attempts"`
	WorkerID    string          `db:"worker_id"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
	HeartbeatAt sql.NullTime    `db:"heartbeat_at"`
	FinishedAt  sql.NullTime    `db:"finished_at"`
}

// Result is one stored generation output
type Result struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// DecodeResults parses the results column
func (j *GenerationJob) DecodeResults() ([]Result, error) {
	if len(j.Results) == 0 {
		return nil, nil
	}
	var out []Result
	if err := json.Unmarshal(j.Results, &out); err != nil {
		return nil, fmt.Errorf("failed to decode results of job %s: %w", j.JobID, err)
	}
	return out, nil
}
