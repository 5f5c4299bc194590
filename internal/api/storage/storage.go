package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/genjob/internal/api/domain"
	"github.com/cuongbtq/genjob/internal/api/model"
	"github.com/cuongbtq/genjob/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) CreateJob(ctx context.Context, job *model.GenerationJob) error {
	query := `
		INSERT INTO generation_jobs (
			job_id, model_id, prompt, num_outputs,
			input_image, input_mime, status, progress,
			message, results, created_at, updated_at
		) VALUES (
			:job_id, :model_id, :prompt, :num_outputs,
			:input_image, :input_mime, :status, :progress,
			:message, :results, :created_at, :updated_at
		)
	`

	if len(job.Results) == 0 {
		job.Results = []byte("[]")
	}

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	query := `
		SELECT
			job_id, model_id, prompt, num_outputs,
			input_mime, status, progress, message,
			results, error, attempts, worker_id,
			created_at, updated_at, heartbeat_at, finished_at
		FROM generation_jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// MarkFailed finishes a job that could not be queued
func (s *Storage) MarkFailed(ctx context.Context, jobID, message string) error {
	query := `
		UPDATE generation_jobs
		SET status = $2, error = $3, message = $3, updated_at = $4, finished_at = $4
		WHERE job_id = $1
	`

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusFailed, message, now); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return nil
}
