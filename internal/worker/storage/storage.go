package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/generation"
	"github.com/cuongbtq/genjob/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimJob moves a pending job to processing using optimistic locking.
// A job that is missing or not pending yields ErrJobAlreadyClaimed.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    worker_id = $2,
		    attempts = attempts + 1,
		    progress = $3,
		    message = $4,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $5
		  AND status = $6
		RETURNING job_id, model_id, prompt, num_outputs, input_image, input_mime, attempts
	`

	var job domain.Job
	err := s.db.QueryRowxContext(ctx, query,
		domain.JobStatusProcessing, workerID, domain.ProgressClaimed, domain.MessageCallingAPI,
		jobID, domain.JobStatusPending,
	).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("model_id", job.ModelID),
		slog.Int("attempt", job.Attempts),
	)

	return &job, nil
}

// CompleteJob stores the results of a finished job
func (s *Storage) CompleteJob(ctx context.Context, jobID string, results []generation.Result) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	query := `
		UPDATE generation_jobs
		SET status = $1, progress = $2, message = $3, results = $4, error = '',
		    updated_at = NOW(), finished_at = NOW()
		WHERE job_id = $5
	`
	if _, err := s.db.ExecContext(ctx, query,
		domain.JobStatusCompleted, domain.ProgressDone, domain.MessageDone, data, jobID,
	); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", domain.JobStatusCompleted),
	)
	return nil
}

// FailJob marks a job failed with a message the client will show
func (s *Storage) FailJob(ctx context.Context, jobID, errorMsg string) error {
	query := `
		UPDATE generation_jobs
		SET status = $1, message = $2, error = $2, updated_at = NOW(), finished_at = NOW()
		WHERE job_id = $3
	`
	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errorMsg, jobID); err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", domain.JobStatusFailed),
	)
	return nil
}

// ReleaseJob returns a processing job to pending so a redelivery can claim it
func (s *Storage) ReleaseJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE generation_jobs
		SET status = $1, progress = 0, message = $2, worker_id = '', updated_at = NOW()
		WHERE job_id = $3 AND status = $4
	`
	if _, err := s.db.ExecContext(ctx, query,
		domain.JobStatusPending, domain.MessageRetrying, jobID, domain.JobStatusProcessing,
	); err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// UpdateJobHeartbeat updates the heartbeat_at timestamp for a processing job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE generation_jobs
		SET heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// FailStaleJobs fails processing jobs whose heartbeat is older than cutoff
func (s *Storage) FailStaleJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE generation_jobs
		SET status = $1, message = $2, error = $2, updated_at = NOW(), finished_at = NOW()
		WHERE status = $3 AND heartbeat_at < $4
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusFailed, domain.MessageWorkerLost, domain.JobStatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale jobs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFinishedBefore removes finished jobs older than cutoff
func (s *Storage) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM generation_jobs
		WHERE finished_at IS NOT NULL AND finished_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return result.RowsAffected()
}
