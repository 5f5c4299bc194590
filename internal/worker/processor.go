package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/generation"
	"github.com/cuongbtq/genjob/internal/metrics"
	"github.com/cuongbtq/genjob/internal/worker/domain"
)

// processJob claims a job, runs the generation and records the outcome.
// A nil return acks the delivery; a RequeueError puts it back on the queue.
// A job whose failure was recorded is acked, so only undecodable payloads
// reach the dead-letter queue.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			metrics.WorkerJobProcessed("skipped")
			w.logger.Info("Job skipped", slog.String("job_id", msg.JobID), slog.String("reason", err.Error()))
			return nil
		}
		return domain.Requeue(domain.StageClaim, err)
	}

	logger := w.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("model_id", job.ModelID),
		slog.Int("attempt", job.Attempts),
	)

	results, err := w.execute(ctx, job)

	// status writes must land even when shutdown cancelled ctx
	writeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if updateErr := w.storage.CompleteJob(writeCtx, job.JobID, results); updateErr != nil {
			// the janitor fails the job once its heartbeat goes stale
			logger.Error("Failed to store job results", slog.String("error", updateErr.Error()))
		}
		metrics.WorkerJobProcessed(domain.JobStatusCompleted)
		logger.Info("Job completed", slog.Int("results", len(results)))
		return nil
	}

	if ctx.Err() != nil {
		w.release(writeCtx, logger, job.JobID)
		metrics.WorkerJobProcessed("released")
		return domain.Requeue(domain.StageShutdown, err)
	}

	if isPermanent(err) || job.Attempts > w.maxRetries {
		if updateErr := w.storage.FailJob(writeCtx, job.JobID, failureMessage(err, w.jobTimeout)); updateErr != nil {
			// same as a lost CompleteJob: the janitor fails the stale row
			logger.Error("Failed to update job status to failed", slog.String("error", updateErr.Error()))
		}
		metrics.WorkerJobProcessed(domain.JobStatusFailed)
		logger.Warn("Job failed",
			slog.String("error", err.Error()),
			slog.Bool("retries_exhausted", !isPermanent(err)),
		)
		return nil
	}

	w.release(writeCtx, logger, job.JobID)
	metrics.WorkerJobProcessed("retried")
	logger.Info("Job will be retried",
		slog.Int("max_retries", w.maxRetries),
		slog.String("error", err.Error()),
	)
	return domain.Requeue(domain.StageExecute, err)
}

// execute runs the generation under the job timeout while heartbeating
func (w *Worker) execute(ctx context.Context, job *domain.Job) ([]generation.Result, error) {
	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	heartbeatExited := make(chan struct{})
	go func() {
		defer close(heartbeatExited)
		w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	}()
	defer func() {
		close(heartbeatDone)
		<-heartbeatExited
	}()

	var image *generation.InputImage
	if len(job.InputImage) > 0 {
		image = &generation.InputImage{Data: job.InputImage, MIMEType: job.InputMIME}
	}

	return w.generator.Generate(jobCtx, generation.ModeAsync, job.ModelID, job.Prompt, job.NumOutputs, image)
}

func (w *Worker) release(ctx context.Context, logger *slog.Logger, jobID string) {
	if err := w.storage.ReleaseJob(ctx, jobID); err != nil {
		logger.Error("Failed to release job", slog.String("error", err.Error()))
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.storage.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// isPermanent reports errors a retry cannot fix
func isPermanent(err error) bool {
	return errors.Is(err, generation.ErrUnknownModel) ||
		errors.Is(err, generation.ErrImageRequired) ||
		errors.Is(err, generation.ErrProviderUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func failureMessage(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("generation timed out after %s", timeout)
	}
	return err.Error()
}
