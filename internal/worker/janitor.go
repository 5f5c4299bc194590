package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/metrics"
)

// staleHeartbeats is how many missed heartbeats mark a processing job as lost
const staleHeartbeats = 3

// runJanitor fails abandoned jobs and deletes expired ones on every tick
func (w *Worker) runJanitor(ctx context.Context) {
	w.logger.Info("Starting job janitor",
		slog.Duration("interval", w.janitorInterval),
		slog.Duration("retention", w.jobRetention),
	)
	ticker := time.NewTicker(w.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping job janitor")
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	now := w.now()

	stale, err := w.storage.FailStaleJobs(ctx, now.Add(-staleHeartbeats*w.heartbeatInterval))
	if err != nil {
		w.logger.Error("janitor failed to reap stale jobs", slog.String("error", err.Error()))
	} else if stale > 0 {
		metrics.Swept("stale_jobs", int(stale))
		w.logger.Warn("janitor failed stale jobs", slog.Int64("count", stale))
	}

	if w.jobRetention <= 0 {
		return
	}
	expired, err := w.storage.DeleteFinishedBefore(ctx, now.Add(-w.jobRetention))
	if err != nil {
		w.logger.Error("janitor failed to delete finished jobs", slog.String("error", err.Error()))
		return
	}
	if expired > 0 {
		metrics.Swept("expired_jobs", int(expired))
		w.logger.Info("janitor deleted finished jobs", slog.Int64("count", expired))
	}
}
