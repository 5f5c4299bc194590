package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
		slog.String("worker_id", w.workerID),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))

	for {
		select {
		case <-w.stopChan:
			logger.Debug("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping - context canceled")
			return

		case t := <-w.jobsChan:
			w.handleTask(ctx, logger, t)
		}
	}
}

// handleTask runs one job and settles its delivery
func (w *Worker) handleTask(ctx context.Context, logger *slog.Logger, t *task) {
	logger = logger.With(slog.String("job_id", t.msg.JobID))
	logger.Info("Worker received job", slog.Uint64("delivery_tag", t.msg.DeliveryTag))

	err := w.processJob(ctx, &t.msg)
	if err == nil {
		settle(logger, t.delivery, true, false)
		return
	}

	requeue := shouldRequeueJob(err)
	attrs := []any{slog.String("error", err.Error()), slog.Bool("requeue", requeue)}
	var rq *domain.RequeueError
	if errors.As(err, &rq) {
		attrs = append(attrs, slog.String("stage", rq.Stage))
	}
	logger.Warn("Job not completed", attrs...)
	settle(logger, t.delivery, false, requeue)
}

// settle acks or nacks a single delivery, logging a failed settlement
func settle(logger *slog.Logger, d amqp.Delivery, ack, requeue bool) {
	var err error
	if ack {
		err = d.Ack(false)
	} else {
		err = d.Nack(false, requeue)
		logger.Debug("Delivery nacked",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Bool("requeue", requeue),
		)
	}
	if err != nil {
		logger.Error("Failed to settle delivery",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Bool("ack", ack),
			slog.String("error", err.Error()),
		)
	}
}

// shouldRequeueJob reports whether a failed delivery goes back on the queue.
// Terminal errors win over a RequeueError further down the chain.
func shouldRequeueJob(err error) bool {
	switch {
	case errors.Is(err, domain.ErrJobAlreadyClaimed),
		errors.Is(err, domain.ErrInvalidPayload):
		return false
	}
	var rq *domain.RequeueError
	return errors.As(err, &rq)
}
