package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/metrics"
	"github.com/cuongbtq/genjob/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts consuming the job queue under the worker id. QoS is
// applied by the rabbitmq client when it declares the channel.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.queue.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the pool. It
// returns false when the delivery channel closes.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	w.logger.Info("Message dispatcher started", slog.String("worker_id", w.workerID))

	for {
		var (
			delivery amqp.Delivery
			ok       bool
		)
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped")
			return true
		case delivery, ok = <-deliveries:
		}
		if !ok {
			w.logger.Warn("RabbitMQ delivery channel closed")
			return false
		}

		msg, err := decodeMessage(delivery.Body)
		if err != nil {
			// dead-lettered when the queue has a dead-letter exchange
			metrics.WorkerJobProcessed("malformed")
			w.logger.Error("Rejecting undecodable message",
				slog.String("error", err.Error()),
				slog.Int("body_size", len(delivery.Body)),
			)
			settle(w.logger, delivery, false, false)
			continue
		}
		msg.DeliveryTag = delivery.DeliveryTag

		select {
		case w.jobsChan <- &task{msg: msg, delivery: delivery}:
		case <-ctx.Done():
			settle(w.logger.With(slog.String("job_id", msg.JobID)), delivery, false, true)
			return true
		}
	}
}

func decodeMessage(body []byte) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return msg, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidPayload, msg.JobID)
	}
	return msg, nil
}
