package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNacked is returned when the broker refuses a confirmed publish
var ErrNacked = errors.New("rabbitmq: publish nacked by broker")

// PublishJSON marshals v and publishes it as a persistent message tagged with
// messageID. Transient failures are retried with exponential backoff.
func (c *Client) PublishJSON(ctx context.Context, messageID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	policy := c.cfg.Publish.withDefaults()
	var lastErr error
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 {
			wait := backoff(policy.Delay, policy.Multiplier, attempt-1)
			c.logger.Warn("Retrying RabbitMQ publish",
				slog.String("message_id", messageID),
				slog.Int("attempt", attempt+1),
				slog.Duration("after", wait),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		lastErr = c.publish(ctx, messageID, body, policy.Confirm)
		if lastErr == nil {
			c.logger.Debug("Published message",
				slog.String("message_id", messageID),
				slog.Int("body_size", len(body)),
			)
			return nil
		}
		if errors.Is(lastErr, ErrClosed) {
			break
		}
	}

	return fmt.Errorf("failed to publish message %s: %w", messageID, lastErr)
}

func (c *Client) publish(ctx context.Context, messageID string, body []byte, confirm bool) error {
	if c.ch == nil || c.closed.Load() {
		return ErrClosed
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	topo := c.cfg.Topology
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, topo.Exchange, topo.RoutingKey, false, false, msg)
	if err != nil {
		return err
	}
	if !confirm || dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// backoff returns base * mult^attempt
func backoff(base time.Duration, mult float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
}
