package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned by operations on a client whose connection is gone
var ErrClosed = errors.New("rabbitmq: connection closed")

// Client owns one connection and one channel. Publishing is serialized so
// confirmations line up with the messages that produced them.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel

	publishMu sync.Mutex
	closed    atomic.Bool
}

// NewClient dials the broker, declares the topology and applies QoS
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := c.prepare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	c.conn, c.ch = conn, ch
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	logger.Info("RabbitMQ client ready",
		slog.String("exchange", cfg.Topology.Exchange),
		slog.String("queue", cfg.Topology.Queue),
		slog.Bool("confirm", cfg.Publish.Confirm),
	)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*amqp.Connection, error) {
	attempts := max(c.cfg.ConnectAttempts, 1)
	amqpCfg := amqp.Config{Heartbeat: c.cfg.Heartbeat, Locale: "en_US"}
	if c.cfg.DialTimeout > 0 {
		amqpCfg.Dial = amqp.DefaultDial(c.cfg.DialTimeout)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := amqp.DialConfig(c.cfg.URL(), amqpCfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("RabbitMQ dial failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq dial cancelled: %w", ctx.Err())
		case <-time.After(c.cfg.ConnectInterval):
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

func (c *Client) prepare(ch *amqp.Channel) error {
	if err := c.cfg.Topology.declare(ch); err != nil {
		return err
	}
	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	if c.cfg.Publish.Confirm {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}
	return nil
}

func (c *Client) watch(notify <-chan *amqp.Error) {
	err, ok := <-notify
	c.closed.Store(true)
	if ok && err != nil {
		c.logger.Error("RabbitMQ connection lost", slog.Any("error", err))
	}
}

// Consume starts a manual-ack consumer on the job queue
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if c.ch == nil || c.closed.Load() {
		return nil, ErrClosed
	}

	deliveries, err := c.ch.Consume(c.cfg.Topology.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %q: %w", c.cfg.Topology.Queue, err)
	}

	c.logger.Info("Consuming RabbitMQ queue",
		slog.String("queue", c.cfg.Topology.Queue),
		slog.String("consumer_tag", consumerTag),
	)
	return deliveries, nil
}

// HealthCheck reports whether the connection is still open
func (c *Client) HealthCheck(context.Context) error {
	if c.conn == nil || c.closed.Load() || c.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close shuts the channel and the connection
func (c *Client) Close() error {
	c.closed.Store(true)
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}
	c.logger.Info("RabbitMQ connection closed")
	return nil
}
