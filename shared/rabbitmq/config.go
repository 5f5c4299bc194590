package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config describes a broker connection and the topology the client owns
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	Heartbeat       time.Duration
	DialTimeout     time.Duration
	ConnectAttempts int
	ConnectInterval time.Duration

	Topology Topology
	Publish  PublishPolicy

	// Prefetch caps unacknowledged deliveries per consumer. 0 is unlimited.
	Prefetch int
}

// URL renders the AMQP connection string
func (c Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	port := c.Port
	if port == 0 {
		port = 5672
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// Topology is the exchange, queue and binding set declared on connect
type Topology struct {
	Exchange           string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool

	Queue           string
	QueueDurable    bool
	QueueAutoDelete bool
	QueueExclusive  bool
	RoutingKey      string

	// DeadLetterExchange receives deliveries rejected without requeue.
	// Empty disables dead-lettering.
	DeadLetterExchange string
}

// DeadLetterQueue is the queue bound to the dead-letter exchange
func (t Topology) DeadLetterQueue() string {
	return t.Queue + ".dead"
}

func (t Topology) queueArgs() amqp.Table {
	if t.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
}

// declarer is the subset of *amqp.Channel used to declare topology
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func (t Topology) declare(ch declarer) error {
	if t.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange %q: %w", t.DeadLetterExchange, err)
		}
		if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(t.DeadLetterQueue(), "", t.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind dead-letter queue: %w", err)
		}
	}

	if err := ch.ExchangeDeclare(t.Exchange, t.ExchangeType, t.ExchangeDurable, t.ExchangeAutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", t.Exchange, err)
	}
	if _, err := ch.QueueDeclare(t.Queue, t.QueueDurable, t.QueueAutoDelete, t.QueueExclusive, false, t.queueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q: %w", t.Queue, err)
	}
	return nil
}

// PublishPolicy controls publisher confirms and retry backoff
type PublishPolicy struct {
	Confirm    bool
	Retries    int
	Delay      time.Duration
	Multiplier float64
}

func (p PublishPolicy) withDefaults() PublishPolicy {
	if p.Retries <= 0 {
		p.Retries = 3
	}
	if p.Delay <= 0 {
		p.Delay = 100 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	return p
}
