package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store media supported by the tracker
const (
	MediumMemory   = "memory"
	MediumSQLite   = "sqlite"
	MediumPostgres = "postgres"
	MediumRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Generation GenerationConfig `yaml:"generation"`
	Tracker    TrackerConfig    `yaml:"tracker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration. Rejected deliveries are
// routed to DeadLetterExchange when it is set.
type QueueConfig struct {
	Name               string `yaml:"name"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	Confirm           bool          `yaml:"confirm"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	JobRetention      time.Duration `yaml:"job_retention"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`
}

// GenerationConfig holds generator provider credentials and the model catalog
type GenerationConfig struct {
	SyncTimeout time.Duration `yaml:"sync_timeout"`
	Gemini      GeminiConfig  `yaml:"gemini"`
	OpenAI      OpenAIConfig  `yaml:"openai"`
	Models      []ModelConfig `yaml:"models"`
}

// GeminiConfig holds Gemini API settings
type GeminiConfig struct {
	APIKey            string        `yaml:"api_key"`
	VideoPollInterval time.Duration `yaml:"video_poll_interval"`
}

// OpenAIConfig holds OpenAI API settings
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelConfig describes one catalog entry; it overrides the built-in entry with the same id
type ModelConfig struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Type               string `yaml:"type"`
	Description        string `yaml:"description"`
	Provider           string `yaml:"provider"`
	ProviderModel      string `yaml:"provider_model"`
	MaxOutputs         int    `yaml:"max_outputs"`
	SupportsImageInput bool   `yaml:"supports_image_input"`
}

// TrackerConfig holds the client-side job tracking subsystem configuration
type TrackerConfig struct {
	BackendURL     string         `yaml:"backend_url"`
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	MaxInFlight    int            `yaml:"max_in_flight"`
	Retention      time.Duration  `yaml:"retention"`
	SweepInterval  time.Duration  `yaml:"sweep_interval"`
	Store          StoreConfig    `yaml:"store"`
	Submit         SubmitConfig   `yaml:"submit"`
	Recovery       RecoveryConfig `yaml:"recovery"`
}

// StoreConfig selects the medium backing the durable job store
type StoreConfig struct {
	Medium     string      `yaml:"medium"`
	Key        string      `yaml:"key"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SubmitConfig holds submission client polling settings
type SubmitConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Deadline     time.Duration `yaml:"deadline"`
}

// RecoveryConfig holds recovery coordinator settings
type RecoveryConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	RecentWindow    time.Duration `yaml:"recent_window"`
	ElapsedInterval time.Duration `yaml:"elapsed_interval"`
}

// WithDefaults returns a copy with unset fields filled in
func (t TrackerConfig) WithDefaults() TrackerConfig {
	if t.RequestTimeout <= 0 {
		t.RequestTimeout = 60 * time.Second
	}
	if t.MaxInFlight <= 0 {
		t.MaxInFlight = 3
	}
	if t.Retention <= 0 {
		t.Retention = 24 * time.Hour
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = 5 * time.Minute
	}
	if t.Store.Medium == "" {
		t.Store.Medium = MediumSQLite
	}
	if t.Store.Key == "" {
		t.Store.Key = "generationState"
	}
	if t.Store.SQLitePath == "" {
		t.Store.SQLitePath = "genjob.db"
	}
	if t.Submit.PollInterval <= 0 {
		t.Submit.PollInterval = 2 * time.Second
	}
	if t.Submit.Deadline <= 0 {
		t.Submit.Deadline = 10 * time.Minute
	}
	if t.Recovery.PollInterval <= 0 {
		t.Recovery.PollInterval = 3 * time.Second
	}
	if t.Recovery.RecentWindow <= 0 {
		t.Recovery.RecentWindow = 5 * time.Minute
	}
	// negative disables the elapsed ticker
	if t.Recovery.ElapsedInterval == 0 {
		t.Recovery.ElapsedInterval = time.Second
	}
	return t
}

// Load reads and parses the configuration file.
// ${VAR} references are expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

func checkPort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

// validateBackends checks the postgres and rabbitmq settings both services share
func (c *Config) validateBackends() error {
	switch {
	case c.Database.Host == "":
		return errors.New("database host is required")
	case c.Database.Database == "":
		return errors.New("database name is required")
	case c.RabbitMQ.Host == "":
		return errors.New("rabbitmq host is required")
	case c.RabbitMQ.Exchange.Name == "":
		return errors.New("rabbitmq exchange name is required")
	case c.RabbitMQ.Queue.Name == "":
		return errors.New("rabbitmq queue name is required")
	}
	if err := checkPort("database", c.Database.Port); err != nil {
		return err
	}
	return checkPort("rabbitmq", c.RabbitMQ.Port)
}

// ValidateAPIConfig checks the settings the api service depends on
func (c *Config) ValidateAPIConfig() error {
	if err := checkPort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if c.Generation.SyncTimeout < 0 {
		return errors.New("generation sync_timeout must not be negative")
	}

	seen := make(map[string]bool, len(c.Generation.Models))
	for i, m := range c.Generation.Models {
		if m.ID == "" {
			return fmt.Errorf("generation model %d: id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("generation model %q is listed twice", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	w := c.Worker
	switch {
	case w.Concurrency <= 0:
		return errors.New("worker concurrency must be greater than 0")
	case w.MaxRetries < 0:
		return errors.New("worker max_retries must not be negative")
	case w.JobTimeout <= 0:
		return errors.New("worker job_timeout must be greater than 0")
	case w.HeartbeatInterval <= 0:
		return errors.New("worker heartbeat_interval must be greater than 0")
	case w.ShutdownTimeout <= 0:
		return errors.New("worker shutdown_timeout must be greater than 0")
	case w.JobRetention < 0:
		return errors.New("worker job_retention must not be negative")
	}
	return c.validateBackends()
}

// ValidateTrackerConfig checks the tracker settings after defaults are applied
func (c *Config) ValidateTrackerConfig() error {
	t := c.Tracker.WithDefaults()

	if t.BackendURL == "" {
		return errors.New("tracker backend_url is required")
	}

	switch t.Store.Medium {
	case MediumMemory, MediumSQLite:
	case MediumPostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			return errors.New("tracker postgres medium requires database host and name")
		}
	case MediumRedis:
		if t.Store.Redis.Addr == "" {
			return errors.New("tracker redis medium requires store.redis.addr")
		}
	default:
		return fmt.Errorf("unknown tracker store medium: %q", t.Store.Medium)
	}

	if t.Submit.Deadline < t.Submit.PollInterval {
		return errors.New("tracker submit deadline must be at least one poll interval")
	}

	if t.SweepInterval > t.Retention {
		return errors.New("tracker sweep_interval must not exceed retention")
	}

	return nil
}
