package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "genjob", cfg.Database.Database)
				assert.Equal(t, "generation_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "generation_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "genjob-api-service", cfg.App.Name)
				assert.Equal(t, "http://localhost:8080", cfg.Tracker.BackendURL)
				assert.Equal(t, MediumSQLite, cfg.Tracker.Store.Medium)
				assert.Equal(t, 3, cfg.Tracker.MaxInFlight)
				assert.Equal(t, 2*time.Second, cfg.Tracker.Submit.PollInterval)
				require.Len(t, cfg.Generation.Models, 1)
				assert.Equal(t, "stable_video", cfg.Generation.Models[0].ID)
			}
		})
	}
}

// validServiceConfig returns a config both services accept
func validServiceConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, Database: "genjob"},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "genjob"},
			Queue:    QueueConfig{Name: "generation_jobs"},
		},
		Generation: GenerationConfig{
			SyncTimeout: 2 * time.Minute,
			Models:      []ModelConfig{{ID: "stable_video"}, {ID: "gpt_image"}},
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			MaxRetries:        2,
			JobTimeout:        5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			JobRetention:      10 * time.Minute,
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "server port too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port: 0"},
		{name: "server port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port: 70000"},
		{name: "database port", mutate: func(c *Config) { c.Database.Port = -1 }, errString: "invalid database port"},
		{name: "rabbitmq port", mutate: func(c *Config) { c.RabbitMQ.Port = 0 }, errString: "invalid rabbitmq port"},
		{name: "database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{name: "negative sync timeout", mutate: func(c *Config) { c.Generation.SyncTimeout = -time.Second }, errString: "sync_timeout must not be negative"},
		{
			name:      "model without id",
			mutate:    func(c *Config) { c.Generation.Models = append(c.Generation.Models, ModelConfig{Name: "x"}) },
			errString: "generation model 2: id is required",
		},
		{
			name:      "duplicate model",
			mutate:    func(c *Config) { c.Generation.Models[1].ID = "stable_video" },
			errString: `generation model "stable_video" is listed twice`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validServiceConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("GENJOB_TEST_GEMINI_KEY", "gemini-secret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "gemini-secret", cfg.Generation.Gemini.APIKey)
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "server port is not checked", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "worker concurrency must be greater than 0"},
		{name: "negative retries", mutate: func(c *Config) { c.Worker.MaxRetries = -1 }, errString: "worker max_retries must not be negative"},
		{name: "missing job timeout", mutate: func(c *Config) { c.Worker.JobTimeout = 0 }, errString: "worker job_timeout must be greater than 0"},
		{name: "missing heartbeat", mutate: func(c *Config) { c.Worker.HeartbeatInterval = 0 }, errString: "worker heartbeat_interval must be greater than 0"},
		{name: "missing shutdown timeout", mutate: func(c *Config) { c.Worker.ShutdownTimeout = 0 }, errString: "worker shutdown_timeout must be greater than 0"},
		{name: "negative retention", mutate: func(c *Config) { c.Worker.JobRetention = -time.Second }, errString: "worker job_retention must not be negative"},
		{name: "backends still required", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validServiceConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateTrackerConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    *Config
		wantErr   bool
		errString string
	}{
		{
			name: "defaults with backend url",
			config: &Config{
				Tracker: TrackerConfig{BackendURL: "http://localhost:8080"},
			},
		},
		{
			name:      "missing backend url",
			config:    &Config{},
			wantErr:   true,
			errString: "tracker backend_url is required",
		},
		{
			name: "unknown medium",
			config: &Config{
				Tracker: TrackerConfig{
					BackendURL: "http://localhost:8080",
					Store:      StoreConfig{Medium: "floppy"},
				},
			},
			wantErr:   true,
			errString: "unknown tracker store medium",
		},
		{
			name: "redis medium without address",
			config: &Config{
				Tracker: TrackerConfig{
					BackendURL: "http://localhost:8080",
					Store:      StoreConfig{Medium: MediumRedis},
				},
			},
			wantErr:   true,
			errString: "requires store.redis.addr",
		},
		{
			name: "postgres medium without database",
			config: &Config{
				Tracker: TrackerConfig{
					BackendURL: "http://localhost:8080",
					Store:      StoreConfig{Medium: MediumPostgres},
				},
			},
			wantErr:   true,
			errString: "requires database host and name",
		},
		{
			name: "deadline shorter than poll interval",
			config: &Config{
				Tracker: TrackerConfig{
					BackendURL: "http://localhost:8080",
					Submit: SubmitConfig{
						PollInterval: 5 * time.Second,
						Deadline:     time.Second,
					},
				},
			},
			wantErr:   true,
			errString: "deadline must be at least one poll interval",
		},
		{
			name: "sweep interval longer than retention",
			config: &Config{
				Tracker: TrackerConfig{
					BackendURL:    "http://localhost:8080",
					Retention:     time.Minute,
					SweepInterval: time.Hour,
				},
			},
			wantErr:   true,
			errString: "sweep_interval must not exceed retention",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.ValidateTrackerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTrackerConfig_WithDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		got := TrackerConfig{}.WithDefaults()

		assert.Equal(t, 3, got.MaxInFlight)
		assert.Equal(t, 24*time.Hour, got.Retention)
		assert.Equal(t, 5*time.Minute, got.SweepInterval)
		assert.Equal(t, MediumSQLite, got.Store.Medium)
		assert.Equal(t, "generationState", got.Store.Key)
		assert.Equal(t, 2*time.Second, got.Submit.PollInterval)
		assert.Equal(t, 10*time.Minute, got.Submit.Deadline)
		assert.Equal(t, 3*time.Second, got.Recovery.PollInterval)
		assert.Equal(t, 5*time.Minute, got.Recovery.RecentWindow)
		assert.Equal(t, time.Second, got.Recovery.ElapsedInterval)
	})

	t.Run("explicit values are kept", func(t *testing.T) {
		got := TrackerConfig{
			MaxInFlight: 5,
			Store:       StoreConfig{Medium: MediumRedis, Key: "k"},
			Recovery:    RecoveryConfig{ElapsedInterval: -1},
		}.WithDefaults()

		assert.Equal(t, 5, got.MaxInFlight)
		assert.Equal(t, MediumRedis, got.Store.Medium)
		assert.Equal(t, "k", got.Store.Key)
		assert.Equal(t, time.Duration(-1), got.Recovery.ElapsedInterval)
	})
}
