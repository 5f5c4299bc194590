package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/genjob/internal/api/handler"
	"github.com/cuongbtq/genjob/internal/api/migrations"
	"github.com/cuongbtq/genjob/internal/api/router"
	"github.com/cuongbtq/genjob/internal/api/storage"
	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/generation"
	"github.com/cuongbtq/genjob/internal/metrics"
	"github.com/cuongbtq/genjob/shared/logger"
	"github.com/cuongbtq/genjob/shared/postgresql"
	"github.com/cuongbtq/genjob/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	skipMigrations := flag.Bool("skip-migrations", false, "Do not apply database migrations on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if !*skipMigrations {
		if err := migrations.Up(dbClient.GetDB().DB, appLogger.Logger); err != nil {
			return err
		}
	}

	rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	providers, err := generation.NewProviders(ctx, cfg.Generation, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize generation providers: %w", err)
	}
	generator := generation.NewService(generation.NewCatalog(cfg.Generation.Models), providers, appLogger.Logger)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupRouter(&handler.Dependencies{
		Logger:      appLogger.Logger,
		Jobs:        storage.NewStorage(dbClient),
		Dispatcher:  rabbitClient,
		Generator:   generator,
		SyncTimeout: cfg.Generation.SyncTimeout,
		Health: map[string]handler.HealthChecker{
			"postgres": dbClient,
			"rabbitmq": rabbitClient,
		},
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Int("providers", len(providers)),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server exited gracefully")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		AddSource:  cfg.EnableCaller,
		TimeFormat: time.RFC3339,
		Service:    "genjob-api-service",
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: 5,
		ConnectInterval: 2 * time.Second,
	}, logger)
}

// initRabbitMQ connects the job publisher
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, rabbitmq.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		VHost:           cfg.VHost,
		Heartbeat:       cfg.Connection.Heartbeat,
		DialTimeout:     cfg.Connection.ConnectionTimeout,
		ConnectAttempts: cfg.Connection.RetryAttempts,
		ConnectInterval: cfg.Connection.RetryInterval,
		Topology: rabbitmq.Topology{
			Exchange:           cfg.Exchange.Name,
			ExchangeType:       cfg.Exchange.Type,
			ExchangeDurable:    cfg.Exchange.Durable,
			ExchangeAutoDelete: cfg.Exchange.AutoDelete,
			Queue:              cfg.Queue.Name,
			QueueDurable:       cfg.Queue.Durable,
			QueueAutoDelete:    cfg.Queue.AutoDelete,
			QueueExclusive:     cfg.Queue.Exclusive,
			RoutingKey:         cfg.RoutingKey,
			DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		},
		Publish: rabbitmq.PublishPolicy{
			Confirm:    cfg.Publish.Confirm,
			Retries:    cfg.Publish.RetryAttempts,
			Delay:      cfg.Publish.RetryInterval,
			Multiplier: cfg.Publish.BackoffMultiplier,
		},
	}, logger)
}
