package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/generation"
	"github.com/cuongbtq/genjob/internal/metrics"
	"github.com/cuongbtq/genjob/internal/worker"
	"github.com/cuongbtq/genjob/internal/worker/storage"
	"github.com/cuongbtq/genjob/shared/logger"
	"github.com/cuongbtq/genjob/shared/postgresql"
	"github.com/cuongbtq/genjob/shared/rabbitmq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	metricsAddr := flag.String("metrics-addr", ":9091", "Address for the Prometheus endpoint, empty to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.MustRegister()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, appLogger.Logger)
	}

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	providers, err := generation.NewProviders(ctx, cfg.Generation, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize generation providers: %w", err)
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Storage:           storage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		Queue:             rabbitClient,
		Generator:         generation.NewService(generation.NewCatalog(cfg.Generation.Models), providers, appLogger.Logger),
		QueueName:         cfg.RabbitMQ.Queue.Name,
		Concurrency:       cfg.Worker.Concurrency,
		MaxRetries:        cfg.Worker.MaxRetries,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		JobRetention:      cfg.Worker.JobRetention,
		JanitorInterval:   cfg.Worker.JanitorInterval,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error", slog.Any("error", err))
		cancel()
		workerInstance.Stop()
		return err
	}

	// cancelling ctx releases in-flight jobs back to the queue
	cancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics endpoint stopped", slog.Any("error", err))
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		AddSource:  cfg.EnableCaller,
		TimeFormat: time.RFC3339,
		Service:    "genjob-worker-service",
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

// initRabbitMQ connects the job consumer
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
		Prefetch: cfg.Consumer.PrefetchCount,
	}, logger)
}
