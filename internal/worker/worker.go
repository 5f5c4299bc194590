package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/genjob/internal/generation"
	"github.com/cuongbtq/genjob/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobStorage is the slice of the job table the worker needs
type JobStorage interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string, results []generation.Result) error
	FailJob(ctx context.Context, jobID, errorMsg string) error
	ReleaseJob(ctx context.Context, jobID string) error
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
	FailStaleJobs(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Queue delivers job messages
type Queue interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Generator runs one generation
type Generator interface {
	Generate(ctx context.Context, mode, modelID, prompt string, numOutputs int, image *generation.InputImage) ([]generation.Result, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Storage           JobStorage
	Queue             Queue
	Generator         Generator
	QueueName         string
	Concurrency       int
	MaxRetries        int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	JobRetention      time.Duration
	JanitorInterval   time.Duration
}

// task pairs a decoded message with the delivery that must be acked
type task struct {
	msg      domain.JobMessage
	delivery amqp.Delivery
}

// Worker consumes generation jobs and runs them against the providers
type Worker struct {
	logger            *slog.Logger
	workerID          string
	storage           JobStorage
	queue             Queue
	generator         Generator
	queueName         string
	concurrency       int
	maxRetries        int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	jobRetention      time.Duration
	janitorInterval   time.Duration
	now               func() time.Time

	jobsChan chan *task
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger,
		workerID:          "worker-" + uuid.New().String(),
		storage:           cfg.Storage,
		queue:             cfg.Queue,
		generator:         cfg.Generator,
		queueName:         cfg.QueueName,
		concurrency:       concurrency,
		maxRetries:        cfg.MaxRetries,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		jobRetention:      cfg.JobRetention,
		janitorInterval:   cfg.JanitorInterval,
		now:               time.Now,
		jobsChan:          make(chan *task, concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes jobs until ctx is cancelled or the delivery channel closes
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if w.janitorInterval > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runJanitor(ctx)
		}()
	}

	if !w.startMessageDispatcher(ctx, deliveries) {
		return errors.New("rabbitmq delivery channel closed")
	}
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
