package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/api/model"
	"github.com/cuongbtq/genjob/internal/generation"
)

// JobRepository persists async generation jobs
type JobRepository interface {
	CreateJob(ctx context.Context, job *model.GenerationJob) error
	GetJobByID(ctx context.Context, jobID string) (*model.GenerationJob, error)
	MarkFailed(ctx context.Context, jobID, message string) error
}

// Dispatcher hands new jobs to the worker queue
type Dispatcher interface {
	PublishJSON(ctx context.Context, messageID string, v any) error
}

// Generator runs generations inline for the sync endpoint
type Generator interface {
	Catalog() *generation.Catalog
	Generate(ctx context.Context, mode, modelID, prompt string, numOutputs int, image *generation.InputImage) ([]generation.Result, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Jobs        JobRepository
	Dispatcher  Dispatcher
	Generator   Generator
	SyncTimeout time.Duration
	Health      map[string]HealthChecker // keyed by dependency name
}

// JobHandler handles generation HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	jobs        JobRepository
	dispatcher  Dispatcher
	generator   Generator
	syncTimeout time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		jobs:        deps.Jobs,
		dispatcher:  deps.Dispatcher,
		generator:   deps.Generator,
		syncTimeout: deps.SyncTimeout,
	}
}
