// Package submit runs the client side of a generation: it records the job in
// the store, picks the sync or async backend path by the model's output type
// and drives the async poll loop to a terminal outcome.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/genjob/internal/metrics"
	"github.com/cuongbtq/genjob/internal/tracker/backend"
	"github.com/cuongbtq/genjob/internal/tracker/events"
	"github.com/cuongbtq/genjob/internal/tracker/jobstore"
	"github.com/go-playground/validator/v10"
)

// DefaultMaxOutputs caps image outputs when the model does not declare a limit
const DefaultMaxOutputs = 4

// Backend is the part of the job backend the submitter needs
type Backend interface {
	ModelInfo(ctx context.Context, modelID string) (*backend.ModelInfo, error)
	SubmitSync(ctx context.Context, req backend.SubmitRequest) ([]jobstore.Result, error)
	SubmitAsync(ctx context.Context, req backend.SubmitRequest) (string, error)
	JobStatus(ctx context.Context, jobID string) (*backend.JobStatus, error)
}

// Config holds polling settings
type Config struct {
	PollInterval time.Duration
	Deadline     time.Duration
}

// Request is one generation submitted by the user
type Request struct {
	ModelID    string            `validate:"required,max=100"`
	Prompt     string            `validate:"max=4000"`
	NumOutputs int               `validate:"gte=0"`
	Fields     map[string]string `validate:"omitempty,dive,keys,required,endkeys"`
	Files      []backend.File
}

// ProgressFunc receives backend progress while an async job is pending
type ProgressFunc func(progress int, message string)

// Submitter submits generations and tracks them in the job store
type Submitter struct {
	store    *jobstore.Store
	backend  Backend
	sink     events.Sink
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger

	mu     sync.Mutex
	models map[string]backend.ModelInfo
}

func New(store *jobstore.Store, b Backend, sink events.Sink, cfg Config, logger *slog.Logger) *Submitter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Minute
	}
	if sink == nil {
		sink = events.Discard
	}

	return &Submitter{
		store:    store,
		backend:  b,
		sink:     sink,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "submitter")),
		models:   make(map[string]backend.ModelInfo),
	}
}

// Submit runs one generation to completion and returns its results.
//
// Errors: *jobstore.CapacityError before anything is sent, *GenerationError when the
// backend reports failure, *TimeoutError when an async job outlives the deadline.
// If ctx is cancelled while an async job is pending, ctx.Err() is returned and the
// job stays in flight for recovery.
func (s *Submitter) Submit(ctx context.Context, req Request, progress ProgressFunc) ([]jobstore.Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := s.store.CheckCapacity(); err != nil {
		return nil, err
	}

	info, err := s.modelInfo(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	if info.RequiresImage && len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrImageRequired, req.ModelID)
	}

	id, err := s.store.Start(ctx, jobstore.StartConfig{
		ModelID:             req.ModelID,
		Prompt:              req.Prompt,
		ExpectedOutputCount: expectedOutputs(info, req.NumOutputs),
		Snapshot:            snapshot(req),
	})
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(slog.String("id", id), slog.String("model_id", req.ModelID))
	logger.Info("Generation submitted", slog.String("output_type", string(info.OutputType)))

	breq := backend.SubmitRequest{
		ModelID:    req.ModelID,
		Prompt:     req.Prompt,
		NumOutputs: req.NumOutputs,
		Fields:     req.Fields,
		Files:      req.Files,
	}

	if info.OutputType == backend.OutputVideo {
		return s.runAsync(ctx, id, breq, progress, logger)
	}
	return s.runSync(ctx, id, breq, logger)
}

func (s *Submitter) runSync(ctx context.Context, id string, req backend.SubmitRequest, logger *slog.Logger) ([]jobstore.Result, error) {
	results, err := s.backend.SubmitSync(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			s.store.Remove(ctx, id)
			return nil, ctx.Err()
		}
		return nil, s.fail(ctx, id, req, generationError(id, err), logger)
	}

	s.finish(ctx, id, req, results, logger)
	return results, nil
}

func (s *Submitter) runAsync(ctx context.Context, id string, req backend.SubmitRequest, progress ProgressFunc, logger *slog.Logger) ([]jobstore.Result, error) {
	backendID, err := s.backend.SubmitAsync(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			s.store.Remove(ctx, id)
			return nil, ctx.Err()
		}
		return nil, s.fail(ctx, id, req, generationError(id, err), logger)
	}

	s.store.Update(ctx, id, jobstore.StatusPending, jobstore.Patch{BackendJobID: backendID})
	logger = logger.With(slog.String("backend_job_id", backendID))
	logger.Debug("Async job accepted")

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				logger.Info("Stopped polling, job left for recovery")
				return nil, ctx.Err()
			}
			return nil, s.timeout(ctx, id, req, logger)
		case <-ticker.C:
		}

		status, err := s.backend.JobStatus(pollCtx, backendID)
		switch {
		case pollCtx.Err() != nil:
			continue
		case errors.Is(err, backend.ErrJobNotFound):
			metrics.PollObserved(metrics.SourceSubmit, "not_found")
			return nil, s.fail(ctx, id, req, &GenerationError{JobID: id, Message: "job not found", Err: err}, logger)
		case errors.Is(err, backend.ErrJobRejected):
			metrics.PollObserved(metrics.SourceSubmit, "rejected")
			return nil, s.fail(ctx, id, req, generationError(id, err), logger)
		case err != nil:
			metrics.PollObserved(metrics.SourceSubmit, "error")
			logger.Warn("Job status poll failed, retrying", slog.Any("error", err))
			continue
		}

		metrics.PollObserved(metrics.SourceSubmit, string(status.State))

		switch status.State {
		case backend.JobCompleted:
			s.finish(ctx, id, req, status.Results, logger)
			return status.Results, nil
		case backend.JobFailed:
			msg := status.Message
			if msg == "" {
				msg = ErrGeneration.Error()
			}
			return nil, s.fail(ctx, id, req, &GenerationError{JobID: id, Message: msg}, logger)
		default:
			if progress != nil {
				progress(status.Progress, status.Message)
			}
			s.store.Update(ctx, id, jobstore.StatusPending, jobstore.Patch{
				Progress: status.Progress,
				Message:  status.Message,
			})
		}
	}
}

func (s *Submitter) finish(ctx context.Context, id string, req backend.SubmitRequest, results []jobstore.Result, logger *slog.Logger) {
	s.store.Complete(ctx, id, results)
	logger.Info("Generation completed", slog.Int("results", len(results)))

	s.emit(ctx, events.Event{
		Kind:        events.KindCompleted,
		JobID:       id,
		ModelID:     req.ModelID,
		Prompt:      req.Prompt,
		Results:     results,
		CompletedAt: time.Now(),
	})
}

func (s *Submitter) fail(ctx context.Context, id string, req backend.SubmitRequest, genErr *GenerationError, logger *slog.Logger) error {
	s.store.Update(ctx, id, jobstore.StatusFailed, jobstore.Patch{Message: genErr.Message})
	s.store.Remove(ctx, id)
	logger.Warn("Generation failed", slog.String("message", genErr.Message))

	s.emit(ctx, events.Event{
		Kind:    events.KindFailed,
		JobID:   id,
		ModelID: req.ModelID,
		Prompt:  req.Prompt,
		Message: genErr.Message,
	})
	return genErr
}

func (s *Submitter) timeout(ctx context.Context, id string, req backend.SubmitRequest, logger *slog.Logger) error {
	err := &TimeoutError{JobID: id, Deadline: s.cfg.Deadline}

	s.store.Update(ctx, id, jobstore.StatusTimeout, jobstore.Patch{Message: err.Error()})
	s.store.Remove(ctx, id)
	logger.Warn("Generation timed out", slog.Duration("deadline", s.cfg.Deadline))

	s.emit(ctx, events.Event{
		Kind:    events.KindFailed,
		JobID:   id,
		ModelID: req.ModelID,
		Prompt:  req.Prompt,
		Message: err.Error(),
	})
	return err
}

func (s *Submitter) emit(ctx context.Context, event events.Event) {
	if err := s.sink.Emit(ctx, event); err != nil {
		s.logger.Warn("Event sink failed",
			slog.String("kind", string(event.Kind)),
			slog.String("id", event.JobID),
			slog.Any("error", err),
		)
	}
}

// modelInfo returns the cached description of modelID, fetching it on first use
func (s *Submitter) modelInfo(ctx context.Context, modelID string) (backend.ModelInfo, error) {
	s.mu.Lock()
	info, ok := s.models[modelID]
	s.mu.Unlock()
	if ok {
		return info, nil
	}

	fetched, err := s.backend.ModelInfo(ctx, modelID)
	if err != nil {
		return backend.ModelInfo{}, fmt.Errorf("failed to look up model %q: %w", modelID, err)
	}

	s.mu.Lock()
	s.models[modelID] = *fetched
	s.mu.Unlock()
	return *fetched, nil
}

func expectedOutputs(info backend.ModelInfo, requested int) int {
	if info.OutputType == backend.OutputVideo {
		return 1
	}
	limit := info.MaxOutputs
	if limit <= 0 {
		limit = DefaultMaxOutputs
	}
	return min(max(requested, 1), limit)
}

// snapshot keeps the form fields and file metadata; file bytes are not persisted
func snapshot(req Request) jobstore.RequestSnapshot {
	snap := jobstore.RequestSnapshot{Fields: req.Fields}
	for _, f := range req.Files {
		snap.Files = append(snap.Files, jobstore.FileMeta{
			Name:       f.Name,
			Size:       int64(len(f.Data)),
			ModifiedAt: f.ModifiedAt,
		})
	}
	return snap
}

func generationError(id string, err error) *GenerationError {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return &GenerationError{JobID: id, Message: apiErr.Message, Err: err}
	}
	return &GenerationError{JobID: id, Message: err.Error(), Err: err}
}
