// Package recovery resumes tracking of in-flight jobs after the process that
// submitted them went away. The store is read once at start-up; from then on
// the coordinator's own tracked set decides what is polled.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/genjob/internal/metrics"
	"github.com/cuongbtq/genjob/internal/tracker/backend"
	"github.com/cuongbtq/genjob/internal/tracker/events"
	"github.com/cuongbtq/genjob/internal/tracker/jobstore"
)

// State is the coordinator's lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateRestoring State = "restoring"
	StatePolling   State = "polling"
)

// ErrAlreadyStarted is returned by a second call to Start
var ErrAlreadyStarted = errors.New("recovery coordinator already started")

const interruptedMessage = "generation was interrupted before the backend accepted it"

// StatusChecker queries backend job status
type StatusChecker interface {
	JobStatus(ctx context.Context, jobID string) (*backend.JobStatus, error)
}

// Config holds coordinator timing settings
type Config struct {
	PollInterval time.Duration
	RecentWindow time.Duration
	// ElapsedInterval drives Elapsed events; zero or negative disables them
	ElapsedInterval time.Duration
}

// Coordinator restores and polls in-flight jobs
type Coordinator struct {
	store   *jobstore.Store
	backend StatusChecker
	sink    events.Sink
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	started  bool
	state    State
	tracked  map[string]jobstore.JobRecord
	resolved map[string]struct{}
	restored string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(store *jobstore.Store, checker StatusChecker, sink events.Sink, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 5 * time.Minute
	}
	if sink == nil {
		sink = events.Discard
	}

	c := &Coordinator{
		store:    store,
		backend:  checker,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "recovery")),
		now:      time.Now,
		state:    StateIdle,
		tracked:  make(map[string]jobstore.JobRecord),
		resolved: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start inspects the store once. With nothing in flight it surfaces recently
// finished jobs and stays idle. Otherwise it restores the most recent job,
// fails records the backend never accepted and polls the rest in the background
// until every tracked job resolves or Stop is called.
func (c *Coordinator) Start(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.State(), ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	inFlight := c.store.GetAllInFlight()
	if len(inFlight) == 0 {
		c.surfaceRecent(ctx)
		c.finish()
		return StateIdle, nil
	}

	c.setState(StateRestoring)
	c.restore(ctx, inFlight)

	c.mu.Lock()
	remaining := len(c.tracked)
	c.mu.Unlock()
	if remaining == 0 {
		c.finish()
		return StateIdle, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.state = StatePolling
	c.mu.Unlock()

	c.logger.Info("Recovering in-flight jobs", slog.Int("tracked", remaining))
	go c.run(runCtx)
	return StatePolling, nil
}

// Stop halts polling and waits for the loop to exit. Responses still in transit are dropped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-c.done
}

// Done is closed when the coordinator returns to idle for good
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tracked returns the ids still being polled
func (c *Coordinator) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	close(c.done)
}

func (c *Coordinator) surfaceRecent(ctx context.Context) {
	now := c.now()
	for _, rec := range c.store.GetAllFinished() {
		if now.Sub(rec.CompletedAt) > c.cfg.RecentWindow {
			continue
		}
		c.emit(ctx, events.Event{
			Kind:        events.KindRecent,
			JobID:       rec.ID,
			ModelID:     rec.ModelID,
			Prompt:      rec.Prompt,
			Results:     rec.Results,
			CompletedAt: rec.CompletedAt,
		})
	}
}

func (c *Coordinator) restore(ctx context.Context, inFlight []jobstore.JobRecord) {
	if latest, ok := c.store.MostRecentInFlight(); ok {
		c.emit(ctx, events.Event{
			Kind:         events.KindRestored,
			JobID:        latest.ID,
			ModelID:      latest.ModelID,
			Prompt:       latest.Prompt,
			Placeholders: latest.ExpectedOutputCount,
			Progress:     latest.Progress,
			StartedAt:    latest.StartedAt,
		})
		c.mu.Lock()
		c.restored = latest.ID
		c.mu.Unlock()
	}

	for _, rec := range inFlight {
		if rec.BackendJobID == "" {
			c.resolveFailed(ctx, rec, interruptedMessage)
			continue
		}
		c.mu.Lock()
		c.tracked[rec.ID] = rec
		c.mu.Unlock()
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.finish()

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	var elapsed <-chan time.Time
	if c.cfg.ElapsedInterval > 0 {
		t := time.NewTicker(c.cfg.ElapsedInterval)
		defer t.Stop()
		elapsed = t.C
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Recovery stopped", slog.Int("tracked", len(c.Tracked())))
			return
		case <-elapsed:
			c.tickElapsed(ctx)
		case <-poll.C:
			if c.pollOnce(ctx) == 0 {
				c.logger.Info("All recovered jobs resolved")
				return
			}
		}
	}
}

func (c *Coordinator) tickElapsed(ctx context.Context) {
	c.mu.Lock()
	rec, ok := c.tracked[c.restored]
	c.mu.Unlock()
	if !ok {
		return
	}

	c.emit(ctx, events.Event{
		Kind:      events.KindElapsed,
		JobID:     rec.ID,
		ModelID:   rec.ModelID,
		StartedAt: rec.StartedAt,
		Elapsed:   c.now().Sub(rec.StartedAt),
	})
}

// pollOnce queries every tracked job in turn and returns how many remain tracked
func (c *Coordinator) pollOnce(ctx context.Context) int {
	for _, id := range c.Tracked() {
		if ctx.Err() != nil {
			break
		}

		c.mu.Lock()
		rec, ok := c.tracked[id]
		c.mu.Unlock()
		if !ok {
			continue
		}

		status, err := c.backend.JobStatus(ctx, rec.BackendJobID)
		if ctx.Err() != nil {
			break
		}
		c.handle(ctx, rec, status, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

// handle applies one poll response. Responses for already resolved ids are dropped.
func (c *Coordinator) handle(ctx context.Context, rec jobstore.JobRecord, status *backend.JobStatus, err error) {
	c.mu.Lock()
	_, done := c.resolved[rec.ID]
	c.mu.Unlock()
	if done {
		c.logger.Debug("Dropping response for resolved job", slog.String("id", rec.ID))
		return
	}

	switch {
	case errors.Is(err, backend.ErrJobNotFound):
		metrics.PollObserved(metrics.SourceRecovery, "not_found")
		c.resolveFailed(ctx, rec, "job not found")
		return
	case errors.Is(err, backend.ErrJobRejected):
		metrics.PollObserved(metrics.SourceRecovery, "rejected")
		msg := err.Error()
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		}
		c.resolveFailed(ctx, rec, msg)
		return
	case err != nil:
		metrics.PollObserved(metrics.SourceRecovery, "error")
		c.logger.Warn("Job status poll failed",
			slog.String("id", rec.ID),
			slog.String("backend_job_id", rec.BackendJobID),
			slog.Any("error", err),
		)
		return
	}

	metrics.PollObserved(metrics.SourceRecovery, string(status.State))

	switch status.State {
	case backend.JobCompleted:
		c.resolveCompleted(ctx, rec, status.Results)
	case backend.JobFailed:
		msg := status.Message
		if msg == "" {
			msg = "generation failed"
		}
		c.resolveFailed(ctx, rec, msg)
	default:
		c.store.Update(ctx, rec.ID, jobstore.StatusPending, jobstore.Patch{
			Progress: status.Progress,
			Message:  status.Message,
		})
		if status.Progress > 0 || status.Message != "" {
			c.emit(ctx, events.Event{
				Kind:     events.KindProgress,
				JobID:    rec.ID,
				ModelID:  rec.ModelID,
				Progress: status.Progress,
				Message:  status.Message,
			})
		}
	}
}

// markResolved untracks id and reports whether this call resolved it
func (c *Coordinator) markResolved(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.resolved[id]; done {
		return false
	}
	c.resolved[id] = struct{}{}
	delete(c.tracked, id)
	return true
}

func (c *Coordinator) resolveCompleted(ctx context.Context, rec jobstore.JobRecord, results []jobstore.Result) {
	if !c.markResolved(rec.ID) {
		return
	}

	c.store.Complete(ctx, rec.ID, results)
	c.logger.Info("Recovered job completed", slog.String("id", rec.ID), slog.Int("results", len(results)))

	c.emit(ctx, events.Event{
		Kind:        events.KindCompleted,
		JobID:       rec.ID,
		ModelID:     rec.ModelID,
		Prompt:      rec.Prompt,
		Results:     results,
		StartedAt:   rec.StartedAt,
		CompletedAt: c.now(),
	})
}

func (c *Coordinator) resolveFailed(ctx context.Context, rec jobstore.JobRecord, message string) {
	if !c.markResolved(rec.ID) {
		return
	}

	c.store.Update(ctx, rec.ID, jobstore.StatusFailed, jobstore.Patch{Message: message})
	c.store.Remove(ctx, rec.ID)
	c.logger.Warn("Recovered job failed", slog.String("id", rec.ID), slog.String("message", message))

	c.emit(ctx, events.Event{
		Kind:      events.KindFailed,
		JobID:     rec.ID,
		ModelID:   rec.ModelID,
		Prompt:    rec.Prompt,
		Message:   message,
		StartedAt: rec.StartedAt,
	})
}

func (c *Coordinator) emit(ctx context.Context, event events.Event) {
	if err := c.sink.Emit(ctx, event); err != nil {
		c.logger.Warn("Event sink failed",
			slog.String("kind", string(event.Kind)),
			slog.String("id", event.JobID),
			slog.Any("error", err),
		)
	}
}
