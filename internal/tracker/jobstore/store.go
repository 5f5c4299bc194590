package jobstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/genjob/internal/metrics"
	"github.com/oklog/ulid/v2"
)

// DefaultMaxInFlight is the concurrent in-flight limit when none is configured
const DefaultMaxInFlight = 3

// Config holds store settings
type Config struct {
	Key         string
	MaxInFlight int
	IOTimeout   time.Duration
}

// Store is the durable job store. All operations are serialized by one mutex;
// a mutation takes effect in memory only after its blob write succeeded.
type Store struct {
	mu          sync.Mutex
	medium      Medium
	key         string
	maxInFlight int
	ioTimeout   time.Duration
	state       State
	loaded      bool
	logger      *slog.Logger

	now     func() time.Time
	entropy io.Reader
}

// Option customizes a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New loads the persisted blob, creating the default shape when absent. When
// the medium cannot be read the store starts empty and unloaded: the read is
// retried before each mutation, and mutations are refused until it succeeds.
func New(ctx context.Context, medium Medium, cfg Config, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		medium:      medium,
		key:         cfg.Key,
		maxInFlight: cfg.MaxInFlight,
		ioTimeout:   cfg.IOTimeout,
		state:       newState(),
		logger:      logger.With(slog.String("component", "jobstore")),
		now:         time.Now,
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	if s.key == "" {
		s.key = "generationState"
	}
	if s.maxInFlight <= 0 {
		s.maxInFlight = DefaultMaxInFlight
	}
	if s.ioTimeout <= 0 {
		s.ioTimeout = 5 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}

	s.load(ctx)
	return s
}

// read fetches and decodes the persisted blob
func (s *Store) read(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()

	blob, err := s.medium.Load(ctx, s.key)
	if err != nil {
		return State{}, err
	}

	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return State{}, fmt.Errorf("%w: %v", errCorruptState, err)
	}
	if st.ActiveGenerations == nil {
		st.ActiveGenerations = make(map[string]JobRecord)
	}
	if st.CompletedGenerations == nil {
		st.CompletedGenerations = make(map[string]FinishedRecord)
	}
	return st, nil
}

// load adopts the persisted state. An absent or corrupt blob is replaced by
// the default shape. It reports false when the medium could not be read.
func (s *Store) load(ctx context.Context) bool {
	st, err := s.read(ctx)
	switch {
	case errors.Is(err, ErrNoState):
		s.loaded = true
		s.commit(ctx, "init", newState())
		return true
	case errors.Is(err, errCorruptState):
		s.warn(&StoreIOError{Op: "decode", Key: s.key, Err: err})
		s.loaded = true
		s.commit(ctx, "init", newState())
		return true
	case err != nil:
		s.warn(&StoreIOError{Op: "load", Key: s.key, Err: err})
		return false
	}

	s.state = st
	s.loaded = true
	s.logger.Debug("Job store loaded",
		slog.Int("in_flight", len(st.ActiveGenerations)),
		slog.Int("finished", len(st.CompletedGenerations)),
	)
	return true
}

// ready retries an earlier failed load. A store that has never read the
// medium must not write over data it has not seen.
func (s *Store) ready(ctx context.Context, op string) bool {
	if s.loaded || s.load(ctx) {
		return true
	}
	s.warn(&StoreIOError{Op: op, Key: s.key, Err: ErrNotLoaded})
	return false
}

// commit writes next and adopts it as the in-memory state on success
func (s *Store) commit(ctx context.Context, op string, next State) bool {
	blob, err := json.Marshal(next)
	if err != nil {
		s.warn(&StoreIOError{Op: op, Key: s.key, Err: err})
		return false
	}

	// a write started for a cancelled caller still completes
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ioTimeout)
	defer cancel()

	if err := s.medium.Save(ctx, s.key, blob); err != nil {
		s.warn(&StoreIOError{Op: op, Key: s.key, Err: err})
		return false
	}

	s.state = next
	return true
}

func (s *Store) warn(err *StoreIOError) {
	switch err.Op {
	case "load", "decode", "refresh":
	default:
		metrics.StoreWriteFailed()
	}
	s.logger.Warn("Job store I/O failed",
		slog.String("op", err.Op),
		slog.String("key", err.Key),
		slog.Any("error", err.Err),
	)
}

// CheckCapacity returns *CapacityError when no further job may start
func (s *Store) CheckCapacity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.state.ActiveGenerations); n >= s.maxInFlight {
		metrics.CapacityRejected()
		return &CapacityError{Limit: s.maxInFlight, InFlight: n}
	}
	return nil
}

// Start records a new pending job and returns its id. It fails with
// *CapacityError when the in-flight limit is reached, writing nothing.
//
// Ids are ULIDs: a millisecond timestamp plus an 80-bit random suffix. Collisions
// are negligible but not formally impossible.
func (s *Store) Start(ctx context.Context, cfg StartConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready(ctx, "start") {
		// untracked, like a failed write: the caller proceeds without a record
		return s.newID(s.now()), nil
	}

	if n := len(s.state.ActiveGenerations); n >= s.maxInFlight {
		metrics.CapacityRejected()
		return "", &CapacityError{Limit: s.maxInFlight, InFlight: n}
	}

	now := s.now()
	id := s.newID(now)

	expected := cfg.ExpectedOutputCount
	if expected < 1 {
		expected = 1
	}

	next := s.state.clone()
	next.ActiveGenerations[id] = JobRecord{
		ID:                  id,
		ModelID:             cfg.ModelID,
		Prompt:              cfg.Prompt,
		StartedAt:           now,
		Status:              StatusPending,
		ExpectedOutputCount: expected,
		RequestSnapshot:     cfg.Snapshot.clone(),
		LastUpdatedAt:       now,
	}

	if s.commit(ctx, "start", next) {
		metrics.JobStarted(cfg.ModelID)
	}

	s.logger.Debug("Job started",
		slog.String("id", id),
		slog.String("model_id", cfg.ModelID),
		slog.Int("expected_outputs", expected),
	)
	return id, nil
}

func (s *Store) newID(now time.Time) string {
	for {
		id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
		_, active := s.state.ActiveGenerations[id]
		_, done := s.state.CompletedGenerations[id]
		if !active && !done {
			return id
		}
	}
}

// Update sets the status of an in-flight job and merges patch into it.
// It reports false, with a warning, when id is not in flight.
func (s *Store) Update(ctx context.Context, id string, status Status, patch Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready(ctx, "update") {
		return false
	}

	rec, ok := s.state.ActiveGenerations[id]
	if !ok {
		s.logger.Warn("Update for unknown in-flight job", slog.String("id", id))
		return false
	}

	if status != "" {
		rec.Status = status
	}
	if patch.BackendJobID != "" {
		rec.BackendJobID = patch.BackendJobID
	}
	if patch.Progress != 0 {
		rec.Progress = patch.Progress
	}
	if patch.Message != "" {
		rec.Message = patch.Message
	}
	rec.LastUpdatedAt = s.now()

	next := s.state.clone()
	next.ActiveGenerations[id] = rec
	s.commit(ctx, "update", next)
	return true
}

// Complete moves an in-flight job to the finished map with results.
// Both maps change in one write; readers never see the id in neither or both.
func (s *Store) Complete(ctx context.Context, id string, results []Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready(ctx, "complete") {
		return false
	}

	rec, ok := s.state.ActiveGenerations[id]
	if !ok {
		s.logger.Warn("Complete for unknown in-flight job", slog.String("id", id))
		return false
	}

	now := s.now()
	next := s.state.clone()
	delete(next.ActiveGenerations, id)
	next.CompletedGenerations[id] = FinishedRecord{
		ID:          rec.ID,
		ModelID:     rec.ModelID,
		Prompt:      rec.Prompt,
		Results:     append([]Result(nil), results...),
		CompletedAt: now,
		DurationMs:  now.Sub(rec.StartedAt).Milliseconds(),
	}

	if s.commit(ctx, "complete", next) {
		metrics.JobFinished(rec.ModelID, string(StatusCompleted))
	}
	return true
}

// Remove deletes an in-flight job
func (s *Store) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready(ctx, "remove") {
		return false
	}

	rec, ok := s.state.ActiveGenerations[id]
	if !ok {
		return false
	}

	next := s.state.clone()
	delete(next.ActiveGenerations, id)
	if s.commit(ctx, "remove", next) {
		outcome := string(rec.Status)
		if !rec.Status.IsTerminal() {
			outcome = "removed"
		}
		metrics.JobFinished(rec.ModelID, outcome)
	}
	return true
}

// Get looks id up in both maps
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.state.ActiveGenerations[id]; ok {
		rec = rec.clone()
		return Entry{InFlight: &rec}, true
	}
	if rec, ok := s.state.CompletedGenerations[id]; ok {
		rec = rec.clone()
		return Entry{Finished: &rec}, true
	}
	return Entry{}, false
}

// GetAllInFlight returns in-flight jobs ordered by start time
func (s *Store) GetAllInFlight() []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobRecord, 0, len(s.state.ActiveGenerations))
	for _, rec := range s.state.ActiveGenerations {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// GetAllFinished returns finished jobs ordered by completion time
func (s *Store) GetAllFinished() []FinishedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FinishedRecord, 0, len(s.state.CompletedGenerations))
	for _, rec := range s.state.CompletedGenerations {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out
}

// MostRecentInFlight returns the in-flight job with the latest start time.
// Which record wins a tie is unspecified.
func (s *Store) MostRecentInFlight() (JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  JobRecord
		found bool
	)
	for _, rec := range s.state.ActiveGenerations {
		if !found || rec.StartedAt.After(best.StartedAt) {
			best, found = rec, true
		}
	}
	if !found {
		return JobRecord{}, false
	}
	return best.clone(), true
}

// HasInFlightForModel reports whether a job for modelID is in flight
func (s *Store) HasInFlightForModel(modelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.state.ActiveGenerations {
		if rec.ModelID == modelID {
			return true
		}
	}
	return false
}

// InFlightCount returns the number of in-flight jobs
func (s *Store) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.ActiveGenerations)
}

// LastCleanup returns the time of the last committed sweep
func (s *Store) LastCleanup() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastCleanup
}

// Sweep removes in-flight jobs started, and finished jobs completed, more than
// retention before now. It emits nothing; removed in-flight jobs vanish silently.
func (s *Store) Sweep(ctx context.Context, now time.Time, retention time.Duration) SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready(ctx, "sweep") {
		return SweepReport{}
	}

	// sweep what is persisted now, not what this process read earlier
	fresh, err := s.read(ctx)
	switch {
	case errors.Is(err, ErrNoState):
		fresh = newState()
	case err != nil:
		s.warn(&StoreIOError{Op: "refresh", Key: s.key, Err: err})
		return SweepReport{}
	}
	s.state = fresh

	var report SweepReport
	next := s.state.clone()

	for id, rec := range next.ActiveGenerations {
		if now.Sub(rec.StartedAt) > retention {
			delete(next.ActiveGenerations, id)
			report.InFlight = append(report.InFlight, id)
		}
	}
	for id, rec := range next.CompletedGenerations {
		if now.Sub(rec.CompletedAt) > retention {
			delete(next.CompletedGenerations, id)
			report.Finished = append(report.Finished, id)
		}
	}
	next.LastCleanup = now

	if !s.commit(ctx, "sweep", next) {
		return SweepReport{}
	}

	sort.Strings(report.InFlight)
	sort.Strings(report.Finished)
	metrics.Swept("in_flight", len(report.InFlight))
	metrics.Swept("finished", len(report.Finished))
	return report
}

// Reset clears the persisted blob and empties the store
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()

	if err := s.medium.Clear(ctx, s.key); err != nil {
		return &StoreIOError{Op: "reset", Key: s.key, Err: err}
	}
	s.state = newState()
	s.loaded = true
	return nil
}
