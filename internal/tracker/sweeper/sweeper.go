package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/tracker/jobstore"
)

// Config holds sweep timing
type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

// Sweeper periodically deletes expired records from the job store.
// In-flight records past retention are dropped without any event.
type Sweeper struct {
	store  *jobstore.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Sweeper
type Option func(*Sweeper)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(store *jobstore.Store, cfg Config, logger *slog.Logger, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	s := &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "sweeper")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately and then on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting retention sweeper",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("retention", s.cfg.Retention),
	)
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping retention sweeper")
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns what it removed
func (s *Sweeper) SweepOnce(ctx context.Context) jobstore.SweepReport {
	report := s.store.Sweep(ctx, s.now(), s.cfg.Retention)
	if report.Total() > 0 {
		s.logger.Info("Expired job records removed",
			slog.Int("in_flight", len(report.InFlight)),
			slog.Int("finished", len(report.Finished)),
		)
	}
	return report
}
