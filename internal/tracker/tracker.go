// Package tracker wires the client-side job tracking subsystem: the durable
// job store, the submission client, the recovery coordinator and the sweeper.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/tracker/backend"
	"github.com/cuongbtq/genjob/internal/tracker/events"
	"github.com/cuongbtq/genjob/internal/tracker/jobstore"
	"github.com/cuongbtq/genjob/internal/tracker/recovery"
	"github.com/cuongbtq/genjob/internal/tracker/submit"
	"github.com/cuongbtq/genjob/internal/tracker/sweeper"
	"github.com/cuongbtq/genjob/shared/postgresql"
	"github.com/cuongbtq/genjob/shared/redis"
	"github.com/cuongbtq/genjob/shared/sqlite"
)

const redisKeyPrefix = "genjob:"

// Deps holds collaborators supplied by the host
type Deps struct {
	Logger *slog.Logger
	Sink   events.Sink

	// Database is used by the postgres medium
	Database config.DatabaseConfig

	// Medium and Backend replace the configured ones when set
	Medium  jobstore.Medium
	Backend submit.Backend
}

// Tracker owns one store and the components that act on it
type Tracker struct {
	store       *jobstore.Store
	submitter   *submit.Submitter
	coordinator *recovery.Coordinator
	sweeper     *sweeper.Sweeper
	logger      *slog.Logger
	closers     []func() error
}

// New opens the configured medium, loads the store and runs the initial sweep
func New(ctx context.Context, cfg config.TrackerConfig, deps Deps) (*Tracker, error) {
	cfg = cfg.WithDefaults()
	logger := deps.Logger.With(slog.String("component", "tracker"))

	t := &Tracker{logger: logger}

	medium := deps.Medium
	if medium == nil {
		m, err := t.openMedium(ctx, cfg, deps)
		if err != nil {
			t.Close()
			return nil, err
		}
		medium = m
	}

	var b submit.Backend = deps.Backend
	if b == nil {
		b = backend.NewClient(backend.Config{
			BaseURL: cfg.BackendURL,
			Timeout: cfg.RequestTimeout,
		}, deps.Logger)
	}

	sink := deps.Sink
	if sink == nil {
		sink = events.NewLogSink(deps.Logger)
	}

	t.store = jobstore.New(ctx, medium, jobstore.Config{
		Key:         cfg.Store.Key,
		MaxInFlight: cfg.MaxInFlight,
	}, deps.Logger)

	t.submitter = submit.New(t.store, b, sink, submit.Config{
		PollInterval: cfg.Submit.PollInterval,
		Deadline:     cfg.Submit.Deadline,
	}, deps.Logger)

	t.coordinator = recovery.New(t.store, b, sink, recovery.Config{
		PollInterval:    cfg.Recovery.PollInterval,
		RecentWindow:    cfg.Recovery.RecentWindow,
		ElapsedInterval: cfg.Recovery.ElapsedInterval,
	}, deps.Logger)

	t.sweeper = sweeper.New(t.store, sweeper.Config{
		Interval:  cfg.SweepInterval,
		Retention: cfg.Retention,
	}, deps.Logger)

	t.sweeper.SweepOnce(ctx)

	logger.Info("Tracker ready",
		slog.String("medium", cfg.Store.Medium),
		slog.Int("in_flight", t.store.InFlightCount()),
		slog.Int("max_in_flight", cfg.MaxInFlight),
	)
	return t, nil
}

func (t *Tracker) openMedium(ctx context.Context, cfg config.TrackerConfig, deps Deps) (jobstore.Medium, error) {
	switch cfg.Store.Medium {
	case config.MediumMemory:
		return jobstore.NewMemoryMedium(), nil

	case config.MediumSQLite:
		client, err := sqlite.NewClient(&sqlite.Config{Path: cfg.Store.SQLitePath}, deps.Logger)
		if err != nil {
			return nil, err
		}
		t.closers = append(t.closers, client.Close)
		return jobstore.NewSQLMedium(ctx, client.GetDB())

	case config.MediumPostgres:
		db := deps.Database
		client, err := postgresql.NewClient(ctx, &postgresql.Config{
			Host:            db.Host,
			Port:            db.Port,
			User:            db.User,
			Password:        db.Password,
			Database:        db.Database,
			SSLMode:         db.SSLMode,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		}, deps.Logger)
		if err != nil {
			return nil, err
		}
		t.closers = append(t.closers, client.Close)
		return jobstore.NewSQLMedium(ctx, client.GetDB())

	case config.MediumRedis:
		client, err := redis.NewClient(ctx, &redis.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, deps.Logger)
		if err != nil {
			return nil, err
		}
		t.closers = append(t.closers, client.Close)
		return jobstore.NewRedisMedium(client, redisKeyPrefix), nil
	}

	return nil, fmt.Errorf("unknown tracker store medium: %q", cfg.Store.Medium)
}

// Run starts recovery and keeps the sweeper running until ctx is done
func (t *Tracker) Run(ctx context.Context) error {
	state, err := t.coordinator.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start recovery: %w", err)
	}
	t.logger.Info("Recovery started", slog.String("state", string(state)))

	err = t.sweeper.Run(ctx)
	t.coordinator.Stop()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Submit runs one generation; see submit.Submitter.Submit
func (t *Tracker) Submit(ctx context.Context, req submit.Request, progress submit.ProgressFunc) ([]jobstore.Result, error) {
	return t.submitter.Submit(ctx, req, progress)
}

// Store exposes the job store for read-only inspection
func (t *Tracker) Store() *jobstore.Store {
	return t.store
}

// Recovery exposes the coordinator
func (t *Tracker) Recovery() *recovery.Coordinator {
	return t.coordinator
}

// Close releases the storage medium
func (t *Tracker) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}
