package events

import (
	"context"
	"log/slog"
	"sync"
)

// Multi fans an event out to every sink. All sinks are called; the first error is returned.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, event Event) error {
	var firstErr error
	for _, s := range m {
		if err := s.Emit(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogSink writes one structured log line per event
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "events"))}
}

func (s *LogSink) Emit(ctx context.Context, event Event) error {
	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.String("job_id", event.JobID),
		slog.String("model_id", event.ModelID),
	}

	level := slog.LevelInfo
	switch event.Kind {
	case KindCompleted, KindRecent:
		attrs = append(attrs, slog.Int("results", len(event.Results)))
		for i, r := range event.Results {
			attrs = append(attrs, slog.Group("result", slog.Int("index", i), slog.String("url", r.URL), slog.String("type", r.Type)))
		}
	case KindFailed:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("message", event.Message))
	case KindRestored:
		attrs = append(attrs, slog.Int("placeholders", event.Placeholders), slog.Time("started_at", event.StartedAt))
	case KindProgress:
		level = slog.LevelDebug
		attrs = append(attrs, slog.Int("progress", event.Progress), slog.String("message", event.Message))
	case KindElapsed:
		level = slog.LevelDebug
		attrs = append(attrs, slog.Duration("elapsed", event.Elapsed))
	}

	s.logger.Log(ctx, level, "Generation event", attrs...)
	return nil
}

// Recorder keeps every event it receives
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind
func (r *Recorder) OfKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
