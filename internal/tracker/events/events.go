// Package events defines the narrow interface through which the tracker
// reports job lifecycle changes to whatever renders them.
package events

import (
	"context"
	"time"

	"github.com/cuongbtq/genjob/internal/tracker/jobstore"
)

// Kind identifies a lifecycle event
type Kind string

const (
	// KindRestored is emitted when recovery rebuilds placeholders for an in-flight job
	KindRestored Kind = "restored"
	// KindCompleted carries the results of a finished job
	KindCompleted Kind = "completed"
	// KindFailed replaces a job's placeholders with an error message
	KindFailed Kind = "failed"
	// KindRecent surfaces a job that finished shortly before the session started
	KindRecent Kind = "recent"
	// KindProgress forwards backend progress for a pending job
	KindProgress Kind = "progress"
	// KindElapsed ticks the elapsed-time display of a restored job
	KindElapsed Kind = "elapsed"
)

// Event is one lifecycle notification
type Event struct {
	Kind    Kind
	JobID   string
	ModelID string
	Prompt  string

	Results      []jobstore.Result
	Message      string
	Placeholders int
	Progress     int

	StartedAt   time.Time
	CompletedAt time.Time
	Elapsed     time.Duration
}

// Sink receives lifecycle events. Emit errors are logged by callers and never
// interrupt job handling.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Discard drops every event
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
