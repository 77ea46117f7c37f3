package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of supervisor event.
type EventType string

const (
	EventLaunch       EventType = "launch"
	EventRestart      EventType = "restart"
	EventLaunchFailed EventType = "launch_failed"
	EventFatal        EventType = "fatal"
)

// Event is one supervisor event exported to an external system. Events are
// never read back by the supervisor.
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	Name         string    `json:"name"`
	PID          int       `json:"pid"`
	RestartCount int       `json:"restart_count"`
	Reason       string    `json:"reason,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultTimeout bounds a single Record call across all sinks.
const DefaultTimeout = 5 * time.Second

// Fanout delivers each event to every configured sink.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
}

func NewFanout(timeout time.Duration, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fanout{sinks: sinks, timeout: timeout}
}

// Add appends a sink. Call it before the fanout is shared.
func (f *Fanout) Add(s Sink) { f.sinks = append(f.sinks, s) }

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// Send delivers e to every sink and joins the failures.
func (f *Fanout) Send(ctx context.Context, e Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Record is a best-effort Send bounded by the fanout timeout. Failures are
// logged and never returned.
func (f *Fanout) Record(ctx context.Context, e Event) {
	if f.Len() == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	if err := f.Send(ctx, e); err != nil {
		slog.Warn("History export failed", "event", e.Type, "error", err)
	}
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
