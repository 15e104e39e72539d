// Package daemon runs syncs on a cron schedule. Each tick invokes a fresh
// sync pipeline; a failed run is retried with backoff, and the outcome of
// one tick never affects the next. The daemon holds no state between ticks
// other than the cron timer.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// EventKind is a lifecycle event of the scheduler.
type EventKind string

const (
	EventScheduled  EventKind = "SCHEDULED"
	EventRunStarted EventKind = "RUN_STARTED"
	EventDone       EventKind = "DONE"
	EventRetry      EventKind = "RETRY"
	EventFailed     EventKind = "FAILED"
)

// Event is emitted at every lifecycle transition.
type Event struct {
	Kind    EventKind
	At      time.Time // next run time for SCHEDULED, now otherwise
	Attempt int
	Err     error
}

// RunFunc is one complete sync pipeline invocation.
type RunFunc func(ctx context.Context) error

// Config holds the daemon parameters.
type Config struct {
	// RetryBackoff are the waits between failed attempts of one tick.
	RetryBackoff []time.Duration
	// OnEvent receives lifecycle events; nil disables.
	OnEvent func(Event)
}

// DefaultConfig returns the documented retry sequence.
func DefaultConfig() *Config {
	return &Config{
		RetryBackoff: []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second},
	}
}

// Daemon schedules sync runs.
type Daemon struct {
	schedule cron.Schedule
	run      RunFunc
	config   *Config
}

// New parses a standard five-field cron expression.
func New(expr string, run RunFunc, config *Config) (*Daemon, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDaemon, "parse schedule", err)
	}
	return NewWithSchedule(schedule, run, config), nil
}

// NewWithSchedule accepts a pre-built schedule; used by tests.
func NewWithSchedule(schedule cron.Schedule, run RunFunc, config *Config) *Daemon {
	if config == nil {
		config = DefaultConfig()
	}
	return &Daemon{schedule: schedule, run: run, config: config}
}

// Start blocks, running the sync at every tick until the context is
// cancelled. The returned error is nil on a clean shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	for {
		next := d.schedule.Next(time.Now())
		d.emit(Event{Kind: EventScheduled, At: next})
		slog.Info("next sync scheduled", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		d.runTick(ctx)
	}
}

// runTick runs one scheduled sync with the configured retries. Errors are
// contained: the loop continues to the next tick regardless.
func (d *Daemon) runTick(ctx context.Context) {
	attempts := len(d.config.RetryBackoff) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		d.emit(Event{Kind: EventRunStarted, At: time.Now(), Attempt: attempt})

		err := d.run(ctx)
		if err == nil {
			d.emit(Event{Kind: EventDone, At: time.Now(), Attempt: attempt})
			return
		}
		if apperr.KindOf(err) == apperr.KindInterrupt || ctx.Err() != nil {
			d.emit(Event{Kind: EventFailed, At: time.Now(), Attempt: attempt, Err: err})
			return
		}

		wrapped := apperr.Wrap(apperr.KindDaemon, "scheduled sync failed", err)
		if attempt == attempts {
			d.emit(Event{Kind: EventFailed, At: time.Now(), Attempt: attempt, Err: wrapped})
			slog.Error("scheduled sync failed, giving up until next tick", "attempt", attempt, "error", err)
			return
		}

		wait := d.config.RetryBackoff[attempt-1]
		d.emit(Event{Kind: EventRetry, At: time.Now(), Attempt: attempt, Err: wrapped})
		slog.Warn("scheduled sync failed, retrying", "attempt", attempt, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *Daemon) emit(e Event) {
	if d.config.OnEvent != nil {
		d.config.OnEvent(e)
	}
}
