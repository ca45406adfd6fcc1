// Package scheduler runs the periodic control-plane tasks (flow polls,
// attestation sweeps, finalization scans, threat aging) on a shared
// cron runner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with interval-based registration and
// panic isolation per job.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// New creates a stopped scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// AddEvery registers a named job at a fixed interval. The job runs with
// a context that is cancelled when the scheduler stops.
func (s *Scheduler) AddEvery(name string, interval time.Duration, job func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler job %q: interval must be positive", name)
	}
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("scheduler job %q already registered", name)
	}

	spec := fmt.Sprintf("@every %s", interval)
	id, err := s.cron.AddFunc(spec, s.wrap(name, interval, job))
	if err != nil {
		return fmt.Errorf("scheduler job %q: %w", name, err)
	}
	s.entries[name] = id
	slog.Info("Scheduled periodic job", "job", name, "interval", interval.String())
	return nil
}

// wrap isolates panics so one misbehaving job cannot take down the
// runner, and bounds each run to its own interval.
func (s *Scheduler) wrap(name string, interval time.Duration, job func(ctx context.Context)) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Periodic job panicked", "job", name, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		job(ctx)
	}
}

// Start begins running registered jobs on their schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// NextRun reports when the named job fires next, zero if unknown.
func (s *Scheduler) NextRun(name string) time.Time {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Scheduler stop timed out with jobs still running")
	}
}
