// Package cron runs jobs on cron-like schedules.
//
// Compared to just using a ticker, this gets the operational behavior the
// crawlers need: an immediate run at startup, skipped ticks while a run is
// still in flight, and a clean stop that waits out the current run.
package cron

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quay/zlog"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// Job is the unit of scheduled work. The error return is logged, never
// fatal.
type Job func(ctx context.Context) error

// Schedule drives one Job on a cron expression.
type Schedule struct {
	name    string
	sched   cron.Schedule
	job     Job
	running *semaphore.Weighted
	next    atomic.Int64 // unix seconds of the next firing, 0 before Start
	last    atomic.Int64 // unix seconds of the last completed run
}

// New parses a standard five-field cron expression and returns a Schedule
// ready to have its Start method called.
func New(name, spec string, job Job) (*Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	return &Schedule{
		name:    name,
		sched:   sched,
		job:     job,
		running: semaphore.NewWeighted(1),
	}, nil
}

// Start runs the job once immediately, then on every schedule activation
// until ctx is canceled. A tick that fires while a run is still in progress
// is skipped. Start returns after the in-flight run (if any) completes, so
// it is safe to wait on for shutdown.
//
// Start is designed to be ran as a go routine. It must only be called once
// between context cancelations.
func (s *Schedule) Start(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/cron/Schedule.Start", "schedule", s.name)
	zlog.Info(ctx).Msg("starting initial run")
	s.TryRun(ctx)

	for {
		next := s.sched.Next(time.Now())
		s.next.Store(next.Unix())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			if !s.TryRun(ctx) {
				zlog.Info(ctx).Msg("previous run still in progress, skipping tick")
			}
		}
	}
}

// TryRun runs the job if no run is currently in progress, reporting whether
// it ran. The job's error is logged, not returned; the structured run state
// belongs to the job itself.
func (s *Schedule) TryRun(ctx context.Context) bool {
	if !s.running.TryAcquire(1) {
		return false
	}
	defer s.running.Release(1)
	if err := s.job(ctx); err != nil {
		zlog.Error(ctx).Str("schedule", s.name).Err(err).Msg("scheduled run errored")
	}
	s.last.Store(time.Now().Unix())
	return true
}

// Running reports whether a run is in progress.
func (s *Schedule) Running() bool {
	if !s.running.TryAcquire(1) {
		return true
	}
	s.running.Release(1)
	return false
}

// Next returns the next scheduled firing, or the zero time before Start.
func (s *Schedule) Next() time.Time {
	if n := s.next.Load(); n != 0 {
		return time.Unix(n, 0)
	}
	return time.Time{}
}

// Last returns the completion time of the last run, or the zero time if none
// has completed.
func (s *Schedule) Last() time.Time {
	if n := s.last.Load(); n != 0 {
		return time.Unix(n, 0)
	}
	return time.Time{}
}
