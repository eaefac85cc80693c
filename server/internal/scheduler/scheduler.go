// Package scheduler fires periodic jobs at wall-clock targets (C12),
// ported from original_source/backend/tests/unit/test_update_check_scheduling.py's
// PeriodicJobsManager.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Clock is injected for deterministic scheduling, resolving spec.md §9's
// open question in favor of "yes, inject it."
type Clock func() time.Time

// Job is one periodic task: a target wall-clock time in its own timezone
// offset, and the function to run when it fires.
type Job struct {
	Name                string
	TargetTime          time.Time // only Hour/Minute are read; date is ignored
	TimezoneOffsetMinutes int     // local = UTC + offset
	LastRunAt           *time.Time
	Run                 func(ctx context.Context)
}

const minSleep = 60 * time.Second

// Scheduler runs a set of Jobs, sleeping between checks using
// CalculateSleepUntilNextCheck.
type Scheduler struct {
	mu       sync.Mutex
	jobs     []*Job
	clock    Clock
	minSleep time.Duration
	log      *logrus.Logger
}

// New constructs a Scheduler. clock defaults to time.Now; minSleepOverride,
// if non-zero, replaces the 60s floor (useful for fast tests).
func New(clock Clock, minSleepOverride time.Duration, log *logrus.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	ms := minSleep
	if minSleepOverride > 0 {
		ms = minSleepOverride
	}
	return &Scheduler{clock: clock, minSleep: ms, log: log}
}

// AddJob registers a job to be run by Run's loop.
func (s *Scheduler) AddJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
}

// Run blocks, firing each job's target time and sleeping the minimum of all
// per-job sleep durations between checks, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		jobs := append([]*Job(nil), s.jobs...)
		s.mu.Unlock()

		now := s.clock()
		minWait := s.minSleep
		var due []*Job
		for _, j := range jobs {
			if ShouldRunNow(j.TargetTime, j.TimezoneOffsetMinutes, j.LastRunAt, now) {
				due = append(due, j)
				continue
			}
			wait := s.calculateSleep(j, now)
			if wait < minWait {
				minWait = wait
			}
		}

		for _, j := range due {
			j.Run(ctx)
			ran := now
			j.LastRunAt = &ran
		}

		if len(due) > 0 {
			continue // re-check immediately so a just-run job recomputes its next target
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(minWait):
		}
	}
}

func (s *Scheduler) calculateSleep(j *Job, now time.Time) time.Duration {
	return CalculateSleepUntilNextCheck(j.TargetTime, j.TimezoneOffsetMinutes, j.LastRunAt, now, s.minSleep)
}

// targetUTCMinutesOfDay converts a local HH:MM target plus a UTC-offset (in
// minutes, local = UTC + offset) into minutes-past-midnight UTC.
func targetUTCMinutesOfDay(targetTime time.Time, offsetMinutes int) int {
	targetMinutesLocal := targetTime.Hour()*60 + targetTime.Minute()
	return ((targetMinutesLocal-offsetMinutes)%1440 + 1440) % 1440
}

// mostRecentOccurrence returns the latest instant <= now at the given
// UTC time-of-day: today's occurrence if it has already passed, otherwise
// yesterday's. This is the "most recent occurrence" the issue #146 fix
// compares against last_run_at, per
// original_source/backend/tests/unit/test_update_check_scheduling.py's
// test_hhmm_* cases.
func mostRecentOccurrence(targetTime time.Time, offsetMinutes int, now time.Time) time.Time {
	now = now.UTC()
	targetMinutesUTC := targetUTCMinutesOfDay(targetTime, offsetMinutes)
	occurrence := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		Add(time.Duration(targetMinutesUTC) * time.Minute)
	if occurrence.After(now) {
		occurrence = occurrence.Add(-24 * time.Hour)
	}
	return occurrence
}

// ShouldRunNow implements the issue #146 fix exactly: a job should fire
// immediately when the most recent occurrence of its target time is after
// last_run_at (comparing full timestamps, not calendar dates). A nil
// lastRunAt (never run) fires once today's (UTC) occurrence of the target
// has passed; before that it waits. This is checked independently of CalculateSleepUntilNextCheck
// so a job whose target already passed before the process even started (or
// before its last sleep woke it up) fires on the very next check instead of
// waiting a full day for the next future occurrence — the scenario named in
// spec.md §4.7: a service started at 07:00 UTC with an 08:00 UTC target must
// fire on a 08:30 UTC check, the same day.
func ShouldRunNow(targetTime time.Time, offsetMinutes int, lastRunAt *time.Time, now time.Time) bool {
	occurrence := mostRecentOccurrence(targetTime, offsetMinutes, now)
	if lastRunAt == nil {
		return occurrence.Day() == now.UTC().Day()
	}
	return occurrence.After(*lastRunAt)
}

// CalculateSleepUntilNextCheck implements §4.7's algorithm exactly, ported
// from the five PeriodicJobsManager test cases: convert target (local HH:MM)
// to UTC-of-day using the offset, find the next occurrence strictly in the
// future (rolling forward a day on an exact match or a stale last_run_at),
// and floor the result so the loop never spins. This governs how long the
// scheduler sleeps between checks; ShouldRunNow governs whether a check
// fires immediately instead of waiting for that sleep to elapse.
func CalculateSleepUntilNextCheck(targetTime time.Time, offsetMinutes int, lastRunAt *time.Time, now time.Time, floor time.Duration) time.Duration {
	now = now.UTC()

	targetMinutesUTC := targetUTCMinutesOfDay(targetTime, offsetMinutes)
	todayTarget := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		Add(time.Duration(targetMinutesUTC) * time.Minute)

	next := todayTarget
	if !next.After(now) {
		// exact-match-rolls-to-tomorrow: an occurrence that is not strictly
		// in the future is not usable as "the next check."
		next = next.Add(24 * time.Hour)
	}

	if lastRunAt != nil {
		for !next.After(*lastRunAt) {
			next = next.Add(24 * time.Hour)
		}
	}

	sleep := next.Sub(now)
	if sleep < floor {
		sleep = floor
	}
	return sleep
}
