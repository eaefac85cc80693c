package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func target(hour, minute int) time.Time {
	return time.Date(2000, 1, 1, hour, minute, 0, 0, time.UTC)
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

const tolerance = 120 * time.Second

func TestCalculateSleep_SameDay(t *testing.T) {
	sleep := CalculateSleepUntilNextCheck(target(14, 0), 0, nil, at(13, 0), time.Second)
	assert.InDelta(t, (1 * time.Hour).Seconds(), sleep.Seconds(), tolerance.Seconds())
}

func TestCalculateSleep_NextDayAlreadyPassed(t *testing.T) {
	sleep := CalculateSleepUntilNextCheck(target(14, 0), 0, nil, at(15, 0), time.Second)
	assert.InDelta(t, (23 * time.Hour).Seconds(), sleep.Seconds(), tolerance.Seconds())
}

func TestCalculateSleep_ExactMatchRollsToTomorrow(t *testing.T) {
	sleep := CalculateSleepUntilNextCheck(target(14, 0), 0, nil, at(14, 0), time.Second)
	assert.InDelta(t, (24 * time.Hour).Seconds(), sleep.Seconds(), tolerance.Seconds())
}

func TestCalculateSleep_MidnightCrossing(t *testing.T) {
	sleep := CalculateSleepUntilNextCheck(target(2, 0), 0, nil, at(23, 0), time.Second)
	assert.InDelta(t, (3 * time.Hour).Seconds(), sleep.Seconds(), tolerance.Seconds())
}

func TestCalculateSleep_EarlyMorningToAfternoon(t *testing.T) {
	sleep := CalculateSleepUntilNextCheck(target(14, 0), 0, nil, at(6, 0), time.Second)
	assert.InDelta(t, (8 * time.Hour).Seconds(), sleep.Seconds(), tolerance.Seconds())
}

func TestShouldRunNow_Issue146SameDayAfterTarget(t *testing.T) {
	// Ported from test_hhmm_should_run_same_day_after_target: service
	// started at 07:00 UTC, target 08:00 UTC, checked at 08:30 UTC must
	// fire today - the target occurrence (08:00) is after the last check
	// (07:00), so a pure date-based "already ran today" comparison would
	// wrongly suppress this.
	lastCheck := at(7, 0)
	assert.True(t, ShouldRunNow(target(8, 0), 0, &lastCheck, at(8, 30)))
}

func TestShouldRunNow_BeforeTargetDoesNotRun(t *testing.T) {
	// Ported from test_hhmm_should_not_run_before_target.
	lastCheck := at(7, 0)
	assert.False(t, ShouldRunNow(target(8, 0), 0, &lastCheck, at(7, 30)))
}

func TestShouldRunNow_AfterDayChange(t *testing.T) {
	// Ported from test_hhmm_should_run_after_day_change: last check was
	// yesterday at 08:30, target 08:00, now is today 08:30 - today's
	// occurrence (08:00) is after yesterday's last check.
	lastCheck := at(8, 30).Add(-24 * time.Hour)
	assert.True(t, ShouldRunNow(target(8, 0), 0, &lastCheck, at(8, 30)))
}

func TestShouldRunNow_AlreadyRanTodaySkips(t *testing.T) {
	// Ported from test_hhmm_should_not_run_if_already_ran_today: last
	// check today at 08:30 (after the 08:00 target), now is 09:00 - the
	// target already fired this cycle.
	lastCheck := at(8, 30)
	assert.False(t, ShouldRunNow(target(8, 0), 0, &lastCheck, at(9, 0)))
}

func TestShouldRunNow_MidnightBoundary(t *testing.T) {
	// Ported from test_hhmm_midnight_boundary: last check 23:00 the day
	// before, target 00:30, now is 01:00 - today's 00:30 occurrence is
	// after yesterday's 23:00 check.
	lastCheck := at(1, 0).Add(-2 * time.Hour) // yesterday 23:00
	assert.True(t, ShouldRunNow(target(0, 30), 0, &lastCheck, at(1, 0)))
}

func TestShouldRunNow_NeverRunFiresOncePastTarget(t *testing.T) {
	// A job with no prior run should fire as soon as its target has
	// passed at least once, rather than waiting for CalculateSleep's next
	// future occurrence.
	assert.True(t, ShouldRunNow(target(8, 0), 0, nil, at(8, 30)))
	assert.False(t, ShouldRunNow(target(8, 0), 0, nil, at(7, 30)))
}

func TestCalculateSleep_MinimumFloorEnforced(t *testing.T) {
	// target a few seconds after now: the raw sleep would be under the
	// floor, so the floor must win.
	now := at(13, 0)
	soon := now.Add(1 * time.Second)
	sleep := CalculateSleepUntilNextCheck(soon, 0, nil, now, 60*time.Second)
	assert.GreaterOrEqual(t, sleep, 60*time.Second)
}

func TestCalculateSleep_TimezoneOffsetApplied(t *testing.T) {
	// Local target 09:00 with offset +120 (UTC+2) means UTC target is 07:00.
	sleep := CalculateSleepUntilNextCheck(target(9, 0), 120, nil, at(6, 0), time.Second)
	assert.InDelta(t, (1 * time.Hour).Seconds(), sleep.Seconds(), tolerance.Seconds())
}
