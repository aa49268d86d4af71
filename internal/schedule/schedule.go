// Package schedule implements the Schedule & Circuit Runtime: the four
// schedule variants spec.md names (Interval/Once/Cron/Immediate), the
// per-task circuit breaker that pauses a task after too many consecutive
// failures, and the tick-loop Runtime that asks each registered task's
// Schedule whether it is due and spawns its run function when it is.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field and extended 6-field (with
// leading seconds) cron expressions, plus the @hourly/@daily descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Check is the outcome of asking a Schedule whether a task is due.
type Check struct {
	ShouldRun bool
	NextRun   *time.Time
}

// RunOnce reports a task due now with no scheduled future run (Immediate's
// first check, Once's check once its time has passed).
func RunOnce() Check { return Check{ShouldRun: true} }

// WaitUntil reports a task not yet due, next due at next.
func WaitUntil(next time.Time) Check { return Check{ShouldRun: false, NextRun: &next} }

// RunAndSchedule reports a task due now, with its following run already
// computed (Interval's steady-state check).
func RunAndSchedule(next time.Time) Check { return Check{ShouldRun: true, NextRun: &next} }

// never reports a task that will never run again (a Once whose time has
// passed, or an unparsable Cron expression).
func never() Check { return Check{ShouldRun: false} }

// Schedule decides, given a task's last run time, whether it is due now
// and when it is next due.
type Schedule interface {
	Check(lastRun *time.Time) Check
	// NextExecution reports the first run after the given time, or nil if
	// the schedule has no future run (Once exhausted, Immediate, an
	// unparsable Cron expression).
	NextExecution(after time.Time) *time.Time
}

// Immediate runs once on first check, then waits 24 hours between
// subsequent checks — a task meant to fire once at actor-server startup,
// not on every tick.
type Immediate struct{}

func (Immediate) Check(lastRun *time.Time) Check {
	if lastRun == nil {
		return RunOnce()
	}
	return WaitUntil(time.Now().Add(24 * time.Hour))
}

func (Immediate) NextExecution(time.Time) *time.Time { return nil }

// Once runs exactly once, at At.
type Once struct {
	At time.Time
}

func (o Once) Check(lastRun *time.Time) Check {
	now := time.Now()
	if lastRun == nil {
		if now.After(o.At) || now.Equal(o.At) {
			return RunOnce()
		}
		return WaitUntil(o.At)
	}
	return never()
}

func (o Once) NextExecution(after time.Time) *time.Time {
	if after.Before(o.At) {
		at := o.At
		return &at
	}
	return nil
}

// Interval runs every Period, computed relative to the task's own last run
// rather than wall-clock ticks, so a late check doesn't compound drift.
type Interval struct {
	Period time.Duration
}

func (iv Interval) Check(lastRun *time.Time) Check {
	now := time.Now()
	if lastRun == nil {
		return RunAndSchedule(now.Add(iv.Period))
	}
	next := lastRun.Add(iv.Period)
	if now.Before(next) {
		return WaitUntil(next)
	}
	return RunAndSchedule(next.Add(iv.Period))
}

func (iv Interval) NextExecution(after time.Time) *time.Time {
	next := after.Add(iv.Period)
	return &next
}

// Cron runs on a standard cron schedule. An unparsable expression never
// runs, rather than erroring on every tick.
type Cron struct {
	Expression string
}

func (c Cron) Check(lastRun *time.Time) Check {
	schedule, err := cronParser.Parse(c.Expression)
	if err != nil {
		return never()
	}
	now := time.Now()
	after := now
	if lastRun != nil {
		after = *lastRun
	}
	next := schedule.Next(after)
	if next.IsZero() {
		return never()
	}
	if now.Before(next) {
		return WaitUntil(next)
	}
	future := schedule.Next(now)
	if future.IsZero() {
		return RunOnce()
	}
	return RunAndSchedule(future)
}

func (c Cron) NextExecution(after time.Time) *time.Time {
	schedule, err := cronParser.Parse(c.Expression)
	if err != nil {
		return nil
	}
	next := schedule.Next(after)
	if next.IsZero() {
		return nil
	}
	return &next
}
