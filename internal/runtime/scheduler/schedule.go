package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when a task runs next. Returning the zero time ends the
// task. A nil Schedule reruns the task as soon as it returns.
type Schedule interface {
	Next(after time.Time) time.Time
}

type initialDelayer interface {
	FirstRun(now time.Time) time.Time
}

// PollingSchedule runs a task repeatedly with Period between the end of one
// run and the start of the next.
type PollingSchedule struct {
	Period       time.Duration
	InitialDelay time.Duration
}

func (p PollingSchedule) Next(after time.Time) time.Time {
	return after.Add(p.Period)
}

// FirstRun delays the first execution by InitialDelay.
func (p PollingSchedule) FirstRun(now time.Time) time.Time {
	return now.Add(p.InitialDelay)
}

// CronSchedule fires on a cron expression.
type CronSchedule struct {
	Expr  string
	inner cron.Schedule
}

// ParseCron parses a standard five-field cron expression or a descriptor such
// as "@hourly" or "@every 5s".
func ParseCron(expr string) (CronSchedule, error) {
	inner, err := cron.ParseStandard(expr)
	if err != nil {
		return CronSchedule{}, err
	}
	return CronSchedule{Expr: expr, inner: inner}, nil
}

// MustParseCron is ParseCron that panics on malformed expressions.
func MustParseCron(expr string) CronSchedule {
	s, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (c CronSchedule) Next(after time.Time) time.Time {
	if c.inner == nil {
		return time.Time{}
	}
	return c.inner.Next(after)
}

// FirstRun waits for the first cron activation instead of running at once.
func (c CronSchedule) FirstRun(now time.Time) time.Time {
	return c.Next(now)
}

type onceSchedule struct{}

func (onceSchedule) Next(time.Time) time.Time { return time.Time{} }

// Once runs a task a single time.
func Once() Schedule { return onceSchedule{} }

// firstRun resolves the initial execution time of a schedule.
func firstRun(s Schedule, now time.Time) time.Time {
	if d, ok := s.(initialDelayer); ok {
		return d.FirstRun(now)
	}
	return now
}

// IsDue reports whether a subscriber last served at last may receive the next
// message at now. Subscribers that were never served are always due.
func IsDue(s Schedule, last, now time.Time) bool {
	if s == nil || last.IsZero() {
		return true
	}
	next := s.Next(last)
	if next.IsZero() {
		return false
	}
	return !now.Before(next)
}
