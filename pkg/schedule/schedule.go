// Package schedule runs periodic jobs on fixed intervals or cron expressions.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next activation strictly after now.
type Schedule interface {
	Next(now time.Time) time.Time
}

// Every fires at a fixed interval.
type Every time.Duration

// Next implements Schedule.
func (e Every) Next(now time.Time) time.Time {
	return now.Add(time.Duration(e))
}

// Cron is a parsed standard cron expression: minute hour day-of-month
// month day-of-week, or a descriptor such as @daily.
type Cron struct {
	expr  string
	sched cron.Schedule
}

// ParseCron parses a standard five-field expression. Times are evaluated in
// loc, or UTC when loc is nil, unless the expression carries its own
// CRON_TZ= prefix.
func ParseCron(expr string, loc *time.Location) (*Cron, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		spec.Location = loc
	}
	return &Cron{expr: expr, sched: sched}, nil
}

func (c *Cron) String() string { return c.expr }

// Next implements Schedule. It returns the zero time if nothing matches
// within five years (e.g. "0 0 31 2 *").
func (c *Cron) Next(now time.Time) time.Time {
	return c.sched.Next(now)
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Run invokes job at every activation of sched until ctx is cancelled.
// Job errors go to onError (if set) and do not stop the loop. Activations
// missed while a job runs long are skipped.
func Run(ctx context.Context, sched Schedule, job Job, onError func(error)) error {
	for {
		next := sched.Next(time.Now())
		if next.IsZero() {
			return fmt.Errorf("schedule has no future activation")
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := job(ctx); err != nil && onError != nil {
			onError(err)
		}
	}
}
