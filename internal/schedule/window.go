// Package schedule holds the pure scheduling logic: cron window
// computation, the sentinel policy for uncomputable schedules, and the
// due/remind decision. Nothing in here touches the database or the clock;
// callers inject the reference time.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Window is the cached pair of fire instants around a reference time:
// Prev is the most recent fire at or before it, Next the first one
// strictly after. Prev <= Next always holds for computed windows.
type Window struct {
	Prev time.Time
	Next time.Time
}

// ParseError reports a cron expression or timezone that cannot be
// evaluated. It is recovered locally by persisting the sentinel window,
// never propagated out of a tick.
type ParseError struct {
	Expr     string
	TimeZone string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unschedulable cron %q (tz %q): %v", e.Expr, e.TimeZone, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// how far back ComputeWindow searches for a previous fire before giving up.
// Standard 5-field cron fires at least yearly unless the day/month combo is
// impossible (e.g. "0 0 30 2 *"), so anything beyond a few years means the
// expression never fires.
const maxLookback = 6 * 366 * 24 * time.Hour

// ComputeWindow evaluates expr in the given IANA timezone and returns the
// fire window around ref. Pure: identical inputs yield identical outputs
// modulo tzdata updates.
func ComputeWindow(expr, timezone string, ref time.Time) (Window, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Window{}, &ParseError{Expr: expr, TimeZone: timezone, Err: err}
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Window{}, &ParseError{Expr: expr, TimeZone: timezone, Err: err}
	}

	local := ref.In(loc)

	next := sched.Next(local)
	if next.IsZero() {
		return Window{}, &ParseError{Expr: expr, TimeZone: timezone, Err: fmt.Errorf("no upcoming fire time")}
	}

	prev, ok := prevFire(sched, local)
	if !ok {
		return Window{}, &ParseError{Expr: expr, TimeZone: timezone, Err: fmt.Errorf("no previous fire time within lookback")}
	}

	return Window{Prev: prev.UTC(), Next: next.UTC()}, nil
}

// prevFire finds the latest fire at or before ref. robfig/cron only exposes
// Next, so we step back exponentially until the interval (start, ref]
// contains a fire, then walk forward to the last one not after ref.
func prevFire(sched cron.Schedule, ref time.Time) (time.Time, bool) {
	for back := time.Minute; back <= maxLookback; back *= 2 {
		start := ref.Add(-back)
		t := sched.Next(start)
		if t.IsZero() || t.After(ref) {
			continue
		}
		for {
			n := sched.Next(t)
			if n.IsZero() || n.After(ref) {
				return t, true
			}
			t = n
		}
	}
	return time.Time{}, false
}
