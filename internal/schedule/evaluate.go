package schedule

import "time"

// Defaults for the evaluator knobs, overridable through config.
const (
	DefaultReminderWindow = 30 * time.Minute
	DefaultOverdueCutoff  = 10 * time.Minute
)

// Input is everything Evaluate needs, snapshotted by the caller. Now is
// injected so the decision is reproducible under a fixed clock.
type Input struct {
	Now    time.Time
	Window Window

	LastSentAt     time.Time // zero = never delivered
	LastRemindedAt time.Time // zero = never reminded

	// Next-in-line unsent message, if any.
	HasQueued       bool
	QueuedUpdatedAt time.Time

	ReminderWindow time.Duration
	OverdueCutoff  time.Duration
}

// Decision is the outcome of one evaluation. Due means the queued message
// should be dispatched now (rate limit permitting); Remind means the owner
// should get a nudge that nothing is queued before the upcoming window.
type Decision struct {
	Due    bool
	Remind bool

	// DueButStale flags a window whose message exists but failed the
	// freshness or overdue gate; used only for logging.
	DueButStale bool
}

// Evaluate decides whether a recipient's window calls for a send or a
// reminder. Pure function of its input.
func Evaluate(in Input) Decision {
	reminderWindow := in.ReminderWindow
	if reminderWindow <= 0 {
		reminderWindow = DefaultReminderWindow
	}
	overdueCutoff := in.OverdueCutoff
	if overdueCutoff <= 0 {
		overdueCutoff = DefaultOverdueCutoff
	}

	// A sentinel window means the schedule was never computed or is
	// uncomputable. Never due, never reminded.
	if IsSentinel(in.Window.Prev) || IsSentinel(in.Window.Next) {
		return Decision{}
	}

	var d Decision

	// Due: the window opened (prev passed) and nothing was sent since.
	windowOpen := in.LastSentAt.Before(in.Window.Prev)
	if windowOpen && in.HasQueued {
		// Freshness: the user must have finished editing before the window
		// opened, and the window must not be too far gone. A very overdue
		// window points at a missed tick; sending a stale message hours
		// late is worse than waiting for the next window.
		fresh := in.QueuedUpdatedAt.Before(in.Window.Prev)
		overdue := in.Now.Sub(in.Window.Prev) > overdueCutoff
		if fresh && !overdue {
			d.Due = true
		} else {
			d.DueButStale = true
		}
	}

	// Remind: the next window is imminent, nothing is queued, and the
	// owner was not already reminded since the previous fire.
	if !in.HasQueued &&
		in.Window.Next.After(in.Now) &&
		in.Window.Next.Sub(in.Now) <= reminderWindow &&
		in.LastRemindedAt.Before(in.Window.Prev) {
		d.Remind = true
	}

	return d
}
