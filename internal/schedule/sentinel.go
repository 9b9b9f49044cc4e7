package schedule

import "time"

// Sentinel timestamps stand in for "unknown schedule" so the candidate
// query can stay a plain range scan over next_scheduled_at with no NULL
// branches. A row whose cron or timezone cannot be evaluated gets
// {prev: SentinelPast, next: SentinelFuture} and simply never matches
// "next_scheduled_at <= cutoff" again until the user fixes it.
var (
	SentinelPast   = time.Date(1000, time.January, 1, 0, 0, 0, 0, time.UTC)
	SentinelFuture = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// IsSentinel reports whether t is one of the two placeholder timestamps.
func IsSentinel(t time.Time) bool {
	return t.Equal(SentinelPast) || t.Equal(SentinelFuture)
}

// SentinelWindow is the window persisted when a schedule cannot be computed.
func SentinelWindow() Window {
	return Window{Prev: SentinelPast, Next: SentinelFuture}
}
