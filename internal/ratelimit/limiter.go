// Package ratelimit enforces the per-tier daily send ceiling. The count
// is read from persisted message state immediately before every dispatch,
// so several recipients of the same user coming due in one tick are still
// capped correctly: each dispatch sees the sends the previous ones made.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
)

// Window is the trailing period the ceiling applies to.
const Window = 24 * time.Hour

// SendCounter reports how many messages a user's recipients received
// since a given instant. Implemented by repository.MessageRepository.
type SendCounter interface {
	CountRecentSends(ctx context.Context, userID string, since time.Time) (int, error)
}

// CeilingFor returns the number of sends a tier allows per trailing
// 24 hours. TierNone means no active subscription: never allowed.
func CeilingFor(tier models.Tier) int {
	switch tier {
	case models.TierBasic:
		return 1
	case models.TierPremium:
		return 10
	default:
		return 0
	}
}

type Limiter struct {
	counts SendCounter
}

func NewLimiter(counts SendCounter) *Limiter {
	return &Limiter{counts: counts}
}

// Allow reports whether the user may send one more message right now.
// A false result is a normal outcome, not an error; the due message stays
// queued and is reconsidered on a later tick.
func (l *Limiter) Allow(ctx context.Context, userID string, tier models.Tier, now time.Time) (bool, error) {
	ceiling := CeilingFor(tier)
	if ceiling <= 0 {
		return false, nil
	}

	n, err := l.counts.CountRecentSends(ctx, userID, now.Add(-Window))
	if err != nil {
		return false, fmt.Errorf("count recent sends: %w", err)
	}
	return n < ceiling, nil
}
