package cache

import (
	"fmt"
	"time"
)

// TierTTL bounds how stale a cached billing tier may be. A downgrade can
// take up to this long to reach the rate limiter; acceptable for a ceiling
// of a handful of sends per day.
const TierTTL = 5 * time.Minute

// tier:{user_id}
func TierKey(userID string) string {
	return fmt.Sprintf("tier:%s", userID)
}
