// Package primary decides whether this process is the one replica allowed
// to perform side-effecting scheduler work. The gate is checked fresh at
// the start of every tick; it reduces redundant sends and reminder spam
// across a small fleet, while the message-level sent_at guard remains the
// actual protection against duplicates during failover races.
package primary

import "context"

type Gate interface {
	IsPrimary(ctx context.Context) (bool, error)
}

// Static answers with a fixed value. Used for single-instance deployments
// and tests.
type Static struct {
	Primary bool
}

func (s Static) IsPrimary(context.Context) (bool, error) {
	return s.Primary, nil
}
