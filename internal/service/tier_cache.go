package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/epicweb-dev/gratitext-scheduler/internal/cache"
	"github.com/epicweb-dev/gratitext-scheduler/internal/metrics"
	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
)

// TierLookup resolves a user's billing tier.
type TierLookup interface {
	GetTier(ctx context.Context, userID string) (models.Tier, error)
}

// CachedTierLookup fronts the subscription store with the shared Redis
// cache. Tiers change rarely; a bounded-staleness cache keeps the rate
// limiter from hitting the subscriptions table for every due recipient.
// Cache errors fall through to the store.
type CachedTierLookup struct {
	next  TierLookup
	cache cache.Cache
	log   *zap.Logger
}

func NewCachedTierLookup(next TierLookup, c cache.Cache, log *zap.Logger) *CachedTierLookup {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedTierLookup{next: next, cache: c, log: log}
}

func (l *CachedTierLookup) GetTier(ctx context.Context, userID string) (models.Tier, error) {
	key := cache.TierKey(userID)

	if b, ok, err := l.cache.Get(ctx, key); err != nil {
		l.log.Debug("tier cache get failed", zap.Error(err))
	} else if ok {
		metrics.IncRedisHit()
		switch tier := models.Tier(b); tier {
		case models.TierNone, models.TierBasic, models.TierPremium:
			return tier, nil
		}
		// unknown cached value, fall through to the store
	} else {
		metrics.IncRedisMiss()
	}

	tier, err := l.next.GetTier(ctx, userID)
	if err != nil {
		return models.TierNone, err
	}

	if err := l.cache.Set(ctx, key, []byte(tier), cache.TierTTL); err != nil {
		l.log.Debug("tier cache set failed", zap.Error(err))
	}
	return tier, nil
}
