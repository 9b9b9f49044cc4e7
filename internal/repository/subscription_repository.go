package repository

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
)

// SubscriptionRepository reads the billing tier the web app maintains.
// The scheduler never writes subscription state.
type SubscriptionRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// GetTier returns the user's active subscription tier. A user with no
// active subscription row is TierNone and is never allowed to send.
func (r *SubscriptionRepository) GetTier(ctx context.Context, userID string) (models.Tier, error) {
	if userID == "" {
		return models.TierNone, fmt.Errorf("user id is empty")
	}

	q := r.sb.
		Select("tier").
		From("subscriptions").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"active": true}).
		Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return models.TierNone, fmt.Errorf("build get tier sql: %w", err)
	}

	var tier string
	err = r.db.QueryRow(ctx, sqlStr, args...).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TierNone, nil
		}
		return models.TierNone, fmt.Errorf("get tier: %w", err)
	}

	switch models.Tier(tier) {
	case models.TierBasic, models.TierPremium:
		return models.Tier(tier), nil
	default:
		return models.TierNone, nil
	}
}
