package repository

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OptOutRepository tracks phone numbers that replied STOP. Opt-out is
// keyed by number, not by recipient: the same person can be a recipient
// of several users.
type OptOutRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewOptOutRepository(db *pgxpool.Pool) *OptOutRepository {
	return &OptOutRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *OptOutRepository) IsOptedOut(ctx context.Context, phoneNumber string) (bool, error) {
	if phoneNumber == "" {
		return false, fmt.Errorf("phone number is empty")
	}

	q := r.sb.
		Select("1").
		From("opt_outs").
		Where(sq.Eq{"phone_number": phoneNumber}).
		Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build opt-out sql: %w", err)
	}

	var one int
	err = r.db.QueryRow(ctx, sqlStr, args...).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check opt-out: %w", err)
	}
	return true, nil
}
