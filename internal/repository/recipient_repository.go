package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
)

type RecipientRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewRecipientRepository(db *pgxpool.Pool) *RecipientRepository {
	return &RecipientRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// FindCandidates returns enabled, verified recipients whose cached next
// window is at or before cutoff, joined with the owner's phone number and
// the derived last successful delivery time. Rows holding the future
// sentinel never match; rows holding the past sentinel (never computed)
// always do and get their window computed by the caller.
func (r *RecipientRepository) FindCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Recipient, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.sb.
		Select(
			"r.id",
			"r.user_id",
			"r.name",
			"r.phone_number",
			"r.schedule_cron",
			"r.time_zone",
			"r.verified",
			"r.disabled",
			"r.prev_scheduled_at",
			"r.next_scheduled_at",
			"r.last_reminded_at",
			"u.phone_number AS owner_phone",
		).
		Column("(SELECT MAX(m.sent_at) FROM messages m WHERE m.recipient_id = r.id) AS last_sent_at").
		From("recipients r").
		Join("users u ON u.id = r.user_id").
		Where(sq.Eq{"r.disabled": false}).
		Where(sq.Eq{"r.verified": true}).
		Where(sq.LtOrEq{"r.next_scheduled_at": cutoff}).
		OrderBy("r.next_scheduled_at ASC", "r.id ASC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidates sql: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	res := make([]models.Recipient, 0, limit)

	for rows.Next() {
		var (
			rec          models.Recipient
			lastReminded pgtype.Timestamptz
			lastSent     pgtype.Timestamptz
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.Name,
			&rec.PhoneNumber,
			&rec.ScheduleCron,
			&rec.TimeZone,
			&rec.Verified,
			&rec.Disabled,
			&rec.PrevScheduledAt,
			&rec.NextScheduledAt,
			&lastReminded,
			&rec.OwnerPhone,
			&lastSent,
		); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}

		if lastReminded.Valid {
			rec.LastRemindedAt = lastReminded.Time
		}
		if lastSent.Valid {
			rec.LastSentAt = lastSent.Time
		}

		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate rows: %w", err)
	}

	return res, nil
}

// UpdateSchedule persists a freshly computed (or sentinel) window.
func (r *RecipientRepository) UpdateSchedule(ctx context.Context, id string, prev, next time.Time) error {
	if id == "" {
		return fmt.Errorf("recipient id is empty")
	}
	if prev.After(next) {
		return fmt.Errorf("prev %v after next %v", prev, next)
	}

	q := r.sb.
		Update("recipients").
		Set("prev_scheduled_at", prev).
		Set("next_scheduled_at", next).
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update schedule sql: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastReminded records that the owner got a reminder for this window.
func (r *RecipientRepository) UpdateLastReminded(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return fmt.Errorf("recipient id is empty")
	}

	q := r.sb.
		Update("recipients").
		Set("last_reminded_at", at).
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update last reminded sql: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update last reminded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
