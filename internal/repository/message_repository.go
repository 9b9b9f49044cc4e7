package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
)

type MessageRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// NextUnsent returns the recipient's next-in-line message: the unsent one
// with the lowest sort order. ErrNotFound when the queue is empty.
func (r *MessageRepository) NextUnsent(ctx context.Context, recipientID string) (*models.Message, error) {
	if recipientID == "" {
		return nil, fmt.Errorf("recipient id is empty")
	}

	q := r.sb.
		Select("id", "recipient_id", "content", "sort_order", "sent_at", "updated_at").
		From("messages").
		Where(sq.Eq{"recipient_id": recipientID}).
		Where("sent_at IS NULL").
		OrderBy("sort_order ASC", "id ASC").
		Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build next unsent sql: %w", err)
	}

	var (
		m      models.Message
		sentAt pgtype.Timestamptz
	)
	err = r.db.QueryRow(ctx, sqlStr, args...).Scan(
		&m.ID,
		&m.RecipientID,
		&m.Content,
		&m.Order,
		&sentAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get next unsent: %w", err)
	}

	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}

	return &m, nil
}

// MarkSent stamps sent_at exactly once. The "sent_at IS NULL" guard makes
// the transition idempotent: a second attempt (racing instance, replayed
// tick) affects zero rows and reports ErrNotFound instead of re-sending.
func (r *MessageRepository) MarkSent(ctx context.Context, messageID string, at time.Time) error {
	if messageID == "" {
		return fmt.Errorf("message id is empty")
	}

	q := r.sb.
		Update("messages").
		Set("sent_at", at).
		Where(sq.Eq{"id": messageID}).
		Where("sent_at IS NULL")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build mark sent sql: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRecentSends counts delivered messages across all of a user's
// recipients since the given instant. Feeds the tier rate limiter.
func (r *MessageRepository) CountRecentSends(ctx context.Context, userID string, since time.Time) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is empty")
	}

	q := r.sb.
		Select("COUNT(*)").
		From("messages m").
		Join("recipients r ON r.id = m.recipient_id").
		Where(sq.Eq{"r.user_id": userID}).
		Where(sq.Gt{"m.sent_at": since})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count recent sends sql: %w", err)
	}

	var n int
	if err := r.db.QueryRow(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent sends: %w", err)
	}
	return n, nil
}
