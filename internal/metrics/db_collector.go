package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/epicweb-dev/gratitext-scheduler/internal/schedule"
)

// StartDBCollectors polls a couple of store-level gauges: the unsent
// message backlog and the number of recipients parked on the sentinel
// window. Cheap counts, refreshed on their own ticker outside the
// scheduler tick.
func StartDBCollectors(ctx context.Context, db *pgxpool.Pool, interval time.Duration, log *zap.Logger) {
	if db == nil {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		updateDBGauges(ctx, db, log)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				updateDBGauges(ctx, db, log)
			}
		}
	}()
}

func updateDBGauges(ctx context.Context, db *pgxpool.Pool, log *zap.Logger) {
	var unsent int64
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE sent_at IS NULL`).Scan(&unsent); err != nil {
		log.Warn("metrics db query unsent messages", zap.Error(err))
	} else {
		SetUnsentMessagesCount(unsent)
	}

	var broken int64
	err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM recipients WHERE next_scheduled_at = $1 AND NOT disabled`,
		schedule.SentinelFuture,
	).Scan(&broken)
	if err != nil {
		log.Warn("metrics db query broken schedules", zap.Error(err))
		return
	}
	SetBrokenScheduleCount(broken)
}
