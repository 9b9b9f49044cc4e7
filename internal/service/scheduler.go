// Package service wires the scheduling decision logic to the store, the
// gateway and the primary gate. The tick loop is the only writer the
// scheduler has; everything it persists is recomputable from cron + time,
// so a crashed or raced tick heals on the next interval.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/epicweb-dev/gratitext-scheduler/internal/metrics"
	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
	"github.com/epicweb-dev/gratitext-scheduler/internal/primary"
	"github.com/epicweb-dev/gratitext-scheduler/internal/ratelimit"
	"github.com/epicweb-dev/gratitext-scheduler/internal/repository"
	"github.com/epicweb-dev/gratitext-scheduler/internal/schedule"
)

// RecipientStore is the recipient slice of the persistence contract.
type RecipientStore interface {
	FindCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Recipient, error)
	UpdateSchedule(ctx context.Context, id string, prev, next time.Time) error
	UpdateLastReminded(ctx context.Context, id string, at time.Time) error
}

// MessageStore is the message slice of the persistence contract.
type MessageStore interface {
	NextUnsent(ctx context.Context, recipientID string) (*models.Message, error)
	CountRecentSends(ctx context.Context, userID string, since time.Time) (int, error)
}

// Options are the tick loop knobs, normally filled from config.
type Options struct {
	TickInterval   time.Duration
	TickTimeout    time.Duration
	ReminderWindow time.Duration
	OverdueCutoff  time.Duration
	CandidateBatch int
}

func (o *Options) normalize() {
	if o.TickInterval <= 0 {
		o.TickInterval = 5 * time.Second
	} else if o.TickInterval < time.Second {
		o.TickInterval = time.Second
	}
	if o.TickTimeout <= 0 {
		o.TickTimeout = time.Minute
	}
	if o.ReminderWindow <= 0 {
		o.ReminderWindow = schedule.DefaultReminderWindow
	}
	if o.OverdueCutoff <= 0 {
		o.OverdueCutoff = schedule.DefaultOverdueCutoff
	}
	if o.CandidateBatch <= 0 {
		o.CandidateBatch = 100
	}
}

// Scheduler drives the tick loop. It owns its ticker and stops with the
// context; there is no package-level timer state.
type Scheduler struct {
	recipients RecipientStore
	messages   MessageStore
	tiers      TierLookup
	limiter    *ratelimit.Limiter
	dispatcher *Dispatcher
	gate       primary.Gate
	opts       Options
	log        *zap.Logger

	running atomic.Bool // guards against overlapping ticks

	now func() time.Time // injectable clock for tests
}

func NewScheduler(
	recipients RecipientStore,
	messages MessageStore,
	tiers TierLookup,
	limiter *ratelimit.Limiter,
	dispatcher *Dispatcher,
	gate primary.Gate,
	opts Options,
	log *zap.Logger,
) *Scheduler {
	opts.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		recipients: recipients,
		messages:   messages,
		tiers:      tiers,
		limiter:    limiter,
		dispatcher: dispatcher,
		gate:       gate,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// Run ticks until ctx is canceled. A failed tick is logged and the loop
// continues on the next interval; nothing short of ctx cancellation stops
// it.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("interval", s.opts.TickInterval),
		zap.Duration("reminder_window", s.opts.ReminderWindow),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx, false); err != nil {
				s.log.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// RunOnce executes one tick under the configured deadline. With
// rescheduleOnly set it only computes and persists schedule windows,
// sending nothing; backfill tooling uses that to seed schedule state.
func (s *Scheduler) RunOnce(ctx context.Context, rescheduleOnly bool) (err error) {
	// One tick at a time per instance. The timer and the manual HTTP
	// trigger share this scheduler; an overlapping tick could fetch the
	// same candidate twice and text it twice before MarkSent lands.
	if !s.running.CompareAndSwap(false, true) {
		metrics.IncTickSkipped("in_flight")
		s.log.Debug("tick already in flight, skipping")
		return nil
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.opts.TickTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	isPrimary, err := s.gate.IsPrimary(ctx)
	if err != nil {
		metrics.IncTickSkipped("gate_error")
		return fmt.Errorf("primary gate: %w", err)
	}
	if !isPrimary {
		metrics.IncTickSkipped("not_primary")
		s.log.Debug("not primary, skipping tick")
		return nil
	}

	start := s.now()
	now := start

	candidates, err := s.recipients.FindCandidates(ctx, now.Add(s.opts.ReminderWindow), s.opts.CandidateBatch)
	if err != nil {
		return fmt.Errorf("find candidates: %w", err)
	}

	// Sequential on purpose: one batch, bounded external-call concurrency.
	// A per-recipient failure only costs that recipient its turn.
	for i := range candidates {
		rec := &candidates[i]
		if err := s.processRecipient(ctx, rec, now, rescheduleOnly); err != nil {
			s.log.Error("recipient processing failed",
				zap.String("recipient", rec.ID),
				zap.Error(err),
			)
		}
	}

	metrics.IncTick()
	metrics.AddRecipientsProcessed(len(candidates))
	metrics.ObserveTickDuration(s.now().Sub(start))

	if len(candidates) > 0 {
		s.log.Debug("tick complete",
			zap.Int("candidates", len(candidates)),
			zap.Duration("took", s.now().Sub(start)),
		)
	}
	return nil
}

func (s *Scheduler) processRecipient(ctx context.Context, rec *models.Recipient, now time.Time, rescheduleOnly bool) error {
	// The candidate query excludes disabled rows; re-check here so a row
	// disabled between fetch and processing, or handed in by another
	// caller, never sends or reminds.
	if rec.Disabled {
		s.log.Debug("skip disabled recipient", zap.String("recipient", rec.ID))
		return nil
	}

	win := schedule.Window{Prev: rec.PrevScheduledAt, Next: rec.NextScheduledAt}

	// Recompute when the cached window was never computed (past sentinel)
	// or its next fire already passed.
	if needsRecompute(win, now) {
		metrics.IncWindowRecomputed()

		computed, err := schedule.ComputeWindow(rec.ScheduleCron, rec.TimeZone, now)
		if err != nil {
			var perr *schedule.ParseError
			if errors.As(err, &perr) {
				// Park the recipient on the sentinel window; it drops out
				// of candidate queries until the user fixes the schedule.
				metrics.IncScheduleComputeFailure()
				s.log.Warn("unschedulable recipient",
					zap.String("recipient", rec.ID),
					zap.String("cron", perr.Expr),
					zap.String("tz", perr.TimeZone),
					zap.Error(perr.Err),
				)
				if uerr := s.recipients.UpdateSchedule(ctx, rec.ID, schedule.SentinelPast, schedule.SentinelFuture); uerr != nil {
					return fmt.Errorf("persist sentinel window: %w", uerr)
				}
				return nil
			}
			return fmt.Errorf("compute window: %w", err)
		}
		win = computed
	}

	if !win.Prev.Equal(rec.PrevScheduledAt) || !win.Next.Equal(rec.NextScheduledAt) {
		if err := s.recipients.UpdateSchedule(ctx, rec.ID, win.Prev, win.Next); err != nil {
			// The window is recomputable; keep going with the in-memory copy.
			s.log.Warn("persist window failed",
				zap.String("recipient", rec.ID),
				zap.Error(err),
			)
		}
		rec.PrevScheduledAt = win.Prev
		rec.NextScheduledAt = win.Next
	}

	if rescheduleOnly {
		return nil
	}

	msg, err := s.messages.NextUnsent(ctx, rec.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("next unsent: %w", err)
	}
	hasQueued := msg != nil

	in := schedule.Input{
		Now:            now,
		Window:         win,
		LastSentAt:     rec.LastSentAt,
		LastRemindedAt: rec.LastRemindedAt,
		HasQueued:      hasQueued,
		ReminderWindow: s.opts.ReminderWindow,
		OverdueCutoff:  s.opts.OverdueCutoff,
	}
	if hasQueued {
		in.QueuedUpdatedAt = msg.UpdatedAt
	}
	dec := schedule.Evaluate(in)

	if dec.DueButStale {
		// Deliberate: an edit after the window opened, or a badly missed
		// tick, waits for the next window rather than sending stale.
		s.log.Debug("due message held back",
			zap.String("recipient", rec.ID),
			zap.Time("window_opened", win.Prev),
		)
	}

	if dec.Remind {
		if err := s.dispatcher.SendReminder(ctx, rec, now); err != nil {
			return fmt.Errorf("send reminder: %w", err)
		}
		if err := s.recipients.UpdateLastReminded(ctx, rec.ID, now); err != nil {
			return fmt.Errorf("persist last reminded: %w", err)
		}
	}

	if dec.Due {
		tier, err := s.tiers.GetTier(ctx, rec.UserID)
		if err != nil {
			return fmt.Errorf("tier lookup: %w", err)
		}

		allowed, err := s.limiter.Allow(ctx, rec.UserID, tier, now)
		if err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		if !allowed {
			metrics.IncRateLimited(string(tier))
			s.log.Info("send rate limited",
				zap.String("user", rec.UserID),
				zap.String("tier", string(tier)),
			)
			return nil
		}

		if err := s.dispatcher.Deliver(ctx, rec, msg, now); err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
	}

	return nil
}

func needsRecompute(win schedule.Window, now time.Time) bool {
	if win.Next.IsZero() || win.Next.Equal(schedule.SentinelPast) {
		return true
	}
	if win.Next.Equal(schedule.SentinelFuture) {
		return false
	}
	return !win.Next.After(now)
}
