package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/epicweb-dev/gratitext-scheduler/internal/kafka"
	"github.com/epicweb-dev/gratitext-scheduler/internal/metrics"
	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
	"github.com/epicweb-dev/gratitext-scheduler/internal/repository"
	"github.com/epicweb-dev/gratitext-scheduler/internal/sms"
)

// OptOutChecker answers whether a phone number refused further texts.
type OptOutChecker interface {
	IsOptedOut(ctx context.Context, phoneNumber string) (bool, error)
}

// MessageMarker is the slice of the message store the dispatcher writes.
type MessageMarker interface {
	MarkSent(ctx context.Context, messageID string, at time.Time) error
}

// Dispatcher performs the actual sends: the recipient's queued message and
// the owner reminder. It owns the final pre-send checks (verified flag,
// opt-out registry) and the exactly-once sent_at transition.
type Dispatcher struct {
	messages  MessageMarker
	optOuts   OptOutChecker
	transport sms.Transport
	from      string
	events    *EventWorker
	log       *zap.Logger
}

func NewDispatcher(
	messages MessageMarker,
	optOuts OptOutChecker,
	transport sms.Transport,
	fromNumber string,
	events *EventWorker,
	log *zap.Logger,
) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		messages:  messages,
		optOuts:   optOuts,
		transport: transport,
		from:      fromNumber,
		events:    events,
		log:       log,
	}
}

// Deliver sends msg to rec and marks it sent. A transport failure leaves
// the message unsent; the next tick re-evaluates it from persisted state.
func (d *Dispatcher) Deliver(ctx context.Context, rec *models.Recipient, msg *models.Message, now time.Time) error {
	if rec == nil || msg == nil {
		return fmt.Errorf("recipient or message is nil")
	}
	if rec.Disabled {
		d.log.Debug("skip delivery to disabled recipient", zap.String("recipient", rec.ID))
		return nil
	}
	if !rec.Verified {
		d.log.Debug("skip delivery to unverified recipient", zap.String("recipient", rec.ID))
		return nil
	}
	if msg.Sent() {
		return nil
	}

	optedOut, err := d.optOuts.IsOptedOut(ctx, rec.PhoneNumber)
	if err != nil {
		return fmt.Errorf("check opt-out: %w", err)
	}
	if optedOut {
		metrics.IncSendFailure("opt_out")
		d.log.Info("recipient opted out, skipping",
			zap.String("recipient", rec.ID),
		)
		return nil
	}

	sid, err := d.transport.Send(ctx, rec.PhoneNumber, d.from, msg.Content)
	if err != nil {
		metrics.IncSendFailure("transport")
		return fmt.Errorf("transport send: %w", err)
	}

	if err := d.messages.MarkSent(ctx, msg.ID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Another instance marked it first. The text went out twice;
			// the sent_at guard kept the database consistent.
			metrics.IncSendFailure("mark_sent")
			d.log.Warn("message already marked sent after delivery",
				zap.String("message", msg.ID),
				zap.String("recipient", rec.ID),
			)
			return nil
		}
		metrics.IncSendFailure("mark_sent")
		return fmt.Errorf("mark sent: %w", err)
	}

	metrics.IncMessagesSent()
	metrics.ObserveSendLagSeconds(now.Sub(rec.PrevScheduledAt).Seconds())
	d.events.Publish(kafka.NewMessageSentEvent(rec.ID, rec.UserID, msg.ID, sid, now))

	d.log.Info("message delivered",
		zap.String("recipient", rec.ID),
		zap.String("message", msg.ID),
		zap.String("gateway_sid", sid),
	)
	return nil
}

// SendReminder nudges the owner that the next window is imminent and
// nothing is queued. Reminders are not sends: they bypass the rate limit
// and go to the owner's own number.
func (d *Dispatcher) SendReminder(ctx context.Context, rec *models.Recipient, now time.Time) error {
	if rec == nil {
		return fmt.Errorf("recipient is nil")
	}
	if rec.OwnerPhone == "" {
		return fmt.Errorf("owner phone is empty for recipient %s", rec.ID)
	}

	body := reminderBody(rec.Name)
	if _, err := d.transport.Send(ctx, rec.OwnerPhone, d.from, body); err != nil {
		metrics.IncSendFailure("reminder")
		return fmt.Errorf("send reminder: %w", err)
	}

	metrics.IncRemindersSent()
	d.events.Publish(kafka.NewReminderSentEvent(rec.ID, rec.UserID, now))

	d.log.Info("reminder sent",
		zap.String("recipient", rec.ID),
		zap.String("user", rec.UserID),
	)
	return nil
}

func reminderBody(name string) string {
	if name == "" {
		name = "your recipient"
	}
	return fmt.Sprintf(
		"Your message to %s is scheduled to go out soon, but nothing is queued. Write one now so it makes the window.",
		name,
	)
}
