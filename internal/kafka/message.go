package kafka

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventMessageSent  = "message.sent"
	EventReminderSent = "reminder.sent"
)

// DeliveryEvent is the envelope published after a successful send or
// reminder, for downstream consumers (analytics, the web app's activity
// feed). Keyed by recipient so one recipient's events stay ordered.
type DeliveryEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	RecipientID string    `json:"recipient_id"`
	UserID      string    `json:"user_id"`
	MessageID   string    `json:"message_id,omitempty"` // empty for reminders
	GatewaySID  string    `json:"gateway_sid,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

func NewMessageSentEvent(recipientID, userID, messageID, gatewaySID string, at time.Time) *DeliveryEvent {
	return &DeliveryEvent{
		EventID:     uuid.NewString(),
		Type:        EventMessageSent,
		RecipientID: recipientID,
		UserID:      userID,
		MessageID:   messageID,
		GatewaySID:  gatewaySID,
		SentAt:      at,
	}
}

func NewReminderSentEvent(recipientID, userID string, at time.Time) *DeliveryEvent {
	return &DeliveryEvent{
		EventID:     uuid.NewString(),
		Type:        EventReminderSent,
		RecipientID: recipientID,
		UserID:      userID,
		SentAt:      at,
	}
}
