package models

import (
	"time"
)

// Tier is a user's subscription tier. It controls the daily send ceiling.
type Tier string

const (
	TierNone    Tier = "none"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// Recipient is one scheduling target owned by a user, joined with the
// bits of owner state the scheduler needs (owner phone for reminders,
// last_sent_at derived from the recipient's message history).
type Recipient struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	Name         string    `db:"name"`
	PhoneNumber  string    `db:"phone_number"`
	ScheduleCron string    `db:"schedule_cron"`
	TimeZone     string    `db:"time_zone"`
	Verified     bool      `db:"verified"`
	Disabled     bool      `db:"disabled"`

	// Cached schedule window. Never NULL in the database: uncomputed rows
	// hold the past sentinel in both fields, uncomputable schedules hold
	// the past/future sentinel pair.
	PrevScheduledAt time.Time `db:"prev_scheduled_at"`
	NextScheduledAt time.Time `db:"next_scheduled_at"`

	// LastSentAt is MAX(messages.sent_at) for this recipient; zero when
	// nothing was ever delivered. LastRemindedAt is zero when the owner
	// was never reminded.
	LastSentAt     time.Time `db:"last_sent_at"`
	LastRemindedAt time.Time `db:"last_reminded_at"`

	// OwnerPhone receives "you forgot to write a message" reminders.
	OwnerPhone string `db:"owner_phone"`
}

// Message is one unit of content queued for a recipient. Order is a float
// priority key so the web app can insert between two messages without
// renumbering; the unsent message with the lowest order is next in line.
type Message struct {
	ID          string     `db:"id"`
	RecipientID string     `db:"recipient_id"`
	Content     string     `db:"content"`
	Order       float64    `db:"sort_order"`
	SentAt      *time.Time `db:"sent_at"` // NULL until delivered, set exactly once
	UpdatedAt   time.Time  `db:"updated_at"`
}

// Sent reports whether the message was already delivered.
func (m *Message) Sent() bool {
	return m != nil && m.SentAt != nil
}
