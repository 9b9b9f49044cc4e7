// Package sms wraps the outbound text-message gateway. The scheduler
// treats it as an opaque, possibly-failing remote call: a failed send
// leaves the message unsent in the database and the next tick retries
// naturally. The gateway offers no idempotency key; duplicate protection
// lives in the message sent_at guard, not here.
package sms

import (
	"context"
	"fmt"
)

// Transport sends one text message and returns the gateway's message SID.
type Transport interface {
	Send(ctx context.Context, to, from, body string) (string, error)
}

// SendError is a transport failure with the gateway's error code when one
// was returned.
type SendError struct {
	To   string
	Code int
	Err  error
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("send to %s failed (code %d): %v", e.To, e.Code, e.Err)
	}
	return fmt.Sprintf("send to %s failed: %v", e.To, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
