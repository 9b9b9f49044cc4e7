package sms

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Paced wraps a Transport with a token bucket so a tick with many due
// recipients cannot hammer the gateway. Waits block until a token is free
// or the tick deadline expires.
type Paced struct {
	next    Transport
	limiter *rate.Limiter
}

func NewPaced(next Transport, perSecond float64, burst int) *Paced {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Paced{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (p *Paced) Send(ctx context.Context, to, from, body string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("pace gateway send: %w", err)
	}
	return p.next.Send(ctx, to, from, body)
}
