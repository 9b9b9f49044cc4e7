package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
)

type fakeCounter struct {
	n     int
	err   error
	since time.Time
}

func (f *fakeCounter) CountRecentSends(_ context.Context, _ string, since time.Time) (int, error) {
	f.since = since
	return f.n, f.err
}

func TestAllow(t *testing.T) {
	now := time.Date(2025, time.May, 5, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		tier models.Tier
		sent int
		want bool
	}{
		{"no subscription never sends", models.TierNone, 0, false},
		{"basic first send", models.TierBasic, 0, true},
		{"basic second send blocked", models.TierBasic, 1, false},
		{"premium under ceiling", models.TierPremium, 9, true},
		{"premium at ceiling blocked", models.TierPremium, 10, false},
		{"unknown tier never sends", models.Tier("gold"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCounter{n: tt.sent}
			got, err := NewLimiter(fc).Allow(context.Background(), "user-1", tt.tier, now)
			if err != nil {
				t.Fatalf("Allow: %v", err)
			}
			if got != tt.want {
				t.Errorf("Allow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllow_TrailingWindow(t *testing.T) {
	now := time.Date(2025, time.May, 5, 12, 0, 0, 0, time.UTC)
	fc := &fakeCounter{}
	if _, err := NewLimiter(fc).Allow(context.Background(), "user-1", models.TierPremium, now); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	want := now.Add(-24 * time.Hour)
	if !fc.since.Equal(want) {
		t.Errorf("count window start: want %v, got %v", want, fc.since)
	}
}

func TestAllow_CounterError(t *testing.T) {
	fc := &fakeCounter{err: errors.New("db down")}
	ok, err := NewLimiter(fc).Allow(context.Background(), "user-1", models.TierPremium, time.Now())
	if err == nil {
		t.Fatal("want error")
	}
	if ok {
		t.Fatal("must not allow on counter error")
	}
}
