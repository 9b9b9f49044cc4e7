package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/epicweb-dev/gratitext-scheduler/internal/models"
	"github.com/epicweb-dev/gratitext-scheduler/internal/primary"
	"github.com/epicweb-dev/gratitext-scheduler/internal/ratelimit"
	"github.com/epicweb-dev/gratitext-scheduler/internal/repository"
	"github.com/epicweb-dev/gratitext-scheduler/internal/schedule"
)

// tickNow sits 30s past a minute boundary so every-minute crons have a
// fresh previous fire at 12:00:00.
var tickNow = time.Date(2025, 5, 5, 12, 0, 30, 0, time.UTC)

type scheduleUpdate struct {
	prev, next time.Time
}

type fakeRecipients struct {
	candidates     []models.Recipient
	findErr        error
	findCalls      int
	updates        map[string]scheduleUpdate
	reminded       map[string]time.Time
	panicOnFind    bool
	updateSchedErr error
}

func newFakeRecipients(recs ...models.Recipient) *fakeRecipients {
	return &fakeRecipients{
		candidates: recs,
		updates:    make(map[string]scheduleUpdate),
		reminded:   make(map[string]time.Time),
	}
}

func (f *fakeRecipients) FindCandidates(_ context.Context, _ time.Time, _ int) ([]models.Recipient, error) {
	f.findCalls++
	if f.panicOnFind {
		panic("store exploded")
	}
	if f.findErr != nil {
		return nil, f.findErr
	}
	out := make([]models.Recipient, len(f.candidates))
	copy(out, f.candidates)
	return out, nil
}

func (f *fakeRecipients) UpdateSchedule(_ context.Context, id string, prev, next time.Time) error {
	if f.updateSchedErr != nil {
		return f.updateSchedErr
	}
	f.updates[id] = scheduleUpdate{prev: prev, next: next}
	return nil
}

func (f *fakeRecipients) UpdateLastReminded(_ context.Context, id string, at time.Time) error {
	f.reminded[id] = at
	return nil
}

type fakeMessages struct {
	unsent      map[string]*models.Message
	marked      map[string]time.Time
	recentSends map[string]int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		unsent:      make(map[string]*models.Message),
		marked:      make(map[string]time.Time),
		recentSends: make(map[string]int),
	}
}

func (f *fakeMessages) NextUnsent(_ context.Context, recipientID string) (*models.Message, error) {
	msg, ok := f.unsent[recipientID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) CountRecentSends(_ context.Context, userID string, _ time.Time) (int, error) {
	return f.recentSends[userID], nil
}

func (f *fakeMessages) MarkSent(_ context.Context, messageID string, at time.Time) error {
	if _, done := f.marked[messageID]; done {
		return repository.ErrNotFound
	}
	f.marked[messageID] = at
	return nil
}

type fakeTiers struct {
	tiers map[string]models.Tier
	errs  map[string]error
}

func (f *fakeTiers) GetTier(_ context.Context, userID string) (models.Tier, error) {
	if err := f.errs[userID]; err != nil {
		return models.TierNone, err
	}
	if t, ok := f.tiers[userID]; ok {
		return t, nil
	}
	return models.TierNone, nil
}

type sentSMS struct {
	to, from, body string
}

type fakeTransport struct {
	sent []sentSMS
	err  error
}

func (f *fakeTransport) Send(_ context.Context, to, from, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentSMS{to: to, from: from, body: body})
	return "SM_fake", nil
}

type fakeOptOuts struct {
	numbers map[string]bool
}

func (f *fakeOptOuts) IsOptedOut(_ context.Context, phone string) (bool, error) {
	return f.numbers[phone], nil
}

type errGate struct{}

func (errGate) IsPrimary(context.Context) (bool, error) {
	return false, errors.New("redis down")
}

type fixture struct {
	recipients *fakeRecipients
	messages   *fakeMessages
	tiers      *fakeTiers
	transport  *fakeTransport
	optOuts    *fakeOptOuts
	scheduler  *Scheduler
}

func newFixture(t *testing.T, recs ...models.Recipient) *fixture {
	t.Helper()
	f := &fixture{
		recipients: newFakeRecipients(recs...),
		messages:   newFakeMessages(),
		tiers:      &fakeTiers{tiers: make(map[string]models.Tier), errs: make(map[string]error)},
		transport:  &fakeTransport{},
		optOuts:    &fakeOptOuts{numbers: make(map[string]bool)},
	}
	f.scheduler = NewScheduler(
		f.recipients,
		f.messages,
		f.tiers,
		ratelimit.NewLimiter(f.messages),
		NewDispatcher(f.messages, f.optOuts, f.transport, "+15550001111", nil, nil),
		primary.Static{Primary: true},
		Options{TickInterval: time.Second, CandidateBatch: 10},
		nil,
	)
	f.scheduler.now = func() time.Time { return tickNow }
	return f
}

// dueRecipient has a fresh window that opened 30s ago and a queued
// message older than the window.
func dueRecipient(id, userID string) models.Recipient {
	return models.Recipient{
		ID:              id,
		UserID:          userID,
		Name:            "Mom",
		PhoneNumber:     "+15557770001",
		OwnerPhone:      "+15557770099",
		ScheduleCron:    "* * * * *",
		TimeZone:        "UTC",
		Verified:        true,
		PrevScheduledAt: tickNow.Add(-30 * time.Second),
		NextScheduledAt: tickNow.Add(30 * time.Second),
	}
}

func queueMessage(f *fixture, recipientID, messageID string) {
	f.messages.unsent[recipientID] = &models.Message{
		ID:          messageID,
		RecipientID: recipientID,
		Content:     "thinking of you",
		UpdatedAt:   tickNow.Add(-2 * time.Hour),
	}
}

func TestRunOnceDeliversDueMessage(t *testing.T) {
	f := newFixture(t, dueRecipient("r1", "u1"))
	f.tiers.tiers["u1"] = models.TierPremium
	queueMessage(f, "r1", "m1")

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(f.transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.transport.sent))
	}
	got := f.transport.sent[0]
	if got.to != "+15557770001" || got.body != "thinking of you" {
		t.Errorf("unexpected send %+v", got)
	}
	if _, ok := f.messages.marked["m1"]; !ok {
		t.Error("message was not marked sent")
	}
	if len(f.recipients.reminded) != 0 {
		t.Error("reminder sent alongside a delivery")
	}
}

func TestRunOnceRecomputesStaleWindow(t *testing.T) {
	rec := dueRecipient("r1", "u1")
	// Window from a previous day: next fire long passed.
	rec.PrevScheduledAt = tickNow.Add(-25 * time.Hour)
	rec.NextScheduledAt = tickNow.Add(-24 * time.Hour)

	f := newFixture(t, rec)
	f.tiers.tiers["u1"] = models.TierBasic
	queueMessage(f, "r1", "m1")

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	up, ok := f.recipients.updates["r1"]
	if !ok {
		t.Fatal("recomputed window was not persisted")
	}
	wantPrev := time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)
	if !up.prev.Equal(wantPrev) {
		t.Errorf("persisted prev = %v, want %v", up.prev, wantPrev)
	}
	if !up.next.After(tickNow) {
		t.Errorf("persisted next = %v, not after now", up.next)
	}
	if len(f.transport.sent) != 1 {
		t.Fatalf("sent %d messages after recompute, want 1", len(f.transport.sent))
	}
}

func TestRunOnceParksUnschedulableRecipient(t *testing.T) {
	rec := dueRecipient("r1", "u1")
	rec.ScheduleCron = "not-a-cron"
	rec.PrevScheduledAt = schedule.SentinelPast
	rec.NextScheduledAt = schedule.SentinelPast

	f := newFixture(t, rec)
	queueMessage(f, "r1", "m1")

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	up, ok := f.recipients.updates["r1"]
	if !ok {
		t.Fatal("sentinel window was not persisted")
	}
	if !up.prev.Equal(schedule.SentinelPast) || !up.next.Equal(schedule.SentinelFuture) {
		t.Errorf("persisted window = {%v %v}, want sentinel pair", up.prev, up.next)
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("sent %d messages for a broken schedule, want 0", len(f.transport.sent))
	}
}

func TestRunOnceSkipsWhenNotPrimary(t *testing.T) {
	f := newFixture(t, dueRecipient("r1", "u1"))
	f.tiers.tiers["u1"] = models.TierPremium
	queueMessage(f, "r1", "m1")
	f.scheduler.gate = primary.Static{Primary: false}

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if f.recipients.findCalls != 0 {
		t.Error("candidates fetched on a non-primary instance")
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("sent %d messages on a non-primary instance", len(f.transport.sent))
	}
}

func TestRunOnceFailsClosedOnGateError(t *testing.T) {
	f := newFixture(t, dueRecipient("r1", "u1"))
	f.scheduler.gate = errGate{}

	err := f.scheduler.RunOnce(context.Background(), false)
	if err == nil {
		t.Fatal("expected gate error to fail the tick")
	}
	if len(f.transport.sent) != 0 {
		t.Error("sent messages despite gate failure")
	}
}

func TestRunOnceRateLimits(t *testing.T) {
	tests := []struct {
		name        string
		tier        models.Tier
		recentSends int
		wantSent    int
	}{
		{"none tier never sends", models.TierNone, 0, 0},
		{"basic at ceiling", models.TierBasic, 1, 0},
		{"basic under ceiling", models.TierBasic, 0, 1},
		{"premium at ceiling", models.TierPremium, 10, 0},
		{"premium under ceiling", models.TierPremium, 9, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, dueRecipient("r1", "u1"))
			f.tiers.tiers["u1"] = tt.tier
			f.messages.recentSends["u1"] = tt.recentSends
			queueMessage(f, "r1", "m1")

			if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			if len(f.transport.sent) != tt.wantSent {
				t.Errorf("sent %d messages, want %d", len(f.transport.sent), tt.wantSent)
			}
		})
	}
}

func TestRunOnceSendsReminderOncePerWindow(t *testing.T) {
	rec := dueRecipient("r1", "u1")
	f := newFixture(t, rec) // no queued message

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(f.transport.sent) != 1 {
		t.Fatalf("sent %d texts, want 1 reminder", len(f.transport.sent))
	}
	got := f.transport.sent[0]
	if got.to != rec.OwnerPhone {
		t.Errorf("reminder went to %s, want owner %s", got.to, rec.OwnerPhone)
	}
	if !strings.Contains(got.body, "Mom") {
		t.Errorf("reminder body %q does not name the recipient", got.body)
	}
	at, ok := f.recipients.reminded["r1"]
	if !ok || !at.Equal(tickNow) {
		t.Errorf("last_reminded_at = %v, want %v", at, tickNow)
	}

	// Same window, already reminded: stays quiet.
	rec.LastRemindedAt = tickNow
	f2 := newFixture(t, rec)
	if err := f2.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f2.transport.sent) != 0 {
		t.Errorf("sent %d texts on second pass, want 0", len(f2.transport.sent))
	}
}

func TestRunOnceRescheduleOnly(t *testing.T) {
	rec := dueRecipient("r1", "u1")
	rec.PrevScheduledAt = schedule.SentinelPast
	rec.NextScheduledAt = schedule.SentinelPast

	f := newFixture(t, rec)
	f.tiers.tiers["u1"] = models.TierPremium
	queueMessage(f, "r1", "m1")

	if err := f.scheduler.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, ok := f.recipients.updates["r1"]; !ok {
		t.Error("window was not persisted in reschedule-only mode")
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("sent %d texts in reschedule-only mode, want 0", len(f.transport.sent))
	}
}

func TestRunOnceHoldsBackOverdueWindow(t *testing.T) {
	rec := dueRecipient("r1", "u1")
	// Window opened well past the overdue cutoff.
	rec.PrevScheduledAt = tickNow.Add(-30 * time.Minute)
	rec.NextScheduledAt = tickNow.Add(30 * time.Minute)

	f := newFixture(t, rec)
	f.tiers.tiers["u1"] = models.TierPremium
	queueMessage(f, "r1", "m1")

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("sent %d texts for an overdue window, want 0", len(f.transport.sent))
	}
	if _, marked := f.messages.marked["m1"]; marked {
		t.Error("held-back message was marked sent")
	}
}

func TestRunOnceIsolatesRecipientFailures(t *testing.T) {
	bad := dueRecipient("r1", "u-broken")
	good := dueRecipient("r2", "u2")
	good.PhoneNumber = "+15557770002"

	f := newFixture(t, bad, good)
	f.tiers.errs["u-broken"] = errors.New("subscription store down")
	f.tiers.tiers["u2"] = models.TierPremium
	queueMessage(f, "r1", "m1")
	queueMessage(f, "r2", "m2")

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(f.transport.sent) != 1 {
		t.Fatalf("sent %d texts, want 1", len(f.transport.sent))
	}
	if f.transport.sent[0].to != "+15557770002" {
		t.Errorf("delivered to %s, want the healthy recipient", f.transport.sent[0].to)
	}
}

func TestRunOnceRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.recipients.panicOnFind = true

	err := f.scheduler.RunOnce(context.Background(), false)
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
	if !strings.Contains(err.Error(), "tick panic") {
		t.Errorf("error = %v, want tick panic", err)
	}
}

func TestDeliverSkipsOptedOutRecipient(t *testing.T) {
	f := newFixture(t, dueRecipient("r1", "u1"))
	f.tiers.tiers["u1"] = models.TierPremium
	f.optOuts.numbers["+15557770001"] = true
	queueMessage(f, "r1", "m1")

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("sent %d texts to an opted-out number", len(f.transport.sent))
	}
	if _, marked := f.messages.marked["m1"]; marked {
		t.Error("skipped message was marked sent")
	}
}

func TestDeliverLeavesMessageUnsentOnTransportFailure(t *testing.T) {
	f := newFixture(t, dueRecipient("r1", "u1"))
	f.tiers.tiers["u1"] = models.TierPremium
	f.transport.err = errors.New("gateway 5xx")
	queueMessage(f, "r1", "m1")

	// Per-recipient failures are contained; the tick itself succeeds.
	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, marked := f.messages.marked["m1"]; marked {
		t.Error("message marked sent despite transport failure")
	}
}

func TestRunOnceSkipsDisabledRecipient(t *testing.T) {
	rec := dueRecipient("r1", "u1")
	rec.Disabled = true
	f := newFixture(t, rec)
	f.tiers.tiers["u1"] = models.TierPremium
	queueMessage(f, "r1", "m1")

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("disabled recipient got %d sends, want 0", len(f.transport.sent))
	}
	if _, marked := f.messages.marked["m1"]; marked {
		t.Error("disabled recipient's message was marked sent")
	}

	// Disabled also suppresses the owner reminder.
	rec2 := dueRecipient("r2", "u2")
	rec2.Disabled = true
	f2 := newFixture(t, rec2) // no queued message, reminder would fire
	if err := f2.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f2.transport.sent) != 0 {
		t.Errorf("disabled recipient's owner got %d reminders, want 0", len(f2.transport.sent))
	}
}

func TestDeliverSkipsDisabledRecipient(t *testing.T) {
	rec := dueRecipient("r1", "u1")
	rec.Disabled = true
	f := newFixture(t, rec)
	queueMessage(f, "r1", "m1")
	msg, err := f.messages.NextUnsent(context.Background(), "r1")
	if err != nil {
		t.Fatalf("NextUnsent: %v", err)
	}

	if err := f.scheduler.dispatcher.Deliver(context.Background(), &rec, msg, tickNow); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("dispatcher sent %d texts to a disabled recipient, want 0", len(f.transport.sent))
	}
	if _, marked := f.messages.marked["m1"]; marked {
		t.Error("disabled recipient's message was marked sent")
	}
}

func TestRunOnceSkipsWhileTickInFlight(t *testing.T) {
	f := newFixture(t, dueRecipient("r1", "u1"))
	f.tiers.tiers["u1"] = models.TierPremium
	queueMessage(f, "r1", "m1")

	f.scheduler.running.Store(true)
	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if f.recipients.findCalls != 0 {
		t.Error("overlapping tick fetched candidates")
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("overlapping tick sent %d texts, want 0", len(f.transport.sent))
	}

	// Once the first tick finishes the next one runs normally.
	f.scheduler.running.Store(false)
	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.transport.sent) != 1 {
		t.Fatalf("follow-up tick sent %d texts, want 1", len(f.transport.sent))
	}
}

func TestRunOnceClearsInFlightAfterPanic(t *testing.T) {
	f := newFixture(t)
	f.recipients.panicOnFind = true

	if err := f.scheduler.RunOnce(context.Background(), false); err == nil {
		t.Fatal("expected panic to surface as an error")
	}
	if f.scheduler.running.Load() {
		t.Error("in-flight flag still set after a panicked tick")
	}
}

func TestOptionsNormalizeClampsTickInterval(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero gets the default", 0, 5 * time.Second},
		{"sub-second clamps to the minimum", 100 * time.Millisecond, time.Second},
		{"at the minimum stays", time.Second, time.Second},
		{"above the minimum stays", 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Options{TickInterval: tt.in}
			o.normalize()
			if o.TickInterval != tt.want {
				t.Errorf("TickInterval = %v, want %v", o.TickInterval, tt.want)
			}
		})
	}
}

func TestDeliverSkipsUnverifiedRecipient(t *testing.T) {
	rec := dueRecipient("r1", "u1")
	rec.Verified = false
	f := newFixture(t, rec)
	f.tiers.tiers["u1"] = models.TierPremium
	queueMessage(f, "r1", "m1")

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.transport.sent) != 0 {
		t.Errorf("sent %d texts to an unverified recipient", len(f.transport.sent))
	}
	if _, marked := f.messages.marked["m1"]; marked {
		t.Error("unverified recipient's message was marked sent")
	}
}

func TestMarkSentGuardToleratesDuplicate(t *testing.T) {
	f := newFixture(t, dueRecipient("r1", "u1"))
	f.tiers.tiers["u1"] = models.TierPremium
	queueMessage(f, "r1", "m1")
	f.messages.marked["m1"] = tickNow.Add(-time.Second) // raced instance won

	if err := f.scheduler.RunOnce(context.Background(), false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := f.messages.marked["m1"]; !got.Equal(tickNow.Add(-time.Second)) {
		t.Errorf("sent_at overwritten to %v", got)
	}
}
