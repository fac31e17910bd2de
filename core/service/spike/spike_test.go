package spike

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

type fakeSent struct {
	current    int
	historical int
	err        error
}

func (f *fakeSent) FindByMessageIDs(ctx context.Context, userID string, messageIDs []string) (*domain.SentEmail, error) {
	return nil, nil
}

func (f *fakeSent) FindBySESMessageIDVariants(ctx context.Context, variants []string) (*domain.SentEmail, error) {
	return nil, nil
}

func (f *fakeSent) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.current, nil
}

func (f *fakeSent) CountInWindow(ctx context.Context, userID string, from, to time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.historical, nil
}

type recordingNotifier struct {
	count int
}

func (r *recordingNotifier) NotifySpike(ctx context.Context, payload out.SpikeAlertPayload) error {
	r.count++
	return nil
}

var fixedNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestCheckSendingSpike_TriggersAboveThreshold(t *testing.T) {
	sent := &fakeSent{current: 30, historical: 70} // daily avg 10, mult 3.0
	notifier := &recordingNotifier{}
	svc := New(sent, notifier, nil, DefaultConfig())
	svc.now = func() time.Time { return fixedNow }

	if err := svc.CheckSendingSpike(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.count != 1 {
		t.Fatalf("expected 1 notification, got %d", notifier.count)
	}
}

func TestCheckSendingSpike_BelowMultiplier_NoAlert(t *testing.T) {
	sent := &fakeSent{current: 15, historical: 70} // daily avg 10, mult 1.5
	notifier := &recordingNotifier{}
	svc := New(sent, notifier, nil, DefaultConfig())
	svc.now = func() time.Time { return fixedNow }

	if err := svc.CheckSendingSpike(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.count != 0 {
		t.Fatalf("expected no notification, got %d", notifier.count)
	}
}

func TestCheckSendingSpike_InsufficientBaseline_NoAlert(t *testing.T) {
	// historical count of 4 over 7 days -> daily avg * 7 = 4, below MinHistoricalEmails(5)
	sent := &fakeSent{current: 100, historical: 4}
	notifier := &recordingNotifier{}
	svc := New(sent, notifier, nil, DefaultConfig())
	svc.now = func() time.Time { return fixedNow }

	if err := svc.CheckSendingSpike(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.count != 0 {
		t.Fatalf("expected no notification on insufficient baseline, got %d", notifier.count)
	}
}

func TestCheckSendingSpike_BelowMinCurrent_NoAlert(t *testing.T) {
	sent := &fakeSent{current: 5, historical: 70}
	notifier := &recordingNotifier{}
	svc := New(sent, notifier, nil, DefaultConfig())
	svc.now = func() time.Time { return fixedNow }

	if err := svc.CheckSendingSpike(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.count != 0 {
		t.Fatalf("expected no notification below MinCurrentEmailsForAlert, got %d", notifier.count)
	}
}

func TestCheckSendingSpike_Cooldown_SuppressesRepeat(t *testing.T) {
	sent := &fakeSent{current: 30, historical: 70}
	notifier := &recordingNotifier{}
	svc := New(sent, notifier, nil, DefaultConfig())
	svc.now = func() time.Time { return fixedNow }

	_ = svc.CheckSendingSpike(context.Background(), "u1")
	_ = svc.CheckSendingSpike(context.Background(), "u1")

	if notifier.count != 1 {
		t.Fatalf("expected cooldown to suppress the second alert, got %d notifications", notifier.count)
	}
}

func TestCheckSendingSpike_FailsOpenOnRepositoryError(t *testing.T) {
	sent := &fakeSent{err: errors.New("db down")}
	notifier := &recordingNotifier{}
	svc := New(sent, notifier, nil, DefaultConfig())

	if err := svc.CheckSendingSpike(context.Background(), "u1"); err != nil {
		t.Fatalf("spike detector must fail open, got error: %v", err)
	}
	if notifier.count != 0 {
		t.Fatalf("expected no notification on repository failure, got %d", notifier.count)
	}
}
