package worker

import (
	"context"
	"errors"
	"testing"
)

var errNotFound = errors.New("structured email not found")

type fakeRouting struct {
	emailID string
	err     error
}

func (f *fakeRouting) RouteEmail(ctx context.Context, emailID string) error {
	f.emailID = emailID
	return f.err
}

type fakeDSN struct {
	dsnEmailID string
}

func (f *fakeDSN) AnalyzeDSN(ctx context.Context, dsnEmailID string) error {
	f.dsnEmailID = dsnEmailID
	return nil
}

type fakeSpike struct {
	userID string
}

func (f *fakeSpike) CheckSendingSpike(ctx context.Context, userID string) error {
	f.userID = userID
	return nil
}

func TestHandler_DispatchesRouteEmail(t *testing.T) {
	routing := &fakeRouting{}
	h := NewHandler(routing, &fakeDSN{}, &fakeSpike{})

	msg := NewMessage(JobRouteEmail, map[string]any{"emailId": "e1"})
	if err := h.Process(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if routing.emailID != "e1" {
		t.Fatalf("expected emailID e1, got %q", routing.emailID)
	}
}

func TestHandler_RetryWebhookReinvokesRouteEmail(t *testing.T) {
	routing := &fakeRouting{}
	h := NewHandler(routing, &fakeDSN{}, &fakeSpike{})

	msg := NewMessage(JobRetryWebhook, map[string]any{"emailId": "e1"})
	if err := h.Process(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if routing.emailID != "e1" {
		t.Fatalf("expected retry to re-invoke RouteEmail with emailID e1, got %q", routing.emailID)
	}
}

func TestHandler_DispatchesDSNAndSpike(t *testing.T) {
	dsn := &fakeDSN{}
	spike := &fakeSpike{}
	h := NewHandler(&fakeRouting{}, dsn, spike)

	if err := h.Process(context.Background(), NewMessage(JobProcessDSN, map[string]any{"dsnEmailId": "d1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dsn.dsnEmailID != "d1" {
		t.Fatalf("expected dsnEmailID d1, got %q", dsn.dsnEmailID)
	}

	if err := h.Process(context.Background(), NewMessage(JobCheckSpike, map[string]any{"userId": "u1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spike.userID != "u1" {
		t.Fatalf("expected userID u1, got %q", spike.userID)
	}
}

func TestHandler_RouteEmailPropagatesError(t *testing.T) {
	routing := &fakeRouting{err: errNotFound}
	h := NewHandler(routing, &fakeDSN{}, &fakeSpike{})

	msg := NewMessage(JobRouteEmail, map[string]any{"emailId": "missing"})
	if err := h.Process(context.Background(), msg); err == nil {
		t.Fatal("expected error to propagate from routing service")
	}
}

func TestHandler_UnknownJobTypeReturnsError(t *testing.T) {
	h := NewHandler(&fakeRouting{}, &fakeDSN{}, &fakeSpike{})

	msg := NewMessage("bogus.type", nil)
	if err := h.Process(context.Background(), msg); err == nil {
		t.Fatal("expected error for unknown job type")
	}
}
