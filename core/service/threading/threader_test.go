package threading

import (
	"context"
	"testing"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
)

type fakeEmails struct {
	byMessageID map[string]*domain.StructuredEmail
}

func (f *fakeEmails) GetByID(ctx context.Context, id string) (*domain.StructuredEmail, error) { return nil, nil }
func (f *fakeEmails) GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error) {
	return nil, nil
}
func (f *fakeEmails) FindByMessageIDs(ctx context.Context, userID string, ids []string) (*domain.StructuredEmail, error) {
	for _, id := range ids {
		if e, ok := f.byMessageID[id]; ok {
			return e, nil
		}
	}
	return nil, nil
}
func (f *fakeEmails) Update(ctx context.Context, email *domain.StructuredEmail) error { return nil }
func (f *fakeEmails) FindEarliestInThread(ctx context.Context, threadID string) (*domain.StructuredEmail, error) {
	return nil, nil
}

type fakeSent struct{}

func (f *fakeSent) FindByMessageIDs(ctx context.Context, userID string, ids []string) (*domain.SentEmail, error) {
	return nil, nil
}
func (f *fakeSent) FindBySESMessageIDVariants(ctx context.Context, variants []string) (*domain.SentEmail, error) {
	return nil, nil
}
func (f *fakeSent) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return 0, nil
}
func (f *fakeSent) CountInWindow(ctx context.Context, userID string, from, to time.Time) (int, error) {
	return 0, nil
}

type fakeThreads struct {
	threads map[string]*domain.EmailThread
}

func newFakeThreads() *fakeThreads { return &fakeThreads{threads: make(map[string]*domain.EmailThread)} }

func (f *fakeThreads) FindByNormalizedSubject(ctx context.Context, userID, normalizedSubject string, lastMessageAfter time.Time) (*domain.EmailThread, error) {
	for _, t := range f.threads {
		if t.UserID == userID && t.NormalizedSubject == normalizedSubject && t.LastMessageAt.After(lastMessageAfter) {
			return t, nil
		}
	}
	return nil, nil
}
func (f *fakeThreads) GetByID(ctx context.Context, id string) (*domain.EmailThread, error) {
	return f.threads[id], nil
}
func (f *fakeThreads) Create(ctx context.Context, thread *domain.EmailThread) error {
	f.threads[thread.ID] = thread
	return nil
}
func (f *fakeThreads) Attach(ctx context.Context, threadID string, lastMessageAt time.Time, participants []string) (int, error) {
	t := f.threads[threadID]
	t.MessageCount++
	t.LastMessageAt = lastMessageAt
	t.ParticipantEmails = participants
	return t.MessageCount, nil
}

func TestThread_NewThreadOnFirstMessage(t *testing.T) {
	threads := newFakeThreads()
	svc := New(&fakeEmails{byMessageID: map[string]*domain.StructuredEmail{}}, &fakeSent{}, threads)

	m1 := &domain.StructuredEmail{ID: "e1", UserID: "u1", MessageID: "m1", Subject: "Hello", Date: time.Now()}
	threadID, pos, err := svc.Thread(context.Background(), m1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 1 {
		t.Fatalf("expected position 1, got %d", pos)
	}
	if threadID == "" {
		t.Fatal("expected non-empty thread id")
	}
}

func TestThread_InReplyToContinuity(t *testing.T) {
	threads := newFakeThreads()
	emails := &fakeEmails{byMessageID: map[string]*domain.StructuredEmail{}}
	svc := New(emails, &fakeSent{}, threads)

	m1 := &domain.StructuredEmail{ID: "e1", UserID: "u1", MessageID: "m1", Subject: "Hello", Date: time.Now()}
	threadID, _, err := svc.Thread(context.Background(), m1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tid := threadID
	m1.ThreadID = &tid
	emails.byMessageID["m1"] = m1

	m2 := &domain.StructuredEmail{ID: "e2", UserID: "u1", MessageID: "m2", InReplyTo: "<m1>", Subject: "Re: Hello", Date: time.Now()}
	threadID2, pos2, err := svc.Thread(context.Background(), m2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if threadID2 != threadID {
		t.Fatalf("expected same thread %s, got %s", threadID, threadID2)
	}
	if pos2 != 2 {
		t.Fatalf("expected position 2, got %d", pos2)
	}
}

func TestNormalizeSubject_CollapsesPrefixes(t *testing.T) {
	got := normalizeSubject("Re: Fwd: Re: hi")
	if got != "hi" {
		t.Fatalf("expected %q, got %q", "hi", got)
	}
}

func TestThread_SubjectWindow31DaysStartsNewThread(t *testing.T) {
	threads := newFakeThreads()
	svc := New(&fakeEmails{byMessageID: map[string]*domain.StructuredEmail{}}, &fakeSent{}, threads)

	old := &domain.StructuredEmail{ID: "e1", UserID: "u1", Subject: "quarterly report", Date: time.Now().Add(-31 * 24 * time.Hour)}
	threadID1, _, _ := svc.Thread(context.Background(), old)

	next := &domain.StructuredEmail{ID: "e2", UserID: "u1", Subject: "quarterly report", Date: time.Now()}
	threadID2, _, _ := svc.Thread(context.Background(), next)

	if threadID2 == threadID1 {
		t.Fatal("expected a new thread after the 30-day window elapsed")
	}
}

func TestCandidateMessageIDs_NormalizesAngleBrackets(t *testing.T) {
	email := &domain.StructuredEmail{MessageID: "<m1>", InReplyTo: " <m0> ", References: []string{"<r1>"}}
	ids := candidateMessageIDs(email)
	want := map[string]bool{"m1": true, "m0": true, "r1": true}
	if len(ids) != 3 {
		t.Fatalf("expected 3 candidates, got %v", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected candidate %q", id)
		}
	}
}
