package bounce

import (
	"context"
	"testing"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

type fakeEmails struct {
	byID map[string]*domain.StructuredEmail
}

func (f *fakeEmails) GetByID(ctx context.Context, id string) (*domain.StructuredEmail, error) {
	return f.byID[id], nil
}
func (f *fakeEmails) GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error) {
	return nil, nil
}
func (f *fakeEmails) FindByMessageIDs(ctx context.Context, userID string, messageIDs []string) (*domain.StructuredEmail, error) {
	return nil, nil
}
func (f *fakeEmails) Update(ctx context.Context, email *domain.StructuredEmail) error { return nil }
func (f *fakeEmails) FindEarliestInThread(ctx context.Context, threadID string) (*domain.StructuredEmail, error) {
	return nil, nil
}

type fakeSent struct {
	byVariant map[string]*domain.SentEmail
}

func (f *fakeSent) FindByMessageIDs(ctx context.Context, userID string, messageIDs []string) (*domain.SentEmail, error) {
	return nil, nil
}
func (f *fakeSent) FindBySESMessageIDVariants(ctx context.Context, variants []string) (*domain.SentEmail, error) {
	for _, v := range variants {
		if e, ok := f.byVariant[v]; ok {
			return e, nil
		}
	}
	return nil, nil
}
func (f *fakeSent) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return 0, nil
}
func (f *fakeSent) CountInWindow(ctx context.Context, userID string, from, to time.Time) (int, error) {
	return 0, nil
}

type fakeEvents struct {
	inserted       []*domain.EmailDeliveryEvent
	processedIDs   map[string]bool
	blocklistedIDs []string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{processedIDs: make(map[string]bool)}
}

func (f *fakeEvents) Insert(ctx context.Context, e *domain.EmailDeliveryEvent) error {
	f.inserted = append(f.inserted, e)
	return nil
}
func (f *fakeEvents) MarkBlocklisted(ctx context.Context, eventID, blocklistID string) error {
	f.blocklistedIDs = append(f.blocklistedIDs, eventID)
	return nil
}
func (f *fakeEvents) IsDSNAlreadyProcessed(ctx context.Context, dsnEmailID string) (bool, error) {
	return f.processedIDs[dsnEmailID], nil
}
func (f *fakeEvents) ListRecent(ctx context.Context, limit int) ([]*domain.EmailDeliveryEvent, error) {
	return f.inserted, nil
}

type fakeBlocks struct {
	existing map[string]*domain.BlockedEmail
	inserted []*domain.BlockedEmail
}

func newFakeBlocks() *fakeBlocks { return &fakeBlocks{existing: make(map[string]*domain.BlockedEmail)} }

func (f *fakeBlocks) Find(ctx context.Context, emailAddress, domainID string) (*domain.BlockedEmail, error) {
	return f.existing[emailAddress+"|"+domainID], nil
}
func (f *fakeBlocks) FindAnyDomain(ctx context.Context, emailAddress string) (*domain.BlockedEmail, error) {
	return nil, nil
}
func (f *fakeBlocks) Insert(ctx context.Context, b *domain.BlockedEmail) error {
	f.inserted = append(f.inserted, b)
	f.existing[b.EmailAddress+"|"+b.DomainID] = b
	return nil
}

type fakeDomains struct {
	domain *domain.EmailDomain
	tenant *out.TenantIdentity
}

func (f *fakeDomains) FindByDomainName(ctx context.Context, userID, domainName string) (*domain.EmailDomain, error) {
	return f.domain, nil
}
func (f *fakeDomains) ResolveTenant(ctx context.Context, domainName string) (*out.TenantIdentity, error) {
	return f.tenant, nil
}

const sampleDSN = "Return-Path: <>\r\n" +
	"From: MAILER-DAEMON@amazonses.com\r\n" +
	"To: bounces@example.com\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"BOUNDARY\"\r\n" +
	"In-Reply-To: <orig-msg-1@example.com>\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n\r\n" +
	"Delivery Status Notification (Failure)\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: message/delivery-status\r\n\r\n" +
	"Reporting-MTA: dns; a8-63.smtp-out.amazonses.com\r\n" +
	"Arrival-Date: Mon, 1 Jan 2026 10:00:00 -0700\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; bounced@destination.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"Diagnostic-Code: smtp; 550 5.1.1 user unknown\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: message/rfc822\r\n\r\n" +
	"Message-ID: <orig-msg-1@example.com>\r\n" +
	"From: sender@example.com\r\n" +
	"To: bounced@destination.com\r\n" +
	"Subject: Hello\r\n" +
	"\r\n" +
	"--BOUNDARY--\r\n"

func TestAnalyzeDSN_HardBounce_RecordsAndBlocklists(t *testing.T) {
	emails := &fakeEmails{byID: map[string]*domain.StructuredEmail{
		"dsn1": {
			ID:         "dsn1",
			RawContent: sampleDSN,
			Headers:    domain.Headers{"Content-Type": "multipart/report; report-type=delivery-status"},
		},
	}}
	sent := &fakeSent{byVariant: map[string]*domain.SentEmail{
		"orig-msg-1": {ID: "sent1", UserID: "u1", FromDomain: "example.com"},
	}}
	events := newFakeEvents()
	blocks := newFakeBlocks()
	domains := &fakeDomains{
		domain: &domain.EmailDomain{ID: "dom1", Domain: "example.com"},
		tenant: &out.TenantIdentity{TenantID: "t1", TenantName: "Acme"},
	}

	svc := New(emails, sent, events, blocks, domains)

	if err := svc.AnalyzeDSN(context.Background(), "dsn1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events.inserted) != 1 {
		t.Fatalf("expected 1 event inserted, got %d", len(events.inserted))
	}
	event := events.inserted[0]
	if event.BounceType != domain.BounceTypeHard {
		t.Fatalf("expected hard bounce, got %s", event.BounceType)
	}
	if event.BounceSubType != domain.BounceSubTypeUserUnknown {
		t.Fatalf("expected USER_UNKNOWN subtype, got %s", event.BounceSubType)
	}
	if event.FailedRecipient != "bounced@destination.com" {
		t.Fatalf("unexpected failed recipient: %s", event.FailedRecipient)
	}
	if len(blocks.inserted) != 1 {
		t.Fatalf("expected auto-blocklist insert, got %d", len(blocks.inserted))
	}
	if event.ActionTaken != domain.ActionTakenAddedToBlocklist {
		t.Fatalf("expected actionTaken=added_to_blocklist, got %s", event.ActionTaken)
	}
}

func TestAnalyzeDSN_AlreadyProcessed_ShortCircuits(t *testing.T) {
	events := newFakeEvents()
	events.processedIDs["dsn1"] = true
	svc := New(&fakeEmails{byID: map[string]*domain.StructuredEmail{}}, &fakeSent{}, events, newFakeBlocks(), &fakeDomains{})

	if err := svc.AnalyzeDSN(context.Background(), "dsn1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events.inserted) != 0 {
		t.Fatalf("expected no insert for already-processed dsn, got %d", len(events.inserted))
	}
}

func TestClassify_MailboxFullException_MapsToSoft(t *testing.T) {
	c := classify("5.2.2", "")
	if c.BounceType != domain.BounceTypeSoft {
		t.Fatalf("expected 5.2.2 to classify as soft, got %s", c.BounceType)
	}
}

func TestClassify_MessageTooLargeException_MapsToSoft(t *testing.T) {
	c := classify("5.3.4", "")
	if c.BounceType != domain.BounceTypeSoft {
		t.Fatalf("expected 5.3.4 to classify as soft, got %s", c.BounceType)
	}
}

func TestClassify_SuppressionListOverride(t *testing.T) {
	c := classify("5.1.1", "reason: on suppression list")
	if c.BounceSubType != domain.BounceSubTypeSuppressionList {
		t.Fatalf("expected suppression-list override, got %s", c.BounceSubType)
	}
}

func TestClassify_TransientFourXX(t *testing.T) {
	c := classify("4.2.2", "")
	if c.BounceType != domain.BounceTypeTransient {
		t.Fatalf("expected transient bounce type, got %s", c.BounceType)
	}
}

func TestIsDSN_DetectsBySubstring(t *testing.T) {
	if !domain.IsDSN("", "this contains MAILER-DAEMON somewhere") {
		t.Fatal("expected substring detection to classify as DSN")
	}
	if domain.IsDSN("text/plain", "just a normal email") {
		t.Fatal("expected ordinary email to not classify as DSN")
	}
}
