package forwarder

import (
	"context"
	"errors"
	"testing"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/apperr"
)

type fakeDeliveries struct {
	rows       map[string]*domain.EndpointDelivery
	dup        bool
	lastStatus domain.DeliveryStatus
	lastData   map[string]any
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{rows: make(map[string]*domain.EndpointDelivery)}
}

func (f *fakeDeliveries) Insert(ctx context.Context, d *domain.EndpointDelivery) error {
	if f.dup {
		return apperr.Duplicate(d.EmailID, d.EndpointID)
	}
	f.rows[d.ID] = d
	return nil
}
func (f *fakeDeliveries) FindByEmailAndEndpoint(ctx context.Context, emailID, endpointID string) (*domain.EndpointDelivery, error) {
	return nil, nil
}
func (f *fakeDeliveries) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, responseData map[string]any) error {
	f.lastStatus = status
	f.lastData = responseData
	return nil
}
func (f *fakeDeliveries) GetByID(ctx context.Context, id string) (*domain.EndpointDelivery, error) {
	return f.rows[id], nil
}
func (f *fakeDeliveries) ListByEmail(ctx context.Context, emailID string) ([]*domain.EndpointDelivery, error) {
	return nil, nil
}

type fakeBlocklist struct {
	blocked map[string]bool
	err     error
}

func (f *fakeBlocklist) Find(ctx context.Context, emailAddress, domainID string) (*domain.BlockedEmail, error) {
	return nil, nil
}
func (f *fakeBlocklist) FindAnyDomain(ctx context.Context, emailAddress string) (*domain.BlockedEmail, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.blocked[emailAddress] {
		return &domain.BlockedEmail{EmailAddress: emailAddress}, nil
	}
	return nil, nil
}
func (f *fakeBlocklist) Insert(ctx context.Context, b *domain.BlockedEmail) error { return nil }

type fakeDomains struct{}

func (f *fakeDomains) FindByDomainName(ctx context.Context, userID, domainName string) (*domain.EmailDomain, error) {
	return nil, nil
}
func (f *fakeDomains) ResolveTenant(ctx context.Context, domainName string) (*out.TenantIdentity, error) {
	return &out.TenantIdentity{TenantID: "t1", TenantName: "Acme", SourceARN: "arn:aws:ses:x", ConfigurationSetName: "cfg"}, nil
}

type fakeSender struct {
	accept bool
	err    error
	lastReq out.OutboundSendRequest
}

func (f *fakeSender) SendRaw(ctx context.Context, req out.OutboundSendRequest) (bool, error) {
	f.lastReq = req
	if f.err != nil {
		return false, f.err
	}
	return f.accept, nil
}

func testEmail() *domain.StructuredEmail {
	return &domain.StructuredEmail{ID: "e1", Recipient: "inbox@example.com", RawContent: "raw mime"}
}

func TestForward_HappyPath_EmailGroup(t *testing.T) {
	deliveries := newFakeDeliveries()
	sender := &fakeSender{accept: true}
	svc := New(deliveries, &fakeBlocklist{blocked: map[string]bool{}}, &fakeDomains{}, sender)

	endpoint := &domain.Endpoint{
		ID:   "ep1",
		Type: domain.EndpointTypeEmailGroup,
		EmailGroup: &domain.EmailGroupConfig{
			Emails: []string{"a@dest.com", "b@dest.com"},
		},
	}

	if err := svc.Forward(context.Background(), endpoint, testEmail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deliveries.lastStatus != domain.DeliveryStatusSuccess {
		t.Fatalf("expected success, got %s", deliveries.lastStatus)
	}
	if len(sender.lastReq.ToAddresses) != 2 {
		t.Fatalf("expected 2 recipients handed to sender, got %d", len(sender.lastReq.ToAddresses))
	}
}

func TestForward_AllRecipientsBlocked(t *testing.T) {
	deliveries := newFakeDeliveries()
	svc := New(deliveries, &fakeBlocklist{blocked: map[string]bool{"a@dest.com": true}}, &fakeDomains{}, &fakeSender{accept: true})

	endpoint := &domain.Endpoint{
		ID:   "ep1",
		Type: domain.EndpointTypeEmail,
		Email: &domain.EmailConfig{
			ForwardTo: "a@dest.com",
		},
	}

	if err := svc.Forward(context.Background(), endpoint, testEmail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deliveries.lastStatus != domain.DeliveryStatusFailed {
		t.Fatalf("expected failed status, got %s", deliveries.lastStatus)
	}
	if deliveries.lastData["error"] != reasonAllRecipientsBlocked {
		t.Fatalf("expected %s, got %v", reasonAllRecipientsBlocked, deliveries.lastData["error"])
	}
}

func TestForward_LoopDetectedAbortsEntireForward(t *testing.T) {
	deliveries := newFakeDeliveries()
	sender := &fakeSender{accept: true}
	svc := New(deliveries, &fakeBlocklist{blocked: map[string]bool{}}, &fakeDomains{}, sender)

	endpoint := &domain.Endpoint{
		ID:   "ep1",
		Type: domain.EndpointTypeEmailGroup,
		EmailGroup: &domain.EmailGroupConfig{
			Emails: []string{"other@dest.com", "inbox@example.com"},
		},
	}

	if err := svc.Forward(context.Background(), endpoint, testEmail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deliveries.lastStatus != domain.DeliveryStatusFailed {
		t.Fatalf("expected failed status, got %s", deliveries.lastStatus)
	}
	if deliveries.lastData["error"] != reasonForwardingLoop {
		t.Fatalf("expected %s, got %v", reasonForwardingLoop, deliveries.lastData["error"])
	}
	if sender.lastReq.ToAddresses != nil {
		t.Fatal("expected the sender to never be invoked when a loop is detected")
	}
}

func TestForward_DuplicateInsert_ExitsSuccessfully(t *testing.T) {
	deliveries := newFakeDeliveries()
	deliveries.dup = true
	svc := New(deliveries, &fakeBlocklist{}, &fakeDomains{}, &fakeSender{accept: true})

	endpoint := &domain.Endpoint{ID: "ep1", Type: domain.EndpointTypeEmail, Email: &domain.EmailConfig{ForwardTo: "a@dest.com"}}
	if err := svc.Forward(context.Background(), endpoint, testEmail()); err != nil {
		t.Fatalf("expected duplicate insert to exit success, got: %v", err)
	}
}

func TestForward_SenderRejection_RecordsFailure(t *testing.T) {
	deliveries := newFakeDeliveries()
	svc := New(deliveries, &fakeBlocklist{}, &fakeDomains{}, &fakeSender{accept: false, err: errors.New("ses rejected")})

	endpoint := &domain.Endpoint{ID: "ep1", Type: domain.EndpointTypeEmail, Email: &domain.EmailConfig{ForwardTo: "a@dest.com"}}
	if err := svc.Forward(context.Background(), endpoint, testEmail()); err != nil {
		t.Fatalf("sender rejection must not raise, got: %v", err)
	}
	if deliveries.lastStatus != domain.DeliveryStatusFailed {
		t.Fatalf("expected failed status, got %s", deliveries.lastStatus)
	}
}
