package routing

import (
	"context"
	"testing"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

type fakeEmails struct {
	byID       map[string]*domain.StructuredEmail
	earliest   map[string]*domain.StructuredEmail
	updateErr  error
	lastUpdate *domain.StructuredEmail
}

func newFakeEmails() *fakeEmails {
	return &fakeEmails{byID: make(map[string]*domain.StructuredEmail), earliest: make(map[string]*domain.StructuredEmail)}
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
func (f *fakeEmails) Update(ctx context.Context, email *domain.StructuredEmail) error {
	f.lastUpdate = email
	return f.updateErr
}
func (f *fakeEmails) FindEarliestInThread(ctx context.Context, threadID string) (*domain.StructuredEmail, error) {
	return f.earliest[threadID], nil
}

type fakeAddresses struct {
	byAddress map[string]*domain.EmailAddress
}

func (f *fakeAddresses) FindActiveByAddress(ctx context.Context, userID, address string) (*domain.EmailAddress, error) {
	return f.byAddress[address], nil
}

type fakeDomains struct {
	byName map[string]*domain.EmailDomain
}

func (f *fakeDomains) FindByDomainName(ctx context.Context, userID, domainName string) (*domain.EmailDomain, error) {
	return f.byName[domainName], nil
}
func (f *fakeDomains) ResolveTenant(ctx context.Context, domainName string) (*out.TenantIdentity, error) {
	return nil, nil
}

type fakeEndpoints struct {
	byID   map[string]*domain.Endpoint
	legacy map[string]*domain.Endpoint
}

func (f *fakeEndpoints) GetByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	return f.byID[id], nil
}
func (f *fakeEndpoints) GetActiveByIDForUser(ctx context.Context, id, userID string) (*domain.Endpoint, error) {
	ep := f.byID[id]
	if ep == nil || !ep.IsActive || ep.UserID != userID {
		return nil, nil
	}
	return ep, nil
}
func (f *fakeEndpoints) SetVerificationToken(ctx context.Context, endpointID, token string) (string, error) {
	return token, nil
}
func (f *fakeEndpoints) GetLegacyWebhookEndpoint(ctx context.Context, webhookID string) (*domain.Endpoint, error) {
	return f.legacy[webhookID], nil
}

type fakeDeliveries struct {
	existing map[string]*domain.EndpointDelivery
}

func (f *fakeDeliveries) Insert(ctx context.Context, d *domain.EndpointDelivery) error { return nil }
func (f *fakeDeliveries) FindByEmailAndEndpoint(ctx context.Context, emailID, endpointID string) (*domain.EndpointDelivery, error) {
	return f.existing[emailID+"|"+endpointID], nil
}
func (f *fakeDeliveries) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, responseData map[string]any) error {
	return nil
}
func (f *fakeDeliveries) GetByID(ctx context.Context, id string) (*domain.EndpointDelivery, error) {
	return nil, nil
}
func (f *fakeDeliveries) ListByEmail(ctx context.Context, emailID string) ([]*domain.EndpointDelivery, error) {
	return nil, nil
}

type fakeFlags struct {
	allowed bool
	err     error
}

func (f *fakeFlags) CheckFeature(ctx context.Context, userID, featureID string) (bool, error) {
	return f.allowed, f.err
}

type fakeThreader struct {
	threadID string
	position int
	err      error
}

func (f *fakeThreader) Thread(ctx context.Context, email *domain.StructuredEmail) (string, int, error) {
	return f.threadID, f.position, f.err
}

type fakeGuard struct {
	verdict *domain.GuardVerdict
	err     error
}

func (f *fakeGuard) Evaluate(ctx context.Context, userID string, email *domain.StructuredEmail) (*domain.GuardVerdict, error) {
	return f.verdict, f.err
}

type fakeWebhook struct {
	called   bool
	endpoint *domain.Endpoint
	err      error
}

func (f *fakeWebhook) Deliver(ctx context.Context, endpoint *domain.Endpoint, email *domain.StructuredEmail) error {
	f.called = true
	f.endpoint = endpoint
	return f.err
}

type fakeForwarder struct {
	called   bool
	endpoint *domain.Endpoint
	err      error
}

func (f *fakeForwarder) Forward(ctx context.Context, endpoint *domain.Endpoint, email *domain.StructuredEmail) error {
	f.called = true
	f.endpoint = endpoint
	return f.err
}

type fakeDispatcher struct {
	dsnEmailIDs  []string
	spikeUserIDs []string
}

func (f *fakeDispatcher) DispatchDSNCheck(ctx context.Context, dsnEmailID string) {
	f.dsnEmailIDs = append(f.dsnEmailIDs, dsnEmailID)
}
func (f *fakeDispatcher) DispatchSpikeCheck(ctx context.Context, userID string) {
	f.spikeUserIDs = append(f.spikeUserIDs, userID)
}

func testEmail() *domain.StructuredEmail {
	return &domain.StructuredEmail{
		ID:           "e1",
		UserID:       "u1",
		Recipient:    "inbox@example.com",
		ParseSuccess: true,
	}
}

func newTestService(emails *fakeEmails, addresses *fakeAddresses, domains *fakeDomains, endpoints *fakeEndpoints, deliveries *fakeDeliveries, flags *fakeFlags, threader *fakeThreader, guard *fakeGuard, webhook *fakeWebhook, forwarder *fakeForwarder) *Service {
	return New(emails, addresses, domains, endpoints, deliveries, flags, threader, guard, webhook, forwarder)
}

func TestRouteEmail_HappyPath_ResolvesByAddressAndDispatchesWebhook(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	addresses := &fakeAddresses{byAddress: map[string]*domain.EmailAddress{
		"inbox@example.com": {EndpointID: strPtr("ep1")},
	}}
	endpoints := &fakeEndpoints{byID: map[string]*domain.Endpoint{
		"ep1": {ID: "ep1", UserID: "u1", Type: domain.EndpointTypeWebhook, IsActive: true},
	}}
	deliveries := &fakeDeliveries{existing: map[string]*domain.EndpointDelivery{}}
	webhook := &fakeWebhook{}
	svc := newTestService(emails, addresses, &fakeDomains{}, endpoints, deliveries, &fakeFlags{allowed: false}, &fakeThreader{threadID: "t1", position: 1}, &fakeGuard{}, webhook, &fakeForwarder{})

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !webhook.called {
		t.Fatal("expected webhook deliverer to be invoked")
	}
}

func TestRouteEmail_NotFound(t *testing.T) {
	svc := newTestService(newFakeEmails(), &fakeAddresses{}, &fakeDomains{}, &fakeEndpoints{}, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{}, &fakeGuard{}, &fakeWebhook{}, &fakeForwarder{})
	err := svc.RouteEmail(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRouteEmail_UnprocessableWhenParseFailed(t *testing.T) {
	emails := newFakeEmails()
	e := testEmail()
	e.ParseSuccess = false
	emails.byID["e1"] = e
	svc := newTestService(emails, &fakeAddresses{}, &fakeDomains{}, &fakeEndpoints{}, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{}, &fakeGuard{}, &fakeWebhook{}, &fakeForwarder{})
	err := svc.RouteEmail(context.Background(), "e1")
	if err == nil {
		t.Fatal("expected unprocessable error")
	}
}

func TestRouteEmail_DMARCOptOut_StopsWithoutRouting(t *testing.T) {
	emails := newFakeEmails()
	e := testEmail()
	e.Recipient = "dmarc@example.com"
	emails.byID["e1"] = e
	domains := &fakeDomains{byName: map[string]*domain.EmailDomain{
		"example.com": {ReceiveDmarcEmails: false},
	}}
	webhook := &fakeWebhook{}
	svc := newTestService(emails, &fakeAddresses{}, domains, &fakeEndpoints{}, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{}, &fakeGuard{}, webhook, &fakeForwarder{})

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if webhook.called {
		t.Fatal("expected no dispatch for an opted-out dmarc recipient")
	}
}

func TestRouteEmail_GuardBlock_StopsRouting(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	webhook := &fakeWebhook{}
	guard := &fakeGuard{verdict: &domain.GuardVerdict{Action: domain.GuardActionBlock, MatchedRuleID: "r1"}}
	svc := newTestService(emails, &fakeAddresses{}, &fakeDomains{}, &fakeEndpoints{}, &fakeDeliveries{}, &fakeFlags{allowed: true}, &fakeThreader{}, guard, webhook, &fakeForwarder{})

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if webhook.called {
		t.Fatal("expected no dispatch when guard blocks")
	}
	if !emails.lastUpdate.GuardBlocked {
		t.Fatal("expected guardBlocked to be stamped")
	}
}

func TestRouteEmail_GuardRoute_JumpsToNamedEndpoint(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	endpoints := &fakeEndpoints{byID: map[string]*domain.Endpoint{
		"ep-named": {ID: "ep-named", UserID: "u1", Type: domain.EndpointTypeWebhook, IsActive: true},
	}}
	webhook := &fakeWebhook{}
	guard := &fakeGuard{verdict: &domain.GuardVerdict{Action: domain.GuardActionRoute, RouteToEndpointID: "ep-named"}}
	svc := newTestService(emails, &fakeAddresses{}, &fakeDomains{}, endpoints, &fakeDeliveries{}, &fakeFlags{allowed: true}, &fakeThreader{}, guard, webhook, &fakeForwarder{})

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !webhook.called || webhook.endpoint.ID != "ep-named" {
		t.Fatal("expected dispatch to the guard-named endpoint")
	}
}

func TestRouteEmail_GuardRoute_FallsBackToNormalResolutionWhenEndpointMissing(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	addresses := &fakeAddresses{byAddress: map[string]*domain.EmailAddress{
		"inbox@example.com": {ID: "addr1", UserID: "u1", EndpointID: strPtr("ep-normal")},
	}}
	endpoints := &fakeEndpoints{byID: map[string]*domain.Endpoint{
		"ep-normal": {ID: "ep-normal", UserID: "u1", Type: domain.EndpointTypeWebhook, IsActive: true},
	}}
	webhook := &fakeWebhook{}
	guard := &fakeGuard{verdict: &domain.GuardVerdict{Action: domain.GuardActionRoute, RouteToEndpointID: "ep-does-not-exist"}}
	svc := newTestService(emails, addresses, &fakeDomains{}, endpoints, &fakeDeliveries{}, &fakeFlags{allowed: true}, &fakeThreader{}, guard, webhook, &fakeForwarder{})

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !webhook.called || webhook.endpoint.ID != "ep-normal" {
		t.Fatal("expected fallback to the address's normally-resolved endpoint when the guard-named endpoint doesn't exist")
	}
}

func TestRouteEmail_IdempotentFastPath_SkipsDispatch(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	addresses := &fakeAddresses{byAddress: map[string]*domain.EmailAddress{
		"inbox@example.com": {EndpointID: strPtr("ep1")},
	}}
	endpoints := &fakeEndpoints{byID: map[string]*domain.Endpoint{
		"ep1": {ID: "ep1", UserID: "u1", Type: domain.EndpointTypeWebhook, IsActive: true},
	}}
	deliveries := &fakeDeliveries{existing: map[string]*domain.EndpointDelivery{
		"e1|ep1": {ID: "d1", EmailID: "e1", EndpointID: "ep1"},
	}}
	webhook := &fakeWebhook{}
	svc := newTestService(emails, addresses, &fakeDomains{}, endpoints, deliveries, &fakeFlags{}, &fakeThreader{position: 1}, &fakeGuard{}, webhook, &fakeForwarder{})

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if webhook.called {
		t.Fatal("expected already-delivered fast path to skip dispatch")
	}
}

func TestRouteEmail_NoEndpointResolved_ReturnsSuccess(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	svc := newTestService(emails, &fakeAddresses{}, &fakeDomains{}, &fakeEndpoints{}, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{position: 1}, &fakeGuard{}, &fakeWebhook{}, &fakeForwarder{})

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRouteEmail_CatchAllDomain_DispatchesToForwarder(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	domains := &fakeDomains{byName: map[string]*domain.EmailDomain{
		"example.com": {IsCatchAllEnabled: true, CatchAllEndpointID: strPtr("ep-catchall")},
	}}
	endpoints := &fakeEndpoints{byID: map[string]*domain.Endpoint{
		"ep-catchall": {ID: "ep-catchall", UserID: "u1", Type: domain.EndpointTypeEmail, IsActive: true},
	}}
	forwarder := &fakeForwarder{}
	svc := newTestService(emails, &fakeAddresses{}, domains, endpoints, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{position: 1}, &fakeGuard{}, &fakeWebhook{}, forwarder)

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !forwarder.called {
		t.Fatal("expected catch-all domain to dispatch to the forwarder")
	}
}

func TestRouteEmail_DSNShapedEmail_DispatchesDSNCheck(t *testing.T) {
	emails := newFakeEmails()
	e := testEmail()
	e.Headers = domain.Headers{"Content-Type": "multipart/report; report-type=delivery-status"}
	e.RawContent = "Content-Type: multipart/report; report-type=delivery-status\r\n\r\nMAILER-DAEMON"
	emails.byID["e1"] = e
	dispatch := &fakeDispatcher{}
	svc := newTestService(emails, &fakeAddresses{}, &fakeDomains{}, &fakeEndpoints{}, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{position: 1}, &fakeGuard{}, &fakeWebhook{}, &fakeForwarder{})
	svc.WithJobDispatcher(dispatch)

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatch.dsnEmailIDs) != 1 || dispatch.dsnEmailIDs[0] != "e1" {
		t.Fatalf("expected dsn check dispatched for e1, got %v", dispatch.dsnEmailIDs)
	}
}

func TestRouteEmail_OrdinaryEmail_NeverDispatchesDSNCheck(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	dispatch := &fakeDispatcher{}
	svc := newTestService(emails, &fakeAddresses{}, &fakeDomains{}, &fakeEndpoints{}, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{position: 1}, &fakeGuard{}, &fakeWebhook{}, &fakeForwarder{})
	svc.WithJobDispatcher(dispatch)

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatch.dsnEmailIDs) != 0 {
		t.Fatalf("expected no dsn check dispatched for an ordinary email, got %v", dispatch.dsnEmailIDs)
	}
}

func TestRouteEmail_ForwardSuccess_DispatchesSpikeCheck(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	domains := &fakeDomains{byName: map[string]*domain.EmailDomain{
		"example.com": {IsCatchAllEnabled: true, CatchAllEndpointID: strPtr("ep-catchall")},
	}}
	endpoints := &fakeEndpoints{byID: map[string]*domain.Endpoint{
		"ep-catchall": {ID: "ep-catchall", UserID: "u1", Type: domain.EndpointTypeEmail, IsActive: true},
	}}
	forwarder := &fakeForwarder{}
	dispatch := &fakeDispatcher{}
	svc := newTestService(emails, &fakeAddresses{}, domains, endpoints, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{position: 1}, &fakeGuard{}, &fakeWebhook{}, forwarder)
	svc.WithJobDispatcher(dispatch)

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !forwarder.called {
		t.Fatal("expected catch-all domain to dispatch to the forwarder")
	}
	if len(dispatch.spikeUserIDs) != 1 || dispatch.spikeUserIDs[0] != "u1" {
		t.Fatalf("expected spike check dispatched for u1, got %v", dispatch.spikeUserIDs)
	}
}

func TestRouteEmail_ForwardFailure_NeverDispatchesSpikeCheck(t *testing.T) {
	emails := newFakeEmails()
	emails.byID["e1"] = testEmail()
	domains := &fakeDomains{byName: map[string]*domain.EmailDomain{
		"example.com": {IsCatchAllEnabled: true, CatchAllEndpointID: strPtr("ep-catchall")},
	}}
	endpoints := &fakeEndpoints{byID: map[string]*domain.Endpoint{
		"ep-catchall": {ID: "ep-catchall", UserID: "u1", Type: domain.EndpointTypeEmail, IsActive: true},
	}}
	forwarder := &fakeForwarder{err: context.DeadlineExceeded}
	dispatch := &fakeDispatcher{}
	svc := newTestService(emails, &fakeAddresses{}, domains, endpoints, &fakeDeliveries{}, &fakeFlags{}, &fakeThreader{position: 1}, &fakeGuard{}, &fakeWebhook{}, forwarder)
	svc.WithJobDispatcher(dispatch)

	if err := svc.RouteEmail(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatch.spikeUserIDs) != 0 {
		t.Fatalf("expected no spike check dispatched when forwarding fails, got %v", dispatch.spikeUserIDs)
	}
}

func strPtr(s string) *string { return &s }
