package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/pkg/apperr"
)

type fakeDeliveries struct {
	rows      map[string]*domain.EndpointDelivery
	dupOnInsert bool
	lastStatus  domain.DeliveryStatus
	lastResponse map[string]any
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{rows: make(map[string]*domain.EndpointDelivery)}
}

func (f *fakeDeliveries) Insert(ctx context.Context, d *domain.EndpointDelivery) error {
	if f.dupOnInsert {
		return apperr.Duplicate(d.EmailID, d.EndpointID)
	}
	f.rows[d.ID] = d
	return nil
}

func (f *fakeDeliveries) FindByEmailAndEndpoint(ctx context.Context, emailID, endpointID string) (*domain.EndpointDelivery, error) {
	for _, d := range f.rows {
		if d.EmailID == emailID && d.EndpointID == endpointID {
			return d, nil
		}
	}
	return nil, nil
}

func (f *fakeDeliveries) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, responseData map[string]any) error {
	f.lastStatus = status
	f.lastResponse = responseData
	if d, ok := f.rows[id]; ok {
		d.Status = status
	}
	return nil
}

func (f *fakeDeliveries) GetByID(ctx context.Context, id string) (*domain.EndpointDelivery, error) {
	return f.rows[id], nil
}

func (f *fakeDeliveries) ListByEmail(ctx context.Context, emailID string) ([]*domain.EndpointDelivery, error) {
	var out []*domain.EndpointDelivery
	for _, d := range f.rows {
		if d.EmailID == emailID {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeEndpoints struct {
	tokens map[string]string
}

func newFakeEndpoints() *fakeEndpoints { return &fakeEndpoints{tokens: make(map[string]string)} }

func (f *fakeEndpoints) GetByID(ctx context.Context, id string) (*domain.Endpoint, error) { return nil, nil }
func (f *fakeEndpoints) GetActiveByIDForUser(ctx context.Context, id, userID string) (*domain.Endpoint, error) {
	return nil, nil
}
func (f *fakeEndpoints) SetVerificationToken(ctx context.Context, endpointID, token string) (string, error) {
	if existing, ok := f.tokens[endpointID]; ok {
		return existing, nil
	}
	f.tokens[endpointID] = token
	return token, nil
}
func (f *fakeEndpoints) GetLegacyWebhookEndpoint(ctx context.Context, webhookID string) (*domain.Endpoint, error) {
	return nil, nil
}

func testEmail() *domain.StructuredEmail {
	return &domain.StructuredEmail{
		ID:        "e1",
		MessageID: "m1",
		Subject:   "hello",
		Recipient: "user@example.com",
		FromData:  domain.EmailAddressGroup{Addresses: []domain.EmailAddressEntry{{Address: "alice@example.com"}}},
		ToData:    domain.EmailAddressGroup{Addresses: []domain.EmailAddressEntry{{Address: "user@example.com"}}},
		TextBody:  "hi there",
		Date:      time.Now(),
	}
}

func TestDeliver_HappyPath_RecordsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Event") != "email.received" {
			t.Errorf("expected X-Webhook-Event header")
		}
		if r.Header.Get("X-Webhook-Signature") == "" {
			t.Errorf("expected signature header when secret is configured")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	deliveries := newFakeDeliveries()
	endpoints := newFakeEndpoints()
	svc := New(deliveries, endpoints, srv.Client(), "https://app.example.com")

	endpoint := &domain.Endpoint{
		ID:   "ep1",
		Name: "my webhook",
		Type: domain.EndpointTypeWebhook,
		Webhook: &domain.WebhookConfig{
			URL:            srv.URL,
			TimeoutSeconds: 5,
			Secret:         "s3cr3t",
		},
	}

	if err := svc.Deliver(context.Background(), endpoint, testEmail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deliveries.lastStatus != domain.DeliveryStatusSuccess {
		t.Fatalf("expected success status, got %s", deliveries.lastStatus)
	}
}

func TestDeliver_NonTwoxx_RecordsFailureWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	deliveries := newFakeDeliveries()
	svc := New(deliveries, newFakeEndpoints(), srv.Client(), "https://app.example.com")

	endpoint := &domain.Endpoint{
		ID:      "ep1",
		Type:    domain.EndpointTypeWebhook,
		Webhook: &domain.WebhookConfig{URL: srv.URL, TimeoutSeconds: 5},
	}

	if err := svc.Deliver(context.Background(), endpoint, testEmail()); err != nil {
		t.Fatalf("non-2xx must not raise, got error: %v", err)
	}
	if deliveries.lastStatus != domain.DeliveryStatusFailed {
		t.Fatalf("expected failed status, got %s", deliveries.lastStatus)
	}
}

func TestDeliver_DuplicateInsert_ExitsSuccessfully(t *testing.T) {
	deliveries := newFakeDeliveries()
	deliveries.dupOnInsert = true
	svc := New(deliveries, newFakeEndpoints(), http.DefaultClient, "https://app.example.com")

	endpoint := &domain.Endpoint{
		ID:      "ep1",
		Type:    domain.EndpointTypeWebhook,
		Webhook: &domain.WebhookConfig{URL: "https://unreachable.invalid", TimeoutSeconds: 5},
	}

	if err := svc.Deliver(context.Background(), endpoint, testEmail()); err != nil {
		t.Fatalf("expected duplicate insert to exit success, got: %v", err)
	}
}

func TestGovernPayload_StripsBase64RawWhenOversized(t *testing.T) {
	big := make([]byte, 0, maxPayloadBytes+1000)
	for len(big) < maxPayloadBytes+1000 {
		big = append(big, 'a')
	}
	env := envelope{
		Email: emailPayload{
			ParsedData: parsedData{
				Raw: "Content-Transfer-Encoding: base64\n\n" + string(big) + "\n--boundary",
			},
		},
	}

	encoded, stripped, err := governPayload(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stripped) == 0 {
		t.Fatal("expected at least one stripped field")
	}
	if len(encoded) > maxPayloadBytes+5000 {
		t.Fatalf("expected payload to shrink after stripping, got %d bytes", len(encoded))
	}
}

func TestEnsureVerificationToken_GeneratesOnce(t *testing.T) {
	endpoints := newFakeEndpoints()
	svc := New(newFakeDeliveries(), endpoints, http.DefaultClient, "https://app.example.com")

	endpoint := &domain.Endpoint{ID: "ep1", Webhook: &domain.WebhookConfig{}}
	first, err := svc.ensureVerificationToken(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == "" {
		t.Fatal("expected a generated token")
	}

	endpoint.Webhook.VerificationToken = ""
	second, err := svc.ensureVerificationToken(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Fatalf("expected compare-and-set to reuse the persisted token, got %s vs %s", second, first)
	}
}
