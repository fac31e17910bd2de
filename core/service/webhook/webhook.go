// Package webhook implements the webhook deliverer (C4): payload
// composition, the size governor, HMAC signing, and a circuit-broken
// HTTP POST with structured delivery-result recording.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/apperr"
	"github.com/inboundrelay/gateway/pkg/logger"
	"github.com/inboundrelay/gateway/pkg/nanoid"
	"github.com/inboundrelay/gateway/pkg/ratelimit"
)

const maxResponseBodyCapture = 2000

// Service delivers a structured email to a webhook endpoint.
type Service struct {
	deliveries out.DeliveryRepository
	endpoints  out.EndpointRepository
	httpClient *http.Client
	baseURL    string
	now        func() time.Time

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	protector *ratelimit.APIProtector
}

func New(deliveries out.DeliveryRepository, endpoints out.EndpointRepository, httpClient *http.Client, baseURL string) *Service {
	return &Service{
		deliveries: deliveries,
		endpoints:  endpoints,
		httpClient: httpClient,
		baseURL:    baseURL,
		now:        func() time.Time { return time.Now().UTC() },
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// WithRateLimiting attaches a per-endpoint concurrency/rate/debounce
// guard backed by Redis, so a single noisy endpoint across a fleet of
// worker processes can't starve deliveries to every other endpoint or
// re-deliver the same retry burst faster than the endpoint can absorb it.
func (s *Service) WithRateLimiting(protector *ratelimit.APIProtector) *Service {
	s.protector = protector
	return s
}

// deliveryResponse is the structured record persisted on the
// endpoint_delivery row after an attempt.
type deliveryResponse struct {
	StatusCode      int               `json:"statusCode,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	DeliveryTime    int64             `json:"deliveryTime"`
	Error           string            `json:"error,omitempty"`
	URL             string            `json:"url"`
	PayloadSize     int               `json:"payloadSize"`
	StrippedFields  []string          `json:"strippedFields,omitempty"`
	DeliveredAt     time.Time         `json:"deliveredAt"`
}

// Deliver implements in.WebhookDeliverer.
func (s *Service) Deliver(ctx context.Context, endpoint *domain.Endpoint, email *domain.StructuredEmail) error {
	if endpoint.Webhook == nil {
		return apperr.Unprocessable("endpoint has no webhook config", nil)
	}

	if s.protector != nil {
		result, release := s.protector.Acquire(ctx, endpoint.ID)
		if !result.Allowed {
			return apperr.Transient(fmt.Sprintf("webhook delivery throttled: %s", result.Reason), nil)
		}
		defer release()
	}

	delivery := &domain.EndpointDelivery{
		ID:           nanoid.New(),
		EmailID:      email.ID,
		EndpointID:   endpoint.ID,
		DeliveryType: domain.DeliveryTypeWebhook,
		Status:       domain.DeliveryStatusPending,
		Attempts:     1,
		CreatedAt:    s.now(),
		UpdatedAt:    s.now(),
	}
	if err := s.deliveries.Insert(ctx, delivery); err != nil {
		if apperr.Is(err, apperr.KindDuplicate) {
			return nil
		}
		return err
	}

	token, err := s.ensureVerificationToken(ctx, endpoint)
	if err != nil {
		logger.Warn("webhook: failed to ensure verification token for endpoint %s: %v", endpoint.ID, err)
	}

	env := buildEnvelope(s.baseURL, email, endpoint, s.now())
	if endpoint.WebhookFormat == domain.WebhookFormatDiscord {
		return s.deliverFormatted(ctx, delivery, endpoint, email.MessageID, buildDiscordPayload(env))
	}
	if endpoint.WebhookFormat == domain.WebhookFormatSlack {
		return s.deliverFormatted(ctx, delivery, endpoint, email.MessageID, buildSlackPayload(env))
	}

	payload, stripped, err := governPayload(env)
	if err != nil {
		return s.fail(ctx, delivery, endpoint.Webhook.URL, err, 0, nil, "", 0, nil)
	}

	return s.post(ctx, delivery, endpoint, token, email.MessageID, payload, stripped)
}

// deliverFormatted handles the discord/slack variants, which skip the
// size governor (their schemas are already compact) but still go
// through the same signed POST + result-recording path.
func (s *Service) deliverFormatted(ctx context.Context, delivery *domain.EndpointDelivery, endpoint *domain.Endpoint, messageID string, payload []byte) error {
	return s.post(ctx, delivery, endpoint, "", messageID, payload, nil)
}

func (s *Service) ensureVerificationToken(ctx context.Context, endpoint *domain.Endpoint) (string, error) {
	if endpoint.Webhook.VerificationToken != "" {
		return endpoint.Webhook.VerificationToken, nil
	}
	candidate, err := randomToken(32)
	if err != nil {
		return "", err
	}
	actual, err := s.endpoints.SetVerificationToken(ctx, endpoint.ID, candidate)
	if err != nil {
		return "", err
	}
	endpoint.Webhook.VerificationToken = actual
	return actual, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) post(ctx context.Context, delivery *domain.EndpointDelivery, endpoint *domain.Endpoint, token, messageID string, payload []byte, stripped []string) error {
	cfg := endpoint.Webhook
	url := cfg.URL

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return s.fail(ctx, delivery, url, err, 0, nil, "", len(payload), stripped)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "InboundEmail-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", "email.received")
	req.Header.Set("X-Endpoint-ID", endpoint.ID)
	req.Header.Set("X-Webhook-Timestamp", s.now().Format(time.RFC3339))
	req.Header.Set("X-Email-ID", delivery.EmailID)
	req.Header.Set("X-Message-ID", messageID)
	if token != "" {
		req.Header.Set("X-Webhook-Verification-Token", token)
	}
	if cfg.Secret != "" {
		signature := hmac.New(sha256.New, []byte(cfg.Secret))
		signature.Write(payload)
		req.Header.Set("X-Webhook-Signature", "sha256="+hex.EncodeToString(signature.Sum(nil)))
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	start := s.now()
	resp, err := s.breaker(endpoint.ID).Execute(func() (interface{}, error) {
		return s.httpClient.Do(req)
	})
	elapsed := s.now().Sub(start)

	if err != nil {
		return s.fail(ctx, delivery, url, err, 0, nil, "", len(payload), stripped)
	}

	httpResp := resp.(*http.Response)
	defer httpResp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodyCapture))

	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}

	response := deliveryResponse{
		StatusCode:      httpResp.StatusCode,
		ResponseBody:    string(bodyBytes),
		ResponseHeaders: headers,
		DeliveryTime:    elapsed.Milliseconds(),
		URL:             url,
		PayloadSize:     len(payload),
		StrippedFields:  stripped,
		DeliveredAt:     s.now(),
	}

	status := domain.DeliveryStatusFailed
	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		status = domain.DeliveryStatusSuccess
	}

	return s.updateStatus(ctx, delivery.ID, status, response)
}

func (s *Service) fail(ctx context.Context, delivery *domain.EndpointDelivery, url string, err error, statusCode int, headers map[string]string, body string, payloadSize int, stripped []string) error {
	response := deliveryResponse{
		StatusCode:      statusCode,
		ResponseBody:    body,
		ResponseHeaders: headers,
		Error:           err.Error(),
		URL:             url,
		PayloadSize:     payloadSize,
		StrippedFields:  stripped,
		DeliveredAt:     s.now(),
	}
	return s.updateStatus(ctx, delivery.ID, domain.DeliveryStatusFailed, response)
}

func (s *Service) updateStatus(ctx context.Context, deliveryID string, status domain.DeliveryStatus, response deliveryResponse) error {
	encoded, err := json.Marshal(response)
	if err != nil {
		return err
	}
	var asMap map[string]any
	if err := json.Unmarshal(encoded, &asMap); err != nil {
		return err
	}
	return s.deliveries.UpdateStatus(ctx, deliveryID, status, asMap)
}

// breaker returns the per-endpoint circuit breaker, creating it on
// first use. Mirrors the provider-adapter pattern: trip on a run of
// consecutive failures or a high failure ratio under load.
func (s *Service) breaker(endpointID string) *gobreaker.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	if cb, ok := s.breakers[endpointID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("webhook-%s", endpointID),
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook: circuit %s changed from %s to %s", name, from.String(), to.String())
		},
	})
	s.breakers[endpointID] = cb
	return cb
}
