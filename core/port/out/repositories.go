// Package out declares the outbound ports the core services depend on:
// persistence, blob storage, the outbound sender, the notification
// collaborator, and the feature-flag provider.
package out

import (
	"context"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
)

// EmailRepository is the C9 persistence port for structured_emails.
type EmailRepository interface {
	GetByID(ctx context.Context, id string) (*domain.StructuredEmail, error)
	GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error)
	FindByMessageIDs(ctx context.Context, userID string, messageIDs []string) (*domain.StructuredEmail, error)
	Update(ctx context.Context, email *domain.StructuredEmail) error
	// FindEarliestInThread returns the thread's position=1 row, falling
	// back to the minimum-position row, falling back to the
	// earliest-by-date row, realizing C7 step 5's thread-continuity
	// lookup.
	FindEarliestInThread(ctx context.Context, threadID string) (*domain.StructuredEmail, error)
}

// SentEmailRepository is the C9 persistence port for sent_emails.
type SentEmailRepository interface {
	FindByMessageIDs(ctx context.Context, userID string, messageIDs []string) (*domain.SentEmail, error)
	// FindBySESMessageIDVariants probes the four id shapes used by DSN
	// source resolution (bare, <bare>, <bare>@domain, bare@domain).
	FindBySESMessageIDVariants(ctx context.Context, variants []string) (*domain.SentEmail, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountInWindow(ctx context.Context, userID string, from, to time.Time) (int, error)
}

// ThreadRepository is the C9 persistence port for email_threads.
type ThreadRepository interface {
	FindByNormalizedSubject(ctx context.Context, userID, normalizedSubject string, lastMessageAfter time.Time) (*domain.EmailThread, error)
	GetByID(ctx context.Context, id string) (*domain.EmailThread, error)
	Create(ctx context.Context, thread *domain.EmailThread) error
	// Attach assigns the next message position and folds participants
	// into the thread in a single atomic UPDATE ... RETURNING, so two
	// concurrent attaches to the same thread serialize on Postgres's
	// row-level write lock instead of racing a separate read-then-write.
	Attach(ctx context.Context, threadID string, lastMessageAt time.Time, participants []string) (int, error)
}

// EndpointRepository is the C9 persistence port for endpoints.
type EndpointRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Endpoint, error)
	GetActiveByIDForUser(ctx context.Context, id, userID string) (*domain.Endpoint, error)
	// SetVerificationToken performs the compare-and-set write-back
	// described in the design notes: only writes if absent.
	SetVerificationToken(ctx context.Context, endpointID, token string) (string, error)
	// GetLegacyWebhookEndpoint adapts a pre-endpoint "webhooks" table row
	// into an Endpoint{Type: webhook} for the reduced legacy delivery
	// path C7 falls back to when an address/domain still carries a bare
	// webhookId rather than an endpointId.
	GetLegacyWebhookEndpoint(ctx context.Context, webhookID string) (*domain.Endpoint, error)
}

// AddressRepository is the C9 persistence port for email_addresses.
type AddressRepository interface {
	FindActiveByAddress(ctx context.Context, userID, address string) (*domain.EmailAddress, error)
}

// DomainRepository is the C9 persistence port for email_domains.
type DomainRepository interface {
	FindByDomainName(ctx context.Context, userID, domainName string) (*domain.EmailDomain, error)
	// ResolveTenant walks the domain -> parent-domain chain to find
	// sending-identity metadata for the forwarder (C5 step 5).
	ResolveTenant(ctx context.Context, domainName string) (*TenantIdentity, error)
}

// TenantIdentity is the per-tenant outbound-sender identity metadata C5
// attaches to a forward handoff.
type TenantIdentity struct {
	TenantID            string
	TenantName          string
	SourceARN           string
	ConfigurationSetName string
}

// DeliveryRepository is the C9 persistence port for endpoint_deliveries,
// the idempotency-lock table.
type DeliveryRepository interface {
	// Insert relies on UNIQUE(emailId, endpointId); the caller maps a
	// unique-violation to apperr.Duplicate.
	Insert(ctx context.Context, d *domain.EndpointDelivery) error
	FindByEmailAndEndpoint(ctx context.Context, emailID, endpointID string) (*domain.EndpointDelivery, error)
	UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, responseData map[string]any) error
	GetByID(ctx context.Context, id string) (*domain.EndpointDelivery, error)
	ListByEmail(ctx context.Context, emailID string) ([]*domain.EndpointDelivery, error)
}

// GuardRuleRepository is the C9 persistence port for guard_rules.
type GuardRuleRepository interface {
	ListActiveByUserOrderedByPriority(ctx context.Context, userID string) ([]*domain.GuardRule, error)
	RecordTrigger(ctx context.Context, ruleID string, at time.Time) error
}

// BlocklistRepository is the C9 persistence port for blocked_emails.
type BlocklistRepository interface {
	Find(ctx context.Context, emailAddress, domainID string) (*domain.BlockedEmail, error)
	FindAnyDomain(ctx context.Context, emailAddress string) (*domain.BlockedEmail, error)
	Insert(ctx context.Context, b *domain.BlockedEmail) error
}

// DeliveryEventRepository is the C9 persistence port for
// email_delivery_events.
type DeliveryEventRepository interface {
	Insert(ctx context.Context, e *domain.EmailDeliveryEvent) error
	MarkBlocklisted(ctx context.Context, eventID, blocklistID string) error
	IsDSNAlreadyProcessed(ctx context.Context, dsnEmailID string) (bool, error)
	// ListRecent backs the admin read API; it omits RawDSNContent, which
	// callers fetch separately through BlobStore when needed.
	ListRecent(ctx context.Context, limit int) ([]*domain.EmailDeliveryEvent, error)
}

// BlobStore persists oversized byte payloads (raw MIME, raw DSN content)
// outside the relational store.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// OutboundSender is the opaque handoff boundary to the outbound mail
// provider (AWS SES in this implementation).
type OutboundSender interface {
	SendRaw(ctx context.Context, req OutboundSendRequest) (accepted bool, err error)
}

// OutboundSendRequest is the handoff payload passed to the outbound
// sender when the forwarder rewrites and re-sends a structured email.
type OutboundSendRequest struct {
	RawMIME              []byte
	FromAddress          string
	ToAddresses          []string
	SubjectPrefix        string
	IncludeAttachments   bool
	SenderName           string
	SourceARN            string
	ConfigurationSetName string
	TenantName           string
}

// NotificationSender is the Slack-shaped spike-alert collaborator.
type NotificationSender interface {
	NotifySpike(ctx context.Context, payload SpikeAlertPayload) error
}

// SpikeAlertPayload is the body handed to the notification collaborator.
type SpikeAlertPayload struct {
	UserID        string    `json:"userId"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	CurrentCount  int       `json:"currentCount"`
	DailyAverage  float64   `json:"dailyAverage"`
	Multiplier    float64   `json:"multiplier"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// FeatureFlags checks feature-gate allowance; failures are treated as
// disallowed by the caller.
type FeatureFlags interface {
	CheckFeature(ctx context.Context, userID, featureID string) (allowed bool, err error)
}

// JobDispatcher hands fire-and-forget background work (a DSN analysis,
// a spike check) to the worker pool instead of running it inline on
// the routing request path. A failed submit is logged by the
// implementation and never propagated - background work is always
// best-effort from the caller's point of view.
type JobDispatcher interface {
	DispatchDSNCheck(ctx context.Context, dsnEmailID string)
	DispatchSpikeCheck(ctx context.Context, userID string)
}
