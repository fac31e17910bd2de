// Package in declares the inbound ports: the operations the adapters
// (HTTP handlers, worker job processors) invoke on the core services.
package in

import (
	"context"

	"github.com/inboundrelay/gateway/core/domain"
)

// RoutingService runs the C7 inbound routing pipeline for one already
// structured-and-persisted email.
type RoutingService interface {
	RouteEmail(ctx context.Context, emailID string) error
}

// ThreaderService attaches a StructuredEmail to a conversation thread.
type ThreaderService interface {
	Thread(ctx context.Context, email *domain.StructuredEmail) (threadID string, position int, err error)
}

// GuardService evaluates a user's active rule set against an inbound
// email and reports a dispositive verdict.
type GuardService interface {
	Evaluate(ctx context.Context, userID string, email *domain.StructuredEmail) (*domain.GuardVerdict, error)
}

// WebhookDeliverer composes, signs, and delivers one webhook payload.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, endpoint *domain.Endpoint, email *domain.StructuredEmail) error
}

// Forwarder hands one email off to the outbound sender on behalf of an
// email or email_group endpoint.
type Forwarder interface {
	Forward(ctx context.Context, endpoint *domain.Endpoint, email *domain.StructuredEmail) error
}

// DSNAnalyzer parses and records one bounce/complaint notification.
type DSNAnalyzer interface {
	AnalyzeDSN(ctx context.Context, dsnEmailID string) error
}

// SpikeDetector checks a user's recent sending volume against its
// rolling baseline and raises an alert if warranted.
type SpikeDetector interface {
	CheckSendingSpike(ctx context.Context, userID string) error
}
