// Package routing implements the inbound routing pipeline (C7): the
// top-level orchestrator that loads a persisted StructuredEmail,
// threads it, consults the guard, resolves a destination endpoint, and
// dispatches to the webhook or forwarder service, writing exactly one
// endpoint_delivery row per (email, endpoint) pair.
package routing

import (
	"context"
	"strings"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/in"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/apperr"
	"github.com/inboundrelay/gateway/pkg/logger"
)

const inboundGuardFeature = "inbound_guard"

type Service struct {
	emails     out.EmailRepository
	addresses  out.AddressRepository
	domains    out.DomainRepository
	endpoints  out.EndpointRepository
	deliveries out.DeliveryRepository
	flags      out.FeatureFlags

	threader  in.ThreaderService
	guard     in.GuardService
	webhook   in.WebhookDeliverer
	forwarder in.Forwarder

	dispatch out.JobDispatcher
}

func New(
	emails out.EmailRepository,
	addresses out.AddressRepository,
	domains out.DomainRepository,
	endpoints out.EndpointRepository,
	deliveries out.DeliveryRepository,
	flags out.FeatureFlags,
	threader in.ThreaderService,
	guard in.GuardService,
	webhook in.WebhookDeliverer,
	forwarder in.Forwarder,
) *Service {
	return &Service{
		emails:     emails,
		addresses:  addresses,
		domains:    domains,
		endpoints:  endpoints,
		deliveries: deliveries,
		flags:      flags,
		threader:   threader,
		guard:      guard,
		webhook:    webhook,
		forwarder:  forwarder,
	}
}

// WithJobDispatcher attaches the background-job dispatcher used to
// hand DSN analysis and spike checks off to the worker pool. The pool
// itself depends on this service through its handler, so the two are
// wired together after both are constructed rather than at New.
func (s *Service) WithJobDispatcher(d out.JobDispatcher) *Service {
	s.dispatch = d
	return s
}

// RouteEmail implements in.RoutingService. It is idempotent: repeated
// invocations for the same emailID never produce more than one
// endpoint_delivery row per endpoint, and a second invocation after a
// routing decision has already been made is always a safe no-op.
func (s *Service) RouteEmail(ctx context.Context, emailID string) error {
	email, err := s.load(ctx, emailID)
	if err != nil {
		return err
	}
	if !email.ParseSuccess {
		return apperr.Unprocessable("email failed to parse; not routed", nil)
	}

	s.detectDSN(ctx, email)

	threadID, position, isNewThread := s.thread(ctx, email)

	if s.isUnwantedDMARC(ctx, email) {
		return nil
	}

	endpoint, err := s.applyGuard(ctx, email)
	if err != nil {
		return err
	}
	if endpoint == nil && email.GuardBlocked {
		// Guard stamped a block verdict; email stored, not routed.
		return nil
	}

	if endpoint == nil && !isNewThread && position > 1 {
		endpoint = s.resolveByThreadContinuity(ctx, email, threadID)
	}

	if endpoint == nil {
		var legacy *domain.Endpoint
		endpoint, legacy, err = s.resolveEndpoint(ctx, email)
		if err != nil {
			return err
		}
		if endpoint == nil {
			endpoint = legacy
		}
	}
	if endpoint == nil {
		// No routing target; email remains stored only.
		return nil
	}

	existing, err := s.deliveries.FindByEmailAndEndpoint(ctx, email.ID, endpoint.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	switch endpoint.Type {
	case domain.EndpointTypeWebhook:
		if err := s.webhook.Deliver(ctx, endpoint, email); err != nil {
			logger.Warn("routing: webhook delivery failed for email %s endpoint %s: %v", email.ID, endpoint.ID, err)
		}
	case domain.EndpointTypeEmail, domain.EndpointTypeEmailGroup:
		if err := s.forwarder.Forward(ctx, endpoint, email); err != nil {
			logger.Warn("routing: forward failed for email %s endpoint %s: %v", email.ID, endpoint.ID, err)
		} else if s.dispatch != nil {
			s.dispatch.DispatchSpikeCheck(ctx, email.UserID)
		}
	}

	return nil
}

// detectDSN implements the pipeline's additional hand-off to the
// bounce/DSN analyzer (C1) and delivery-event recorder (C6): a message
// that looks like an RFC 3464 delivery-status report is still routed
// normally, but is also queued for analysis in the background.
func (s *Service) detectDSN(ctx context.Context, email *domain.StructuredEmail) {
	if s.dispatch == nil {
		return
	}
	contentType, _ := email.Headers.Get("Content-Type")
	if !domain.IsDSN(contentType, email.RawContent) {
		return
	}
	s.dispatch.DispatchDSNCheck(ctx, email.ID)
}

// load fetches the StructuredEmail by its primary id, falling back to
// the raw-blob emailId alias.
func (s *Service) load(ctx context.Context, emailID string) (*domain.StructuredEmail, error) {
	email, err := s.emails.GetByID(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if email == nil {
		email, err = s.emails.GetByEmailID(ctx, emailID)
		if err != nil {
			return nil, err
		}
	}
	if email == nil {
		return nil, apperr.NotFound("structured email")
	}
	return email, nil
}

// thread invokes C3; threading errors are logged and swallowed per the
// pipeline's fail-open policy.
func (s *Service) thread(ctx context.Context, email *domain.StructuredEmail) (threadID string, position int, isNew bool) {
	threadID, position, err := s.threader.Thread(ctx, email)
	if err != nil {
		logger.Warn("routing: threading failed for email %s: %v", email.ID, err)
		return "", 0, true
	}
	id := threadID
	email.ThreadID = &id
	email.ThreadPosition = &position
	if err := s.emails.Update(ctx, email); err != nil {
		logger.Warn("routing: failed to persist thread fields for email %s: %v", email.ID, err)
	}
	return threadID, position, position == 1
}

// isUnwantedDMARC implements step 3: a dmarc-localpart recipient whose
// domain has opted out is stored but never routed.
func (s *Service) isUnwantedDMARC(ctx context.Context, email *domain.StructuredEmail) bool {
	local, domainName := splitAddress(email.Recipient)
	if !strings.EqualFold(local, "dmarc") {
		return false
	}
	row, err := s.domains.FindByDomainName(ctx, email.UserID, domainName)
	if err != nil || row == nil {
		return false
	}
	return !row.ReceiveDmarcEmails
}

// applyGuard implements step 4: feature-gated rule evaluation. The
// returned endpoint is non-nil only when the matched rule routed to a
// specific, active, same-user endpoint.
func (s *Service) applyGuard(ctx context.Context, email *domain.StructuredEmail) (*domain.Endpoint, error) {
	allowed, err := s.flags.CheckFeature(ctx, email.UserID, inboundGuardFeature)
	if err != nil {
		logger.Warn("routing: feature check failed for user %s: %v", email.UserID, err)
		allowed = false
	}
	if !allowed {
		return nil, nil
	}

	verdict, err := s.guard.Evaluate(ctx, email.UserID, email)
	if err != nil || verdict == nil {
		return nil, nil
	}

	email.GuardAction = verdict.Action
	email.GuardRuleID = nonEmptyPtr(verdict.MatchedRuleID)

	switch verdict.Action {
	case domain.GuardActionBlock:
		email.GuardBlocked = true
		email.GuardReason = "blocked by guard rule"
		if err := s.emails.Update(ctx, email); err != nil {
			logger.Warn("routing: failed to persist guard block for email %s: %v", email.ID, err)
		}
		return nil, nil
	case domain.GuardActionRoute:
		if err := s.emails.Update(ctx, email); err != nil {
			logger.Warn("routing: failed to persist guard route for email %s: %v", email.ID, err)
		}
		if verdict.RouteToEndpointID == "" {
			return nil, nil
		}
		endpoint, err := s.endpoints.GetActiveByIDForUser(ctx, verdict.RouteToEndpointID, email.UserID)
		if err != nil || endpoint == nil {
			return nil, nil
		}
		return endpoint, nil
	default:
		if err := s.emails.Update(ctx, email); err != nil {
			logger.Warn("routing: failed to persist guard verdict for email %s: %v", email.ID, err)
		}
		return nil, nil
	}
}

// resolveByThreadContinuity implements step 5: replies follow the
// endpoint of the thread's original recipient when it differs.
func (s *Service) resolveByThreadContinuity(ctx context.Context, email *domain.StructuredEmail, threadID string) *domain.Endpoint {
	if threadID == "" {
		return nil
	}
	earliest, err := s.emails.FindEarliestInThread(ctx, threadID)
	if err != nil || earliest == nil {
		return nil
	}
	if strings.EqualFold(earliest.Recipient, email.Recipient) {
		return nil
	}
	addr, err := s.addresses.FindActiveByAddress(ctx, email.UserID, strings.ToLower(earliest.Recipient))
	if err != nil || addr == nil || addr.EndpointID == nil {
		return nil
	}
	endpoint, err := s.endpoints.GetActiveByIDForUser(ctx, *addr.EndpointID, email.UserID)
	if err != nil {
		return nil
	}
	return endpoint
}

// resolveEndpoint implements step 6's priority chain. A non-nil legacy
// return signals the reduced legacy-webhook path.
func (s *Service) resolveEndpoint(ctx context.Context, email *domain.StructuredEmail) (endpoint *domain.Endpoint, legacy *domain.Endpoint, err error) {
	local, domainName := splitAddress(email.Recipient)

	if addr, aerr := s.addresses.FindActiveByAddress(ctx, email.UserID, strings.ToLower(email.Recipient)); aerr == nil && addr != nil {
		if addr.EndpointID != nil {
			if ep, eerr := s.endpoints.GetActiveByIDForUser(ctx, *addr.EndpointID, email.UserID); eerr == nil && ep != nil {
				return ep, nil, nil
			}
		}
		if addr.WebhookID != nil {
			if ep, eerr := s.endpoints.GetLegacyWebhookEndpoint(ctx, *addr.WebhookID); eerr == nil && ep != nil {
				return nil, ep, nil
			}
		}
	}

	if local == "" && domainName == "" {
		return nil, nil, nil
	}

	domainRow, derr := s.domains.FindByDomainName(ctx, email.UserID, domainName)
	if derr == nil && domainRow != nil && domainRow.IsCatchAllEnabled {
		if domainRow.CatchAllEndpointID != nil {
			if ep, eerr := s.endpoints.GetActiveByIDForUser(ctx, *domainRow.CatchAllEndpointID, email.UserID); eerr == nil && ep != nil {
				return ep, nil, nil
			}
		}
		if domainRow.CatchAllWebhookID != nil {
			if ep, eerr := s.endpoints.GetLegacyWebhookEndpoint(ctx, *domainRow.CatchAllWebhookID); eerr == nil && ep != nil {
				return nil, ep, nil
			}
		}
	}

	return nil, nil, nil
}

func splitAddress(address string) (local, domainName string) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address, ""
	}
	return address[:at], strings.ToLower(address[at+1:])
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
