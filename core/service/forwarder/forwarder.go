// Package forwarder implements the email forwarder (C5): recipient
// resolution, blocklist filtering, loop detection, and handoff to the
// outbound sender.
package forwarder

import (
	"context"
	"strings"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/apperr"
	"github.com/inboundrelay/gateway/pkg/logger"
	"github.com/inboundrelay/gateway/pkg/nanoid"
)

const (
	reasonAllRecipientsBlocked = "ALL_RECIPIENTS_BLOCKED"
	reasonForwardingLoop       = "FORWARDING_LOOP_DETECTED"
)

type Service struct {
	deliveries out.DeliveryRepository
	blocklist  out.BlocklistRepository
	domains    out.DomainRepository
	sender     out.OutboundSender
	now        func() time.Time
}

func New(deliveries out.DeliveryRepository, blocklist out.BlocklistRepository, domains out.DomainRepository, sender out.OutboundSender) *Service {
	return &Service{
		deliveries: deliveries,
		blocklist:  blocklist,
		domains:    domains,
		sender:     sender,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Forward implements in.Forwarder.
func (s *Service) Forward(ctx context.Context, endpoint *domain.Endpoint, email *domain.StructuredEmail) error {
	delivery := &domain.EndpointDelivery{
		ID:           nanoid.New(),
		EmailID:      email.ID,
		EndpointID:   endpoint.ID,
		DeliveryType: domain.DeliveryTypeEmailForward,
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

	recipients, err := s.recipients(endpoint)
	if err != nil {
		return s.failWithReason(ctx, delivery.ID, err.Error())
	}

	recipients, err = s.filterBlocked(ctx, recipients)
	if err != nil {
		logger.Warn("forwarder: blocklist lookup failed for delivery %s: %v", delivery.ID, err)
	}
	if len(recipients) == 0 {
		return s.failWithReason(ctx, delivery.ID, reasonAllRecipientsBlocked)
	}

	if detectsLoop(recipients, email.Recipient) {
		return s.failWithReason(ctx, delivery.ID, reasonForwardingLoop)
	}

	fromAddress := s.resolveFromAddress(endpoint, email)
	includeAttachments, subjectPrefix, senderName := forwardOptions(endpoint)

	tenant, err := s.resolveTenant(ctx, fromAddress)
	if err != nil {
		logger.Warn("forwarder: tenant resolution failed for %s: %v", fromAddress, err)
	}

	req := out.OutboundSendRequest{
		RawMIME:            []byte(email.RawContent),
		FromAddress:        fromAddress,
		ToAddresses:        recipients,
		SubjectPrefix:      subjectPrefix,
		IncludeAttachments: includeAttachments,
		SenderName:         senderName,
	}
	if tenant != nil {
		req.SourceARN = tenant.SourceARN
		req.ConfigurationSetName = tenant.ConfigurationSetName
		req.TenantName = tenant.TenantName
	}

	accepted, err := s.sender.SendRaw(ctx, req)
	if err != nil || !accepted {
		reason := "rejected by outbound sender"
		if err != nil {
			reason = err.Error()
		}
		return s.failWithReason(ctx, delivery.ID, reason)
	}

	return s.deliveries.UpdateStatus(ctx, delivery.ID, domain.DeliveryStatusSuccess, map[string]any{
		"toAddresses": recipients,
		"fromAddress": fromAddress,
		"forwardedAt": s.now().Format(time.RFC3339),
	})
}

func (s *Service) recipients(endpoint *domain.Endpoint) ([]string, error) {
	switch endpoint.Type {
	case domain.EndpointTypeEmailGroup:
		if endpoint.EmailGroup == nil || len(endpoint.EmailGroup.Emails) == 0 {
			return nil, apperr.Unprocessable("email_group endpoint has no recipients", nil)
		}
		return append([]string(nil), endpoint.EmailGroup.Emails...), nil
	case domain.EndpointTypeEmail:
		if endpoint.Email == nil || endpoint.Email.ForwardTo == "" {
			return nil, apperr.Unprocessable("email endpoint has no forwardTo", nil)
		}
		return []string{endpoint.Email.ForwardTo}, nil
	default:
		return nil, apperr.Unprocessable("endpoint is not a forwarding type", nil)
	}
}

func (s *Service) filterBlocked(ctx context.Context, recipients []string) ([]string, error) {
	var kept []string
	var firstErr error
	for _, r := range recipients {
		blocked, err := s.blocklist.FindAnyDomain(ctx, strings.ToLower(strings.TrimSpace(r)))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			kept = append(kept, r)
			continue
		}
		if blocked == nil {
			kept = append(kept, r)
		}
	}
	return kept, firstErr
}

func detectsLoop(recipients []string, inboundRecipient string) bool {
	target := strings.ToLower(strings.TrimSpace(inboundRecipient))
	for _, r := range recipients {
		if strings.ToLower(strings.TrimSpace(r)) == target {
			return true
		}
	}
	return false
}

func (s *Service) resolveFromAddress(endpoint *domain.Endpoint, email *domain.StructuredEmail) string {
	switch endpoint.Type {
	case domain.EndpointTypeEmailGroup:
		if endpoint.EmailGroup != nil && endpoint.EmailGroup.FromAddress != "" {
			return endpoint.EmailGroup.FromAddress
		}
	case domain.EndpointTypeEmail:
		if endpoint.Email != nil && endpoint.Email.FromAddress != "" {
			return endpoint.Email.FromAddress
		}
	}
	return email.Recipient
}

func forwardOptions(endpoint *domain.Endpoint) (includeAttachments bool, subjectPrefix, senderName string) {
	switch endpoint.Type {
	case domain.EndpointTypeEmailGroup:
		if cfg := endpoint.EmailGroup; cfg != nil {
			return cfg.IncludeAttachments, cfg.SubjectPrefix, cfg.SenderName
		}
	case domain.EndpointTypeEmail:
		if cfg := endpoint.Email; cfg != nil {
			return cfg.IncludeAttachments, cfg.SubjectPrefix, cfg.SenderName
		}
	}
	return false, "", ""
}

func (s *Service) resolveTenant(ctx context.Context, fromAddress string) (*out.TenantIdentity, error) {
	at := strings.LastIndex(fromAddress, "@")
	if at < 0 {
		return nil, nil
	}
	domainName := strings.ToLower(fromAddress[at+1:])
	return s.domains.ResolveTenant(ctx, domainName)
}

func (s *Service) failWithReason(ctx context.Context, deliveryID, reason string) error {
	return s.deliveries.UpdateStatus(ctx, deliveryID, domain.DeliveryStatusFailed, map[string]any{
		"error":     reason,
		"failedAt":  s.now().Format(time.RFC3339),
	})
}
