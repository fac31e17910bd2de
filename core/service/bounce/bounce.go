package bounce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/logger"
	"github.com/inboundrelay/gateway/pkg/nanoid"
)

const sesMessageIDSuffix = "@us-east-2.amazonses.com"

type Service struct {
	emails  out.EmailRepository
	sent    out.SentEmailRepository
	events  out.DeliveryEventRepository
	blocks  out.BlocklistRepository
	domains out.DomainRepository
	now     func() time.Time
}

func New(emails out.EmailRepository, sent out.SentEmailRepository, events out.DeliveryEventRepository, blocks out.BlocklistRepository, domains out.DomainRepository) *Service {
	return &Service{
		emails:  emails,
		sent:    sent,
		events:  events,
		blocks:  blocks,
		domains: domains,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AnalyzeDSN implements in.DSNAnalyzer.
func (s *Service) AnalyzeDSN(ctx context.Context, dsnEmailID string) error {
	already, err := s.events.IsDSNAlreadyProcessed(ctx, dsnEmailID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	dsnEmail, err := s.emails.GetByID(ctx, dsnEmailID)
	if err != nil {
		return err
	}
	if dsnEmail == nil {
		return fmt.Errorf("bounce: dsn email %s not found", dsnEmailID)
	}

	contentType, _ := dsnEmail.Headers.Get("Content-Type")
	if !domain.IsDSN(contentType, dsnEmail.RawContent) {
		return nil
	}

	parsed, err := parseDSN(dsnEmail.RawContent)
	if err != nil {
		return err
	}

	class := classify(parsed.Status, parsed.DiagnosticCode)

	event := &domain.EmailDeliveryEvent{
		ID:             nanoid.New(),
		EventType:      "bounce",
		BounceType:     class.BounceType,
		BounceSubType:  class.BounceSubType,
		StatusCode:     parsed.Status,
		StatusClass:    class.StatusClass,
		StatusCategory: class.StatusCategory,
		DiagnosticCode: parsed.DiagnosticCode,

		FailedRecipient:       lowerTrim(parsed.FinalRecipient),
		FailedRecipientDomain: domainOf(parsed.FinalRecipient),

		OriginalMessageID: parsed.OriginalMessageID,
		OriginalFrom:      parsed.OriginalFrom,
		OriginalTo:        parsed.OriginalTo,
		OriginalSubject:   parsed.OriginalSubject,

		DSNEmailID:    dsnEmailID,
		DSNReceivedAt: s.now(),
		ReportingMTA:  parsed.ReportingMTA,
		RemoteMTA:     parsed.RemoteMTA,

		ActionTaken: domain.ActionTakenNone,
	}

	if sentEmail, err := s.resolveSource(ctx, parsed); err == nil && sentEmail != nil {
		event.OriginalSentEmailID = &sentEmail.ID
		userID := sentEmail.UserID
		event.UserID = &userID
		event.DomainName = sentEmail.FromDomain

		if emailDomain, err := s.domains.FindByDomainName(ctx, userID, sentEmail.FromDomain); err == nil && emailDomain != nil {
			domainID := emailDomain.ID
			event.DomainID = &domainID
		}
		if tenant, err := s.domains.ResolveTenant(ctx, sentEmail.FromDomain); err == nil && tenant != nil {
			tenantID := tenant.TenantID
			event.TenantID = &tenantID
			event.TenantName = tenant.TenantName
		}
	} else if err != nil {
		logger.Warn("bounce: source resolution failed for dsn %s: %v", dsnEmailID, err)
	}

	if err := s.events.Insert(ctx, event); err != nil {
		return err
	}

	if class.BounceType == domain.BounceTypeHard && event.UserID != nil && event.DomainID != nil && event.FailedRecipient != "" {
		if err := s.autoBlocklist(ctx, event, class); err != nil {
			logger.Warn("bounce: auto-blocklist failed for dsn %s: %v", dsnEmailID, err)
		}
	}

	return nil
}

func (s *Service) autoBlocklist(ctx context.Context, event *domain.EmailDeliveryEvent, class classification) error {
	existing, err := s.blocks.Find(ctx, event.FailedRecipient, *event.DomainID)
	if err != nil {
		return err
	}
	if existing == nil {
		blocked := &domain.BlockedEmail{
			ID:           nanoid.New(),
			EmailAddress: event.FailedRecipient,
			DomainID:     *event.DomainID,
			Reason:       fmt.Sprintf("Hard bounce: %s (%s)", class.BounceSubType, event.StatusCode),
			BlockedBy:    "system",
			CreatedAt:    s.now(),
		}
		if err := s.blocks.Insert(ctx, blocked); err != nil {
			return err
		}
		existing = blocked
	}

	event.ActionTaken = domain.ActionTakenAddedToBlocklist
	event.AddedToBlocklist = true
	event.BlocklistID = &existing.ID
	return s.events.MarkBlocklisted(ctx, event.ID, existing.ID)
}

// resolveSource finds the sent_emails row the DSN is reporting on, per
// the triggering-Message-ID precedence and four-variant probe.
func (s *Service) resolveSource(ctx context.Context, parsed *domain.ParsedDSN) (*domain.SentEmail, error) {
	triggering := parsed.DSNInReplyTo
	if triggering == "" && len(parsed.DSNReferences) > 0 {
		triggering = parsed.DSNReferences[0]
	}
	if triggering == "" {
		triggering = parsed.OriginalMessageID
	}
	if triggering == "" {
		return nil, nil
	}

	bare := normalizeMessageIDForProbe(triggering)
	variants := []string{
		bare,
		"<" + bare + ">",
		"<" + bare + ">" + sesMessageIDSuffix,
		bare + sesMessageIDSuffix,
	}

	return s.sent.FindBySESMessageIDVariants(ctx, variants)
}

func normalizeMessageIDForProbe(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	if at := strings.Index(id, "@"); at >= 0 {
		id = id[:at]
	}
	return id
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
