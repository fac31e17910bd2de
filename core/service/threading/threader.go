// Package threading implements the conversation threader (C3): RFC
// 2822 header-based continuity with a normalized-subject fallback, and
// a serializable per-thread position assignment.
package threading

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/nanoid"
)

// subjectPrefix strips any number of leading reply/forward markers,
// case-insensitively, collapsing "Re: Fwd: Re: hi" to "hi".
var subjectPrefix = regexp.MustCompile(`(?i)^(re|r|fwd|fw|aw|wg|vs|sv):\s*`)

const subjectThreadWindow = 30 * 24 * time.Hour

type Service struct {
	emails  out.EmailRepository
	sent    out.SentEmailRepository
	threads out.ThreadRepository
	now     func() time.Time
}

func New(emails out.EmailRepository, sent out.SentEmailRepository, threads out.ThreadRepository) *Service {
	return &Service{emails: emails, sent: sent, threads: threads, now: func() time.Time { return time.Now().UTC() }}
}

// Thread attaches email to a conversation thread and returns the
// assigned identity and position. Errors are the caller's to swallow
// per the pipeline's fail-open policy for threading.
func (s *Service) Thread(ctx context.Context, email *domain.StructuredEmail) (string, int, error) {
	candidates := candidateMessageIDs(email)

	var threadID string

	if len(candidates) > 0 {
		if t, err := s.findByMessageIDs(ctx, email.UserID, candidates); err == nil && t != "" {
			threadID = t
		}
	}

	normalizedSubject := normalizeSubject(email.Subject)

	if threadID == "" && email.InReplyTo == "" && len(email.References) == 0 {
		if len(normalizedSubject) >= 5 {
			cutoff := s.now().Add(-subjectThreadWindow)
			if existing, err := s.threads.FindByNormalizedSubject(ctx, email.UserID, normalizedSubject, cutoff); err == nil && existing != nil {
				threadID = existing.ID
			}
		}
	}

	if threadID == "" {
		root := email.MessageID
		if root == "" {
			root = email.ID
		}
		date := email.Date
		if date.IsZero() {
			date = s.now()
		}
		thread := &domain.EmailThread{
			ID:                nanoid.New(),
			UserID:            email.UserID,
			RootMessageID:     root,
			NormalizedSubject: normalizedSubject,
			ParticipantEmails: participants(email),
			MessageCount:      0,
			LastMessageAt:     date,
			CreatedAt:         s.now(),
			UpdatedAt:         s.now(),
		}
		if err := s.threads.Create(ctx, thread); err != nil {
			return "", 0, err
		}
		threadID = thread.ID
	}

	lastMessageAt := email.Date
	if lastMessageAt.IsZero() {
		lastMessageAt = s.now()
	}

	position, err := s.threads.Attach(ctx, threadID, lastMessageAt, participants(email))
	if err != nil {
		return "", 0, err
	}

	return threadID, position, nil
}

func (s *Service) findByMessageIDs(ctx context.Context, userID string, ids []string) (string, error) {
	if email, err := s.emails.FindByMessageIDs(ctx, userID, ids); err == nil && email != nil && email.ThreadID != nil {
		return *email.ThreadID, nil
	}
	if sent, err := s.sent.FindByMessageIDs(ctx, userID, ids); err == nil && sent != nil && sent.ThreadID != nil {
		return *sent.ThreadID, nil
	}
	return "", nil
}

// candidateMessageIDs collects and normalizes the email's own
// messageId, inReplyTo, and references into a set.
func candidateMessageIDs(email *domain.StructuredEmail) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		id = normalizeMessageID(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(email.MessageID)
	add(email.InReplyTo)
	for _, ref := range email.References {
		add(ref)
	}
	return out
}

func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

func normalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		trimmed := subjectPrefix.ReplaceAllString(s, "")
		trimmed = strings.TrimSpace(trimmed)
		if trimmed == s {
			break
		}
		s = trimmed
	}
	return strings.ToLower(s)
}

func participants(email *domain.StructuredEmail) []string {
	var addrs []string
	addrs = append(addrs, email.FromData.Lowercased()...)
	addrs = append(addrs, email.ToData.Lowercased()...)
	addrs = append(addrs, email.CcData.Lowercased()...)
	return addrs
}

