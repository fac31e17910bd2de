package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

// SentEmailAdapter implements out.SentEmailRepository against sent_emails.
type SentEmailAdapter struct {
	db *sqlx.DB
}

func NewSentEmailAdapter(db *sqlx.DB) out.SentEmailRepository {
	return &SentEmailAdapter{db: db}
}

const sentEmailColumns = `
	id, user_id, message_id, ses_message_id, "from", from_domain, "to", cc, bcc,
	reply_to, subject, html_body, text_body, status, provider, provider_response,
	failure_reason, sent_at, thread_id, thread_position, created_at`

func (r *SentEmailAdapter) FindByMessageIDs(ctx context.Context, userID string, messageIDs []string) (*domain.SentEmail, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sentEmailColumns + ` FROM sent_emails
		WHERE user_id = $1 AND message_id = ANY($2) ORDER BY created_at DESC LIMIT 1`
	var row sentEmailRow
	if err := r.db.GetContext(ctx, &row, query, userID, pq.Array(messageIDs)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find sent email by message ids: %w", err)
	}
	return row.toDomain(), nil
}

// FindBySESMessageIDVariants probes the four id shapes the bounce
// analyzer derives from a DSN's In-Reply-To/References header.
func (r *SentEmailAdapter) FindBySESMessageIDVariants(ctx context.Context, variants []string) (*domain.SentEmail, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sentEmailColumns + ` FROM sent_emails
		WHERE ses_message_id = ANY($1) OR message_id = ANY($1)
		ORDER BY created_at DESC LIMIT 1`
	var row sentEmailRow
	if err := r.db.GetContext(ctx, &row, query, pq.Array(variants)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find sent email by ses message id variants: %w", err)
	}
	return row.toDomain(), nil
}

func (r *SentEmailAdapter) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sent_emails WHERE user_id = $1 AND created_at >= $2`
	if err := r.db.GetContext(ctx, &count, query, userID, since); err != nil {
		return 0, fmt.Errorf("count sent emails since: %w", err)
	}
	return count, nil
}

func (r *SentEmailAdapter) CountInWindow(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sent_emails WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`
	if err := r.db.GetContext(ctx, &count, query, userID, from, to); err != nil {
		return 0, fmt.Errorf("count sent emails in window: %w", err)
	}
	return count, nil
}

type sentEmailRow struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	MessageID    string         `db:"message_id"`
	SESMessageID sql.NullString `db:"ses_message_id"`
	From         string         `db:"from"`
	FromDomain   string         `db:"from_domain"`
	To           pq.StringArray `db:"to"`
	Cc           pq.StringArray `db:"cc"`
	Bcc          pq.StringArray `db:"bcc"`
	ReplyTo      pq.StringArray `db:"reply_to"`
	Subject      string         `db:"subject"`
	HTMLBody     sql.NullString `db:"html_body"`
	TextBody     sql.NullString `db:"text_body"`
	Status       string         `db:"status"`
	Provider     sql.NullString `db:"provider"`
	ProviderResp sql.NullString `db:"provider_response"`
	FailureReason sql.NullString `db:"failure_reason"`
	SentAt       sql.NullTime   `db:"sent_at"`

	ThreadID       sql.NullString `db:"thread_id"`
	ThreadPosition sql.NullInt32  `db:"thread_position"`

	CreatedAt time.Time `db:"created_at"`
}

func (r *sentEmailRow) toDomain() *domain.SentEmail {
	e := &domain.SentEmail{
		ID:         r.ID,
		UserID:     r.UserID,
		MessageID:  r.MessageID,
		From:       r.From,
		FromDomain: r.FromDomain,
		To:         []string(r.To),
		Cc:         []string(r.Cc),
		Bcc:        []string(r.Bcc),
		ReplyTo:    []string(r.ReplyTo),
		Subject:    r.Subject,
		Status:     domain.SentStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}
	if r.SESMessageID.Valid {
		e.SESMessageID = r.SESMessageID.String
	}
	if r.HTMLBody.Valid {
		e.HTMLBody = r.HTMLBody.String
	}
	if r.TextBody.Valid {
		e.TextBody = r.TextBody.String
	}
	if r.Provider.Valid {
		e.Provider = r.Provider.String
	}
	if r.ProviderResp.Valid {
		e.ProviderResponse = r.ProviderResp.String
	}
	if r.FailureReason.Valid {
		e.FailureReason = r.FailureReason.String
	}
	if r.SentAt.Valid {
		at := r.SentAt.Time
		e.SentAt = &at
	}
	if r.ThreadID.Valid {
		id := r.ThreadID.String
		e.ThreadID = &id
	}
	if r.ThreadPosition.Valid {
		pos := int(r.ThreadPosition.Int32)
		e.ThreadPosition = &pos
	}
	return e
}
