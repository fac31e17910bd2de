package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

const rawEmailBucket = "raw-emails"

// EmailAdapter implements out.EmailRepository against structured_emails.
// RawContent is not a relational column; it is resolved from the blob
// store via raw_blob_ref on every read.
type EmailAdapter struct {
	db    *sqlx.DB
	blobs out.BlobStore
}

func NewEmailAdapter(db *sqlx.DB, blobs out.BlobStore) out.EmailRepository {
	return &EmailAdapter{db: db, blobs: blobs}
}

const structuredEmailColumns = `
	id, email_id, user_id, message_id, date, subject, recipient,
	from_data, to_data, cc_data, bcc_data, reply_to_data,
	in_reply_to, "references", text_body, html_body, raw_blob_ref,
	attachments, headers, priority, parse_success, parse_error,
	thread_id, thread_position, guard_blocked, guard_reason, guard_action,
	guard_rule_id, guard_metadata, created_at, updated_at, read_at`

func (r *EmailAdapter) GetByID(ctx context.Context, id string) (*domain.StructuredEmail, error) {
	query := `SELECT ` + structuredEmailColumns + ` FROM structured_emails WHERE id = $1`
	var row structuredEmailRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get structured email: %w", err)
	}
	return r.hydrate(ctx, &row)
}

func (r *EmailAdapter) GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error) {
	query := `SELECT ` + structuredEmailColumns + ` FROM structured_emails WHERE email_id = $1`
	var row structuredEmailRow
	if err := r.db.GetContext(ctx, &row, query, emailID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get structured email by email id: %w", err)
	}
	return r.hydrate(ctx, &row)
}

func (r *EmailAdapter) FindByMessageIDs(ctx context.Context, userID string, messageIDs []string) (*domain.StructuredEmail, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + structuredEmailColumns + ` FROM structured_emails
		WHERE user_id = $1 AND message_id = ANY($2) ORDER BY created_at DESC LIMIT 1`
	var row structuredEmailRow
	if err := r.db.GetContext(ctx, &row, query, userID, pq.Array(messageIDs)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find structured email by message ids: %w", err)
	}
	return r.hydrate(ctx, &row)
}

// FindEarliestInThread realizes the position=1 lookup with a
// min-position fallback, then earliest-by-date, per the thread
// continuity rule.
func (r *EmailAdapter) FindEarliestInThread(ctx context.Context, threadID string) (*domain.StructuredEmail, error) {
	query := `SELECT ` + structuredEmailColumns + ` FROM structured_emails
		WHERE thread_id = $1
		ORDER BY COALESCE(thread_position, 2147483647) ASC, date ASC
		LIMIT 1`
	var row structuredEmailRow
	if err := r.db.GetContext(ctx, &row, query, threadID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find earliest in thread: %w", err)
	}
	return r.hydrate(ctx, &row)
}

func (r *EmailAdapter) Update(ctx context.Context, email *domain.StructuredEmail) error {
	email.UpdatedAt = time.Now().UTC()

	guardMetadata, _ := json.Marshal(email.GuardMetadata)

	query := `
		UPDATE structured_emails SET
			thread_id = $2, thread_position = $3, guard_blocked = $4,
			guard_reason = $5, guard_action = $6, guard_rule_id = $7,
			guard_metadata = $8, parse_success = $9, parse_error = $10,
			updated_at = $11, read_at = $12
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query,
		email.ID, email.ThreadID, email.ThreadPosition, email.GuardBlocked,
		nullableString(email.GuardReason), nullableString(string(email.GuardAction)), email.GuardRuleID,
		guardMetadata, email.ParseSuccess, nullableString(email.ParseError),
		email.UpdatedAt, email.ReadAt,
	)
	if err != nil {
		return fmt.Errorf("update structured email: %w", err)
	}
	return nil
}

func (r *EmailAdapter) hydrate(ctx context.Context, row *structuredEmailRow) (*domain.StructuredEmail, error) {
	email := row.toDomain()
	if r.blobs != nil && email.RawBlobRef != "" {
		content, err := r.blobs.Get(ctx, email.RawBlobRef)
		if err != nil {
			return nil, fmt.Errorf("resolve raw email blob: %w", err)
		}
		email.RawContent = string(content)
	}
	return email, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type structuredEmailRow struct {
	ID        string    `db:"id"`
	EmailID   string    `db:"email_id"`
	UserID    string    `db:"user_id"`
	MessageID string    `db:"message_id"`
	Date      time.Time `db:"date"`
	Subject   string    `db:"subject"`
	Recipient string    `db:"recipient"`

	FromData    []byte `db:"from_data"`
	ToData      []byte `db:"to_data"`
	CcData      []byte `db:"cc_data"`
	BccData     []byte `db:"bcc_data"`
	ReplyToData []byte `db:"reply_to_data"`

	InReplyTo  sql.NullString `db:"in_reply_to"`
	References pq.StringArray `db:"references"`

	TextBody   sql.NullString `db:"text_body"`
	HTMLBody   sql.NullString `db:"html_body"`
	RawBlobRef sql.NullString `db:"raw_blob_ref"`

	Attachments []byte `db:"attachments"`
	Headers     []byte `db:"headers"`

	Priority     sql.NullString `db:"priority"`
	ParseSuccess bool           `db:"parse_success"`
	ParseError   sql.NullString `db:"parse_error"`

	ThreadID       sql.NullString `db:"thread_id"`
	ThreadPosition sql.NullInt32  `db:"thread_position"`

	GuardBlocked  bool           `db:"guard_blocked"`
	GuardReason   sql.NullString `db:"guard_reason"`
	GuardAction   sql.NullString `db:"guard_action"`
	GuardRuleID   sql.NullString `db:"guard_rule_id"`
	GuardMetadata []byte         `db:"guard_metadata"`

	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
	ReadAt    sql.NullTime `db:"read_at"`
}

func (r *structuredEmailRow) toDomain() *domain.StructuredEmail {
	email := &domain.StructuredEmail{
		ID:           r.ID,
		EmailID:      r.EmailID,
		UserID:       r.UserID,
		MessageID:    r.MessageID,
		Date:         r.Date,
		Subject:      r.Subject,
		Recipient:    r.Recipient,
		References:   []string(r.References),
		ParseSuccess: r.ParseSuccess,
		GuardBlocked: r.GuardBlocked,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}

	json.Unmarshal(r.FromData, &email.FromData)
	json.Unmarshal(r.ToData, &email.ToData)
	json.Unmarshal(r.CcData, &email.CcData)
	json.Unmarshal(r.BccData, &email.BccData)
	json.Unmarshal(r.ReplyToData, &email.ReplyToData)
	json.Unmarshal(r.Attachments, &email.Attachments)
	json.Unmarshal(r.Headers, &email.Headers)
	if len(r.GuardMetadata) > 0 {
		json.Unmarshal(r.GuardMetadata, &email.GuardMetadata)
	}

	if r.InReplyTo.Valid {
		email.InReplyTo = r.InReplyTo.String
	}
	if r.TextBody.Valid {
		email.TextBody = r.TextBody.String
	}
	if r.HTMLBody.Valid {
		email.HTMLBody = r.HTMLBody.String
	}
	if r.RawBlobRef.Valid {
		email.RawBlobRef = r.RawBlobRef.String
	}
	if r.Priority.Valid {
		email.Priority = r.Priority.String
	}
	if r.ParseError.Valid {
		email.ParseError = r.ParseError.String
	}
	if r.ThreadID.Valid {
		id := r.ThreadID.String
		email.ThreadID = &id
	}
	if r.ThreadPosition.Valid {
		pos := int(r.ThreadPosition.Int32)
		email.ThreadPosition = &pos
	}
	if r.GuardReason.Valid {
		email.GuardReason = r.GuardReason.String
	}
	if r.GuardAction.Valid {
		email.GuardAction = domain.GuardAction(r.GuardAction.String)
	}
	if r.GuardRuleID.Valid {
		id := r.GuardRuleID.String
		email.GuardRuleID = &id
	}
	if r.ReadAt.Valid {
		at := r.ReadAt.Time
		email.ReadAt = &at
	}

	return email
}
