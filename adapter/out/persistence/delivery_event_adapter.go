package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

// DeliveryEventAdapter implements out.DeliveryEventRepository against
// email_delivery_events. RawDSNContent is resolved via the blob store,
// mirroring the structured_emails raw-content convention.
type DeliveryEventAdapter struct {
	db    *sqlx.DB
	blobs out.BlobStore
}

func NewDeliveryEventAdapter(db *sqlx.DB, blobs out.BlobStore) out.DeliveryEventRepository {
	return &DeliveryEventAdapter{db: db, blobs: blobs}
}

func (r *DeliveryEventAdapter) Insert(ctx context.Context, e *domain.EmailDeliveryEvent) error {
	if e.DSNReceivedAt.IsZero() {
		e.DSNReceivedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO email_delivery_events (
			id, event_type, bounce_type, bounce_subtype, status_code, status_class,
			status_category, diagnostic_code, failed_recipient, failed_recipient_domain,
			original_message_id, original_sent_email_id, original_from, original_to,
			original_subject, original_sent_at, dsn_email_id, dsn_received_at,
			reporting_mta, remote_mta, user_id, domain_id, domain_name, tenant_id,
			tenant_name, action_taken, added_to_blocklist, blocklist_id, raw_blob_ref
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29
		)`

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.EventType, nullableString(string(e.BounceType)), nullableString(string(e.BounceSubType)),
		nullableString(e.StatusCode), e.StatusClass, e.StatusCategory, nullableString(e.DiagnosticCode),
		nullableString(e.FailedRecipient), nullableString(e.FailedRecipientDomain),
		nullableString(e.OriginalMessageID), e.OriginalSentEmailID, nullableString(e.OriginalFrom),
		nullableString(e.OriginalTo), nullableString(e.OriginalSubject), e.OriginalSentAt,
		nullableString(e.DSNEmailID), e.DSNReceivedAt, nullableString(e.ReportingMTA),
		nullableString(e.RemoteMTA), e.UserID, e.DomainID, nullableString(e.DomainName),
		e.TenantID, nullableString(e.TenantName), e.ActionTaken, e.AddedToBlocklist,
		e.BlocklistID, nullableString(e.RawBlobRef),
	)
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}
	return nil
}

func (r *DeliveryEventAdapter) MarkBlocklisted(ctx context.Context, eventID, blocklistID string) error {
	query := `UPDATE email_delivery_events SET action_taken = $2, added_to_blocklist = true, blocklist_id = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, eventID, domain.ActionTakenAddedToBlocklist, blocklistID)
	if err != nil {
		return fmt.Errorf("mark delivery event blocklisted: %w", err)
	}
	return nil
}

func (r *DeliveryEventAdapter) IsDSNAlreadyProcessed(ctx context.Context, dsnEmailID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM email_delivery_events WHERE dsn_email_id = $1)`
	if err := r.db.GetContext(ctx, &exists, query, dsnEmailID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check dsn already processed: %w", err)
	}
	return exists, nil
}

type deliveryEventRow struct {
	ID                    string         `db:"id"`
	EventType             string         `db:"event_type"`
	BounceType            sql.NullString `db:"bounce_type"`
	BounceSubType         sql.NullString `db:"bounce_subtype"`
	StatusCode            sql.NullString `db:"status_code"`
	StatusClass           int            `db:"status_class"`
	StatusCategory        int            `db:"status_category"`
	FailedRecipient       sql.NullString `db:"failed_recipient"`
	FailedRecipientDomain sql.NullString `db:"failed_recipient_domain"`
	OriginalMessageID     sql.NullString `db:"original_message_id"`
	DSNEmailID            sql.NullString `db:"dsn_email_id"`
	DSNReceivedAt         time.Time      `db:"dsn_received_at"`
	UserID                sql.NullString `db:"user_id"`
	DomainName            sql.NullString `db:"domain_name"`
	TenantName            sql.NullString `db:"tenant_name"`
	ActionTaken           string         `db:"action_taken"`
	AddedToBlocklist      bool           `db:"added_to_blocklist"`
}

// ListRecent backs the admin read API; it omits RawDSNContent, which
// callers fetch separately through BlobStore when needed.
func (r *DeliveryEventAdapter) ListRecent(ctx context.Context, limit int) ([]*domain.EmailDeliveryEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, event_type, bounce_type, bounce_subtype, status_code, status_class,
			status_category, failed_recipient, failed_recipient_domain, original_message_id,
			dsn_email_id, dsn_received_at, user_id, domain_name, tenant_name, action_taken,
			added_to_blocklist
		FROM email_delivery_events
		ORDER BY dsn_received_at DESC
		LIMIT $1`

	var rows []deliveryEventRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list recent delivery events: %w", err)
	}

	events := make([]*domain.EmailDeliveryEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, &domain.EmailDeliveryEvent{
			ID:                    row.ID,
			EventType:             row.EventType,
			BounceType:            domain.BounceType(row.BounceType.String),
			BounceSubType:         domain.BounceSubType(row.BounceSubType.String),
			StatusCode:            row.StatusCode.String,
			StatusClass:           row.StatusClass,
			StatusCategory:        row.StatusCategory,
			FailedRecipient:       row.FailedRecipient.String,
			FailedRecipientDomain: row.FailedRecipientDomain.String,
			OriginalMessageID:     row.OriginalMessageID.String,
			DSNEmailID:            row.DSNEmailID.String,
			DSNReceivedAt:         row.DSNReceivedAt,
			UserID:                nullableString(row.UserID.String),
			DomainName:            row.DomainName.String,
			TenantName:            row.TenantName.String,
			ActionTaken:           domain.ActionTaken(row.ActionTaken),
			AddedToBlocklist:      row.AddedToBlocklist,
		})
	}
	return events, nil
}
