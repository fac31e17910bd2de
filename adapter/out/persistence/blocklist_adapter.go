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

// BlocklistAdapter implements out.BlocklistRepository against blocked_emails.
type BlocklistAdapter struct {
	db *sqlx.DB
}

func NewBlocklistAdapter(db *sqlx.DB) out.BlocklistRepository {
	return &BlocklistAdapter{db: db}
}

func (r *BlocklistAdapter) Find(ctx context.Context, emailAddress, domainID string) (*domain.BlockedEmail, error) {
	query := `SELECT id, email_address, domain_id, reason, blocked_by, created_at
		FROM blocked_emails WHERE email_address = $1 AND domain_id = $2`
	var row blockedEmailRow
	if err := r.db.GetContext(ctx, &row, query, emailAddress, domainID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find blocked email: %w", err)
	}
	return row.toDomain(), nil
}

func (r *BlocklistAdapter) FindAnyDomain(ctx context.Context, emailAddress string) (*domain.BlockedEmail, error) {
	query := `SELECT id, email_address, domain_id, reason, blocked_by, created_at
		FROM blocked_emails WHERE email_address = $1 LIMIT 1`
	var row blockedEmailRow
	if err := r.db.GetContext(ctx, &row, query, emailAddress); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find blocked email in any domain: %w", err)
	}
	return row.toDomain(), nil
}

func (r *BlocklistAdapter) Insert(ctx context.Context, b *domain.BlockedEmail) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO blocked_emails (id, email_address, domain_id, reason, blocked_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email_address, domain_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, b.ID, b.EmailAddress, b.DomainID, b.Reason, b.BlockedBy, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blocked email: %w", err)
	}
	return nil
}

type blockedEmailRow struct {
	ID           string    `db:"id"`
	EmailAddress string    `db:"email_address"`
	DomainID     string    `db:"domain_id"`
	Reason       string    `db:"reason"`
	BlockedBy    string    `db:"blocked_by"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r *blockedEmailRow) toDomain() *domain.BlockedEmail {
	return &domain.BlockedEmail{
		ID:           r.ID,
		EmailAddress: r.EmailAddress,
		DomainID:     r.DomainID,
		Reason:       r.Reason,
		BlockedBy:    r.BlockedBy,
		CreatedAt:    r.CreatedAt,
	}
}

var _ out.BlocklistRepository = (*BlocklistAdapter)(nil)
