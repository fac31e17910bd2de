package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

// AddressAdapter implements out.AddressRepository against email_addresses.
type AddressAdapter struct {
	db *sqlx.DB
}

func NewAddressAdapter(db *sqlx.DB) out.AddressRepository {
	return &AddressAdapter{db: db}
}

func (r *AddressAdapter) FindActiveByAddress(ctx context.Context, userID, address string) (*domain.EmailAddress, error) {
	query := `SELECT id, address, user_id, domain_id, endpoint_id, webhook_id, is_active
		FROM email_addresses WHERE user_id = $1 AND address = $2 AND is_active = true`
	var row addressRow
	if err := r.db.GetContext(ctx, &row, query, userID, address); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find active address: %w", err)
	}
	return row.toDomain(), nil
}

type addressRow struct {
	ID         string         `db:"id"`
	Address    string         `db:"address"`
	UserID     string         `db:"user_id"`
	DomainID   string         `db:"domain_id"`
	EndpointID sql.NullString `db:"endpoint_id"`
	WebhookID  sql.NullString `db:"webhook_id"`
	IsActive   bool           `db:"is_active"`
}

func (r *addressRow) toDomain() *domain.EmailAddress {
	a := &domain.EmailAddress{
		ID:       r.ID,
		Address:  r.Address,
		UserID:   r.UserID,
		DomainID: r.DomainID,
		IsActive: r.IsActive,
	}
	if r.EndpointID.Valid {
		id := r.EndpointID.String
		a.EndpointID = &id
	}
	if r.WebhookID.Valid {
		id := r.WebhookID.String
		a.WebhookID = &id
	}
	return a
}
