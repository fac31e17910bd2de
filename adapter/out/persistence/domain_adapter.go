package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

// maxParentChainDepth bounds the parent-domain walk in ResolveTenant
// against a misconfigured cycle.
const maxParentChainDepth = 8

// DomainAdapter implements out.DomainRepository against email_domains.
type DomainAdapter struct {
	db *sqlx.DB
}

func NewDomainAdapter(db *sqlx.DB) out.DomainRepository {
	return &DomainAdapter{db: db}
}

const domainColumns = `
	id, domain, user_id, status, can_receive_emails, is_catch_all_enabled,
	catch_all_endpoint_id, catch_all_webhook_id, receive_dmarc_emails,
	inherits_from_parent, parent_domain, tenant_id`

func (r *DomainAdapter) FindByDomainName(ctx context.Context, userID, domainName string) (*domain.EmailDomain, error) {
	query := `SELECT ` + domainColumns + ` FROM email_domains WHERE user_id = $1 AND domain = $2`
	var row domainRow
	if err := r.db.GetContext(ctx, &row, query, userID, domainName); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find domain by name: %w", err)
	}
	return row.toDomain(), nil
}

// ResolveTenant walks the domain -> parent_domain chain looking for the
// first row carrying tenant identity metadata, stopping at
// maxParentChainDepth to guard against a misconfigured cycle.
func (r *DomainAdapter) ResolveTenant(ctx context.Context, domainName string) (*out.TenantIdentity, error) {
	query := `SELECT ` + domainColumns + `,
		tenant_name, source_arn, configuration_set_name
		FROM email_domains WHERE domain = $1 LIMIT 1`

	name := domainName
	for depth := 0; depth < maxParentChainDepth; depth++ {
		var row tenantDomainRow
		err := r.db.GetContext(ctx, &row, query, name)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve tenant: %w", err)
		}
		if row.TenantID.Valid {
			return &out.TenantIdentity{
				TenantID:             row.TenantID.String,
				TenantName:           row.TenantName.String,
				SourceARN:            row.SourceARN.String,
				ConfigurationSetName: row.ConfigSetName.String,
			}, nil
		}
		if !row.ParentDomain.Valid || row.ParentDomain.String == "" || row.ParentDomain.String == name {
			return nil, nil
		}
		name = row.ParentDomain.String
	}
	return nil, nil
}

type domainRow struct {
	ID                 string         `db:"id"`
	Domain             string         `db:"domain"`
	UserID             string         `db:"user_id"`
	Status             string         `db:"status"`
	CanReceiveEmails   bool           `db:"can_receive_emails"`
	IsCatchAllEnabled  bool           `db:"is_catch_all_enabled"`
	CatchAllEndpointID sql.NullString `db:"catch_all_endpoint_id"`
	CatchAllWebhookID  sql.NullString `db:"catch_all_webhook_id"`
	ReceiveDmarcEmails bool           `db:"receive_dmarc_emails"`
	InheritsFromParent bool           `db:"inherits_from_parent"`
	ParentDomain       sql.NullString `db:"parent_domain"`
	TenantID           sql.NullString `db:"tenant_id"`
}

func (r *domainRow) toDomain() *domain.EmailDomain {
	d := &domain.EmailDomain{
		ID:                 r.ID,
		Domain:             r.Domain,
		UserID:             r.UserID,
		Status:             domain.DomainStatus(r.Status),
		CanReceiveEmails:   r.CanReceiveEmails,
		IsCatchAllEnabled:  r.IsCatchAllEnabled,
		ReceiveDmarcEmails: r.ReceiveDmarcEmails,
		InheritsFromParent: r.InheritsFromParent,
	}
	if r.CatchAllEndpointID.Valid {
		id := r.CatchAllEndpointID.String
		d.CatchAllEndpointID = &id
	}
	if r.CatchAllWebhookID.Valid {
		id := r.CatchAllWebhookID.String
		d.CatchAllWebhookID = &id
	}
	if r.ParentDomain.Valid {
		p := r.ParentDomain.String
		d.ParentDomain = &p
	}
	if r.TenantID.Valid {
		t := r.TenantID.String
		d.TenantID = &t
	}
	return d
}

type tenantDomainRow struct {
	domainRow
	TenantName    sql.NullString `db:"tenant_name"`
	SourceARN     sql.NullString `db:"source_arn"`
	ConfigSetName sql.NullString `db:"configuration_set_name"`
}
