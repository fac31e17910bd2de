package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/apperr"
)

// DeliveryAdapter implements out.DeliveryRepository against
// endpoint_deliveries, the idempotency-lock table. UNIQUE(email_id,
// endpoint_id) is the authoritative lock; Insert maps its violation to
// apperr.Duplicate so callers can treat it as a successful no-op.
type DeliveryAdapter struct {
	db *sqlx.DB
}

func NewDeliveryAdapter(db *sqlx.DB) out.DeliveryRepository {
	return &DeliveryAdapter{db: db}
}

const deliveryColumns = `
	id, email_id, endpoint_id, delivery_type, status, attempts,
	last_attempt_at, response_data, created_at, updated_at`

func (r *DeliveryAdapter) Insert(ctx context.Context, d *domain.EndpointDelivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = d.CreatedAt
	if d.Status == "" {
		d.Status = domain.DeliveryStatusPending
	}

	responseData, _ := json.Marshal(d.ResponseData)

	query := `
		INSERT INTO endpoint_deliveries (
			id, email_id, endpoint_id, delivery_type, status, attempts,
			last_attempt_at, response_data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.EmailID, d.EndpointID, d.DeliveryType, d.Status, d.Attempts,
		d.LastAttemptAt, responseData, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Duplicate(d.EmailID, d.EndpointID)
		}
		return fmt.Errorf("insert endpoint delivery: %w", err)
	}
	return nil
}

func (r *DeliveryAdapter) FindByEmailAndEndpoint(ctx context.Context, emailID, endpointID string) (*domain.EndpointDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM endpoint_deliveries WHERE email_id = $1 AND endpoint_id = $2`
	var row deliveryRow
	if err := r.db.GetContext(ctx, &row, query, emailID, endpointID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find delivery by email and endpoint: %w", err)
	}
	return row.toDomain(), nil
}

func (r *DeliveryAdapter) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, responseData map[string]any) error {
	encoded, _ := json.Marshal(responseData)
	query := `
		UPDATE endpoint_deliveries SET
			status = $2, attempts = attempts + 1, last_attempt_at = NOW(),
			response_data = $3, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, encoded)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	return nil
}

func (r *DeliveryAdapter) GetByID(ctx context.Context, id string) (*domain.EndpointDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM endpoint_deliveries WHERE id = $1`
	var row deliveryRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return row.toDomain(), nil
}

func (r *DeliveryAdapter) ListByEmail(ctx context.Context, emailID string) ([]*domain.EndpointDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM endpoint_deliveries WHERE email_id = $1 ORDER BY created_at`
	var rows []deliveryRow
	if err := r.db.SelectContext(ctx, &rows, query, emailID); err != nil {
		return nil, fmt.Errorf("list deliveries by email: %w", err)
	}
	deliveries := make([]*domain.EndpointDelivery, len(rows))
	for i, row := range rows {
		deliveries[i] = row.toDomain()
	}
	return deliveries, nil
}

type deliveryRow struct {
	ID            string         `db:"id"`
	EmailID       string         `db:"email_id"`
	EndpointID    string         `db:"endpoint_id"`
	DeliveryType  string         `db:"delivery_type"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	LastAttemptAt sql.NullTime   `db:"last_attempt_at"`
	ResponseData  []byte         `db:"response_data"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *deliveryRow) toDomain() *domain.EndpointDelivery {
	d := &domain.EndpointDelivery{
		ID:           r.ID,
		EmailID:      r.EmailID,
		EndpointID:   r.EndpointID,
		DeliveryType: domain.DeliveryType(r.DeliveryType),
		Status:       domain.DeliveryStatus(r.Status),
		Attempts:     r.Attempts,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastAttemptAt.Valid {
		at := r.LastAttemptAt.Time
		d.LastAttemptAt = &at
	}
	if len(r.ResponseData) > 0 {
		json.Unmarshal(r.ResponseData, &d.ResponseData)
	}
	return d
}
