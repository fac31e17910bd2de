package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/crypto"
	"github.com/inboundrelay/gateway/pkg/logger"
)

// EndpointAdapter implements out.EndpointRepository against endpoints,
// plus the pre-endpoint "webhooks" table for the legacy delivery path.
//
// The webhook HMAC secret is stored encrypted at rest (inside the
// endpoint's JSONB config, or the legacy webhooks.secret column); this
// adapter decrypts it on read so the webhook deliverer always sees the
// plaintext signing key.
type EndpointAdapter struct {
	db        *sqlx.DB
	encryptor *crypto.Encryptor
}

func NewEndpointAdapter(db *sqlx.DB, encryptionKey string) out.EndpointRepository {
	enc, err := crypto.NewEncryptor([]byte(encryptionKey))
	if err != nil {
		logger.Warn("endpoint adapter: invalid encryption key, webhook secrets will not decrypt: %v", err)
	}
	return &EndpointAdapter{db: db, encryptor: enc}
}

// decryptSecret unwraps an at-rest-encrypted webhook secret. Secrets
// written before encryption was enabled, or when no key is configured,
// are not base64-shaped ciphertext and pass through unchanged.
func (r *EndpointAdapter) decryptSecret(secret string) string {
	if secret == "" || r.encryptor == nil || !crypto.IsEncrypted(secret) {
		return secret
	}
	plain, err := r.encryptor.DecryptSecret(secret)
	if err != nil {
		logger.Warn("endpoint adapter: failed to decrypt webhook secret: %v", err)
		return secret
	}
	return plain
}

const endpointColumns = `id, user_id, type, name, description, is_active, webhook_format, config`

func (r *EndpointAdapter) GetByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE id = $1`
	var row endpointRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return r.toDomain(&row), nil
}

func (r *EndpointAdapter) GetActiveByIDForUser(ctx context.Context, id, userID string) (*domain.Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE id = $1 AND user_id = $2 AND is_active = true`
	var row endpointRow
	if err := r.db.GetContext(ctx, &row, query, id, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active endpoint for user: %w", err)
	}
	return r.toDomain(&row), nil
}

// SetVerificationToken writes the token into the webhook config's
// verificationToken field only if it is currently unset, and always
// returns the value now stored (existing or just-written).
func (r *EndpointAdapter) SetVerificationToken(ctx context.Context, endpointID, token string) (string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.GetContext(ctx, &raw, `SELECT config FROM endpoints WHERE id = $1 FOR UPDATE`, endpointID); err != nil {
		return "", fmt.Errorf("lock endpoint config: %w", err)
	}

	var cfg domain.WebhookConfig
	if len(raw) > 0 {
		json.Unmarshal(raw, &cfg)
	}
	if cfg.VerificationToken != "" {
		return cfg.VerificationToken, nil
	}

	cfg.VerificationToken = token
	updated, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal webhook config: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE endpoints SET config = $2 WHERE id = $1`, endpointID, updated); err != nil {
		return "", fmt.Errorf("set verification token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit verification token: %w", err)
	}
	return token, nil
}

// GetLegacyWebhookEndpoint adapts a row from the pre-endpoint "webhooks"
// table into an Endpoint{Type: webhook}. The legacy schema carries no
// config column to persist a verification token into, so the endpoint's
// VerificationToken is left blank; the webhook service generates a
// per-delivery token instead for this path.
func (r *EndpointAdapter) GetLegacyWebhookEndpoint(ctx context.Context, webhookID string) (*domain.Endpoint, error) {
	query := `SELECT id, user_id, url, secret, is_active, timeout_seconds, retry_attempts
		FROM webhooks WHERE id = $1`
	var row legacyWebhookRow
	if err := r.db.GetContext(ctx, &row, query, webhookID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get legacy webhook: %w", err)
	}
	if !row.IsActive {
		return nil, nil
	}

	timeout := 30
	if row.TimeoutSeconds.Valid && row.TimeoutSeconds.Int32 > 0 {
		timeout = int(row.TimeoutSeconds.Int32)
	}
	retries := 3
	if row.RetryAttempts.Valid {
		retries = int(row.RetryAttempts.Int32)
	}

	return &domain.Endpoint{
		ID:       row.ID,
		UserID:   row.UserID,
		Type:     domain.EndpointTypeWebhook,
		Name:     "legacy webhook",
		IsActive: row.IsActive,
		Webhook: &domain.WebhookConfig{
			URL:            row.URL,
			TimeoutSeconds: timeout,
			RetryAttempts:  retries,
			Secret:         r.decryptSecret(row.Secret.String),
		},
	}, nil
}

type endpointRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	Type          string         `db:"type"`
	Name          string         `db:"name"`
	Description   sql.NullString `db:"description"`
	IsActive      bool           `db:"is_active"`
	WebhookFormat sql.NullString `db:"webhook_format"`
	Config        []byte         `db:"config"`
}

func (r *EndpointAdapter) toDomain(row *endpointRow) *domain.Endpoint {
	e := &domain.Endpoint{
		ID:       row.ID,
		UserID:   row.UserID,
		Type:     domain.EndpointType(row.Type),
		Name:     row.Name,
		IsActive: row.IsActive,
	}
	if row.Description.Valid {
		e.Description = row.Description.String
	}
	if row.WebhookFormat.Valid {
		e.WebhookFormat = domain.WebhookFormat(row.WebhookFormat.String)
	}

	switch e.Type {
	case domain.EndpointTypeWebhook:
		var cfg domain.WebhookConfig
		json.Unmarshal(row.Config, &cfg)
		cfg.Secret = r.decryptSecret(cfg.Secret)
		e.Webhook = &cfg
	case domain.EndpointTypeEmail:
		var cfg domain.EmailConfig
		json.Unmarshal(row.Config, &cfg)
		e.Email = &cfg
	case domain.EndpointTypeEmailGroup:
		var cfg domain.EmailGroupConfig
		json.Unmarshal(row.Config, &cfg)
		e.EmailGroup = &cfg
	}
	return e
}

type legacyWebhookRow struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	URL            string         `db:"url"`
	Secret         sql.NullString `db:"secret"`
	IsActive       bool           `db:"is_active"`
	TimeoutSeconds sql.NullInt32  `db:"timeout_seconds"`
	RetryAttempts  sql.NullInt32  `db:"retry_attempts"`
}
