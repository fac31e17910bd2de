package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

// GuardRuleAdapter implements out.GuardRuleRepository against guard_rules.
type GuardRuleAdapter struct {
	db *sqlx.DB
}

func NewGuardRuleAdapter(db *sqlx.DB) out.GuardRuleRepository {
	return &GuardRuleAdapter{db: db}
}

func (r *GuardRuleAdapter) ListActiveByUserOrderedByPriority(ctx context.Context, userID string) ([]*domain.GuardRule, error) {
	query := `
		SELECT id, user_id, name, type, is_active, priority,
		       explicit_config, action, route_endpoint_id,
		       trigger_count, last_triggered_at
		FROM guard_rules
		WHERE user_id = $1 AND is_active = true
		ORDER BY priority DESC, id`

	var rows []guardRuleRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("list active guard rules: %w", err)
	}
	rules := make([]*domain.GuardRule, len(rows))
	for i, row := range rows {
		rules[i] = row.toDomain()
	}
	return rules, nil
}

func (r *GuardRuleAdapter) RecordTrigger(ctx context.Context, ruleID string, at time.Time) error {
	query := `UPDATE guard_rules SET trigger_count = trigger_count + 1, last_triggered_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, ruleID, at)
	if err != nil {
		return fmt.Errorf("record guard rule trigger: %w", err)
	}
	return nil
}

type guardRuleRow struct {
	ID              string     `db:"id"`
	UserID          string     `db:"user_id"`
	Name            string     `db:"name"`
	Type            string     `db:"type"`
	IsActive        bool       `db:"is_active"`
	Priority        int        `db:"priority"`
	ExplicitConfig  []byte     `db:"explicit_config"`
	Action          string     `db:"action"`
	RouteEndpointID *string    `db:"route_endpoint_id"`
	TriggerCount    int        `db:"trigger_count"`
	LastTriggeredAt *time.Time `db:"last_triggered_at"`
}

func (r *guardRuleRow) toDomain() *domain.GuardRule {
	rule := &domain.GuardRule{
		ID:       r.ID,
		UserID:   r.UserID,
		Name:     r.Name,
		Type:     domain.GuardRuleType(r.Type),
		IsActive: r.IsActive,
		Priority: r.Priority,
		Actions: domain.RuleActionConfig{
			Action: domain.GuardAction(r.Action),
		},
		TriggerCount:    r.TriggerCount,
		LastTriggeredAt: r.LastTriggeredAt,
	}
	if r.RouteEndpointID != nil {
		rule.Actions.EndpointID = *r.RouteEndpointID
	}
	if len(r.ExplicitConfig) > 0 {
		var cfg domain.ExplicitRuleConfig
		if err := json.Unmarshal(r.ExplicitConfig, &cfg); err == nil {
			rule.Explicit = &cfg
		}
	}
	return rule
}

var _ out.GuardRuleRepository = (*GuardRuleAdapter)(nil)
