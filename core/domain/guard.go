package domain

import "time"

// GuardRuleType discriminates the two rule config variants. Only
// RuleTypeExplicit is implemented by the evaluator; RuleTypeAIPrompt is
// out of scope and always treated as non-matching.
type GuardRuleType string

const (
	RuleTypeExplicit GuardRuleType = "explicit"
	RuleTypeAIPrompt GuardRuleType = "ai_prompt"
)

// MatchOperator is the boolean combinator for a multi-value predicate.
type MatchOperator string

const (
	MatchOperatorOR  MatchOperator = "OR"
	MatchOperatorAND MatchOperator = "AND"
)

// ValueMatch is a {values, operator} predicate shared by subject/from/hasWords.
type ValueMatch struct {
	Values   []string      `json:"values"`
	Operator MatchOperator `json:"operator"`
}

// ExplicitRuleConfig is GuardRule.config for type=explicit. Every field is
// optional; at least one must be present for the rule to ever match.
type ExplicitRuleConfig struct {
	Subject       *ValueMatch `json:"subject,omitempty"`
	From          *ValueMatch `json:"from,omitempty"`
	HasAttachment *bool       `json:"hasAttachment,omitempty"`
	HasWords      *ValueMatch `json:"hasWords,omitempty"`
}

// RuleActionConfig is the disposition a matching rule carries.
type RuleActionConfig struct {
	Action     GuardAction `json:"action"` // allow | block | route
	EndpointID string      `json:"endpointId,omitempty"`
}

// GuardRule is one user-defined policy entry, evaluated in priority order.
type GuardRule struct {
	ID       string        `json:"id"`
	UserID   string        `json:"userId"`
	Name     string        `json:"name"`
	Type     GuardRuleType `json:"type"`
	IsActive bool          `json:"isActive"`
	Priority int           `json:"priority"` // higher = evaluated earlier

	Explicit *ExplicitRuleConfig `json:"explicitConfig,omitempty"`
	Actions  RuleActionConfig    `json:"actions"`

	TriggerCount   int        `json:"triggerCount"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
}

// GuardVerdict is the result of evaluating a StructuredEmail against a
// user's active rule set.
type GuardVerdict struct {
	Action            GuardAction `json:"action"` // allow | block | route
	MatchedRuleID     string      `json:"matchedRuleId,omitempty"`
	RouteToEndpointID string      `json:"routeToEndpointId,omitempty"`
}

// BlockedEmail suppresses forwarding (never webhooks) to one address on
// one domain.
type BlockedEmail struct {
	ID           string    `json:"id"`
	EmailAddress string    `json:"emailAddress"`
	DomainID     string    `json:"domainId"`
	Reason       string    `json:"reason"`
	BlockedBy    string    `json:"blockedBy"`
	CreatedAt    time.Time `json:"createdAt"`
}
