package guard

import (
	"context"
	"testing"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
)

type fakeRules struct {
	rules     []*domain.GuardRule
	err       error
	triggered []string
}

func (f *fakeRules) ListActiveByUserOrderedByPriority(ctx context.Context, userID string) ([]*domain.GuardRule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func (f *fakeRules) RecordTrigger(ctx context.Context, ruleID string, at time.Time) error {
	f.triggered = append(f.triggered, ruleID)
	return nil
}

func emailWithSubject(subject string) *domain.StructuredEmail {
	return &domain.StructuredEmail{Subject: subject}
}

func TestEvaluate_NoRules_Allows(t *testing.T) {
	svc := New(&fakeRules{})
	verdict, err := svc.Evaluate(context.Background(), "u1", emailWithSubject("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Action != domain.GuardActionAllow {
		t.Fatalf("expected allow, got %s", verdict.Action)
	}
}

func TestEvaluate_SubjectBlock(t *testing.T) {
	rule := &domain.GuardRule{
		ID:       "r1",
		Type:     domain.RuleTypeExplicit,
		IsActive: true,
		Priority: 100,
		Explicit: &domain.ExplicitRuleConfig{
			Subject: &domain.ValueMatch{Values: []string{"invoice"}, Operator: domain.MatchOperatorOR},
		},
		Actions: domain.RuleActionConfig{Action: domain.GuardActionBlock},
	}
	repo := &fakeRules{rules: []*domain.GuardRule{rule}}
	svc := New(repo)

	verdict, err := svc.Evaluate(context.Background(), "u1", emailWithSubject("Invoice #42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Action != domain.GuardActionBlock || verdict.MatchedRuleID != "r1" {
		t.Fatalf("expected block by r1, got %+v", verdict)
	}
	if len(repo.triggered) != 1 || repo.triggered[0] != "r1" {
		t.Fatalf("expected trigger recorded for r1, got %v", repo.triggered)
	}
}

func TestEvaluate_RouteWithMissingEndpointDowngradesToAllow(t *testing.T) {
	rule := &domain.GuardRule{
		ID:       "r1",
		Type:     domain.RuleTypeExplicit,
		IsActive: true,
		Priority: 10,
		Explicit: &domain.ExplicitRuleConfig{
			Subject: &domain.ValueMatch{Values: []string{"x"}, Operator: domain.MatchOperatorOR},
		},
		Actions: domain.RuleActionConfig{Action: domain.GuardActionRoute, EndpointID: ""},
	}
	svc := New(&fakeRules{rules: []*domain.GuardRule{rule}})

	verdict, err := svc.Evaluate(context.Background(), "u1", emailWithSubject("x marks the spot"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Action != domain.GuardActionAllow {
		t.Fatalf("expected downgrade to allow, got %s", verdict.Action)
	}
}

func TestEvaluate_HighestPriorityWins(t *testing.T) {
	low := &domain.GuardRule{
		ID: "low", Type: domain.RuleTypeExplicit, IsActive: true, Priority: 1,
		Explicit: &domain.ExplicitRuleConfig{Subject: &domain.ValueMatch{Values: []string{"x"}, Operator: domain.MatchOperatorOR}},
		Actions:  domain.RuleActionConfig{Action: domain.GuardActionAllow},
	}
	high := &domain.GuardRule{
		ID: "high", Type: domain.RuleTypeExplicit, IsActive: true, Priority: 100,
		Explicit: &domain.ExplicitRuleConfig{Subject: &domain.ValueMatch{Values: []string{"x"}, Operator: domain.MatchOperatorOR}},
		Actions:  domain.RuleActionConfig{Action: domain.GuardActionBlock},
	}
	// caller is expected to pass rules already ordered priority DESC
	svc := New(&fakeRules{rules: []*domain.GuardRule{high, low}})

	verdict, err := svc.Evaluate(context.Background(), "u1", emailWithSubject("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.MatchedRuleID != "high" {
		t.Fatalf("expected highest-priority rule to win, got %s", verdict.MatchedRuleID)
	}
}

func TestEvaluate_HasWordsAndOperator(t *testing.T) {
	rule := &domain.GuardRule{
		ID: "r1", Type: domain.RuleTypeExplicit, IsActive: true, Priority: 1,
		Explicit: &domain.ExplicitRuleConfig{
			HasWords: &domain.ValueMatch{Values: []string{"a", "b"}, Operator: domain.MatchOperatorAND},
		},
		Actions: domain.RuleActionConfig{Action: domain.GuardActionBlock},
	}
	svc := New(&fakeRules{rules: []*domain.GuardRule{rule}})

	email := &domain.StructuredEmail{TextBody: "a b"}
	verdict, _ := svc.Evaluate(context.Background(), "u1", email)
	if verdict.Action != domain.GuardActionBlock {
		t.Fatalf("expected match on 'a b', got %s", verdict.Action)
	}

	email2 := &domain.StructuredEmail{TextBody: "a"}
	verdict2, _ := svc.Evaluate(context.Background(), "u1", email2)
	if verdict2.Action != domain.GuardActionAllow {
		t.Fatalf("expected no match on 'a' alone, got %s", verdict2.Action)
	}
}

func TestMatchFrom_WildcardDomain(t *testing.T) {
	vm := &domain.ValueMatch{Values: []string{"*@example.com"}, Operator: domain.MatchOperatorOR}
	email := &domain.StructuredEmail{
		FromData: domain.EmailAddressGroup{Addresses: []domain.EmailAddressEntry{{Address: "alice@example.com"}}},
	}
	if !matchFrom(vm, email) {
		t.Fatal("expected wildcard match for alice@example.com")
	}

	email2 := &domain.StructuredEmail{
		FromData: domain.EmailAddressGroup{Addresses: []domain.EmailAddressEntry{{Address: "alice@sub.example.com"}}},
	}
	if matchFrom(vm, email2) {
		t.Fatal("expected no match for subdomain alice@sub.example.com")
	}
}

func TestEvaluate_FailsOpenOnRepositoryError(t *testing.T) {
	svc := New(&fakeRules{err: context.DeadlineExceeded})
	verdict, err := svc.Evaluate(context.Background(), "u1", emailWithSubject("anything"))
	if err != nil {
		t.Fatalf("guard must fail open, not return error: %v", err)
	}
	if verdict.Action != domain.GuardActionAllow {
		t.Fatalf("expected fail-open allow, got %s", verdict.Action)
	}
}
