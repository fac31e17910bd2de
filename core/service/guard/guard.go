// Package guard implements the priority-ordered explicit rule engine
// (C2). Evaluation always fails open: any internal error, or the
// absence of a matching rule, resolves to GuardActionAllow so a bug
// here never blocks mail flow.
package guard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/cache"
	"github.com/inboundrelay/gateway/pkg/logger"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

type Service struct {
	rules out.GuardRuleRepository
	now   Clock

	cache    *cache.RedisCache
	cacheTTL time.Duration
}

func New(rules out.GuardRuleRepository) *Service {
	return &Service{rules: rules, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(c Clock) *Service {
	s.now = c
	return s
}

// WithRuleCache caches each user's active, priority-ordered rule set
// for ttl, since Evaluate runs once per routed email and the rule set
// changes far less often than mail arrives.
func (s *Service) WithRuleCache(c *cache.RedisCache, ttl time.Duration) *Service {
	s.cache = c
	s.cacheTTL = ttl
	return s
}

func (s *Service) ruleCacheKey(userID string) string {
	return fmt.Sprintf("guard:rules:%s", userID)
}

func (s *Service) activeRules(ctx context.Context, userID string) ([]*domain.GuardRule, error) {
	if s.cache == nil {
		return s.rules.ListActiveByUserOrderedByPriority(ctx, userID)
	}

	var cached []*domain.GuardRule
	if hit, err := s.cache.GetJSON(ctx, s.ruleCacheKey(userID), &cached); err == nil && hit {
		return cached, nil
	}

	rules, err := s.rules.ListActiveByUserOrderedByPriority(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, s.ruleCacheKey(userID), rules, s.cacheTTL); err != nil {
		logger.Warn("guard: failed to cache rule set for user %s: %v", userID, err)
	}
	return rules, nil
}

// Evaluate matches email against the user's active rule set, ordered
// by priority descending, and returns the first matching rule's
// verdict. Any error or absence of a match fails open to Allow.
func (s *Service) Evaluate(ctx context.Context, userID string, email *domain.StructuredEmail) (*domain.GuardVerdict, error) {
	allow := &domain.GuardVerdict{Action: domain.GuardActionAllow}

	rules, err := s.activeRules(ctx, userID)
	if err != nil {
		logger.Warn("guard: failed to load rules for user %s: %v", userID, err)
		return allow, nil
	}

	for _, rule := range rules {
		if rule.Type != domain.RuleTypeExplicit {
			// ai_prompt rules are out of scope; always non-matching.
			continue
		}
		if rule.Explicit == nil || !matches(rule.Explicit, email) {
			continue
		}

		if err := s.rules.RecordTrigger(ctx, rule.ID, s.now()); err != nil {
			logger.Warn("guard: failed to record trigger for rule %s: %v", rule.ID, err)
		}

		action := rule.Actions.Action
		verdict := &domain.GuardVerdict{Action: action, MatchedRuleID: rule.ID}
		if action == domain.GuardActionRoute {
			if rule.Actions.EndpointID == "" {
				verdict.Action = domain.GuardActionAllow
			} else {
				verdict.RouteToEndpointID = rule.Actions.EndpointID
			}
		}
		return verdict, nil
	}

	return allow, nil
}

// matches reports whether every present sub-predicate of cfg matches
// email. At least one sub-predicate must be present for a match.
func matches(cfg *domain.ExplicitRuleConfig, email *domain.StructuredEmail) bool {
	any := false

	if cfg.Subject != nil {
		any = true
		if !matchValues(cfg.Subject, strings.ToLower(email.Subject)) {
			return false
		}
	}

	if cfg.From != nil {
		any = true
		if !matchFrom(cfg.From, email) {
			return false
		}
	}

	if cfg.HasAttachment != nil {
		any = true
		if *cfg.HasAttachment != (len(email.Attachments) > 0) {
			return false
		}
	}

	if cfg.HasWords != nil {
		any = true
		haystack := strings.ToLower(email.TextBody + " " + email.HTMLBody)
		if !matchValues(cfg.HasWords, haystack) {
			return false
		}
	}

	return any
}

func matchValues(vm *domain.ValueMatch, haystack string) bool {
	if len(vm.Values) == 0 {
		return false
	}
	if vm.Operator == domain.MatchOperatorAND {
		for _, v := range vm.Values {
			if !strings.Contains(haystack, strings.ToLower(v)) {
				return false
			}
		}
		return true
	}
	for _, v := range vm.Values {
		if strings.Contains(haystack, strings.ToLower(v)) {
			return true
		}
	}
	return false
}

func matchFrom(vm *domain.ValueMatch, email *domain.StructuredEmail) bool {
	if len(vm.Values) == 0 {
		return false
	}

	matchOne := func(pattern string) bool {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if strings.HasPrefix(pattern, "*@") {
			domainSuffix := pattern[1:] // "@example.com"
			for _, addr := range email.FromData.Addresses {
				if strings.HasSuffix(strings.ToLower(addr.Address), domainSuffix) {
					return true
				}
			}
			return false
		}
		for _, addr := range email.FromData.Addresses {
			if strings.EqualFold(addr.Address, pattern) {
				return true
			}
		}
		return false
	}

	if vm.Operator == domain.MatchOperatorAND {
		for _, v := range vm.Values {
			if !matchOne(v) {
				return false
			}
		}
		return true
	}
	for _, v := range vm.Values {
		if matchOne(v) {
			return true
		}
	}
	return false
}
