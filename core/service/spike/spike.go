// Package spike implements the sending-volume spike detector (C8): a
// per-user rolling-baseline comparison with a cooldown to avoid
// repeat-alerting on a sustained spike.
package spike

import (
	"context"
	"sync"
	"time"

	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/logger"
)

// Config mirrors the tunables named in the design notes.
type Config struct {
	HistoricalDays            int
	ThresholdMultiplier       float64
	MinHistoricalEmails       int
	MinCurrentEmailsForAlert  int
	AlertCooldown             time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistoricalDays:           7,
		ThresholdMultiplier:      3.0,
		MinHistoricalEmails:      5,
		MinCurrentEmailsForAlert: 10,
		AlertCooldown:            4 * time.Hour,
	}
}

// UserLookup resolves the display identity (email, name) attached to a
// spike alert payload.
type UserLookup interface {
	GetUserContact(ctx context.Context, userID string) (email, name string, err error)
}

// Service detects per-user sending spikes against a rolling baseline.
// The cooldown map is in-process only (per node) by default; when
// WithRedisCooldown has been called, RedisCooldown carries cross-node
// state instead.
type Service struct {
	sent     out.SentEmailRepository
	notifier out.NotificationSender
	users    UserLookup
	cfg      Config
	now      func() time.Time

	mu          sync.Mutex
	lastAlertAt map[string]time.Time

	redisCooldown RedisCooldown
}

// RedisCooldown is the optional cross-node cooldown backend, wired
// when SPIKE_DETECTOR_REDIS=true.
type RedisCooldown interface {
	TryAcquire(ctx context.Context, userID string, cooldown time.Duration) (acquired bool, err error)
}

func New(sent out.SentEmailRepository, notifier out.NotificationSender, users UserLookup, cfg Config) *Service {
	return &Service{
		sent:        sent,
		notifier:    notifier,
		users:       users,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		lastAlertAt: make(map[string]time.Time),
	}
}

// WithRedisCooldown swaps the in-process cooldown map for a
// cross-node backend.
func (s *Service) WithRedisCooldown(r RedisCooldown) *Service {
	s.redisCooldown = r
	return s
}

// CheckSendingSpike evaluates the user's last-24h sending volume
// against its 7-day rolling baseline. Fails open: any repository
// error is logged and treated as "no spike" so a transient DB issue
// never blocks mail processing.
func (s *Service) CheckSendingSpike(ctx context.Context, userID string) error {
	if s.redisCooldown != nil {
		acquired, err := s.redisCooldown.TryAcquire(ctx, userID, s.cfg.AlertCooldown)
		if err != nil {
			logger.Warn("spike: cooldown check failed for %s: %v", userID, err)
			return nil
		}
		if !acquired {
			return nil
		}
	} else if s.inCooldown(userID) {
		return nil
	}

	now := s.now()

	currentCount, err := s.sent.CountSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		logger.Warn("spike: failed to count current volume for %s: %v", userID, err)
		return nil
	}
	if currentCount < s.cfg.MinCurrentEmailsForAlert {
		return nil
	}

	historicalFrom := now.Add(-time.Duration(s.cfg.HistoricalDays+1) * 24 * time.Hour)
	historicalTo := now.Add(-24 * time.Hour)
	historicalCount, err := s.sent.CountInWindow(ctx, userID, historicalFrom, historicalTo)
	if err != nil {
		logger.Warn("spike: failed to count historical volume for %s: %v", userID, err)
		return nil
	}

	dailyAverage := float64(historicalCount) / float64(s.cfg.HistoricalDays)
	if dailyAverage*float64(s.cfg.HistoricalDays) < float64(s.cfg.MinHistoricalEmails) {
		return nil
	}

	multiplier := float64(currentCount) / dailyAverage
	if multiplier < s.cfg.ThresholdMultiplier {
		return nil
	}

	email, name := userID, ""
	if s.users != nil {
		if e, n, err := s.users.GetUserContact(ctx, userID); err == nil {
			email, name = e, n
		}
	}

	if s.notifier != nil {
		if err := s.notifier.NotifySpike(ctx, out.SpikeAlertPayload{
			UserID:       userID,
			Email:        email,
			Name:         name,
			CurrentCount: currentCount,
			DailyAverage: dailyAverage,
			Multiplier:   multiplier,
			DetectedAt:   now,
		}); err != nil {
			logger.Warn("spike: failed to notify for %s: %v", userID, err)
		}
	}

	if s.redisCooldown == nil {
		s.recordAlert(userID, now)
	}

	return nil
}

func (s *Service) inCooldown(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()

	last, ok := s.lastAlertAt[userID]
	if !ok {
		return false
	}
	return s.now().Sub(last) < s.cfg.AlertCooldown
}

func (s *Service) recordAlert(userID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAlertAt[userID] = at
}

// evictLocked drops entries older than 2x the cooldown window. Must
// be called with mu held.
func (s *Service) evictLocked() {
	cutoff := s.now().Add(-2 * s.cfg.AlertCooldown)
	for userID, at := range s.lastAlertAt {
		if at.Before(cutoff) {
			delete(s.lastAlertAt, userID)
		}
	}
}
