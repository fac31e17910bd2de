// Package flags implements out.FeatureFlags against a user_feature_flags
// Postgres table, with a short in-process TTL cache over the lookup
// result since the guard-gate check runs on every routed email.
package flags

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inboundrelay/gateway/core/port/out"
)

// Adapter implements out.FeatureFlags.
type Adapter struct {
	db  *sqlx.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	allowed   bool
	fetchedAt time.Time
}

func New(db *sqlx.DB, ttl time.Duration) out.FeatureFlags {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Adapter{db: db, ttl: ttl, cache: make(map[string]cacheEntry)}
}

func (a *Adapter) CheckFeature(ctx context.Context, userID, featureID string) (bool, error) {
	key := userID + "|" + featureID

	a.mu.RLock()
	if entry, ok := a.cache[key]; ok && time.Since(entry.fetchedAt) < a.ttl {
		a.mu.RUnlock()
		return entry.allowed, nil
	}
	a.mu.RUnlock()

	var allowed bool
	query := `SELECT is_enabled FROM user_feature_flags WHERE user_id = $1 AND feature_id = $2`
	err := a.db.GetContext(ctx, &allowed, query, userID, featureID)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("check feature flag: %w", err)
	}
	// No row means the feature defaults to disabled for this user.

	a.mu.Lock()
	a.cache[key] = cacheEntry{allowed: allowed, fetchedAt: time.Now()}
	a.mu.Unlock()

	return allowed, nil
}
