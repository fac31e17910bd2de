// Package cooldown implements spike.RedisCooldown against Redis, so the
// spike detector's alert cooldown is shared across every node in the
// worker fleet instead of held in one process's memory.
package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter implements spike.RedisCooldown.
type RedisAdapter struct {
	client *redis.Client
	prefix string
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, prefix: "spike:cooldown:"}
}

// TryAcquire sets a cooldown marker for userID if none is active,
// using SETNX semantics so only one caller across the fleet wins the
// race to raise an alert for a given spike window.
func (r *RedisAdapter) TryAcquire(ctx context.Context, userID string, cooldown time.Duration) (bool, error) {
	acquired, err := r.client.SetNX(ctx, r.prefix+userID, 1, cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("acquire spike cooldown: %w", err)
	}
	return acquired, nil
}
