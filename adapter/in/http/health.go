// Package http adapts the core services and the async job queue to a
// thin Fiber surface: a liveness check, the webhook-intake endpoint
// the upstream mail receiver calls to trigger routing, an
// attachment-download redirect, and a read-only admin API.
package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/inboundrelay/gateway/pkg/metrics"
)

// HealthHandler reports process liveness plus a best-effort ping of
// the two stores every request path depends on.
type HealthHandler struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewHealthHandler(db *pgxpool.Pool, redis *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/healthz", h.check)
}

func (h *HealthHandler) check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := fiber.Map{"status": "ok"}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
		}
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
		}
	}

	if stats, ok := metrics.GetPoolStats("postgres"); ok {
		health := metrics.AssessDBPoolHealth(stats)
		status["postgresPool"] = fiber.Map{
			"status":      health.Status,
			"utilization": health.Utilization,
			"stats":       stats.ToMap(),
		}
		if health.Status == metrics.PoolUnhealthy {
			status["status"] = "degraded"
		}
	}

	if status["status"] != "ok" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}
