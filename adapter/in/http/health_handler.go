// Package http is the thin inbound HTTP surface: health, the OAuth connect
// flow, search reads and manual triggers. Session handling lives in the
// upstream gateway; callers identify themselves with the X-User-ID header.
package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type HealthHandler struct {
	db     *pgxpool.Pool
	redis  *redis.Client
	search *mongo.Client
}

func NewHealthHandler(db *pgxpool.Pool, redisClient *redis.Client, search *mongo.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient, search: search}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready pings every backing store. The queue broker and search store are
// optional; only the row store gates readiness.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["row_store"] = "unhealthy: " + err.Error()
			ready = false
		} else {
			checks["row_store"] = "healthy"
		}
	} else {
		checks["row_store"] = "not configured"
		ready = false
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["queue_broker"] = "unhealthy: " + err.Error()
		} else {
			checks["queue_broker"] = "healthy"
		}
	} else {
		checks["queue_broker"] = "not configured"
	}

	if h.search != nil {
		if err := h.search.Ping(ctx, readpref.Primary()); err != nil {
			checks["search_store"] = "unhealthy: " + err.Error()
		} else {
			checks["search_store"] = "healthy"
		}
	} else {
		checks["search_store"] = "not configured"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !ready {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
