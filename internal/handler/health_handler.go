package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/maildispatch/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// remainingReporter is implemented by limiters that can report free slots
// without consuming one.
type remainingReporter interface {
	Remaining() int
}

// RegisterHealthRoutes mounts /livez and /readyz. rdb may be nil when the
// service runs with in-process state only; limiter may be nil too.
func RegisterHealthRoutes(app fiber.Router, rdb *redis.Client, limiter ratelimit.RateLimiter) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(rdb, limiter))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(rdb *redis.Client, limiter ratelimit.RateLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		redisStatus := "disabled"
		ready := true

		if rdb != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
			defer cancel()

			redisStatus = "ok"
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "down"
				ready = false
			}
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		body := fiber.Map{
			"status": status,
			"checks": fiber.Map{
				"redis": redisStatus,
			},
		}
		if r, ok := limiter.(remainingReporter); ok {
			body["rateLimitRemaining"] = r.Remaining()
		}

		return c.Status(statusCode).JSON(body)
	}
}
