package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID tags each request with a UUID, reusing one supplied by the caller.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Locals(requestIDKey, id)
		c.Set(requestIDHeader, id)
		return c.Next()
	}
}

// RequestIDFrom returns the id set by RequestID, or "" outside it.
func RequestIDFrom(c *fiber.Ctx) string {
	id, _ := c.Locals(requestIDKey).(string)
	return id
}

// SystemHandler serves operational endpoints.
type SystemHandler struct {
	Registry *shared.MetricsRegistry
	// Check reports store health; nil means always healthy.
	Check func(ctx context.Context) error
}

// NewSystemHandler creates a handler for metrics and health. check may be nil.
func NewSystemHandler(registry *shared.MetricsRegistry, check func(ctx context.Context) error) *SystemHandler {
	return &SystemHandler{Registry: registry, Check: check}
}

// GetMetrics returns a snapshot of every registered component.
func (h *SystemHandler) GetMetrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    h.Registry.Snapshots(),
	})
}

// Health reports 503 when the store check fails.
func (h *SystemHandler) Health(c *fiber.Ctx) error {
	if h.Check != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()
		if err := h.Check(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"component":  "SystemHandler",
				"method":     "Health",
				"request_id": RequestIDFrom(c),
			}).WithError(err).Warn("Health check failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":    "unavailable",
				"timestamp": time.Now().Unix(),
			})
		}
	}
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
