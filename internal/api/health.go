package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/fenwick-dev/rendezvous-server/internal/gateway"
)

// pinger is satisfied by *pgxpool.Pool; narrowed to a single method so the handler can be tested without a real
// database connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	DB  pinger
	Hub *gateway.Hub
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db pinger, hub *gateway.Hub) *HealthHandler {
	return &HealthHandler{DB: db, Hub: hub}
}

// Health handles GET /health. It pings PostgreSQL and reports the current connected-channel count, in the literal
// shape the wire contract pins: {status, clients}, not the ambient success envelope.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := fiber.StatusOK
	if err := h.DB.Ping(ctx); err != nil {
		status = "degraded"
		httpStatus = fiber.StatusServiceUnavailable
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"clients": h.Hub.ClientCount(),
	})
}
