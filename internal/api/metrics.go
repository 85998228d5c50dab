package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/fenwick-dev/rendezvous-server/internal/metrics"
)

// MetricsHandler adapts the standard net/http Prometheus handler onto the Fiber router.
func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(metrics.Handler())
}
