package router // package router defines how HTTP routes are registered for the API

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-rsvp/internal/handler"
)

// RegisterRoutes registers routes that do not require authentication:
// liveness, readiness and, when metrics is non-nil, the Prometheus
// scrape endpoint.
func RegisterRoutes(e *echo.Echo, store handler.Pinger, metrics http.Handler) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(store))
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
}
