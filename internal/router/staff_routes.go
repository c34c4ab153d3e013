package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-rsvp/internal/handler"
	"github.com/iliyamo/event-rsvp/internal/middleware"
)

// StaffMiddleware holds the optional Redis-backed middlewares for staff
// routes.  Nil entries are skipped.
type StaffMiddleware struct {
	// ScanLimit throttles the scan endpoints.
	ScanLimit echo.MiddlewareFunc
	// StatsCache caches the stats endpoint.
	StatsCache echo.MiddlewareFunc
}

func use(mw echo.MiddlewareFunc) []echo.MiddlewareFunc {
	if mw == nil {
		return nil
	}
	return []echo.MiddlewareFunc{mw}
}

// RegisterStaff registers door-staff and host endpoints.  Whether the
// caller hosts the event is decided per request by the service; the
// admin promote route additionally requires the platform admin role.
func RegisterStaff(e *echo.Echo, h *handler.ParticipationHandler, jwtSecret string, mw StaffMiddleware) {
	auth := middleware.JWTAuth(jwtSecret)

	e.POST("/v1/scan", h.Scan, append([]echo.MiddlewareFunc{auth}, use(mw.ScanLimit)...)...)

	g := e.Group("/v1/events/:id", auth)
	g.POST("/scan", h.Scan, use(mw.ScanLimit)...)
	g.POST("/bulk-attend", h.BulkAttend, use(mw.ScanLimit)...)
	g.GET("/participants", h.Participants)
	g.GET("/stats", h.Stats, use(mw.StatsCache)...)
	g.POST("/promote", h.Promote)

	admin := e.Group("/v1/admin", auth, middleware.RequireRole(middleware.RolePlatformAdmin))
	admin.POST("/events/:id/promote", h.AdminPromote)
}
