package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-rsvp/internal/handler"
	"github.com/iliyamo/event-rsvp/internal/middleware"
)

// RegisterAttendee registers the endpoints any authenticated user may call
// for their own participation.  Event-level permissions are checked by the
// service, not by role.
func RegisterAttendee(e *echo.Echo, h *handler.ParticipationHandler, jwtSecret string) {
	g := e.Group("/v1/events/:id", middleware.JWTAuth(jwtSecret))

	g.POST("/register", h.Register)
	g.POST("/cancel", h.Cancel)
	g.POST("/regenerate", h.Regenerate)
	g.GET("/my-qr", h.MyQR)
	g.GET("/my-qr.png", h.MyQRPNG)
}
