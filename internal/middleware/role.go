package middleware // middleware provides shared request processing for handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RolePlatformAdmin passes every role check.
const RolePlatformAdmin = "platformAdmin"

// RequireRole returns a middleware that lets the request through only when
// the caller holds one of roles (or is a platform admin).  It assumes
// JWTAuth already stored the caller's roles in the context.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles)+1)
	for _, r := range roles {
		allowed[r] = true
	}
	allowed[RolePlatformAdmin] = true
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, r := range CurrentRoles(c) {
				if allowed[r] {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
	}
}
