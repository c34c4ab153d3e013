package middleware

// identity.go exposes the caller identity that JWTAuth stored in the Echo
// context.  Handlers trust it as the authenticated user.

import "github.com/labstack/echo/v4"

// CurrentUser returns the authenticated user id, or "" when the request
// did not pass through JWTAuth.
func CurrentUser(c echo.Context) string {
	if s, ok := c.Get(ContextUserID).(string); ok {
		return s
	}
	return ""
}

// CurrentRoles returns the caller's roles.
func CurrentRoles(c echo.Context) []string {
	r, _ := c.Get(ContextRoles).([]string)
	return r
}

// keyUser is CurrentUser with a placeholder for anonymous callers, used
// when building rate limit and cache keys.
func keyUser(c echo.Context) string {
	if u := CurrentUser(c); u != "" {
		return u
	}
	return "anon"
}
