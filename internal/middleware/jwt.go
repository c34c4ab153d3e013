package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Context keys populated by JWTAuth.
const (
	ContextUserID = "user_id"
	ContextRoles  = "roles"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// issued by the identity service and injects the subject and roles into
// the request context.  Handlers read them back through CurrentUser and
// CurrentRoles; this service never issues tokens itself.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// A valid header starts with "Bearer " followed by the JWT.
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			// Only HMAC signatures are accepted; anything else is rejected
			// before the key is handed out.
			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			}, jwt.WithExpirationRequired())
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			sub := subject(claims)
			if sub == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token has no subject"})
			}

			c.Set(ContextUserID, sub)
			c.Set(ContextRoles, roles(claims))
			return next(c)
		}
	}
}

// subject reads "sub", falling back to "user_id".  Numeric ids issued by
// older identity deployments are formatted as decimal strings.
func subject(claims jwt.MapClaims) string {
	for _, k := range []string{"sub", "user_id"} {
		switch v := claims[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

// roles accepts either a "roles" array or a single "role" string.
func roles(claims jwt.MapClaims) []string {
	var out []string
	if list, ok := claims["roles"].([]interface{}); ok {
		for _, r := range list {
			if s, ok := r.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	if s, ok := claims["role"].(string); ok && s != "" {
		out = append(out, s)
	}
	return out
}
