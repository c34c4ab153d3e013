package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-rsvp/internal/repository"
)

// statusFor maps a service error to an HTTP status and client message.
// Expired, used and unknown tokens get distinct messages for door staff,
// but a token invalidated by regeneration reads exactly like one that never
// existed.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrAlreadyRegistered):
		return http.StatusConflict, "already registered for this event"
	case errors.Is(err, repository.ErrNotRegistered):
		return http.StatusNotFound, "not registered for this event"
	case errors.Is(err, repository.ErrEventNotFound):
		return http.StatusNotFound, "event not found"
	case errors.Is(err, repository.ErrEventNotAccepting):
		return http.StatusUnprocessableEntity, "event is not accepting registrations"
	case errors.Is(err, repository.ErrTokenNotFound):
		return http.StatusNotFound, "invalid QR code"
	case errors.Is(err, repository.ErrTokenExpired):
		return http.StatusNotFound, "QR code expired"
	case errors.Is(err, repository.ErrTokenAlreadyUsed):
		return http.StatusGone, "QR code already used"
	case errors.Is(err, repository.ErrWaitlisted):
		return http.StatusConflict, "still on the waitlist"
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest, "invalid input"
	case errors.Is(err, repository.ErrStorageConflict):
		return http.StatusInternalServerError, "storage busy, please retry"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request timed out"
	}
	return http.StatusInternalServerError, "internal error"
}

// writeError renders err as {"error": message}.  Only failures outside the
// domain taxonomy are logged; the service already recorded them on the
// span.
func writeError(c echo.Context, log *slog.Logger, err error) error {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError && !errors.Is(err, repository.ErrStorageConflict) {
		log.ErrorContext(c.Request().Context(), "request failed",
			"method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return c.JSON(code, echo.Map{"error": msg})
}
