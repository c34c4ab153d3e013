package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/event-rsvp/internal/repository"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{repository.ErrAlreadyRegistered, http.StatusConflict, "already registered for this event"},
		{repository.ErrNotRegistered, http.StatusNotFound, "not registered for this event"},
		{repository.ErrTokenNotFound, http.StatusNotFound, "invalid QR code"},
		{repository.ErrTokenExpired, http.StatusNotFound, "QR code expired"},
		{fmt.Errorf("redeem: %w", repository.ErrTokenAlreadyUsed), http.StatusGone, "QR code already used"},
		{repository.ErrEventNotAccepting, http.StatusUnprocessableEntity, "event is not accepting registrations"},
		{repository.ErrForbidden, http.StatusForbidden, "forbidden"},
		{repository.ErrStorageConflict, http.StatusInternalServerError, "storage busy, please retry"},
		{errors.New("dial tcp: connection refused"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		code, msg := statusFor(tc.err)
		require.Equal(t, tc.code, code, tc.err.Error())
		require.Equal(t, tc.msg, msg)
	}
}
