// Package repository defines the participation store and the error values
// shared by every layer above it.  These sentinel values allow higher
// layers such as handlers to distinguish expected domain outcomes (a
// duplicate registration, a used QR code) from storage failures.  Domain
// errors map to specific HTTP status codes and are never logged as
// failures; anything else is treated as an opaque internal error.
package repository

import "errors"

// ErrAlreadyRegistered is returned when the caller already holds a
// participation record for the event.  No mutation is performed.
var ErrAlreadyRegistered = errors.New("already registered for this event")

// ErrNotRegistered is returned when no participation record exists for
// the (event, user) pair.
var ErrNotRegistered = errors.New("not registered for this event")

// ErrEventFull is the internal signal that no seat is free.  Admission
// turns it into a waitlisted record; it never reaches a client.
var ErrEventFull = errors.New("event is full")

// ErrWaitlisted is returned when an operation needs a registered record
// but the caller is still on the waitlist.
var ErrWaitlisted = errors.New("still on the waitlist")

// ErrTokenNotFound covers unknown tokens and tokens invalidated by
// regeneration.  Both report the same outcome so a stale token does not
// reveal that it ever existed.
var ErrTokenNotFound = errors.New("invalid QR code")

// ErrTokenExpired is returned when a token is scanned after its expiry.
var ErrTokenExpired = errors.New("QR code expired")

// ErrTokenAlreadyUsed is returned when the token was already redeemed.
var ErrTokenAlreadyUsed = errors.New("QR code already used")

// ErrEventNotFound is returned by the event lookup when the event does
// not exist.
var ErrEventNotFound = errors.New("event not found")

// ErrEventNotAccepting is returned when the event exists but is not in a
// state that accepts registrations.
var ErrEventNotAccepting = errors.New("event is not accepting registrations")

// ErrForbidden is returned when the caller attempts a staff operation on
// an event they do not host.  Handlers translate this into HTTP 403.
var ErrForbidden = errors.New("forbidden")

// ErrStorageConflict signals a lost optimistic race or a storage-level
// deadlock.  It is transient: the service retries it a bounded number of
// times before surfacing it.
var ErrStorageConflict = errors.New("storage conflict")

// ErrInvalidInput is returned for empty identifiers or malformed input.
var ErrInvalidInput = errors.New("invalid input")

// IsDomainError reports whether err is an expected outcome rather than a
// failure.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrAlreadyRegistered, ErrNotRegistered, ErrEventFull, ErrWaitlisted,
		ErrTokenNotFound, ErrTokenExpired, ErrTokenAlreadyUsed,
		ErrEventNotFound, ErrEventNotAccepting, ErrForbidden, ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
