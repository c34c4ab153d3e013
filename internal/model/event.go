package model

import "time"

// Verification and lifecycle values for events.  The event service owns
// these rows; this module only reads them.
const (
	VerificationApproved = "approved"
	EventStatusUpcoming  = "upcoming"
)

// Event is the read-only view of an externally owned event that the
// registration core needs: capacity, schedule, and who may scan tickets.
//
// Fields:
//
//	ID                 – event identifier.
//	Title              – display title used in notifications.
//	StartsAt           – event date/time; base of the QR expiry.
//	EndsAt             – optional end time for duration-bearing events.
//	Capacity           – maximum number of seat-occupying records; 0 means unlimited.
//	VerificationStatus – pending, approved or rejected.
//	Status             – upcoming, ongoing or completed.
//	HostID             – main host user.
//	CoHostIDs          – approved co-hosts allowed to scan.
type Event struct {
	ID                 string
	Title              string
	StartsAt           time.Time
	EndsAt             *time.Time
	Capacity           int
	VerificationStatus string
	Status             string
	HostID             string
	CoHostIDs          []string
}

// AcceptsRegistration reports whether new registrations may be admitted.
func (e Event) AcceptsRegistration(now time.Time) bool {
	if e.VerificationStatus != VerificationApproved {
		return false
	}
	if e.Status != "" && e.Status != EventStatusUpcoming {
		return false
	}
	return e.StartsAt.After(now)
}

// IsStaff reports whether userID is the host or an approved co-host.
func (e Event) IsStaff(userID string) bool {
	if userID == "" {
		return false
	}
	if e.HostID == userID {
		return true
	}
	for _, id := range e.CoHostIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// SeatLimit returns the effective capacity for admission decisions.  An
// event without a configured capacity never waitlists.
func (e Event) SeatLimit() int {
	if e.Capacity <= 0 {
		return int(^uint(0) >> 1)
	}
	return e.Capacity
}
