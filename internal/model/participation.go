package model

import "time"

// Status is the lifecycle state of a participation record.  Cancelled is
// not a stored state: cancelling deletes the record.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusWaitlisted Status = "waitlisted"
	StatusAttended   Status = "attended"
)

// Valid reports whether s is one of the stored statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRegistered, StatusWaitlisted, StatusAttended:
		return true
	}
	return false
}

// OccupiesSeat reports whether a record in this status counts against the
// event capacity.  Attendees keep their seat after redemption.
func (s Status) OccupiesSeat() bool {
	return s == StatusRegistered || s == StatusAttended
}

// QRCode is the single-use credential attached to a registered record.
// Token is empty while the record is waitlisted.  Version increases every
// time a new token is minted for the same record.
//
// Fields:
//
//	Token     – globally unique opaque string encoded in the QR image.
//	ExpiresAt – event start (or end) plus the configured grace window.
//	Version   – 1 for the first token, +1 per regeneration/promotion.
//	IsUsed    – set exactly once by a successful redemption.
//	UsedAt    – redemption time (nil until used).
//	UsedBy    – staff member who scanned the token (empty until used).
type QRCode struct {
	Token     string     `json:"token,omitempty"`
	ExpiresAt time.Time  `json:"expires_at,omitzero"`
	Version   int        `json:"version"`
	IsUsed    bool       `json:"is_used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`
}

// Active reports whether the code carries a token.
func (q QRCode) Active() bool { return q.Token != "" }

// Expired reports whether the token can no longer be redeemed at now.
func (q QRCode) Expired(now time.Time) bool {
	return !q.ExpiresAt.After(now)
}

// Participation is the per (event, user) record tracking registration and
// attendance.  At most one exists per pair.
//
// Fields:
//
//	Seq       – storage sequence, breaks createdAt ties for FIFO order.
//	ID        – ULID identifier.
//	EventID   – externally owned event reference.
//	UserID    – externally owned user reference.
//	Status    – registered, waitlisted or attended.
//	Attended  – true only after a successful redemption.
//	CreatedAt – insertion time; defines FIFO order.
//	QRCode    – credential, meaningful for registered and attended records.
type Participation struct {
	Seq       int64     `json:"-"`
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	Attended  bool      `json:"attended"`
	CreatedAt time.Time `json:"created_at"`
	QRCode    QRCode    `json:"qr_code"`
}

// Before reports whether p was queued ahead of o.
func (p Participation) Before(o Participation) bool {
	if p.CreatedAt.Equal(o.CreatedAt) {
		return p.Seq < o.Seq
	}
	return p.CreatedAt.Before(o.CreatedAt)
}

// EventStats aggregates participation counts for one event.
type EventStats struct {
	EventID        string  `json:"event_id"`
	Registered     int     `json:"registered"`
	Waitlisted     int     `json:"waitlisted"`
	Attended       int     `json:"attended"`
	Capacity       int     `json:"capacity"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// Total is the number of records that hold or held a seat.
func (s EventStats) Total() int { return s.Registered + s.Attended }
