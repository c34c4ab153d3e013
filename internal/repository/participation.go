package repository

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iliyamo/event-rsvp/internal/model"
)

// MintFunc produces a fresh QR code for a record that is about to become
// registered.  Stores call it inside the atomic unit that flips the
// status, and only when the flip actually happens, so a token is never
// minted without a record and a registered record never lacks a token.
type MintFunc func() (model.QRCode, error)

// AdmitInput describes a registration attempt.
type AdmitInput struct {
	EventID  string
	UserID   string
	Capacity int // effective seat limit, see model.Event.SeatLimit
	Now      time.Time
	Mint     MintFunc
}

// CancelInput describes a cancellation that may free a seat.
type CancelInput struct {
	EventID  string
	UserID   string
	Capacity int
	Mint     MintFunc
}

// PromoteInput describes a request to fill free seats from the waitlist.
// Limit bounds the number of promotions; zero means as many as fit.
type PromoteInput struct {
	EventID  string
	Capacity int
	Limit    int
	Mint     MintFunc
}

// RedeemInput describes a scan of a QR token.
type RedeemInput struct {
	Token     string
	ScannedBy string
	Now       time.Time
}

// RotateInput describes a token regeneration.  OldToken is the token the
// caller observed; the swap only happens if it is still current.
type RotateInput struct {
	EventID  string
	UserID   string
	OldToken string
	New      model.QRCode
}

// ParticipationStore is the persistence boundary for participation
// records.  It is the only component allowed to mutate capacity-sensitive
// state, and every mutating method is a single atomic unit scoped to one
// event or one record.
type ParticipationStore interface {
	// Admit inserts a registered record when a seat is free and a
	// waitlisted record otherwise.  Fails with ErrAlreadyRegistered when
	// the pair already exists.
	Admit(ctx context.Context, in AdmitInput) (model.Participation, error)
	// CancelAndPromote deletes the caller's record and, in the same unit,
	// promotes the oldest waitlisted record if a seat is now free.
	CancelAndPromote(ctx context.Context, in CancelInput) (model.Participation, *model.Participation, error)
	// PromoteAvailable promotes waitlisted records in FIFO order while
	// seats are free.  It is all or nothing: on error no record changes.
	PromoteAvailable(ctx context.Context, in PromoteInput) ([]model.Participation, error)
	// Redeem marks the record holding Token as attended, gated on the
	// token being unused at write time.
	Redeem(ctx context.Context, in RedeemInput) (model.Participation, error)
	// RotateToken swaps OldToken for New in one step.
	RotateToken(ctx context.Context, in RotateInput) (model.Participation, error)

	GetByEventAndUser(ctx context.Context, eventID, userID string) (model.Participation, error)
	GetByToken(ctx context.Context, token string) (model.Participation, error)
	ListByEvent(ctx context.Context, eventID string, status model.Status) ([]model.Participation, error)
	Stats(ctx context.Context, eventID string) (model.EventStats, error)
	Ping(ctx context.Context) error
}

func newParticipationID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func validPair(eventID, userID string) bool {
	return strings.TrimSpace(eventID) != "" && strings.TrimSpace(userID) != ""
}

func capacityOrUnlimited(c int) int {
	if c <= 0 {
		return int(^uint(0) >> 1)
	}
	return c
}

// classifyRedeemMiss explains why a conditional redeem changed nothing,
// given the record currently holding the token.  Checks follow the scan
// order: status first, then expiry, then the used flag.
func classifyRedeemMiss(p model.Participation, now time.Time) error {
	switch {
	case p.Status == model.StatusAttended:
		return ErrTokenAlreadyUsed
	case p.Status != model.StatusRegistered:
		return ErrTokenNotFound
	case p.QRCode.Expired(now):
		return ErrTokenExpired
	case p.QRCode.IsUsed:
		return ErrTokenAlreadyUsed
	}
	// The record looked redeemable but the write lost a race.
	return ErrStorageConflict
}

// classifyRotateMiss explains why a token swap changed nothing.
func classifyRotateMiss(p model.Participation) error {
	switch p.Status {
	case model.StatusWaitlisted:
		return ErrWaitlisted
	case model.StatusAttended:
		return ErrTokenAlreadyUsed
	}
	return ErrStorageConflict
}
