package service

import (
	"context"
	"time"

	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/repository"
)

// CapacityGuard decides whether a new record is registered or
// waitlisted.  The decision and the insert are one store primitive, so two
// callers racing for the last seat cannot both see it free.
type CapacityGuard struct {
	store repository.ParticipationStore
	codec TokenCodec
	retry retrier
}

// Admit creates the caller's record for ev.  The event must already have
// been checked for accepting registrations.  A token is minted only when
// the record is admitted as registered.
func (g *CapacityGuard) Admit(ctx context.Context, ev model.Event, userID string, now time.Time) (model.Participation, error) {
	return retryValue(ctx, g.retry, "admit", func() (model.Participation, error) {
		return g.store.Admit(ctx, repository.AdmitInput{
			EventID:  ev.ID,
			UserID:   userID,
			Capacity: ev.SeatLimit(),
			Now:      now,
			Mint:     func() (model.QRCode, error) { return g.codec.Mint(ev, 0) },
		})
	})
}
