package service

import (
	"context"

	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/repository"
)

// WaitlistPromoter moves waitlisted records to registered in arrival
// order whenever seats free up.  Promotion always runs inside the store's
// per-event atomic unit, together with whatever freed the seat.
type WaitlistPromoter struct {
	store repository.ParticipationStore
	codec TokenCodec
	retry retrier
}

func (w *WaitlistPromoter) mint(ev model.Event) repository.MintFunc {
	return func() (model.QRCode, error) { return w.codec.Mint(ev, 0) }
}

// PromoteNext promotes the earliest waitlisted record for ev if a seat is
// free.  It returns nil, nil when there is nothing to promote.
func (w *WaitlistPromoter) PromoteNext(ctx context.Context, ev model.Event) (*model.Participation, error) {
	promoted, err := w.promote(ctx, ev, 1)
	if err != nil || len(promoted) == 0 {
		return nil, err
	}
	return &promoted[0], nil
}

// PromoteAll fills every free seat from the waitlist, e.g. after the event
// owner raised the capacity.
func (w *WaitlistPromoter) PromoteAll(ctx context.Context, ev model.Event) ([]model.Participation, error) {
	return w.promote(ctx, ev, 0)
}

func (w *WaitlistPromoter) promote(ctx context.Context, ev model.Event, limit int) ([]model.Participation, error) {
	return retryValue(ctx, w.retry, "promote", func() ([]model.Participation, error) {
		return w.store.PromoteAvailable(ctx, repository.PromoteInput{
			EventID:  ev.ID,
			Capacity: ev.SeatLimit(),
			Limit:    limit,
			Mint:     w.mint(ev),
		})
	})
}

type cancelOutcome struct {
	cancelled model.Participation
	promoted  *model.Participation
}

// CancelAndPromote deletes userID's record and promotes the head of the
// waitlist in the same atomic unit.
func (w *WaitlistPromoter) CancelAndPromote(ctx context.Context, ev model.Event, userID string) (model.Participation, *model.Participation, error) {
	out, err := retryValue(ctx, w.retry, "cancel", func() (cancelOutcome, error) {
		c, p, err := w.store.CancelAndPromote(ctx, repository.CancelInput{
			EventID:  ev.ID,
			UserID:   userID,
			Capacity: ev.SeatLimit(),
			Mint:     w.mint(ev),
		})
		return cancelOutcome{cancelled: c, promoted: p}, err
	})
	return out.cancelled, out.promoted, err
}
