package service

import (
	"context"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/repository"
)

// CancelResult is the outcome of a cancellation.  Promoted is set when
// the freed seat went to the head of the waitlist.
type CancelResult struct {
	Cancelled model.Participation
	Promoted  *model.Participation
}

func validID(id string) bool { return strings.TrimSpace(id) != "" }

// loadEvent resolves eventID through the event lookup.
func (s *Service) loadEvent(ctx context.Context, eventID string) (model.Event, error) {
	if !validID(eventID) {
		return model.Event{}, repository.ErrInvalidInput
	}
	return s.events.GetByID(ctx, eventID)
}

// loadStaffEvent resolves eventID and checks that userID may act as door
// staff for it.
func (s *Service) loadStaffEvent(ctx context.Context, eventID, userID string) (model.Event, error) {
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return model.Event{}, err
	}
	if !ev.IsStaff(userID) {
		return model.Event{}, repository.ErrForbidden
	}
	return ev, nil
}

// Register admits userID to eventID as registered (with a token) or
// waitlisted (without one).  A second call for the same pair fails with
// ErrAlreadyRegistered and changes nothing.
func (s *Service) Register(ctx context.Context, eventID, userID string) (p model.Participation, err error) {
	ctx, done := s.begin(ctx, "register", attribute.String("event.id", eventID))
	defer done(&err)

	if !validID(userID) {
		return model.Participation{}, repository.ErrInvalidInput
	}
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return model.Participation{}, err
	}
	now := s.now()
	if !ev.AcceptsRegistration(now) {
		return model.Participation{}, repository.ErrEventNotAccepting
	}
	p, err = s.guard.Admit(ctx, ev, userID, now)
	if err != nil {
		return model.Participation{}, err
	}
	kind := model.NotifyRegistered
	if p.Status == model.StatusWaitlisted {
		kind = model.NotifyWaitlisted
	}
	s.notify(ctx, kind, ev, userID)
	return p, nil
}

// Cancel deletes userID's record for eventID and promotes the earliest
// waitlisted record into the freed seat in the same atomic unit.
func (s *Service) Cancel(ctx context.Context, eventID, userID string) (res CancelResult, err error) {
	ctx, done := s.begin(ctx, "cancel", attribute.String("event.id", eventID))
	defer done(&err)

	if !validID(userID) {
		return CancelResult{}, repository.ErrInvalidInput
	}
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return CancelResult{}, err
	}
	cancelled, promoted, err := s.promoter.CancelAndPromote(ctx, ev, userID)
	if err != nil {
		return CancelResult{}, err
	}
	s.notify(ctx, model.NotifyCancelled, ev, userID)
	if promoted != nil {
		s.metrics.AddPromotions("cancel", 1)
		s.notify(ctx, model.NotifyPromoted, ev, promoted.UserID)
	}
	return CancelResult{Cancelled: cancelled, Promoted: promoted}, nil
}

// Regenerate replaces userID's token with a freshly minted one.  The old
// token stops resolving in the same store operation that activates the
// new one.
func (s *Service) Regenerate(ctx context.Context, eventID, userID string) (p model.Participation, err error) {
	ctx, done := s.begin(ctx, "regenerate", attribute.String("event.id", eventID))
	defer done(&err)

	if !validID(userID) {
		return model.Participation{}, repository.ErrInvalidInput
	}
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return model.Participation{}, err
	}
	p, err = retryValue(ctx, s.retry, "regenerate", func() (model.Participation, error) {
		cur, err := s.store.GetByEventAndUser(ctx, eventID, userID)
		if err != nil {
			return model.Participation{}, err
		}
		switch cur.Status {
		case model.StatusWaitlisted:
			return model.Participation{}, repository.ErrWaitlisted
		case model.StatusAttended:
			return model.Participation{}, repository.ErrTokenAlreadyUsed
		}
		next, err := s.codec.Mint(ev, cur.QRCode.Version)
		if err != nil {
			return model.Participation{}, err
		}
		return s.store.RotateToken(ctx, repository.RotateInput{
			EventID:  eventID,
			UserID:   userID,
			OldToken: cur.QRCode.Token,
			New:      next,
		})
	})
	if err != nil {
		return model.Participation{}, err
	}
	s.notify(ctx, model.NotifyRegenerated, ev, userID)
	return p, nil
}

// Scan redeems token on behalf of scannedBy, who must be the host or a
// co-host of the token's event.  When eventHint is set, a token that
// belongs to another event is reported as not found.
func (s *Service) Scan(ctx context.Context, token, scannedBy, eventHint string) (p model.Participation, err error) {
	ctx, done := s.begin(ctx, "scan", attribute.String("event.hint", eventHint))
	defer done(&err)

	token = strings.TrimSpace(token)
	if token == "" {
		return model.Participation{}, repository.ErrTokenNotFound
	}
	owner, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return model.Participation{}, err
	}
	if eventHint != "" && eventHint != owner.EventID {
		return model.Participation{}, repository.ErrTokenNotFound
	}
	ev, err := s.loadStaffEvent(ctx, owner.EventID, scannedBy)
	if err != nil {
		return model.Participation{}, err
	}
	p, err = s.verifier.Redeem(ctx, token, scannedBy, s.now())
	if err != nil {
		return model.Participation{}, err
	}
	s.notify(ctx, model.NotifyAttended, ev, p.UserID)
	return p, nil
}

// BulkAttend marks each of userIDs attended for eventID using their
// current tokens.  Failures are reported per user and never abort the
// batch.
func (s *Service) BulkAttend(ctx context.Context, eventID string, userIDs []string, scannedBy string) (res BulkResult, err error) {
	ctx, done := s.begin(ctx, "bulk_attend",
		attribute.String("event.id", eventID), attribute.Int("users", len(userIDs)))
	defer done(&err)

	if len(userIDs) == 0 {
		return BulkResult{}, repository.ErrInvalidInput
	}
	ev, err := s.loadStaffEvent(ctx, eventID, scannedBy)
	if err != nil {
		return BulkResult{}, err
	}
	res = s.verifier.RedeemBulk(ctx, eventID, userIDs, scannedBy, s.now())
	for _, p := range res.Marked {
		s.notify(ctx, model.NotifyAttended, ev, p.UserID)
	}
	return res, nil
}

// PromoteAvailable fills every free seat of eventID from the waitlist.
// requestedBy must be event staff; an empty requestedBy marks a system
// trigger such as a capacity change message.
func (s *Service) PromoteAvailable(ctx context.Context, eventID, requestedBy string) (promoted []model.Participation, err error) {
	ctx, done := s.begin(ctx, "promote", attribute.String("event.id", eventID))
	defer done(&err)

	var ev model.Event
	trigger := "capacity"
	if requestedBy == "" {
		ev, err = s.loadEvent(ctx, eventID)
	} else {
		trigger = "manual"
		ev, err = s.loadStaffEvent(ctx, eventID, requestedBy)
	}
	if err != nil {
		return nil, err
	}
	promoted, err = s.promoter.PromoteAll(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.metrics.AddPromotions(trigger, len(promoted))
	for _, p := range promoted {
		s.notify(ctx, model.NotifyPromoted, ev, p.UserID)
	}
	if promoted == nil {
		promoted = []model.Participation{}
	}
	return promoted, nil
}

// MyQR returns userID's record for eventID so its token can be rendered.
// Waitlisted records have no token and fail with ErrWaitlisted.
func (s *Service) MyQR(ctx context.Context, eventID, userID string) (p model.Participation, err error) {
	ctx, done := s.begin(ctx, "my_qr", attribute.String("event.id", eventID))
	defer done(&err)

	if !validID(eventID) || !validID(userID) {
		return model.Participation{}, repository.ErrInvalidInput
	}
	p, err = s.store.GetByEventAndUser(ctx, eventID, userID)
	if err != nil {
		return model.Participation{}, err
	}
	if p.Status == model.StatusWaitlisted || !p.QRCode.Active() {
		return model.Participation{}, repository.ErrWaitlisted
	}
	return p, nil
}

// Participants lists eventID's records in FIFO order for event staff.
// status filters when non-empty.
func (s *Service) Participants(ctx context.Context, eventID, requestedBy string, status model.Status) (list []model.Participation, err error) {
	ctx, done := s.begin(ctx, "participants", attribute.String("event.id", eventID))
	defer done(&err)

	if status != "" && !status.Valid() {
		return nil, repository.ErrInvalidInput
	}
	if _, err = s.loadStaffEvent(ctx, eventID, requestedBy); err != nil {
		return nil, err
	}
	return s.store.ListByEvent(ctx, eventID, status)
}

// Stats aggregates participation counts for event staff.  The attendance
// rate is attended over seat holders, in percent with one decimal.
func (s *Service) Stats(ctx context.Context, eventID, requestedBy string) (st model.EventStats, err error) {
	ctx, done := s.begin(ctx, "stats", attribute.String("event.id", eventID))
	defer done(&err)

	ev, err := s.loadStaffEvent(ctx, eventID, requestedBy)
	if err != nil {
		return model.EventStats{}, err
	}
	st, err = s.store.Stats(ctx, eventID)
	if err != nil {
		return model.EventStats{}, err
	}
	st.Capacity = ev.Capacity
	if total := st.Total(); total > 0 {
		st.AttendanceRate = math.Round(float64(st.Attended)/float64(total)*1000) / 10
	}
	return st, nil
}
