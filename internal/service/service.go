// Package service implements the registration and attendance state
// machine on top of a repository.ParticipationStore.  It is the component
// handlers, consumers and other parts of the application call into.
//
// The package is split by responsibility:
//
//	capacity.go     – CapacityGuard: admission as registered or waitlisted
//	waitlist.go     – WaitlistPromoter: FIFO promotion when seats free up
//	attendance.go   – Verifier: redeem-once scans and bulk attendance
//	registration.go – Service: the externally callable operations
//
// Every mutation is delegated to a single atomic store primitive; this
// package never reads a count and writes a decision separately.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/event-rsvp/internal/metrics"
	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/repository"
)

const tracerName = "github.com/iliyamo/event-rsvp/internal/service"

// EventLookup is the read-only view of the external event service.
type EventLookup interface {
	GetByID(ctx context.Context, id string) (model.Event, error)
}

// Notifier delivers fire-and-forget notifications.  Errors are logged by
// the service and never undo the transition that produced them.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n model.Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n model.Notification) error { return f(ctx, n) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, model.Notification) error { return nil }

// TokenCodec mints and renders QR tokens.
type TokenCodec interface {
	Mint(ev model.Event, version int) (model.QRCode, error)
	Render(token string) ([]byte, error)
	DataURL(token string) (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetry bounds how often a storage conflict is retried and the linear
// backoff step between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		s.retry.attempts = attempts
		s.retry.backoff = backoff
	}
}

// Service orchestrates registration, cancellation, regeneration and
// attendance.  It is safe for concurrent use.
type Service struct {
	store    repository.ParticipationStore
	events   EventLookup
	codec    TokenCodec
	notifier Notifier
	metrics  metrics.Recorder
	log      *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	retry    retrier

	guard    *CapacityGuard
	promoter *WaitlistPromoter
	verifier *Verifier
}

// New wires a Service.  store, events and codec are required.
func New(store repository.ParticipationStore, events EventLookup, codec TokenCodec, opts ...Option) *Service {
	if store == nil || events == nil || codec == nil {
		panic("service: nil dependency passed to New")
	}
	s := &Service{
		store:    store,
		events:   events,
		codec:    codec,
		notifier: nopNotifier{},
		metrics:  metrics.Nop{},
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
		retry:    retrier{attempts: defaultRetryAttempts, backoff: defaultRetryBackoff},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry.metrics = s.metrics
	s.guard = &CapacityGuard{store: store, codec: codec, retry: s.retry}
	s.promoter = &WaitlistPromoter{store: store, codec: codec, retry: s.retry}
	s.verifier = &Verifier{store: store, retry: s.retry}
	return s
}

// Codec exposes the token codec for handlers that render images.
func (s *Service) Codec() TokenCodec { return s.codec }

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// begin starts a span and returns a finisher that records metrics, marks
// unexpected errors on the span and logs them.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := s.tracer.Start(ctx, "participation."+op, trace.WithAttributes(attrs...))
	started := time.Now()
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		outcome := Outcome(err)
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil && !repository.IsDomainError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			s.log.ErrorContext(ctx, "participation operation failed", "op", op, "error", err)
		}
		s.metrics.ObserveOperation(op, outcome, time.Since(started))
		span.End()
	}
}

// notify hands n to the notifier and only logs failures.
func (s *Service) notify(ctx context.Context, kind model.NotificationKind, ev model.Event, userID string) {
	n := model.Notification{
		Kind:       kind,
		UserID:     userID,
		EventID:    ev.ID,
		EventTitle: ev.Title,
		OccurredAt: s.now(),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.WarnContext(ctx, "notification failed", "kind", string(kind), "user_id", userID, "event_id", ev.ID, "error", err)
	}
}

// Outcome names err for metrics and spans.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, repository.ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, repository.ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, repository.ErrWaitlisted):
		return "waitlisted"
	case errors.Is(err, repository.ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, repository.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, repository.ErrTokenAlreadyUsed):
		return "already_used"
	case errors.Is(err, repository.ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, repository.ErrEventNotAccepting):
		return "not_accepting"
	case errors.Is(err, repository.ErrForbidden):
		return "forbidden"
	case errors.Is(err, repository.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, repository.ErrStorageConflict):
		return "storage_conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
