package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iliyamo/event-rsvp/internal/metrics"
	"github.com/iliyamo/event-rsvp/internal/repository"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 15 * time.Millisecond
)

// retrier re-runs an operation that lost a storage race.  Only
// ErrStorageConflict is retried; every other outcome returns at once.
type retrier struct {
	attempts int
	backoff  time.Duration
	metrics  metrics.Recorder
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

func retryValue[T any](ctx context.Context, r retrier, op string, fn func() (T, error)) (T, error) {
	attempts := max(r.attempts, 1)
	operation := func() (T, error) {
		out, err := fn()
		if err != nil && !errors.Is(err, repository.ErrStorageConflict) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{step: r.backoff}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(error, time.Duration) {
			// only called when another attempt follows
			if r.metrics != nil {
				r.metrics.IncConflictRetry(op)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return out, err
}
