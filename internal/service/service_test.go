package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/event-rsvp/internal/database"
	"github.com/iliyamo/event-rsvp/internal/metrics"
	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/qrcode"
	"github.com/iliyamo/event-rsvp/internal/repository"
	"github.com/iliyamo/event-rsvp/internal/service"
)

var start = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	sent []model.Notification
	fail bool
}

func (r *recorder) Notify(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	if r.fail {
		return errors.New("broker down")
	}
	return nil
}

func (r *recorder) kinds(userID string) []model.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.NotificationKind
	for _, n := range r.sent {
		if n.UserID == userID {
			out = append(out, n.Kind)
		}
	}
	return out
}

type fixture struct {
	svc    *service.Service
	store  *repository.MemoryParticipationStore
	events *repository.MemoryEventStore
	clock  *clock
	notes  *recorder
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryParticipationStore(),
		events: repository.NewMemoryEventStore(),
		clock:  &clock{now: start.Add(-48 * time.Hour)},
		notes:  &recorder{},
	}
	require.NoError(t, f.events.Upsert(context.Background(), model.Event{
		ID:                 "ev1",
		Title:              "Launch party",
		StartsAt:           start,
		Capacity:           capacity,
		VerificationStatus: model.VerificationApproved,
		Status:             model.EventStatusUpcoming,
		HostID:             "host",
		CoHostIDs:          []string{"cohost"},
	}))
	f.svc = service.New(f.store, f.events, qrcode.New(),
		service.WithClock(f.clock.Now),
		service.WithNotifier(f.notes),
		service.WithRetry(5, time.Millisecond),
	)
	return f
}

func TestRegisterAdmitsUntilCapacityThenWaitlists(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	a, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)
	require.Equal(t, model.StatusRegistered, a.Status)
	require.NotEmpty(t, a.QRCode.Token)
	require.Equal(t, 1, a.QRCode.Version)
	require.Equal(t, start.Add(qrcode.DefaultGraceWindow), a.QRCode.ExpiresAt)

	_, err = f.svc.Register(ctx, "ev1", "b")
	require.NoError(t, err)

	c, err := f.svc.Register(ctx, "ev1", "c")
	require.NoError(t, err)
	require.Equal(t, model.StatusWaitlisted, c.Status)
	require.Empty(t, c.QRCode.Token)

	require.Equal(t, []model.NotificationKind{model.NotifyRegistered}, f.notes.kinds("a"))
	require.Equal(t, []model.NotificationKind{model.NotifyWaitlisted}, f.notes.kinds("c"))
}

func TestRegisterTwiceIsRejectedWithoutChange(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	first, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, "ev1", "a")
	require.ErrorIs(t, err, repository.ErrAlreadyRegistered)

	got, err := f.store.GetByEventAndUser(ctx, "ev1", "a")
	require.NoError(t, err)
	require.Equal(t, first.QRCode.Token, got.QRCode.Token)
	require.Equal(t, first.ID, got.ID)
}

func TestRegisterRejectsUnknownAndClosedEvents(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "missing", "a")
	require.ErrorIs(t, err, repository.ErrEventNotFound)

	_, err = f.svc.Register(ctx, "ev1", " ")
	require.ErrorIs(t, err, repository.ErrInvalidInput)

	require.NoError(t, f.events.Upsert(ctx, model.Event{
		ID: "pending", StartsAt: start, VerificationStatus: "pending", HostID: "host",
	}))
	_, err = f.svc.Register(ctx, "pending", "a")
	require.ErrorIs(t, err, repository.ErrEventNotAccepting)

	f.clock.Set(start.Add(time.Minute))
	_, err = f.svc.Register(ctx, "ev1", "a")
	require.ErrorIs(t, err, repository.ErrEventNotAccepting)
}

func TestConcurrentRegistrationsNeverOverfill(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		registered atomic.Int32
		waitlisted atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.svc.Register(ctx, "ev1", fmt.Sprintf("u%02d", i))
			if err != nil {
				t.Errorf("register u%02d: %v", i, err)
				return
			}
			if p.Status == model.StatusRegistered {
				registered.Add(1)
			} else {
				waitlisted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 10, registered.Load())
	require.EqualValues(t, 2, waitlisted.Load())

	st, err := f.svc.Stats(ctx, "ev1", "host")
	require.NoError(t, err)
	require.Equal(t, 10, st.Registered)
	require.Equal(t, 2, st.Waitlisted)
	require.Equal(t, 10, st.Capacity)
}

func TestCancelPromotesEarliestWaitlistedWithFreshToken(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)
	f.clock.Set(f.clock.Now().Add(time.Second))
	_, err = f.svc.Register(ctx, "ev1", "b")
	require.NoError(t, err)
	f.clock.Set(f.clock.Now().Add(time.Second))
	_, err = f.svc.Register(ctx, "ev1", "c")
	require.NoError(t, err)

	res, err := f.svc.Cancel(ctx, "ev1", "a")
	require.NoError(t, err)
	require.Equal(t, "a", res.Cancelled.UserID)
	require.NotNil(t, res.Promoted)
	require.Equal(t, "b", res.Promoted.UserID)
	require.Equal(t, model.StatusRegistered, res.Promoted.Status)
	require.NotEmpty(t, res.Promoted.QRCode.Token)

	c, err := f.store.GetByEventAndUser(ctx, "ev1", "c")
	require.NoError(t, err)
	require.Equal(t, model.StatusWaitlisted, c.Status)

	_, err = f.store.GetByEventAndUser(ctx, "ev1", "a")
	require.ErrorIs(t, err, repository.ErrNotRegistered)

	require.Contains(t, f.notes.kinds("b"), model.NotifyPromoted)
	require.Contains(t, f.notes.kinds("a"), model.NotifyCancelled)

	_, err = f.svc.Cancel(ctx, "ev1", "a")
	require.ErrorIs(t, err, repository.ErrNotRegistered)
}

func TestScanRedeemsOnce(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	p, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)
	f.clock.Set(start.Add(10 * time.Minute))

	got, err := f.svc.Scan(ctx, p.QRCode.Token, "cohost", "")
	require.NoError(t, err)
	require.Equal(t, model.StatusAttended, got.Status)
	require.True(t, got.Attended)
	require.True(t, got.QRCode.IsUsed)
	require.Equal(t, "cohost", got.QRCode.UsedBy)

	_, err = f.svc.Scan(ctx, p.QRCode.Token, "host", "")
	require.ErrorIs(t, err, repository.ErrTokenAlreadyUsed)

	st, err := f.svc.Stats(ctx, "ev1", "host")
	require.NoError(t, err)
	require.Equal(t, 1, st.Attended)
	require.Equal(t, 0, st.Registered)
	require.InDelta(t, 100.0, st.AttendanceRate, 0.001)
}

func TestConcurrentScansHaveOneWinner(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	p, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		used atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Scan(ctx, p.QRCode.Token, "host", "ev1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, repository.ErrTokenAlreadyUsed):
				used.Add(1)
			default:
				t.Errorf("unexpected scan error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, 7, used.Load())
}

func TestScanRejections(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	p, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)

	_, err = f.svc.Scan(ctx, "nope", "host", "")
	require.ErrorIs(t, err, repository.ErrTokenNotFound)

	_, err = f.svc.Scan(ctx, p.QRCode.Token, "stranger", "")
	require.ErrorIs(t, err, repository.ErrForbidden)

	_, err = f.svc.Scan(ctx, p.QRCode.Token, "host", "other-event")
	require.ErrorIs(t, err, repository.ErrTokenNotFound)

	f.clock.Set(p.QRCode.ExpiresAt.Add(time.Second))
	_, err = f.svc.Scan(ctx, p.QRCode.Token, "host", "")
	require.ErrorIs(t, err, repository.ErrTokenExpired)

	got, err := f.store.GetByEventAndUser(ctx, "ev1", "a")
	require.NoError(t, err)
	require.Equal(t, model.StatusRegistered, got.Status)
	require.False(t, got.QRCode.IsUsed)
}

func TestRegenerateInvalidatesPreviousToken(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	p, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)

	next, err := f.svc.Regenerate(ctx, "ev1", "a")
	require.NoError(t, err)
	require.NotEqual(t, p.QRCode.Token, next.QRCode.Token)
	require.Equal(t, p.QRCode.Version+1, next.QRCode.Version)

	_, err = f.svc.Scan(ctx, p.QRCode.Token, "host", "")
	require.ErrorIs(t, err, repository.ErrTokenNotFound)

	_, err = f.svc.Scan(ctx, next.QRCode.Token, "host", "")
	require.NoError(t, err)

	_, err = f.svc.Regenerate(ctx, "ev1", "a")
	require.ErrorIs(t, err, repository.ErrTokenAlreadyUsed)

	_, err = f.svc.Register(ctx, "ev1", "w")
	require.NoError(t, err)
	_, err = f.svc.Regenerate(ctx, "ev1", "w")
	require.ErrorIs(t, err, repository.ErrWaitlisted)

	_, err = f.svc.Regenerate(ctx, "ev1", "ghost")
	require.ErrorIs(t, err, repository.ErrNotRegistered)
}

func TestBulkAttendReportsPerUser(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for _, u := range []string{"a", "b", "w"} {
		_, err := f.svc.Register(ctx, "ev1", u)
		require.NoError(t, err)
	}
	p, err := f.store.GetByEventAndUser(ctx, "ev1", "b")
	require.NoError(t, err)
	_, err = f.svc.Scan(ctx, p.QRCode.Token, "host", "")
	require.NoError(t, err)

	res, err := f.svc.BulkAttend(ctx, "ev1", []string{"a", "a", "b", "w", "ghost", ""}, "host")
	require.NoError(t, err)
	require.Len(t, res.Marked, 1)
	require.Equal(t, "a", res.Marked[0].UserID)

	reasons := map[string]string{}
	for _, s := range res.Skipped {
		reasons[s.UserID] = s.Reason
	}
	require.Equal(t, map[string]string{
		"b":     service.SkipAlreadyAttended,
		"w":     service.SkipWaitlisted,
		"ghost": service.SkipNotRegistered,
		"":      service.SkipInvalidUser,
	}, reasons)

	_, err = f.svc.BulkAttend(ctx, "ev1", []string{"a"}, "stranger")
	require.ErrorIs(t, err, repository.ErrForbidden)

	_, err = f.svc.BulkAttend(ctx, "ev1", nil, "host")
	require.ErrorIs(t, err, repository.ErrInvalidInput)
}

func TestPromoteAvailableAfterCapacityIncrease(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	for _, u := range []string{"a", "b", "c", "d"} {
		_, err := f.svc.Register(ctx, "ev1", u)
		require.NoError(t, err)
		f.clock.Set(f.clock.Now().Add(time.Second))
	}

	ev, err := f.events.GetByID(ctx, "ev1")
	require.NoError(t, err)
	ev.Capacity = 3
	require.NoError(t, f.events.Upsert(ctx, ev))

	_, err = f.svc.PromoteAvailable(ctx, "ev1", "stranger")
	require.ErrorIs(t, err, repository.ErrForbidden)

	promoted, err := f.svc.PromoteAvailable(ctx, "ev1", "host")
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	require.Equal(t, "b", promoted[0].UserID)
	require.Equal(t, "c", promoted[1].UserID)

	promoted, err = f.svc.PromoteAvailable(ctx, "ev1", "")
	require.NoError(t, err)
	require.Empty(t, promoted)

	list, err := f.svc.Participants(ctx, "ev1", "host", model.StatusWaitlisted)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "d", list[0].UserID)
}

func TestMyQR(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	p, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "ev1", "w")
	require.NoError(t, err)

	got, err := f.svc.MyQR(ctx, "ev1", "a")
	require.NoError(t, err)
	require.Equal(t, p.QRCode.Token, got.QRCode.Token)

	png, err := f.svc.Codec().Render(got.QRCode.Token)
	require.NoError(t, err)
	require.NotEmpty(t, png)

	_, err = f.svc.MyQR(ctx, "ev1", "w")
	require.ErrorIs(t, err, repository.ErrWaitlisted)

	_, err = f.svc.MyQR(ctx, "ev1", "ghost")
	require.ErrorIs(t, err, repository.ErrNotRegistered)
}

func TestNotifierFailureDoesNotUndoTransition(t *testing.T) {
	f := newFixture(t, 5)
	f.notes.fail = true
	ctx := context.Background()

	p, err := f.svc.Register(ctx, "ev1", "a")
	require.NoError(t, err)
	require.Equal(t, model.StatusRegistered, p.Status)

	got, err := f.store.GetByEventAndUser(ctx, "ev1", "a")
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
}

func TestParticipantsAndStatsRequireStaff(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.svc.Participants(ctx, "ev1", "stranger", "")
	require.ErrorIs(t, err, repository.ErrForbidden)

	_, err = f.svc.Stats(ctx, "ev1", "")
	require.ErrorIs(t, err, repository.ErrForbidden)

	_, err = f.svc.Participants(ctx, "ev1", "host", model.Status("bogus"))
	require.ErrorIs(t, err, repository.ErrInvalidInput)
}

func TestOutcomeLabels(t *testing.T) {
	require.Equal(t, "ok", service.Outcome(nil))
	require.Equal(t, "already_used", service.Outcome(fmt.Errorf("wrap: %w", repository.ErrTokenAlreadyUsed)))
	require.Equal(t, "storage_conflict", service.Outcome(repository.ErrStorageConflict))
	require.Equal(t, "error", service.Outcome(errors.New("boom")))
}

type conflictingStore struct {
	*repository.MemoryParticipationStore
	err    error
	admits atomic.Int32
}

func (s *conflictingStore) Admit(context.Context, repository.AdmitInput) (model.Participation, error) {
	s.admits.Add(1)
	return model.Participation{}, s.err
}

type retryCounter struct {
	metrics.Nop
	retries atomic.Int32
}

func (r *retryCounter) IncConflictRetry(string) { r.retries.Add(1) }

func TestStorageConflictIsRetriedThenSurfaced(t *testing.T) {
	f := newFixture(t, 5)
	store := &conflictingStore{
		MemoryParticipationStore: f.store,
		err:                      fmt.Errorf("lock wait timeout: %w", repository.ErrStorageConflict),
	}
	counter := &retryCounter{}
	svc := service.New(store, f.events, qrcode.New(),
		service.WithClock(f.clock.Now),
		service.WithMetrics(counter),
		service.WithRetry(3, time.Millisecond),
	)

	_, err := svc.Register(context.Background(), "ev1", "a")
	require.ErrorIs(t, err, repository.ErrStorageConflict)
	require.EqualValues(t, 3, store.admits.Load())
	require.EqualValues(t, 2, counter.retries.Load())
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t, 5)
	store := &conflictingStore{MemoryParticipationStore: f.store, err: repository.ErrAlreadyRegistered}
	counter := &retryCounter{}
	svc := service.New(store, f.events, qrcode.New(),
		service.WithClock(f.clock.Now),
		service.WithMetrics(counter),
		service.WithRetry(3, time.Millisecond),
	)

	_, err := svc.Register(context.Background(), "ev1", "a")
	require.Equal(t, repository.ErrAlreadyRegistered, err)
	require.EqualValues(t, 1, store.admits.Load())
	require.Zero(t, counter.retries.Load())
}

func participationStores(t *testing.T) map[string]repository.ParticipationStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rsvp.db")
	require.NoError(t, database.RunMigrations("sqlite", database.SQLiteMigrationURL(path), nil))
	db, err := database.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]repository.ParticipationStore{
		"memory": repository.NewMemoryParticipationStore(),
		"sqlite": repository.NewParticipationRepo(db, repository.SQLiteDialect),
	}
}

func TestRegenerateRacingStaleScans(t *testing.T) {
	for name, store := range participationStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 5)
			svc := service.New(store, f.events, qrcode.New(),
				service.WithClock(f.clock.Now),
				service.WithRetry(5, time.Millisecond),
			)
			ctx := context.Background()
			p, err := svc.Register(ctx, "ev1", "a")
			require.NoError(t, err)

			var (
				mu         sync.Mutex
				stale      []string
				staleWins  atomic.Int32
				unexpected atomic.Int32
				wg         sync.WaitGroup
			)
			stop := make(chan struct{})
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := w; ; i++ {
						select {
						case <-stop:
							return
						default:
						}
						mu.Lock()
						if len(stale) == 0 {
							mu.Unlock()
							runtime.Gosched()
							continue
						}
						tok := stale[i%len(stale)]
						mu.Unlock()

						_, err := svc.Scan(ctx, tok, "host", "")
						switch {
						case err == nil:
							staleWins.Add(1)
						case !errors.Is(err, repository.ErrTokenNotFound):
							unexpected.Add(1)
						}
					}
				}(w)
			}

			cur := p.QRCode.Token
			for i := 0; i < 200; i++ {
				next, err := svc.Regenerate(ctx, "ev1", "a")
				require.NoError(t, err)
				require.NotEqual(t, cur, next.QRCode.Token)
				mu.Lock()
				stale = append(stale, cur)
				mu.Unlock()
				cur = next.QRCode.Token
			}
			close(stop)
			wg.Wait()

			require.Zero(t, staleWins.Load())
			require.Zero(t, unexpected.Load())

			mine, err := svc.MyQR(ctx, "ev1", "a")
			require.NoError(t, err)
			require.Equal(t, cur, mine.QRCode.Token)
			require.Equal(t, 201, mine.QRCode.Version)

			scanned, err := svc.Scan(ctx, cur, "host", "")
			require.NoError(t, err)
			require.Equal(t, "a", scanned.UserID)
		})
	}
}
