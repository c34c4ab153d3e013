package queue_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/qrcode"
	"github.com/iliyamo/event-rsvp/internal/queue"
	"github.com/iliyamo/event-rsvp/internal/repository"
	"github.com/iliyamo/event-rsvp/internal/service"
)

// silentBroker accepts TCP connections and never answers the AMQP
// handshake.
func silentBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "amqp://guest:guest@" + ln.Addr().String() + "/"
}

func runPublisher(t *testing.T, p *queue.Publisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = p.Close()
	})
}

func TestRegistrationsDoNotWaitForUnresponsiveBroker(t *testing.T) {
	p := queue.NewPublisher(silentBroker(t), "", nil,
		queue.WithDialTimeout(200*time.Millisecond),
		queue.WithPublishTimeout(300*time.Millisecond),
	)
	runPublisher(t, p)

	events := repository.NewMemoryEventStore()
	require.NoError(t, events.Upsert(context.Background(), model.Event{
		ID:                 "ev1",
		StartsAt:           time.Now().Add(24 * time.Hour),
		Capacity:           10,
		VerificationStatus: model.VerificationApproved,
		Status:             model.EventStatusUpcoming,
		HostID:             "host",
	}))
	svc := service.New(repository.NewMemoryParticipationStore(), events, qrcode.New(), service.WithNotifier(p))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	started := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = svc.Register(ctx, "ev1", user)
		}(i, user)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Less(t, time.Since(started), time.Second)
}

func TestPublishGivesUpAfterDialTimeout(t *testing.T) {
	p := queue.NewPublisher(silentBroker(t), "", nil, queue.WithDialTimeout(200*time.Millisecond))
	defer p.Close()

	started := time.Now()
	err := p.Publish(context.Background(), queue.DefaultCapacityQueue, queue.CapacityChangedMessage{EventID: "ev1", Capacity: 5})
	require.ErrorContains(t, err, "dial")
	require.Less(t, time.Since(started), 2*time.Second)
}

func TestNotifyDropsWhenBufferIsFull(t *testing.T) {
	p := queue.NewPublisher("", "", nil, queue.WithBufferSize(1))
	n := model.Notification{Kind: model.NotifyRegistered, UserID: "u1", EventID: "ev1", OccurredAt: time.Now()}

	require.NoError(t, p.Notify(context.Background(), n))
	require.ErrorIs(t, p.Notify(context.Background(), n), queue.ErrNotificationDropped)
}
