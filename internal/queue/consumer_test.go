package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/event-rsvp/internal/i18n"
	"github.com/iliyamo/event-rsvp/internal/model"
)

func TestNotificationLogAppendsLocalizedLine(t *testing.T) {
	dir := t.TempDir()
	l := NewNotificationLog(dir, i18n.NewTranslator("en", nil), "en")

	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	msg := NewNotificationMessage(model.Notification{
		Kind: model.NotifyPromoted, UserID: "u1", EventID: "ev1", EventTitle: "Launch party", OccurredAt: at,
	})
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, l.Handle(context.Background(), body))

	msg.Kind = model.NotifyAttended
	msg.Locale = "fr"
	body, err = json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, l.Handle(context.Background(), body))

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "[2026-05-01T09:30:00Z] promoted | user_id=u1 | event_id=ev1 |"))
	require.Contains(t, lines[0], "Launch party")
	require.Contains(t, lines[1], "attended")
	require.NotContains(t, lines[1], "Your attendance has been recorded")
}

func TestNotificationLogRejectsBadMessages(t *testing.T) {
	l := NewNotificationLog(t.TempDir(), i18n.NewTranslator("en", nil), "en")
	require.Error(t, l.Handle(context.Background(), []byte("{")))
	require.Error(t, l.Handle(context.Background(), []byte(`{"kind":"registered"}`)))
}

type promoterFunc func(ctx context.Context, eventID, requestedBy string) ([]model.Participation, error)

func (f promoterFunc) PromoteAvailable(ctx context.Context, eventID, requestedBy string) ([]model.Participation, error) {
	return f(ctx, eventID, requestedBy)
}

func TestCapacityHandlerPromotesAsSystem(t *testing.T) {
	var gotEvent, gotBy string
	h := CapacityHandler(promoterFunc(func(_ context.Context, eventID, requestedBy string) ([]model.Participation, error) {
		gotEvent, gotBy = eventID, requestedBy
		return []model.Participation{{UserID: "w1"}}, nil
	}), nil)

	body, err := json.Marshal(CapacityChangedMessage{EventID: "ev1", Capacity: 20})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), body))
	require.Equal(t, "ev1", gotEvent)
	require.Empty(t, gotBy)
}

func TestCapacityHandlerErrors(t *testing.T) {
	boom := errors.New("store down")
	h := CapacityHandler(promoterFunc(func(context.Context, string, string) ([]model.Participation, error) {
		return nil, boom
	}), nil)

	require.Error(t, h(context.Background(), []byte(`{"event_id":""}`)))
	require.Error(t, h(context.Background(), []byte(`nope`)))
	require.ErrorIs(t, h(context.Background(), []byte(`{"event_id":"ev1"}`)), boom)
}

func TestPublisherWithoutBrokerURL(t *testing.T) {
	p := NewPublisher("", "", nil)
	err := p.Publish(context.Background(), DefaultCapacityQueue, CapacityChangedMessage{EventID: "e", Capacity: 3})
	require.ErrorContains(t, err, "no broker url")
	require.NoError(t, p.Close())
}

func TestConsumerStopsRetryingWhenCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewConsumer("amqp://guest:guest@"+addr+"/", DefaultCapacityQueue, func(context.Context, []byte) error { return nil }, nil)
	c.dialTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	started := time.Now()
	require.ErrorIs(t, c.Run(ctx), context.DeadlineExceeded)
	require.Less(t, time.Since(started), 3*time.Second)
}
