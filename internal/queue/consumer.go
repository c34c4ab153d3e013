package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/event-rsvp/internal/model"
)

// HandlerFunc processes one message body.  A returned error rejects the
// message without requeueing it.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer reads a durable queue and hands every delivery to a handler.
// Run keeps reconnecting until its context is cancelled so a broker outage
// never takes the server down.
type Consumer struct {
	url         string
	queue       string
	handle      HandlerFunc
	log         *slog.Logger
	prefetch    int
	dialTimeout time.Duration
	maxBackoff  time.Duration
}

// NewConsumer returns a consumer for queue.
func NewConsumer(url, queue string, handle HandlerFunc, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		url:         url,
		queue:       queue,
		handle:      handle,
		log:         log.With("queue", queue),
		prefetch:    50,
		dialTimeout: DefaultDialTimeout,
		maxBackoff:  30 * time.Second,
	}
}

// Run dials the broker and consumes until ctx is done.  Failed dials and
// dropped connections are retried with exponential backoff; the backoff
// resets once a connection is established.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = c.maxBackoff

	session := func() (struct{}, error) {
		conn, err := dial(c.url, c.dialTimeout)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = conn.Close() }()
		b.Reset()
		return struct{}{}, c.consumeLoop(ctx, conn)
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn("consumer: broker session ended; reconnecting", "error", err, "retry_in", next.String())
	}

	_, err := backoff.Retry(ctx, session,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("consumer: set QoS failed", "error", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handle(ctx, d.Body); err != nil {
				c.log.Error("consumer: handle message failed", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Renderer turns a message id and template data into localized text.
type Renderer interface {
	T(locale, key string, data map[string]any) string
}

// NotificationLog is the delivery side of the notification pipeline.  Each
// message is rendered in the recipient's locale and appended as one line to
// <dir>/notifications.log.
type NotificationLog struct {
	dir    string
	render Renderer
	locale string

	mu sync.Mutex
}

// NewNotificationLog returns a writer appending under dir.
func NewNotificationLog(dir string, render Renderer, defaultLocale string) *NotificationLog {
	if dir == "" {
		dir = "logs"
	}
	return &NotificationLog{dir: dir, render: render, locale: defaultLocale}
}

// Path is the file notifications are appended to.
func (l *NotificationLog) Path() string { return filepath.Join(l.dir, "notifications.log") }

// Handle implements HandlerFunc for notification messages.
func (l *NotificationLog) Handle(_ context.Context, body []byte) error {
	var msg NotificationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if msg.UserID == "" || msg.EventID == "" || msg.Kind == "" {
		return errors.New("notification missing user, event or kind")
	}
	locale := msg.Locale
	if locale == "" {
		locale = l.locale
	}
	title := msg.EventTitle
	if title == "" {
		title = msg.EventID
	}
	text := l.render.T(locale, "notify_"+string(msg.Kind), map[string]any{"EventTitle": title})

	line := fmt.Sprintf("[%s] %s | user_id=%s | event_id=%s | %s\n",
		msg.OccurredAt.UTC().Format(time.RFC3339), msg.Kind, msg.UserID, msg.EventID, strings.TrimSpace(text))

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// Promoter fills free seats from the waitlist.  An empty requestedBy marks
// a system trigger.
type Promoter interface {
	PromoteAvailable(ctx context.Context, eventID, requestedBy string) ([]model.Participation, error)
}

// CapacityHandler reacts to capacity change messages by promoting as many
// waitlisted records as the new capacity allows.
func CapacityHandler(p Promoter, log *slog.Logger) HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, body []byte) error {
		var msg CapacityChangedMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		if strings.TrimSpace(msg.EventID) == "" {
			return errors.New("capacity change without event id")
		}
		promoted, err := p.PromoteAvailable(ctx, msg.EventID, "")
		if err != nil {
			return fmt.Errorf("promote %s: %w", msg.EventID, err)
		}
		log.Info("capacity change processed", "event_id", msg.EventID, "capacity", msg.Capacity, "promoted", len(promoted))
		return nil
	}
}
