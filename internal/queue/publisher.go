package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/event-rsvp/internal/model"
)

const (
	DefaultBufferSize     = 256
	DefaultDialTimeout    = 3 * time.Second
	DefaultPublishTimeout = 2 * time.Second
)

// ErrNotificationDropped is returned by Notify when the outgoing buffer is
// full.
var ErrNotificationDropped = errors.New("rabbitmq: notification buffer full, message dropped")

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithBufferSize bounds the number of notifications waiting for Run.
func WithBufferSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithDialTimeout bounds the TCP connect and AMQP handshake.
func WithDialTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithPublishTimeout bounds each publish made by Run.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// Publisher publishes JSON messages to durable queues on the default
// exchange.  Notify only enqueues; Run drains the buffer in the
// background so a slow or absent broker never reaches the request path.
// Publisher is safe for concurrent use.
type Publisher struct {
	url            string
	queue          string
	log            *slog.Logger
	bufferSize     int
	dialTimeout    time.Duration
	publishTimeout time.Duration
	pending        chan NotificationMessage

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher returns a publisher for queue.  No connection is made until
// the first publish.
func NewPublisher(url, queue string, log *slog.Logger, opts ...PublisherOption) *Publisher {
	if queue == "" {
		queue = DefaultNotificationQueue
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		url:            url,
		queue:          queue,
		log:            log,
		bufferSize:     DefaultBufferSize,
		dialTimeout:    DefaultDialTimeout,
		publishTimeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pending = make(chan NotificationMessage, p.bufferSize)
	return p
}

// Notify enqueues n for delivery and returns at once.  It satisfies the
// service notifier contract.
func (p *Publisher) Notify(_ context.Context, n model.Notification) error {
	select {
	case p.pending <- NewNotificationMessage(n):
		return nil
	default:
		p.log.Warn("rabbitmq: notification dropped", "kind", string(n.Kind), "user_id", n.UserID, "event_id", n.EventID)
		return ErrNotificationDropped
	}
}

// Run publishes queued notifications until ctx is done, then makes one
// bounded attempt to flush what is left.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case msg := <-p.pending:
			p.send(ctx, msg)
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.pending:
			if ctx.Err() != nil {
				p.log.Warn("rabbitmq: shutdown flush abandoned", "left", len(p.pending)+1)
				return
			}
			p.send(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, msg NotificationMessage) {
	pctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	if err := p.Publish(pctx, p.queue, msg); err != nil {
		p.log.Warn("rabbitmq: notification not delivered", "kind", string(msg.Kind), "user_id", msg.UserID, "error", err)
	}
}

// Publish marshals payload and sends it as a persistent message routed to
// queue.  The queue is declared on every call (idempotent) so a fresh
// broker accepts the message.  Dialing is bounded by the dial timeout.
func (p *Publisher) Publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		p.resetLocked()
		return fmt.Errorf("rabbitmq: queue declare: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		p.resetLocked()
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

// channelLocked returns the open channel, dialing if needed.  p.mu must be
// held.
func (p *Publisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()
	if p.url == "" {
		return nil, errors.New("rabbitmq: no broker url configured")
	}
	conn, err := dial(p.url, p.dialTimeout)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: channel open: %w", err)
	}
	p.log.Info("rabbitmq publisher connected", "queue", p.queue)
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// dial connects with timeout covering both the TCP connect and the AMQP
// handshake.
func dial(url string, timeout time.Duration) (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	return conn, nil
}
