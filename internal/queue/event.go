// Package queue defines message payloads exchanged over the message broker
// together with the publisher and the background consumers.
package queue

import (
	"time"

	"github.com/iliyamo/event-rsvp/internal/model"
)

// Default queue names.
const (
	DefaultNotificationQueue = "participation.notifications"
	DefaultCapacityQueue     = "event.capacity_changed"
)

// NotificationMessage is published after a participation transition
// commits.  It carries enough context for the delivery consumer to render
// a message without querying the primary database.
type NotificationMessage struct {
	Kind       model.NotificationKind `json:"kind"`
	UserID     string                 `json:"user_id"`
	EventID    string                 `json:"event_id"`
	EventTitle string                 `json:"event_title,omitempty"`
	Locale     string                 `json:"locale,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// NewNotificationMessage converts a service notification to its wire form.
func NewNotificationMessage(n model.Notification) NotificationMessage {
	return NotificationMessage{
		Kind:       n.Kind,
		UserID:     n.UserID,
		EventID:    n.EventID,
		EventTitle: n.EventTitle,
		OccurredAt: n.OccurredAt.UTC(),
	}
}

// CapacityChangedMessage is published by the event service when an event's
// capacity is raised.  Consumers promote from the waitlist in response.
type CapacityChangedMessage struct {
	EventID   string    `json:"event_id"`
	Capacity  int       `json:"capacity"`
	ChangedAt time.Time `json:"changed_at"`
}
