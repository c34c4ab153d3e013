package model

import "time"

// NotificationKind names the participation transition a notification
// reports.  Kinds double as i18n message ids.
type NotificationKind string

const (
	NotifyRegistered  NotificationKind = "registered"
	NotifyWaitlisted  NotificationKind = "waitlisted"
	NotifyPromoted    NotificationKind = "promoted"
	NotifyAttended    NotificationKind = "attended"
	NotifyCancelled   NotificationKind = "cancelled"
	NotifyRegenerated NotificationKind = "regenerated"
)

// Notification is the fire-and-forget message handed to the notification
// collaborator after a state transition commits.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	UserID     string           `json:"user_id"`
	EventID    string           `json:"event_id"`
	EventTitle string           `json:"event_title,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
