package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/iliyamo/event-rsvp/internal/model"
)

// EventStore is the read side of the externally owned events table plus
// an Upsert used to load development seeds.  The registration core only
// ever reads through GetByID.
type EventStore interface {
	GetByID(ctx context.Context, id string) (model.Event, error)
	Upsert(ctx context.Context, ev model.Event) error
}

// EventRepo reads events and their approved co-hosts from SQL.  Rows are
// written by the event service; this module never changes capacity or
// verification state.
type EventRepo struct {
	db *sql.DB
}

// NewEventRepo constructs an EventRepo with the given DB handle.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// GetByID retrieves an event by its ID.  It returns ErrEventNotFound if
// there is no matching row.
func (r *EventRepo) GetByID(ctx context.Context, id string) (model.Event, error) {
	const q = `SELECT id, title, starts_at_us, ends_at_us, capacity, verification_status, status, host_id
	           FROM events WHERE id = ?`
	var (
		ev       model.Event
		startsUs int64
		endsUs   sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&ev.ID, &ev.Title, &startsUs, &endsUs, &ev.Capacity, &ev.VerificationStatus, &ev.Status, &ev.HostID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, ErrEventNotFound
		}
		return model.Event{}, err
	}
	ev.StartsAt = fromMicros(startsUs)
	if endsUs.Valid {
		t := fromMicros(endsUs.Int64)
		ev.EndsAt = &t
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM event_staff WHERE event_id = ? ORDER BY user_id`, id)
	if err != nil {
		return model.Event{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return model.Event{}, err
		}
		ev.CoHostIDs = append(ev.CoHostIDs, uid)
	}
	if err := rows.Err(); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// Upsert replaces the event row and its staff list in one transaction.
func (r *EventRepo) Upsert(ctx context.Context, ev model.Event) error {
	if ev.ID == "" {
		return ErrInvalidInput
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_staff WHERE event_id = ?`, ev.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, ev.ID); err != nil {
		return err
	}
	var endsUs sql.NullInt64
	if ev.EndsAt != nil {
		endsUs = sql.NullInt64{Int64: toMicros(*ev.EndsAt), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, title, starts_at_us, ends_at_us, capacity, verification_status, status, host_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Title, toMicros(ev.StartsAt), endsUs, ev.Capacity, ev.VerificationStatus, ev.Status, ev.HostID,
	); err != nil {
		return err
	}
	for _, uid := range ev.CoHostIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_staff (event_id, user_id) VALUES (?, ?)`, ev.ID, uid); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// MemoryEventStore keeps events in process memory for development and
// tests.
type MemoryEventStore struct {
	events *xsync.Map[string, model.Event]
}

// NewMemoryEventStore returns an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: xsync.NewMap[string, model.Event]()}
}

// GetByID implements EventStore.
func (s *MemoryEventStore) GetByID(_ context.Context, id string) (model.Event, error) {
	ev, ok := s.events.Load(id)
	if !ok {
		return model.Event{}, ErrEventNotFound
	}
	ev.CoHostIDs = append([]string(nil), ev.CoHostIDs...)
	return ev, nil
}

// Upsert implements EventStore.
func (s *MemoryEventStore) Upsert(_ context.Context, ev model.Event) error {
	if ev.ID == "" {
		return ErrInvalidInput
	}
	ev.CoHostIDs = append([]string(nil), ev.CoHostIDs...)
	s.events.Store(ev.ID, ev)
	return nil
}

// eventSeed is the on-disk shape of one event in a seed file.
type eventSeed struct {
	ID                 string     `toml:"id"`
	Title              string     `toml:"title"`
	StartsAt           time.Time  `toml:"starts_at"`
	EndsAt             *time.Time `toml:"ends_at"`
	Capacity           int        `toml:"capacity"`
	VerificationStatus string     `toml:"verification_status"`
	Status             string     `toml:"status"`
	HostID             string     `toml:"host_id"`
	CoHosts            []string   `toml:"co_hosts"`
}

// ParseEventSeed decodes a TOML document of [[events]] tables.  Missing
// verification and lifecycle fields default to approved and upcoming.
func ParseEventSeed(data []byte) ([]model.Event, error) {
	var doc struct {
		Events []eventSeed `toml:"events"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse event seed: %w", err)
	}
	out := make([]model.Event, 0, len(doc.Events))
	for i, s := range doc.Events {
		if s.ID == "" || s.HostID == "" {
			return nil, fmt.Errorf("event seed #%d: id and host_id are required", i+1)
		}
		ev := model.Event{
			ID:                 s.ID,
			Title:              s.Title,
			StartsAt:           s.StartsAt.UTC(),
			Capacity:           s.Capacity,
			VerificationStatus: s.VerificationStatus,
			Status:             s.Status,
			HostID:             s.HostID,
			CoHostIDs:          s.CoHosts,
		}
		if s.EndsAt != nil {
			t := s.EndsAt.UTC()
			ev.EndsAt = &t
		}
		if ev.VerificationStatus == "" {
			ev.VerificationStatus = model.VerificationApproved
		}
		if ev.Status == "" {
			ev.Status = model.EventStatusUpcoming
		}
		out = append(out, ev)
	}
	return out, nil
}

// LoadEventSeed reads a seed file and upserts every event into store.  It
// returns the number of events loaded.
func LoadEventSeed(ctx context.Context, store EventStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read event seed: %w", err)
	}
	events, err := ParseEventSeed(data)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if err := store.Upsert(ctx, ev); err != nil {
			return 0, fmt.Errorf("seed event %s: %w", ev.ID, err)
		}
	}
	return len(events), nil
}

var (
	_ EventStore = (*EventRepo)(nil)
	_ EventStore = (*MemoryEventStore)(nil)
)
