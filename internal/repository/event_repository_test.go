package repository_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/event-rsvp/internal/database"
	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/repository"
)

const seedTOML = `
[[events]]
id = "launch"
title = "Launch party"
starts_at = 2026-06-01T18:00:00Z
ends_at = 2026-06-01T23:00:00Z
capacity = 2
host_id = "host-1"
co_hosts = ["cohost-1", "cohost-2"]

[[events]]
id = "draft"
title = "Not yet approved"
starts_at = 2026-07-01T18:00:00Z
verification_status = "pending"
host_id = "host-2"
`

func TestParseEventSeedDefaults(t *testing.T) {
	events, err := repository.ParseEventSeed([]byte(seedTOML))
	require.NoError(t, err)
	require.Len(t, events, 2)

	launch := events[0]
	require.Equal(t, "launch", launch.ID)
	require.Equal(t, 2, launch.Capacity)
	require.Equal(t, model.VerificationApproved, launch.VerificationStatus)
	require.Equal(t, model.EventStatusUpcoming, launch.Status)
	require.Equal(t, time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC), launch.StartsAt)
	require.NotNil(t, launch.EndsAt)
	require.True(t, launch.IsStaff("cohost-2"))

	require.Equal(t, "pending", events[1].VerificationStatus)
	require.Nil(t, events[1].EndsAt)
}

func TestParseEventSeedRequiresHost(t *testing.T) {
	_, err := repository.ParseEventSeed([]byte("[[events]]\nid = \"x\"\n"))
	require.Error(t, err)
}

func TestEventStores(t *testing.T) {
	stores := map[string]func(t *testing.T) repository.EventStore{
		"memory": func(t *testing.T) repository.EventStore { return repository.NewMemoryEventStore() },
		"sqlite": func(t *testing.T) repository.EventStore {
			path := filepath.Join(t.TempDir(), "events.db")
			require.NoError(t, database.RunMigrations("sqlite", database.SQLiteMigrationURL(path), nil))
			db, err := database.OpenSQLite(path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return repository.NewEventRepo(db)
		},
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)

			seedPath := filepath.Join(t.TempDir(), "events.toml")
			require.NoError(t, os.WriteFile(seedPath, []byte(seedTOML), 0o600))
			n, err := repository.LoadEventSeed(ctx, s, seedPath)
			require.NoError(t, err)
			require.Equal(t, 2, n)

			ev, err := s.GetByID(ctx, "launch")
			require.NoError(t, err)
			require.Equal(t, "Launch party", ev.Title)
			require.Equal(t, "host-1", ev.HostID)
			require.ElementsMatch(t, []string{"cohost-1", "cohost-2"}, ev.CoHostIDs)
			require.NotNil(t, ev.EndsAt)

			// re-seeding replaces the staff list
			ev.CoHostIDs = []string{"cohost-3"}
			ev.Capacity = 5
			require.NoError(t, s.Upsert(ctx, ev))
			ev, err = s.GetByID(ctx, "launch")
			require.NoError(t, err)
			require.Equal(t, 5, ev.Capacity)
			require.Equal(t, []string{"cohost-3"}, ev.CoHostIDs)

			_, err = s.GetByID(ctx, "missing")
			require.ErrorIs(t, err, repository.ErrEventNotFound)
		})
	}
}
