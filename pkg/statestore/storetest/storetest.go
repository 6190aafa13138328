// Package storetest holds the behaviour every statestore backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
)

// Run exercises a Store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) statestore.Store) {
	t.Helper()

	t.Run("SaveLoadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		rec := &statestore.Record{
			User:      "alice",
			SessionID: "3f0c",
			Profile:   "cori-haswell",
			State:     spawner.StatePending,
			Driver:    spawner.State{"profile": "cori-haswell", "job_id": "4821", "job_state": "pending"},
			Session: spawner.Session{
				User:     "alice",
				APIToken: "must-not-persist",
				BaseURL:  "/user/alice/",
				Port:     8888,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, s.Save(ctx, rec))

		got, err := s.Load(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "3f0c", got.SessionID)
		assert.Equal(t, spawner.StatePending, got.State)
		assert.Equal(t, "4821", got.Driver["job_id"])
		assert.Equal(t, "/user/alice/", got.Session.BaseURL)
		assert.Equal(t, 8888, got.Session.Port)
		assert.Empty(t, got.Session.APIToken)
		assert.True(t, got.UpdatedAt.Equal(now))
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, &statestore.Record{User: "bob", State: spawner.StatePending}))
		require.NoError(t, s.Save(ctx, &statestore.Record{User: "bob", State: spawner.StateRunning, Driver: spawner.State{"job_host": "nid7"}}))

		got, err := s.Load(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, spawner.StateRunning, got.State)
		assert.Equal(t, "nid7", got.Driver["job_host"])
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(context.Background(), "nobody")
		assert.True(t, statestore.IsNotFound(err))
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, &statestore.Record{User: "carol", State: spawner.StateRunning}))
		require.NoError(t, s.Delete(ctx, "carol"))
		_, err := s.Load(ctx, "carol")
		assert.True(t, statestore.IsNotFound(err))

		require.NoError(t, s.Delete(ctx, "carol"))
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		t1 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		t2 := t1.Add(time.Hour)
		require.NoError(t, s.Save(ctx, &statestore.Record{User: "u1", State: spawner.StatePending, UpdatedAt: t1}))
		require.NoError(t, s.Save(ctx, &statestore.Record{User: "u2", State: spawner.StateRunning, UpdatedAt: t2}))

		recs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "u2", recs[0].User)
		assert.Equal(t, "u1", recs[1].User)
	})

	t.Run("RejectsInvalidUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		assert.Error(t, s.Save(ctx, &statestore.Record{User: ""}))
		assert.Error(t, s.Save(ctx, &statestore.Record{User: "../etc"}))
	})
}
