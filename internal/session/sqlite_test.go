package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string, status Status, updated time.Time) *Session {
	return &Session{
		ID:     id,
		Status: status,
		Config: Config{RootPath: "/src/" + id, BatchSize: 4},
		Results: Results{
			ProcessedFiles: []ProcessedFile{},
			FailedFiles:    []FailedFile{},
		},
		Metadata: Metadata{StartTime: updated, LastUpdateTime: updated},
	}
}

// storeFactories lets the same contract tests run against every medium.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"sqlite": func() Store {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err, "NewSQLiteStore(:memory:)")
			t.Cleanup(func() { s.Close() })
			return s
		},
		"file": func() Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err, "NewFileStore")
			return s
		},
	}
}

func TestNewSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NotNil(t, store.db)
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, newTestSession("a", StatusPaused, time.Now())))
	require.NoError(t, store.Close())

	// Migrations must be idempotent on an existing database.
	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()

			now := time.Now().UTC().Truncate(time.Second)
			s := newTestSession("s1", StatusRunning, now)
			s.Config.IncludeExtensions = []string{".c", ".h"}
			require.NoError(t, store.Create(ctx, s))

			got, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "s1", got.ID)
			assert.Equal(t, StatusRunning, got.Status)
			assert.Equal(t, []string{".c", ".h"}, got.Config.IncludeExtensions)
			assert.True(t, got.Metadata.StartTime.Equal(now))

			err = store.Create(ctx, s)
			assert.True(t, errors.Is(err, ErrExists), "duplicate create error = %v", err)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := factory().Get(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_UpdateAtomic(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			require.NoError(t, store.Create(ctx, newTestSession("s1", StatusRunning, time.Now())))

			// A failing fn must leave the stored value untouched.
			boom := errors.New("boom")
			_, err := store.Update(ctx, "s1", func(s *Session) error {
				s.Status = StatusFailed
				return boom
			})
			require.ErrorIs(t, err, boom)

			got, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, got.Status)

			updated, err := store.Update(ctx, "s1", func(s *Session) error {
				s.Status = StatusPaused
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, StatusPaused, updated.Status)

			sums, err := store.Summaries(ctx)
			require.NoError(t, err)
			require.Len(t, sums, 1)
			assert.Equal(t, StatusPaused, sums[0].Status, "index entry follows the record")

			_, err = store.Update(ctx, "missing", func(*Session) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SummariesOrder(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			base := time.Now().UTC()
			require.NoError(t, store.Create(ctx, newTestSession("old", StatusCompleted, base.Add(-2*time.Hour))))
			require.NoError(t, store.Create(ctx, newTestSession("new", StatusPaused, base)))
			require.NoError(t, store.Create(ctx, newTestSession("mid", StatusRunning, base.Add(-time.Hour))))

			sums, err := store.Summaries(ctx)
			require.NoError(t, err)
			ids := make([]string, len(sums))
			for i, s := range sums {
				ids[i] = s.ID
			}
			assert.Equal(t, []string{"new", "mid", "old"}, ids)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			require.NoError(t, store.Create(ctx, newTestSession("s1", StatusCompleted, time.Now())))

			require.NoError(t, store.Delete(ctx, "s1"))
			_, err := store.Get(ctx, "s1")
			assert.ErrorIs(t, err, ErrNotFound)

			sums, err := store.Summaries(ctx)
			require.NoError(t, err)
			assert.Empty(t, sums)

			assert.NoError(t, store.Delete(ctx, "s1"), "deleting twice is not an error")
		})
	}
}
