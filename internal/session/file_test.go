package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RebuildsMissingIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, newTestSession("a", StatusPaused, time.Now())))
	require.NoError(t, store.Create(ctx, newTestSession("b", StatusCompleted, time.Now())))
	require.NoError(t, os.Remove(filepath.Join(dir, "index.json")))

	sums, err := store.Summaries(ctx)
	require.NoError(t, err)
	assert.Len(t, sums, 2)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, newTestSession("a", StatusRunning, time.Now())))
	_, err = store.Update(ctx, "a", func(s *Session) error {
		s.Progress.TotalFiles = 3
		return nil
	})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
	matches, err = filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileStore_RejectsPathLikeIDs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../x", `a\b`} {
		_, err := store.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound, "id %q", id)
	}
}

func TestFileStore_UnreadableIndexLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	mgr := NewManager(store, ManagerOptions{})

	s, err := mgr.Create(ctx, Config{RootPath: "/src"})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "index.json")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "index.json"), 0o755))

	err = mgr.AddProcessedFile(ctx, s.ID, ProcessedFile{Path: "/src/a.c", Name: "a.c"})
	require.Error(t, err)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Results.ProcessedFiles)
	assert.Equal(t, 0, got.Progress.ProcessedFiles)
}

func TestFileStore_FailedIndexRenameRestoresRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	mgr := NewManager(store, ManagerOptions{})

	s, err := mgr.Create(ctx, Config{RootPath: "/src"})
	require.NoError(t, err)

	indexPath := filepath.Join(dir, "index.json")
	rename = func(from, to string) error {
		if to == indexPath {
			return errors.New("disk full")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })

	err = mgr.AddProcessedFile(ctx, s.ID, ProcessedFile{Path: "/src/a.c", Name: "a.c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Results.ProcessedFiles)

	rename = os.Rename
	require.NoError(t, mgr.AddProcessedFile(ctx, s.ID, ProcessedFile{Path: "/src/a.c", Name: "a.c"}))
	got, err = store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Results.ProcessedFiles, 1)

	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileStore_FailedCreateLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	indexPath := filepath.Join(dir, "index.json")
	rename = func(from, to string) error {
		if to == indexPath {
			return errors.New("disk full")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })

	require.Error(t, store.Create(ctx, newTestSession("a", StatusRunning, time.Now())))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
