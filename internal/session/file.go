package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore implements Store as one JSON file per session plus an index
// file, written atomically via temp file and rename. A mutex serialises
// writers inside the process and an advisory lock file serialises them
// across processes where the platform supports it.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("session: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) recordPath(id string) string {
	return filepath.Join(f.dir, "sessions", id+".json")
}

func (f *FileStore) indexPath() string { return filepath.Join(f.dir, "index.json") }

func (f *FileStore) lockPath() string { return filepath.Join(f.dir, "store.lock") }

// Create writes a new session record and index entry.
func (f *FileStore) Create(ctx context.Context, s *Session) error {
	if err := validID(s.ID); err != nil {
		return err
	}
	return f.locked(func() error {
		if _, err := os.Stat(f.recordPath(s.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, s.ID)
		}
		return f.write(s)
	})
}

// Get reads a session record.
func (f *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return f.read(id)
}

// Update applies fn to the stored record under the store lock.
func (f *FileStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var updated *Session
	err := f.locked(func() error {
		s, err := f.read(id)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		if err := f.write(s); err != nil {
			return err
		}
		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Summaries returns the index entries, rebuilding the index from the
// records when it is missing.
func (f *FileStore) Summaries(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := f.locked(func() error {
		idx, err := f.loadIndex()
		if err != nil {
			return err
		}
		for _, s := range idx {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

// Delete removes the record and its index entry.
func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	return f.locked(func() error {
		if err := os.Remove(f.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session: remove record: %w", err)
		}
		idx, err := f.loadIndex()
		if err != nil {
			return err
		}
		delete(idx, id)
		return f.saveIndex(idx)
	})
}

// Close is a no-op; FileStore holds no open handles between calls.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) locked(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := lockFile(f.lockPath())
	if err != nil {
		return fmt.Errorf("session: lock store: %w", err)
	}
	defer unlock()

	return fn()
}

func (f *FileStore) read(id string) (*Session, error) {
	data, err := os.ReadFile(f.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: read record: %w", err)
	}
	return decodeSession(string(data))
}

// rename is os.Rename; tests replace it to fail individual steps.
var rename = os.Rename

// write saves the record and its index entry together. Both files are
// staged before either is renamed into place, and the previous record is
// restored when the index cannot be replaced, so a failed write leaves
// the stored value untouched.
func (f *FileStore) write(s *Session) error {
	idx, err := f.loadIndex()
	if err != nil {
		return err
	}
	record, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}
	idx[s.ID] = s.Summary()
	index, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal index: %w", err)
	}

	recPath, idxPath := f.recordPath(s.ID), f.indexPath()
	recTmp, err := stage(recPath, record)
	if err != nil {
		return err
	}
	idxTmp, err := stage(idxPath, index)
	if err != nil {
		os.Remove(recTmp)
		return err
	}

	prev, prevErr := os.ReadFile(recPath)
	if err := rename(recTmp, recPath); err != nil {
		os.Remove(recTmp)
		os.Remove(idxTmp)
		return fmt.Errorf("session: rename %s: %w", filepath.Base(recPath), err)
	}
	if err := rename(idxTmp, idxPath); err != nil {
		os.Remove(idxTmp)
		if prevErr == nil {
			if rerr := writeAtomic(recPath, prev); rerr != nil {
				return fmt.Errorf("session: rename index: %w (restore record: %v)", err, rerr)
			}
		} else {
			os.Remove(recPath)
		}
		return fmt.Errorf("session: rename index: %w", err)
	}
	return nil
}

func (f *FileStore) loadIndex() (map[string]Summary, error) {
	data, err := os.ReadFile(f.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return f.rebuildIndex()
	}
	if err != nil {
		return nil, fmt.Errorf("session: read index: %w", err)
	}
	idx := make(map[string]Summary)
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("session: unmarshal index: %w", err)
	}
	return idx, nil
}

func (f *FileStore) rebuildIndex() (map[string]Summary, error) {
	idx := make(map[string]Summary)
	entries, err := os.ReadDir(filepath.Join(f.dir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("session: read store dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := f.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		idx[s.ID] = s.Summary()
	}
	return idx, nil
}

func (f *FileStore) saveIndex(idx map[string]Summary) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal index: %w", err)
	}
	return writeAtomic(f.indexPath(), data)
}

func stage(path string, data []byte) (string, error) {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("session: write temp file: %w", err)
	}
	return tmp, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := stage(path, data)
	if err != nil {
		return err
	}
	if err := rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// validID rejects ids that would escape the store directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return nil
}
