package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Defaults for session housekeeping.
const (
	DefaultRetention   = 7 * 24 * time.Hour
	DefaultStaleAfter  = 24 * time.Hour
	DefaultMaxSessions = 50
)

// ManagerOptions configures a Manager. Zero values select the defaults.
type ManagerOptions struct {
	// Retention is how long terminal or interrupted sessions are kept.
	Retention time.Duration

	// StaleAfter is the inactivity window after which a RUNNING or PAUSED
	// session is demoted to INTERRUPTED.
	StaleAfter time.Duration

	// MaxSessions caps the number of stored sessions. Only terminal or
	// interrupted sessions are evicted to satisfy it.
	MaxSessions int

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager implements the session operations on top of a Store. It is the
// only code that mutates session records, and it enforces the status state
// machine and the derived-counter invariants on every write.
type Manager struct {
	store  Store
	opts   ManagerOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ManagerOptions) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, opts: opts, logger: logger, now: now}
}

// Store returns the underlying medium.
func (m *Manager) Store() Store { return m.store }

// Create persists a new RUNNING session for cfg.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	now := m.now().UTC()
	s := &Session{
		ID:     uuid.New().String(),
		Status: StatusRunning,
		Config: cfg,
		Results: Results{
			ProcessedFiles: []ProcessedFile{},
			FailedFiles:    []FailedFile{},
		},
		Metadata: Metadata{StartTime: now, LastUpdateTime: now},
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", s.ID, "root", cfg.RootPath)
	return s, nil
}

// Load returns the session with the given id or ErrNotFound.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// ProgressUpdate carries the progress fields to merge. Nil fields are left
// unchanged. ProcessedFiles and Percentage are always derived.
type ProgressUpdate struct {
	TotalFiles   *int
	CurrentFile  *string
	CurrentBatch *int
	TotalBatches *int
}

// UpdateProgress merges u into the session's progress. It returns false
// with a nil error when the session does not exist.
func (m *Manager) UpdateProgress(ctx context.Context, id string, u ProgressUpdate) (bool, error) {
	_, err := m.mutate(ctx, id, func(s *Session) error {
		if u.TotalFiles != nil {
			s.Progress.TotalFiles = *u.TotalFiles
		}
		if u.CurrentFile != nil {
			s.Progress.CurrentFile = *u.CurrentFile
		}
		if u.CurrentBatch != nil {
			s.Progress.CurrentBatch = *u.CurrentBatch
		}
		if u.TotalBatches != nil {
			s.Progress.TotalBatches = *u.TotalBatches
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateStatus moves the session to status. Entering a terminal status
// stamps the end time and duration; errMsg is recorded when non-empty.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) (*Session, error) {
	s, err := m.mutate(ctx, id, func(s *Session) error {
		if !CanTransition(s.Status, status) {
			return &TransitionError{From: s.Status, To: status}
		}
		s.Status = status
		if errMsg != "" {
			s.Metadata.Error = errMsg
		}
		if status.Terminal() {
			end := m.now().UTC()
			s.Metadata.EndTime = &end
			s.Metadata.Duration = end.Sub(s.Metadata.StartTime)
			s.Progress.CurrentFile = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session status changed", "session_id", id, "status", status)
	return s, nil
}

// AddProcessedFile appends a processed-file record.
func (m *Manager) AddProcessedFile(ctx context.Context, id string, rec ProcessedFile) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = m.now().UTC()
	}
	rec.DefectsFound = len(rec.Defects)
	_, err := m.mutate(ctx, id, func(s *Session) error {
		s.Results.ProcessedFiles = append(s.Results.ProcessedFiles, rec)
		if rec.DefectsFound > 0 {
			s.Progress.FilesWithDefects++
			s.Progress.TotalDefectsFound += rec.DefectsFound
		}
		return nil
	})
	return err
}

// AddFailedFile appends a failed-file record.
func (m *Manager) AddFailedFile(ctx context.Context, id string, rec FailedFile) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = m.now().UTC()
	}
	_, err := m.mutate(ctx, id, func(s *Session) error {
		s.Results.FailedFiles = append(s.Results.FailedFiles, rec)
		return nil
	})
	return err
}

// List returns every session summary, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	return m.store.Summaries(ctx)
}

// ListIncomplete returns the summaries of RUNNING, PAUSED and INTERRUPTED
// sessions, most recently updated first.
func (m *Manager) ListIncomplete(ctx context.Context) ([]Summary, error) {
	all, err := m.store.Summaries(ctx)
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, s := range all {
		if s.Status.Incomplete() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Delete removes a session that is not RUNNING or PAUSED.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == StatusRunning || s.Status == StatusPaused {
		return fmt.Errorf("%w: %s is %s", ErrActive, id, s.Status)
	}
	return m.store.Delete(ctx, id)
}

// CleanupReport counts the sessions affected by each cleanup rule.
type CleanupReport struct {
	ByMaxCount  int `json:"by_max_count"`
	ByRetention int `json:"by_retention"`
	ByStale     int `json:"by_stale"`
}

// Total returns the number of sessions touched.
func (r CleanupReport) Total() int { return r.ByMaxCount + r.ByRetention + r.ByStale }

// SweepStale demotes RUNNING or PAUSED sessions idle for longer than the
// stale window to INTERRUPTED and returns how many were demoted.
func (m *Manager) SweepStale(ctx context.Context) (int, error) {
	all, err := m.store.Summaries(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-m.opts.StaleAfter)
	n := 0
	for _, s := range all {
		if s.Status != StatusRunning && s.Status != StatusPaused {
			continue
		}
		if !s.LastUpdateTime.Before(cutoff) {
			continue
		}
		if _, err := m.UpdateStatus(ctx, s.ID, StatusInterrupted, "no activity since "+s.LastUpdateTime.Format(time.RFC3339)); err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		m.logger.Warn("stale session interrupted", "session_id", s.ID, "last_update", s.LastUpdateTime)
		n++
	}
	return n, nil
}

// Cleanup runs the stale sweep, then deletes terminal or interrupted
// sessions past the retention window, then evicts the oldest of those until
// at most MaxSessions remain. RUNNING and PAUSED sessions are never deleted.
func (m *Manager) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	stale, err := m.SweepStale(ctx)
	report.ByStale = stale
	if err != nil {
		return report, err
	}

	all, err := m.store.Summaries(ctx)
	if err != nil {
		return report, err
	}

	cutoff := m.now().Add(-m.opts.Retention)
	var kept []Summary
	for _, s := range all {
		if evictable(s.Status) && s.LastUpdateTime.Before(cutoff) {
			if err := m.store.Delete(ctx, s.ID); err != nil {
				return report, err
			}
			report.ByRetention++
			continue
		}
		kept = append(kept, s)
	}

	excess := len(kept) - m.opts.MaxSessions
	if excess > 0 {
		// Oldest first.
		sort.SliceStable(kept, func(i, j int) bool {
			return kept[i].LastUpdateTime.Before(kept[j].LastUpdateTime)
		})
		for _, s := range kept {
			if excess == 0 {
				break
			}
			if !evictable(s.Status) {
				continue
			}
			if err := m.store.Delete(ctx, s.ID); err != nil {
				return report, err
			}
			report.ByMaxCount++
			excess--
		}
	}

	if report.Total() > 0 {
		m.logger.Info("session cleanup",
			"by_max_count", report.ByMaxCount,
			"by_retention", report.ByRetention,
			"by_stale", report.ByStale,
		)
	}
	return report, nil
}

func evictable(s Status) bool {
	return s.Terminal() || s == StatusInterrupted
}

// mutate is the single write path: it rejects terminal sessions, applies
// fn, re-derives counters and stamps the update time.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	return m.store.Update(ctx, id, func(s *Session) error {
		if s.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrSessionClosed, id, s.Status)
		}
		if err := fn(s); err != nil {
			return err
		}
		s.recount()
		now := m.now().UTC()
		if now.After(s.Metadata.LastUpdateTime) {
			s.Metadata.LastUpdateTime = now
		}
		return nil
	})
}
