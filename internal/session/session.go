// Package session records the durable state of a detection run so that a
// crashed, closed or paused run can resume exactly where it left off.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusPaused      Status = "PAUSED"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
	StatusInterrupted Status = "INTERRUPTED"
)

// Terminal reports whether no further mutation is permitted in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Incomplete reports whether a session in this status can still be resumed.
func (s Status) Incomplete() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusInterrupted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Terminal() || s.Incomplete()
}

func (s Status) String() string { return string(s) }

// transitions lists the permitted status changes. RUNNING<->PAUSED is the
// only cycle; INTERRUPTED can be resumed or abandoned.
var transitions = map[Status][]Status{
	StatusRunning:     {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted},
	StatusPaused:      {StatusRunning, StatusCancelled, StatusInterrupted},
	StatusInterrupted: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from -> to is a permitted status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sentinel errors returned by the session layer.
var (
	// ErrNotFound is returned when no session exists for an id.
	ErrNotFound = errors.New("session: not found")

	// ErrSessionClosed is returned by every write against a terminal session.
	ErrSessionClosed = errors.New("session: session is closed")

	// ErrInvalidTransition is returned when a status change is not permitted.
	ErrInvalidTransition = errors.New("session: invalid status transition")

	// ErrActive is returned when deleting a RUNNING or PAUSED session.
	ErrActive = errors.New("session: session is active")
)

// TransitionError describes a rejected status change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: invalid status transition %s -> %s", e.From, e.To)
}

// Is makes TransitionError match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// --------------------------------------------------------------------------
// Session record
// --------------------------------------------------------------------------

// Config is the immutable snapshot of the options a session was started with.
type Config struct {
	RootPath          string   `json:"root_path"`
	IncludeExtensions []string `json:"include_extensions,omitempty"`
	ExcludePatterns   []string `json:"exclude_patterns,omitempty"`
	BatchSize         int      `json:"batch_size"`
	Concurrency       int      `json:"concurrency"`
	Processor         string   `json:"processor,omitempty"`
}

// Progress holds the mutable counters of a session.
type Progress struct {
	TotalFiles        int     `json:"total_files"`
	ProcessedFiles    int     `json:"processed_files"`
	CurrentFile       string  `json:"current_file,omitempty"`
	CurrentBatch      int     `json:"current_batch"`
	TotalBatches      int     `json:"total_batches"`
	Percentage        float64 `json:"percentage"`
	FilesWithDefects  int     `json:"files_with_defects"`
	TotalDefectsFound int     `json:"total_defects_found"`
}

// Defect is a single finding reported by a processor for one file.
type Defect struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message"`
}

// ProcessedFile is the record of one successfully analysed file.
type ProcessedFile struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	DefectsFound int       `json:"defects_found"`
	Defects      []Defect  `json:"defects,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// FailedFile is the record of one file whose analysis failed.
type FailedFile struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Results holds the append-only outcome lists.
type Results struct {
	ProcessedFiles []ProcessedFile `json:"processed_files"`
	FailedFiles    []FailedFile    `json:"failed_files"`
}

// Metadata holds timing information and the failure message, if any.
type Metadata struct {
	StartTime      time.Time     `json:"start_time"`
	LastUpdateTime time.Time     `json:"last_update_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Session is the full durable record of one detection run.
type Session struct {
	ID       string   `json:"id"`
	Status   Status   `json:"status"`
	Config   Config   `json:"config"`
	Progress Progress `json:"progress"`
	Results  Results  `json:"results"`
	Metadata Metadata `json:"metadata"`
}

// Summary is the lightweight index entry kept for every session.
type Summary struct {
	ID                string     `json:"id"`
	Status            Status     `json:"status"`
	RootPath          string     `json:"root_path"`
	TotalFiles        int        `json:"total_files"`
	ProcessedFiles    int        `json:"processed_files"`
	FailedFiles       int        `json:"failed_files"`
	Percentage        float64    `json:"percentage"`
	TotalDefectsFound int        `json:"total_defects_found"`
	StartTime         time.Time  `json:"start_time"`
	LastUpdateTime    time.Time  `json:"last_update_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
}

// Summary derives the index entry for s.
func (s *Session) Summary() Summary {
	return Summary{
		ID:                s.ID,
		Status:            s.Status,
		RootPath:          s.Config.RootPath,
		TotalFiles:        s.Progress.TotalFiles,
		ProcessedFiles:    s.Progress.ProcessedFiles,
		FailedFiles:       len(s.OutstandingFailures()),
		Percentage:        s.Progress.Percentage,
		TotalDefectsFound: s.Progress.TotalDefectsFound,
		StartTime:         s.Metadata.StartTime,
		LastUpdateTime:    s.Metadata.LastUpdateTime,
		EndTime:           s.Metadata.EndTime,
	}
}

// ProcessedPaths returns the set of paths already recorded as processed.
func (s *Session) ProcessedPaths() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Results.ProcessedFiles))
	for _, f := range s.Results.ProcessedFiles {
		set[f.Path] = struct{}{}
	}
	return set
}

// OutstandingFailures returns the failures not superseded by a later
// success, keeping only the most recent failure per path. A file that
// failed and then succeeded on resume is not reported as failed; the full
// history stays in Results.FailedFiles.
func (s *Session) OutstandingFailures() []FailedFile {
	processed := s.ProcessedPaths()
	latest := make(map[string]int, len(s.Results.FailedFiles))
	for i, f := range s.Results.FailedFiles {
		latest[f.Path] = i
	}
	out := make([]FailedFile, 0, len(latest))
	for i, f := range s.Results.FailedFiles {
		if _, ok := processed[f.Path]; ok || latest[f.Path] != i {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Config.IncludeExtensions = append([]string(nil), s.Config.IncludeExtensions...)
	c.Config.ExcludePatterns = append([]string(nil), s.Config.ExcludePatterns...)
	c.Results.ProcessedFiles = make([]ProcessedFile, len(s.Results.ProcessedFiles))
	for i, f := range s.Results.ProcessedFiles {
		f.Defects = append([]Defect(nil), f.Defects...)
		c.Results.ProcessedFiles[i] = f
	}
	c.Results.FailedFiles = append([]FailedFile(nil), s.Results.FailedFiles...)
	if s.Metadata.EndTime != nil {
		t := *s.Metadata.EndTime
		c.Metadata.EndTime = &t
	}
	return &c
}

// recount re-derives the counters that must track the result lists.
func (s *Session) recount() {
	s.Progress.ProcessedFiles = len(s.Results.ProcessedFiles)
	if s.Progress.TotalFiles > 0 {
		pct := float64(s.Progress.ProcessedFiles) / float64(s.Progress.TotalFiles) * 100
		if pct > 100 {
			pct = 100
		}
		if pct > s.Progress.Percentage {
			s.Progress.Percentage = pct
		}
	}
}
