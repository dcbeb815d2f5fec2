// Package engine drives detection runs: it lists a source tree, batches the
// files, sends every file through a processor and records each outcome in
// the session store so a run can be paused, cancelled or resumed after a
// crash.
package engine

import (
	"errors"

	"github.com/0x6d61/defectscan/internal/batch"
	"github.com/0x6d61/defectscan/internal/pubsub"
	"github.com/0x6d61/defectscan/internal/resource"
	"github.com/0x6d61/defectscan/internal/session"
)

var (
	// ErrNotInitialized is returned when a command is issued before
	// Initialize.
	ErrNotInitialized = errors.New("engine: orchestrator not initialized")

	// ErrSessionActive rejects a start while another run is in progress.
	ErrSessionActive = errors.New("engine: a session is already active")

	// ErrInsufficientResources rejects a start the governor refused.
	ErrInsufficientResources = errors.New("engine: insufficient resources")

	// ErrNoActiveSession is reported by pause, resume and cancel when no
	// run is in progress.
	ErrNoActiveSession = errors.New("engine: no active session")
)

// RunState is the orchestrator's own state.
type RunState string

const (
	StateIdle      RunState = "IDLE"
	StateRunning   RunState = "RUNNING"
	StatePaused    RunState = "PAUSED"
	StateCompleted RunState = "COMPLETED"
	StateFailed    RunState = "FAILED"
	StateCancelled RunState = "CANCELLED"
)

// Event types published on the broker.
const (
	EventProgress pubsub.EventType = "progress"
	EventStatus   pubsub.EventType = "status"
	EventBatch    pubsub.EventType = "batch"
	EventResize   pubsub.EventType = "resize"
	EventWarning  pubsub.EventType = "resource_warning"
)

// ProgressSnapshot is passed to OnProgress after every recorded file.
type ProgressSnapshot struct {
	SessionID string           `json:"session_id"`
	Progress  session.Progress `json:"progress"`
	// LastFile is the path of the file just recorded.
	LastFile string `json:"last_file,omitempty"`
	// LastError is set when LastFile failed.
	LastError string `json:"last_error,omitempty"`
	BatchSize int    `json:"batch_size"`
}

// Callbacks are invoked synchronously from the goroutine that caused the
// change. They must not block for long.
type Callbacks struct {
	OnProgress     func(ProgressSnapshot)
	OnStatusChange func(status session.Status, s *session.Session)
	OnBatch        func(batch.Outcome)
}

// Event is the payload published to subscribers. Only the fields relevant
// to the event type are set.
type Event struct {
	SessionID string            `json:"session_id"`
	Status    session.Status    `json:"status,omitempty"`
	Progress  *ProgressSnapshot `json:"progress,omitempty"`
	Batch     *batch.Outcome    `json:"batch,omitempty"`
	Warning   *resource.Warning `json:"warning,omitempty"`
	BatchSize int               `json:"batch_size,omitempty"`
}

// StartRequest describes a new run.
type StartRequest struct {
	Config session.Config

	// ResumeLatest continues the most recently updated incomplete session
	// instead of starting a new one, when there is one.
	ResumeLatest bool

	Callbacks Callbacks
}

// StartResult reports how a run ended. Success is false when the run was
// refused or ended FAILED; Err then carries the reason.
type StartResult struct {
	Success   bool
	SessionID string
	Status    session.Status
	Resumed   bool
	// Skipped counts files already processed by an earlier attempt.
	Skipped  int
	Session  *session.Session
	Batches  []batch.Outcome
	Decision *resource.Decision
	Err      error
}

// CommandResult is returned by Pause, Resume and Cancel.
type CommandResult struct {
	Success   bool
	SessionID string
	Status    session.Status
	Err       error
}

// StatusResult is returned by Status.
type StatusResult struct {
	Success bool
	State   RunState
	// Session is the active session, or the last finished one when idle.
	Session *session.Session
	Err     error
}

// ListResult is returned by ListIncompleteSessions.
type ListResult struct {
	Success  bool
	Sessions []session.Summary
	Err      error
}

// CleanupResult is returned by CleanupOldSessions.
type CleanupResult struct {
	Success bool
	Report  session.CleanupReport
	Err     error
}
