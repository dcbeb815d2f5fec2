package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/0x6d61/defectscan/internal/analysis"
	"github.com/0x6d61/defectscan/internal/batch"
	"github.com/0x6d61/defectscan/internal/logging"
	"github.com/0x6d61/defectscan/internal/pubsub"
	"github.com/0x6d61/defectscan/internal/resource"
	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
)

// DefaultAvgFileSizeHint is the file size assumed by the admission check
// before the tree has been listed.
const DefaultAvgFileSizeHint = 8 << 10

// Orchestrator runs at most one detection session at a time and is the
// only component that changes a session's status.
type Orchestrator struct {
	manager   *session.Manager
	lister    scanner.Lister
	processor analysis.Processor
	governor  *resource.Governor
	broker    *pubsub.Broker[Event]
	logger    *slog.Logger
	tracer    trace.Tracer

	monitorInterval time.Duration
	avgFileSizeHint int64
	maxBatchSize    int

	mu          sync.Mutex
	initialized bool
	active      *run
	last        *session.Session
	lastState   RunState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLister sets the file lister.
func WithLister(l scanner.Lister) Option {
	return func(o *Orchestrator) { o.lister = l }
}

// WithProcessor sets the per-file processor.
func WithProcessor(p analysis.Processor) Option {
	return func(o *Orchestrator) { o.processor = p }
}

// WithGovernor sets the resource governor.
func WithGovernor(g *resource.Governor) Option {
	return func(o *Orchestrator) { o.governor = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer used for run, batch and file spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMonitorInterval sets how often memory is sampled during a run.
func WithMonitorInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.monitorInterval = d }
}

// WithAvgFileSizeHint sets the file size assumed by the admission check.
func WithAvgFileSizeHint(n int64) Option {
	return func(o *Orchestrator) { o.avgFileSizeHint = n }
}

// WithMaxBatchSize caps the batch size a resize can produce.
func WithMaxBatchSize(n int) Option {
	return func(o *Orchestrator) { o.maxBatchSize = n }
}

// New creates an orchestrator over manager. Call Initialize before issuing
// commands.
func New(manager *session.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		manager:         manager,
		broker:          pubsub.NewBroker[Event](),
		monitorInterval: resource.DefaultMonitorInterval,
		avgFileSizeHint: DefaultAvgFileSizeHint,
		maxBatchSize:    batch.DefaultMaxBatchSize,
		lastState:       StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.lister == nil {
		o.lister = scanner.NewFSLister()
	}
	if o.processor == nil {
		o.processor = analysis.NewRuleProcessor(analysis.DefaultRules(), 0)
	}
	if o.governor == nil {
		o.governor = resource.New(resource.Options{Logger: o.logger})
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("defectscan")
	}
	return o
}

// Initialize demotes sessions left RUNNING or PAUSED by a crashed process
// past the stale window and readies the orchestrator. It is idempotent.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.manager == nil {
		return fmt.Errorf("engine: session manager is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}
	n, err := o.manager.SweepStale(ctx)
	if err != nil {
		return fmt.Errorf("engine: initialize: %w", err)
	}
	if n > 0 {
		o.logger.Info("stale sessions interrupted", "count", n)
	}
	o.initialized = true
	return nil
}

// Close stops monitoring and closes every subscription.
func (o *Orchestrator) Close() {
	o.governor.StopMonitoring()
	o.broker.Close()
}

// Subscribe returns a channel of run events and an unsubscribe function
// that is safe to call any number of times, also after Close.
func (o *Orchestrator) Subscribe(ctx context.Context) (<-chan pubsub.Event[Event], func()) {
	return o.broker.Subscribe(ctx)
}

// Start runs a detection session and blocks until it ends: completed,
// failed, cancelled, or paused because ctx was cancelled. Refusals are
// reported through the result; only a call before Initialize returns an
// error.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	r, err := o.reserve()
	if err != nil {
		return StartResult{}, err
	}
	if r == nil {
		return StartResult{Err: ErrSessionActive}, nil
	}
	defer o.release(r)
	r.callbacks = req.Callbacks

	if req.ResumeLatest {
		incomplete, err := o.manager.ListIncomplete(ctx)
		if err != nil {
			return StartResult{Err: fmt.Errorf("engine: list incomplete sessions: %w", err)}, nil
		}
		if len(incomplete) > 0 {
			return o.resume(ctx, r, incomplete[0].ID), nil
		}
	}

	cfg := normalizeConfig(req.Config)
	dec, ok := o.admit(cfg.BatchSize)
	if !ok {
		return StartResult{Decision: &dec, Err: admissionError(dec)}, nil
	}
	if dec.RecommendedBatchSize > 0 {
		o.logger.Info("batch size reduced by admission check", "requested", cfg.BatchSize, "adopted", dec.RecommendedBatchSize)
		cfg.BatchSize = dec.RecommendedBatchSize
	}

	s, err := o.manager.Create(ctx, cfg)
	if err != nil {
		return StartResult{Decision: &dec, Err: fmt.Errorf("engine: create session: %w", err)}, nil
	}
	o.bind(r, s)
	o.notifyStatus(r, s)

	res := o.execute(ctx, r, s, nil)
	res.Decision = &dec
	return res, nil
}

// ResumeFromSession continues a stored PAUSED, INTERRUPTED or orphaned
// RUNNING session, processing only the files it has not yet recorded as
// processed. It blocks like Start.
func (o *Orchestrator) ResumeFromSession(ctx context.Context, id string, cb Callbacks) (StartResult, error) {
	r, err := o.reserve()
	if err != nil {
		return StartResult{}, err
	}
	if r == nil {
		return StartResult{Err: ErrSessionActive}, nil
	}
	defer o.release(r)
	r.callbacks = cb
	return o.resume(ctx, r, id), nil
}

func (o *Orchestrator) resume(ctx context.Context, r *run, id string) StartResult {
	s, err := o.manager.Load(ctx, id)
	if err != nil {
		return StartResult{SessionID: id, Err: err}
	}
	if s.Status.Terminal() {
		return StartResult{SessionID: id, Status: s.Status, Session: s,
			Err: fmt.Errorf("%w: %s is %s", session.ErrSessionClosed, id, s.Status)}
	}

	dec, ok := o.admit(s.Config.BatchSize)
	if !ok {
		return StartResult{SessionID: id, Status: s.Status, Decision: &dec, Err: admissionError(dec)}
	}

	if s.Status != session.StatusRunning {
		s, err = o.manager.UpdateStatus(ctx, id, session.StatusRunning, "")
		if err != nil {
			return StartResult{SessionID: id, Decision: &dec, Err: err}
		}
	}
	o.bind(r, s)
	o.notifyStatus(r, s)
	o.logger.Info("session resumed", "session_id", id, "processed", len(s.Results.ProcessedFiles))

	batchSize := s.Config.BatchSize
	if dec.RecommendedBatchSize > 0 {
		batchSize = dec.RecommendedBatchSize
	}
	res := o.execute(ctx, r, s, &batchSize)
	res.Resumed = true
	res.Decision = &dec
	return res
}

// Pause asks the active run to stop at the next batch boundary. The
// session is PAUSED immediately; the file in flight completes.
func (o *Orchestrator) Pause() (CommandResult, error) {
	return o.command(func(r *run) (session.Status, error) {
		if r.paused {
			return "", &session.TransitionError{From: session.StatusPaused, To: session.StatusPaused}
		}
		if _, err := o.manager.UpdateStatus(context.Background(), r.sessionID, session.StatusPaused, ""); err != nil {
			return "", err
		}
		r.paused = true
		return session.StatusPaused, nil
	})
}

// Resume continues a run paused with Pause.
func (o *Orchestrator) Resume() (CommandResult, error) {
	return o.command(func(r *run) (session.Status, error) {
		if !r.paused || r.hostStopped {
			return "", &session.TransitionError{From: session.StatusRunning, To: session.StatusRunning}
		}
		if _, err := o.manager.UpdateStatus(context.Background(), r.sessionID, session.StatusRunning, ""); err != nil {
			return "", err
		}
		r.paused = false
		r.signal()
		return session.StatusRunning, nil
	})
}

// Cancel marks the active session CANCELLED. The run stops before the
// next file; outcomes of files already in flight are dropped.
func (o *Orchestrator) Cancel() (CommandResult, error) {
	return o.command(func(r *run) (session.Status, error) {
		if _, err := o.manager.UpdateStatus(context.Background(), r.sessionID, session.StatusCancelled, "cancelled by user"); err != nil {
			return "", err
		}
		r.cancelled = true
		r.signal()
		return session.StatusCancelled, nil
	})
}

// command applies fn to the active run under the lock and reports the
// status change.
func (o *Orchestrator) command(fn func(*run) (session.Status, error)) (CommandResult, error) {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return CommandResult{}, ErrNotInitialized
	}
	r := o.active
	if r == nil || r.sessionID == "" || r.cancelled || r.finished {
		o.mu.Unlock()
		return CommandResult{Err: ErrNoActiveSession}, nil
	}
	status, err := fn(r)
	if err != nil {
		o.mu.Unlock()
		return CommandResult{SessionID: r.sessionID, Err: err}, nil
	}
	o.mu.Unlock()

	if s, err := o.manager.Load(context.Background(), r.sessionID); err == nil {
		o.notifyStatus(r, s)
	}
	return CommandResult{Success: true, SessionID: r.sessionID, Status: status}, nil
}

// Status reports the orchestrator state and the active or last session.
func (o *Orchestrator) Status(ctx context.Context) (StatusResult, error) {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return StatusResult{}, ErrNotInitialized
	}
	r := o.active
	var id string
	state := o.lastState
	if r != nil {
		id = r.sessionID
		state = StateRunning
		if r.paused {
			state = StatePaused
		}
	}
	last := o.last
	o.mu.Unlock()

	if id == "" {
		if r != nil {
			return StatusResult{Success: true, State: state}, nil
		}
		return StatusResult{Success: true, State: state, Session: last}, nil
	}
	s, err := o.manager.Load(ctx, id)
	if err != nil {
		return StatusResult{State: state, Err: err}, nil
	}
	return StatusResult{Success: true, State: state, Session: s}, nil
}

// ListIncompleteSessions returns the resumable sessions, most recent first.
func (o *Orchestrator) ListIncompleteSessions(ctx context.Context) (ListResult, error) {
	if !o.isInitialized() {
		return ListResult{}, ErrNotInitialized
	}
	sums, err := o.manager.ListIncomplete(ctx)
	if err != nil {
		return ListResult{Err: err}, nil
	}
	return ListResult{Success: true, Sessions: sums}, nil
}

// CancelSession cancels a stored session by id. The active session is
// cancelled through Cancel.
func (o *Orchestrator) CancelSession(ctx context.Context, id string) (CommandResult, error) {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return CommandResult{}, ErrNotInitialized
	}
	isActive := o.active != nil && o.active.sessionID == id
	o.mu.Unlock()
	if isActive {
		return o.Cancel()
	}

	s, err := o.manager.UpdateStatus(ctx, id, session.StatusCancelled, "cancelled by user")
	if err != nil {
		return CommandResult{SessionID: id, Err: err}, nil
	}
	o.broker.Publish(EventStatus, Event{SessionID: id, Status: s.Status})
	return CommandResult{Success: true, SessionID: id, Status: s.Status}, nil
}

// CleanupOldSessions applies the stale, retention and max-count rules.
func (o *Orchestrator) CleanupOldSessions(ctx context.Context) (CleanupResult, error) {
	if !o.isInitialized() {
		return CleanupResult{}, ErrNotInitialized
	}
	rep, err := o.manager.Cleanup(ctx)
	if err != nil {
		return CleanupResult{Report: rep, Err: err}, nil
	}
	return CleanupResult{Success: true, Report: rep}, nil
}

func (o *Orchestrator) isInitialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// reserve claims the single active slot. It returns nil without error when
// another run holds it.
func (o *Orchestrator) reserve() (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return nil, ErrNotInitialized
	}
	if o.active != nil {
		return nil, nil
	}
	r := &run{wake: make(chan struct{}, 1)}
	o.active = r
	return r, nil
}

func (o *Orchestrator) bind(r *run, s *session.Session) {
	o.mu.Lock()
	r.sessionID = s.ID
	o.mu.Unlock()
}

func (o *Orchestrator) release(r *run) {
	var last *session.Session
	if r.sessionID != "" {
		if s, err := o.manager.Load(context.Background(), r.sessionID); err == nil {
			last = s
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == r {
		o.active = nil
	}
	if last != nil {
		o.last = last
		o.lastState = stateOf(last.Status)
	}
}

// admit runs the admission check for batchSize.
func (o *Orchestrator) admit(batchSize int) (resource.Decision, bool) {
	dec := o.governor.CheckConstraints(batchSize, o.avgFileSizeHint)
	for _, w := range dec.Warnings {
		o.logger.Warn("admission", "warning", w)
	}
	return dec, dec.CanProceed
}

func admissionError(dec resource.Decision) error {
	if len(dec.Warnings) == 0 {
		return ErrInsufficientResources
	}
	return fmt.Errorf("%w: %s", ErrInsufficientResources, dec.Warnings[len(dec.Warnings)-1])
}

func (o *Orchestrator) notifyStatus(r *run, s *session.Session) {
	if r.callbacks.OnStatusChange != nil {
		r.callbacks.OnStatusChange(s.Status, s)
	}
	o.broker.Publish(EventStatus, Event{SessionID: s.ID, Status: s.Status})
}

func normalizeConfig(cfg session.Config) session.Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = batch.DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if len(cfg.IncludeExtensions) == 0 {
		cfg.IncludeExtensions = append([]string(nil), scanner.DefaultExtensions...)
	}
	return cfg
}

func stateOf(s session.Status) RunState {
	switch s {
	case session.StatusRunning:
		return StateRunning
	case session.StatusPaused, session.StatusInterrupted:
		return StatePaused
	case session.StatusCompleted:
		return StateCompleted
	case session.StatusFailed:
		return StateFailed
	case session.StatusCancelled:
		return StateCancelled
	}
	return StateIdle
}

// isClosed reports whether err means the session went terminal under us.
func isClosed(err error) bool {
	return errors.Is(err, session.ErrSessionClosed)
}

// avgSize tracks the average file size of the current listing for the
// resize callback.
type avgSize struct{ v atomic.Int64 }

func (a *avgSize) set(files []scanner.FileDescriptor, fallback int64) {
	if len(files) == 0 {
		a.v.Store(fallback)
		return
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	n := total / int64(len(files))
	if n <= 0 {
		n = fallback
	}
	a.v.Store(n)
}

func (a *avgSize) get() int64 { return a.v.Load() }
