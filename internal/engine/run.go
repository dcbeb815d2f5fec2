package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/0x6d61/defectscan/internal/batch"
	"github.com/0x6d61/defectscan/internal/resource"
	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
	"github.com/0x6d61/defectscan/internal/tracing"
)

// errStopped marks a batch cut short by cancellation or host shutdown.
var errStopped = errors.New("engine: run stopped before the batch finished")

// run is the state of the active detection run. Flags are guarded by the
// orchestrator's mutex.
type run struct {
	sessionID string
	callbacks Callbacks

	paused      bool
	cancelled   bool
	hostStopped bool
	finished    bool

	// wake is signalled by Resume and Cancel to release a parked loop.
	wake chan struct{}

	sched atomic.Pointer[batch.Scheduler]
	avg   avgSize
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// boundary is what the loop does at a batch boundary.
type boundary int

const (
	proceed boundary = iota
	stopCancelled
	stopPaused
)

// execute lists the tree, drives the batches and settles the session. A
// non-nil batchSize overrides the session's configured size.
func (o *Orchestrator) execute(ctx context.Context, r *run, s *session.Session, batchSize *int) StartResult {
	ctx, span := o.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.root", s.Config.RootPath),
	))
	defer span.End()

	res := StartResult{SessionID: s.ID}
	// Store writes outlive host cancellation; the checkpoints observe ctx.
	store := context.WithoutCancel(ctx)
	r.avg.v.Store(o.avgFileSizeHint)

	o.governor.StartMonitoring(o.monitorInterval, func(w resource.Warning) {
		o.onPressure(r, w)
	})
	defer o.governor.StopMonitoring()

	size := s.Config.BatchSize
	if batchSize != nil {
		size = *batchSize
	}

	files, skipped, done, err := o.listRemaining(ctx, s)
	if err != nil {
		if ctx.Err() != nil {
			return o.settle(ctx, r, res, o.hostStop(r))
		}
		tracing.RecordError(span, err)
		return o.fail(ctx, r, res, err)
	}
	res.Skipped = skipped
	r.avg.set(files, o.avgFileSizeHint)

	sched := batch.NewScheduler(files, batch.Options{
		BatchSize:    size,
		MaxBatchSize: max(o.maxBatchSize, size),
		Advisor:      o.governor,
	})
	r.sched.Store(sched)

	offset := s.Progress.CurrentBatch
	if done == 0 {
		offset = 0
	}
	total := done + len(files)
	totalBatches := offset + sched.Remaining()
	if _, err := o.manager.UpdateProgress(store, s.ID, session.ProgressUpdate{
		TotalFiles:   &total,
		TotalBatches: &totalBatches,
		CurrentBatch: &offset,
	}); err != nil && !isClosed(err) {
		return o.fail(ctx, r, res, fmt.Errorf("engine: update progress: %w", err))
	}
	o.logger.Info("detection started",
		"session_id", s.ID, "files", len(files), "skipped", skipped,
		"batch_size", size, "batches", totalBatches-offset)

	for {
		b, ok := sched.Next()
		if stop := o.checkpoint(ctx, r, !ok); stop != proceed {
			return o.settle(ctx, r, res, stop)
		}
		if !ok {
			return o.finish(ctx, r, res, session.StatusCompleted, nil)
		}

		cur := offset + b.ID
		totalBatches := cur + sched.Remaining()
		if _, err := o.manager.UpdateProgress(store, s.ID, session.ProgressUpdate{
			CurrentBatch: &cur,
			TotalBatches: &totalBatches,
		}); err != nil {
			if isClosed(err) {
				return o.settle(ctx, r, res, stopCancelled)
			}
			return o.fail(ctx, r, res, fmt.Errorf("engine: update progress: %w", err))
		}

		err := o.processBatch(ctx, r, b, sched.Size(), s.Config.Concurrency)
		out := b.Outcome()
		res.Batches = append(res.Batches, out)
		if r.callbacks.OnBatch != nil {
			r.callbacks.OnBatch(out)
		}
		o.broker.Publish(EventBatch, Event{SessionID: s.ID, Batch: &out})
		if err != nil {
			tracing.RecordError(span, err)
			return o.fail(ctx, r, res, err)
		}
	}
}

// listRemaining lists the session's tree and drops files already recorded
// as processed. It returns the remaining files, how many listed files were
// skipped and how many files the session has recorded as processed.
func (o *Orchestrator) listRemaining(ctx context.Context, s *session.Session) (files []scanner.FileDescriptor, skipped, done int, err error) {
	listing, err := o.lister.List(ctx, s.Config.RootPath, scanner.Filter{
		IncludeExtensions: s.Config.IncludeExtensions,
		ExcludePatterns:   s.Config.ExcludePatterns,
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("engine: list %s: %w", s.Config.RootPath, err)
	}
	all := listing.Files()
	processed := s.ProcessedPaths()
	if len(processed) == 0 {
		return all, 0, 0, nil
	}
	files = make([]scanner.FileDescriptor, 0, len(all))
	for _, f := range all {
		if _, ok := processed[f.Path]; ok {
			continue
		}
		files = append(files, f)
	}
	return files, len(all) - len(files), len(processed), nil
}

// checkpoint is evaluated at every batch boundary, including after the
// last batch. It parks while the run is paused and reports how to
// continue.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run, last bool) boundary {
	for {
		o.mu.Lock()
		switch {
		case r.cancelled:
			o.mu.Unlock()
			return stopCancelled
		case ctx.Err() != nil:
			o.mu.Unlock()
			return o.hostStop(r)
		case !r.paused:
			if last {
				// Pause and Cancel are refused from here on.
				r.finished = true
			}
			o.mu.Unlock()
			return proceed
		}
		o.mu.Unlock()

		o.logger.Info("run paused at batch boundary", "session_id", r.sessionID)
		select {
		case <-r.wake:
		case <-ctx.Done():
		}
	}
}

// hostStop pauses the session after the host context ended.
func (o *Orchestrator) hostStop(r *run) boundary {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r.cancelled {
		return stopCancelled
	}
	r.hostStopped = true
	if !r.paused && r.sessionID != "" {
		if _, err := o.manager.UpdateStatus(context.Background(), r.sessionID, session.StatusPaused, ""); err != nil {
			o.logger.Error("pause on shutdown failed", "session_id", r.sessionID, "error", err)
			return stopPaused
		}
		r.paused = true
	}
	return stopPaused
}

// settle ends the run at a boundary stop.
func (o *Orchestrator) settle(ctx context.Context, r *run, res StartResult, stop boundary) StartResult {
	if stop == stopCancelled {
		return o.finish(ctx, r, res, session.StatusCancelled, nil)
	}
	return o.finish(ctx, r, res, session.StatusPaused, nil)
}

func (o *Orchestrator) fail(ctx context.Context, r *run, res StartResult, err error) StartResult {
	return o.finish(ctx, r, res, session.StatusFailed, err)
}

// finish records the final status and builds the result. Cancellation
// always wins: a cancelled session is never moved again.
func (o *Orchestrator) finish(ctx context.Context, r *run, res StartResult, status session.Status, runErr error) StartResult {
	o.mu.Lock()
	r.finished = true
	cancelled := r.cancelled
	paused := r.paused
	o.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	var changed *session.Session
	switch {
	case cancelled:
		status = session.StatusCancelled
	case status == session.StatusCompleted || status == session.StatusFailed:
		if paused && status == session.StatusFailed {
			// A failure while paused leaves the session resumable.
			status = session.StatusPaused
			break
		}
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		s, err := o.manager.UpdateStatus(bg, r.sessionID, status, msg)
		switch {
		case err == nil:
			changed = s
		case isClosed(err):
			status = session.StatusCancelled
		default:
			o.logger.Error("final status update failed", "session_id", r.sessionID, "status", status, "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	if s, err := o.manager.Load(bg, r.sessionID); err == nil {
		res.Session = s
		status = s.Status
		if changed == nil && status == session.StatusPaused {
			changed = s
		}
	}
	res.Status = status
	res.Err = runErr
	res.Success = runErr == nil && status != session.StatusFailed
	if changed != nil {
		o.notifyStatus(r, changed)
	}

	attrs := []any{"session_id", r.sessionID, "status", status}
	if res.Session != nil {
		attrs = append(attrs,
			"processed", res.Session.Progress.ProcessedFiles,
			"failed", len(res.Session.OutstandingFailures()),
			"defects", res.Session.Progress.TotalDefectsFound)
	}
	if runErr != nil {
		o.logger.Error("detection ended", append(attrs, "error", runErr)...)
	} else {
		o.logger.Info("detection ended", attrs...)
	}
	return res
}

// processBatch sends every file of b through the worker pool and records
// the outcomes in batch order. A per-file failure is recorded, not
// returned; the returned error is a store failure that aborts the run.
func (o *Orchestrator) processBatch(ctx context.Context, r *run, b *batch.Batch, size, workers int) error {
	ctx, span := o.tracer.Start(ctx, "engine.batch", trace.WithAttributes(
		attribute.Int("batch.id", b.ID),
		attribute.String("batch.dir", b.Dir),
		attribute.Int("batch.files", len(b.Files)),
	))
	defer span.End()

	b.Status = batch.StatusProcessing
	b.StartTime = time.Now()
	o.logger.Debug("batch started", "session_id", r.sessionID, "batch", b.ID, "dir", b.Dir, "files", len(b.Files))

	workers = min(max(workers, 1), len(b.Files))
	pool := newWorkerPool(workers, o.processor, o.tracer, o.logger)
	pool.start(context.WithoutCancel(ctx))

	// At most workers files are dispatched but not yet recorded; a slot is
	// freed only once an outcome is recorded in batch order.
	slots := semaphore.NewWeighted(int64(workers))
	var halted atomic.Bool
	go func() {
		defer pool.close()
		for i, f := range b.Files {
			if err := slots.Acquire(ctx, 1); err != nil {
				return
			}
			if halted.Load() || o.stopping(ctx, r) {
				return
			}
			pool.submit(job{idx: i, file: f})
		}
	}()

	pending := make(map[int]jobResult)
	next := 0
	var fatal error
	dropped := false
	for jr := range pool.results {
		pending[jr.idx] = jr
		for {
			cur, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			b.Results = append(b.Results, batch.FileResult{File: cur.file, DefectsFound: len(cur.defects), Err: cur.err})
			if fatal == nil && !dropped {
				if err := o.record(ctx, r, cur, size); err != nil {
					if isClosed(err) {
						dropped = true
						o.logger.Debug("outcome dropped after cancel", "session_id", r.sessionID, "path", cur.file.Path)
					} else {
						fatal = err
					}
					halted.Store(true)
				}
			}
			slots.Release(1)
		}
	}

	b.EndTime = time.Now()
	switch {
	case fatal != nil:
		b.Status = batch.StatusFailed
		b.Err = fatal
		tracing.RecordError(span, fatal)
	case len(b.Results) < len(b.Files) || dropped:
		b.Status = batch.StatusFailed
		b.Err = errStopped
	default:
		b.Status = batch.StatusCompleted
	}
	o.logger.Debug("batch finished", "session_id", r.sessionID, "batch", b.ID, "status", b.Status, "duration", b.EndTime.Sub(b.StartTime))
	return fatal
}

// stopping reports whether no further file should be dispatched.
func (o *Orchestrator) stopping(ctx context.Context, r *run) bool {
	if ctx.Err() != nil {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return r.cancelled
}

// record persists one file outcome and emits progress.
func (o *Orchestrator) record(ctx context.Context, r *run, jr jobResult, size int) error {
	ctx = context.WithoutCancel(ctx)
	path := jr.file.Path
	if _, err := o.manager.UpdateProgress(ctx, r.sessionID, session.ProgressUpdate{CurrentFile: &path}); err != nil {
		return err
	}

	snap := ProgressSnapshot{SessionID: r.sessionID, LastFile: path, BatchSize: size}
	var err error
	if jr.err != nil {
		snap.LastError = jr.err.Error()
		err = o.manager.AddFailedFile(ctx, r.sessionID, session.FailedFile{
			Path:  path,
			Name:  jr.file.Name,
			Error: jr.err.Error(),
		})
	} else {
		err = o.manager.AddProcessedFile(ctx, r.sessionID, session.ProcessedFile{
			Path:    path,
			Name:    jr.file.Name,
			Defects: jr.defects,
		})
	}
	if err != nil {
		return err
	}

	s, err := o.manager.Load(ctx, r.sessionID)
	if err != nil {
		return err
	}
	snap.Progress = s.Progress
	if r.callbacks.OnProgress != nil {
		r.callbacks.OnProgress(snap)
	}
	o.broker.Publish(EventProgress, Event{SessionID: r.sessionID, Progress: &snap})
	return nil
}

// onPressure is the monitor callback. A critical warning shrinks the
// batches built from now on; the batch in flight keeps its size.
func (o *Orchestrator) onPressure(r *run, w resource.Warning) {
	o.broker.Publish(EventWarning, Event{SessionID: r.sessionID, Warning: &w})
	if w.Level != resource.LevelCritical {
		return
	}
	sched := r.sched.Load()
	if sched == nil {
		return
	}
	before := sched.Size()
	after := sched.Resize(w.Sample.Available, r.avg.get())
	if after != before {
		o.logger.Warn("batch size adjusted", "session_id", r.sessionID, "from", before, "to", after)
		o.broker.Publish(EventResize, Event{SessionID: r.sessionID, BatchSize: after})
	}
}
