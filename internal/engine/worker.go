package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/0x6d61/defectscan/internal/analysis"
	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
	"github.com/0x6d61/defectscan/internal/tracing"
)

// job is one file of the batch being processed, with its position.
type job struct {
	idx  int
	file scanner.FileDescriptor
}

// jobResult is the outcome of one job.
type jobResult struct {
	idx      int
	file     scanner.FileDescriptor
	defects  []session.Defect
	err      error
	duration time.Duration
}

// workerPool processes the files of one batch concurrently. Every submitted
// job yields exactly one result, even when the processor panics.
type workerPool struct {
	workers   int
	processor analysis.Processor
	tracer    trace.Tracer
	logger    *slog.Logger
	jobs      chan job
	results   chan jobResult
	wg        sync.WaitGroup
}

// newWorkerPool creates a pool with the given number of workers. Jobs are
// handed over unbuffered, so a submitted job is already running.
func newWorkerPool(workers int, p analysis.Processor, tracer trace.Tracer, logger *slog.Logger) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	return &workerPool{
		workers:   workers,
		processor: p,
		tracer:    tracer,
		logger:    logger,
		jobs:      make(chan job),
		results:   make(chan jobResult, workers),
	}
}

// start launches the workers. ctx must already be detached from host
// cancellation: a file that has been dispatched always runs to completion.
func (p *workerPool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.results <- p.run(ctx, j)
	}
}

// run processes one job, converting a processor panic into a per-file
// failure.
func (p *workerPool) run(ctx context.Context, j job) (res jobResult) {
	ctx, span := p.tracer.Start(ctx, "engine.file", trace.WithAttributes(
		attribute.String("file.path", j.file.Path),
		attribute.Int64("file.size", j.file.Size),
	))
	start := time.Now()
	res = jobResult{idx: j.idx, file: j.file}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic",
				"path", j.file.Path,
				"panic", fmt.Sprintf("%v", r),
			)
			res.defects = nil
			res.err = fmt.Errorf("processor panic: %v", r)
		}
		res.duration = time.Since(start)
		tracing.RecordError(span, res.err)
		span.SetAttributes(attribute.Int("file.defects", len(res.defects)))
		span.End()
	}()

	res.defects, res.err = p.processor.Process(ctx, j.file)
	if res.err != nil {
		p.logger.Debug("file processing failed", "path", j.file.Path, "error", res.err)
	}
	return res
}

// submit hands a job to a worker, blocking until one is free.
func (p *workerPool) submit(j job) {
	p.jobs <- j
}

// close signals that no more jobs will be submitted, then waits for all
// workers to finish and closes the results channel.
func (p *workerPool) close() {
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}
