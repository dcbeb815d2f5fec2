package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/0x6d61/defectscan/internal/batch"
	"github.com/0x6d61/defectscan/internal/engine"
	"github.com/0x6d61/defectscan/internal/logging"
	"github.com/0x6d61/defectscan/internal/report"
	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
)

// outputOptions selects where and how the final report is written.
type outputOptions struct {
	format string
	output string
}

func (o *outputOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.format, "format", "f", "text", "Report format (text, json)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "Report file path (default: stdout)")
}

type scanOptions struct {
	outputOptions
	resumeLatest bool
	dryRun       bool
}

func newScanCmd(g *globalOptions) *cobra.Command {
	o := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "Run defect detection over a source tree",
		Long: `Scan lists the source files under dir, batches them and records every
outcome in a new session. Ctrl+C pauses the session at the next file
boundary; continue it later with "defectscan resume".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, g, o, args)
		},
	}
	f := cmd.Flags()
	f.Int("batch-size", 0, "Files per batch")
	f.Int("concurrency", 0, "Files processed in parallel within a batch")
	f.StringSlice("include", nil, "File extensions to include (e.g. .c,.h)")
	f.StringSlice("exclude", nil, "Glob patterns to exclude (e.g. 'vendor/**')")
	f.String("processor", "", "Analyzer (rules, service, claude)")
	f.BoolVar(&o.resumeLatest, "resume-latest", false, "Continue the most recent incomplete session instead of starting a new one")
	f.BoolVar(&o.dryRun, "dry-run", false, "List files and planned batches without creating a session")
	o.register(cmd)
	return cmd
}

func runScan(cmd *cobra.Command, g *globalOptions, o *scanOptions, args []string) error {
	cfg := g.cfg
	if len(args) == 0 && !o.resumeLatest {
		return errors.New("source directory is required")
	}
	var root string
	if len(args) == 1 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolve %s: %w", args[0], err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("source directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("source directory: %s is not a directory", abs)
		}
		root = abs
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.dryRun {
		if root == "" {
			return errors.New("--dry-run needs a source directory")
		}
		return runDryRun(ctx, cmd, g, root)
	}

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	processorName := cfg.Detection.Processor
	if o.resumeLatest {
		if latest, err := latestIncomplete(ctx, a); err != nil {
			return err
		} else if latest != nil {
			processorName = latest.Config.Processor
		} else if root == "" {
			return errors.New("no incomplete session to resume")
		}
	}

	orch, err := a.orchestrator(ctx, processorName)
	if err != nil {
		return err
	}
	defer orch.Close()

	out := cmd.OutOrStdout()
	res, err := orch.Start(ctx, engine.StartRequest{
		Config: session.Config{
			RootPath:          root,
			IncludeExtensions: cfg.Detection.IncludeExtensions,
			ExcludePatterns:   cfg.Detection.ExcludePatterns,
			BatchSize:         cfg.Detection.BatchSize,
			Concurrency:       cfg.Detection.Concurrency,
			Processor:         processorName,
		},
		ResumeLatest: o.resumeLatest,
		Callbacks:    newProgressPrinter(out, cfg.Log.Verbose).callbacks(),
	})
	if err != nil {
		return err
	}
	return finishRun(ctx, out, res, o.outputOptions)
}

func newResumeCmd(g *globalOptions) *cobra.Command {
	o := &outputOptions{}
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue a paused or interrupted session",
		Long: `Resume continues a stored session, processing only the files it has not
recorded as processed yet.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			s, err := a.manager.Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load session %s: %w", args[0], err)
			}
			orch, err := a.orchestrator(ctx, s.Config.Processor)
			if err != nil {
				return err
			}
			defer orch.Close()

			out := cmd.OutOrStdout()
			res, err := orch.ResumeFromSession(ctx, s.ID, newProgressPrinter(out, g.cfg.Log.Verbose).callbacks())
			if err != nil {
				return err
			}
			return finishRun(ctx, out, res, *o)
		},
	}
	o.register(cmd)
	return cmd
}

func latestIncomplete(ctx context.Context, a *app) (*session.Session, error) {
	sums, err := a.manager.ListIncomplete(ctx)
	if err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, nil
	}
	return a.manager.Load(ctx, sums[0].ID)
}

// runDryRun prints the listing and the batch plan without touching the
// session store.
func runDryRun(ctx context.Context, cmd *cobra.Command, g *globalOptions, root string) error {
	cfg := g.cfg
	listing, err := scanner.NewFSLister().List(ctx, root, scanner.Filter{
		IncludeExtensions: cfg.Detection.IncludeExtensions,
		ExcludePatterns:   cfg.Detection.ExcludePatterns,
	})
	if err != nil {
		return err
	}
	files := listing.Files()
	plan := batch.Plan(files, cfg.Detection.BatchSize)

	var total int64
	for _, f := range files {
		total += f.Size
	}
	avg := cfg.Detection.AvgFileSizeHint
	if len(files) > 0 {
		avg = max(total/int64(len(files)), 1)
	}
	dec := newGovernor(cfg, logging.Discard()).CheckConstraints(cfg.Detection.BatchSize, avg)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Root:    %s\n", root)
	fmt.Fprintf(out, "Files:   %d in %d director(ies)\n", len(files), len(listing.Groups)+min(len(listing.RootFiles), 1))
	fmt.Fprintf(out, "Batches: %d (size %d)\n", len(plan), cfg.Detection.BatchSize)
	if cfg.Log.Verbose > 0 {
		for _, b := range plan {
			fmt.Fprintf(out, "  [%d] %s: %d files\n", b.ID, b.Dir, len(b.Files))
		}
	}
	for _, w := range dec.Warnings {
		fmt.Fprintf(out, "%s %s\n", color.YellowString("warning:"), w)
	}
	if !dec.CanProceed {
		return fmt.Errorf("%w: admission check would refuse this run", engine.ErrInsufficientResources)
	}
	return nil
}

// finishRun reports how a run ended and writes the report for a settled
// session.
func finishRun(ctx context.Context, out io.Writer, res engine.StartResult, o outputOptions) error {
	if res.Session == nil {
		if res.Err != nil {
			return res.Err
		}
		return errors.New("run ended without a session")
	}
	s := res.Session

	fmt.Fprintf(out, "Session %s %s", s.ID, statusColor(s.Status)(string(s.Status)))
	if res.Resumed {
		fmt.Fprintf(out, " (resumed, %d already processed)", res.Skipped)
	}
	fmt.Fprintf(out, ": %d/%d files, %d defects, %d failed\n",
		s.Progress.ProcessedFiles, s.Progress.TotalFiles, s.Progress.TotalDefectsFound, len(s.OutstandingFailures()))

	switch s.Status {
	case session.StatusPaused, session.StatusInterrupted:
		fmt.Fprintf(out, "Resume with: defectscan resume %s\n", s.ID)
	case session.StatusCompleted, session.StatusFailed:
		if err := writeReport(ctx, out, s, o); err != nil {
			return err
		}
	}
	if !res.Success {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("session %s %s", s.ID, s.Status)
	}
	return nil
}

func writeReport(ctx context.Context, stdout io.Writer, s *session.Session, o outputOptions) error {
	reporter, err := report.New(o.format)
	if err != nil {
		return err
	}
	w := stdout
	if o.output != "" {
		f, err := os.Create(o.output)
		if err != nil {
			return fmt.Errorf("failed to create output file %q: %w", o.output, err)
		}
		defer f.Close()
		w = f
	}
	if err := reporter.Generate(ctx, s, w); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	return nil
}

func statusColor(s session.Status) func(a ...interface{}) string {
	switch s {
	case session.StatusCompleted:
		return color.New(color.FgGreen, color.Bold).SprintFunc()
	case session.StatusRunning:
		return color.New(color.FgCyan).SprintFunc()
	case session.StatusPaused, session.StatusInterrupted:
		return color.New(color.FgYellow).SprintFunc()
	case session.StatusFailed:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	default:
		return color.New(color.FgHiBlack).SprintFunc()
	}
}

// progressPrinter writes one line per finished batch and, at verbosity 2 or
// more, one line per failed file.
type progressPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	verbose int
	last    engine.ProgressSnapshot
}

func newProgressPrinter(out io.Writer, verbose int) *progressPrinter {
	return &progressPrinter{out: out, verbose: verbose}
}

func (p *progressPrinter) callbacks() engine.Callbacks {
	return engine.Callbacks{
		OnProgress: func(snap engine.ProgressSnapshot) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.last = snap
			if p.verbose >= 2 && snap.LastError != "" {
				fmt.Fprintf(p.out, "  %s %s: %s\n", color.RedString("✗"), snap.LastFile, snap.LastError)
			}
		},
		OnBatch: func(b batch.Outcome) {
			p.mu.Lock()
			defer p.mu.Unlock()
			pr := p.last.Progress
			fmt.Fprintf(p.out, "[%d/%d] %s: %d files, %d defects, %d failed (%s) %5.1f%%\n",
				pr.CurrentBatch, pr.TotalBatches, b.Dir, b.Files, b.Defects, b.Failed,
				b.Duration.Round(time.Millisecond), pr.Percentage)
		},
		OnStatusChange: func(status session.Status, s *session.Session) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if status == session.StatusRunning {
				fmt.Fprintf(p.out, "Session %s %s: %s\n", s.ID, statusColor(status)("started"), s.Config.RootPath)
			}
		},
	}
}
