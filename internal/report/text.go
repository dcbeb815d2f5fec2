package report

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/0x6d61/defectscan/internal/session"
)

const (
	doubleLine = "\u2550" // ═
	singleLine = "\u2500" // ─
	lineWidth  = 50
)

// TextReporter outputs plain terminal text.
type TextReporter struct {
	// Verbose controls detail level: 0=results only, 1=+run configuration.
	Verbose int
}

// Format returns "text".
func (r *TextReporter) Format() string {
	return "text"
}

// Generate writes the formatted session to w.
func (r *TextReporter) Generate(ctx context.Context, s *session.Session, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := &strings.Builder{}

	doubleBar := strings.Repeat(doubleLine, lineWidth)
	singleBar := strings.Repeat(singleLine, lineWidth)

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintln(b, "defectscan - Source Defect Report")
	fmt.Fprintln(b, doubleBar)

	fmt.Fprintf(b, "Session:  %s\n", s.ID)
	fmt.Fprintf(b, "Root:     %s\n", s.Config.RootPath)
	fmt.Fprintf(b, "Status:   %s\n", s.Status)
	fmt.Fprintf(b, "Duration: %.1fs\n", duration(s))
	fmt.Fprintf(b, "Files:    %d/%d (%.0f%%)\n", s.Progress.ProcessedFiles, s.Progress.TotalFiles, s.Progress.Percentage)
	if r.Verbose > 0 {
		processor := s.Config.Processor
		if processor == "" {
			processor = "rules"
		}
		fmt.Fprintf(b, "Batches:  %d/%d (size %d, concurrency %d)\n",
			s.Progress.CurrentBatch, s.Progress.TotalBatches, s.Config.BatchSize, s.Config.Concurrency)
		fmt.Fprintf(b, "Analyzer: %s\n", processor)
	}
	if s.Metadata.Error != "" {
		fmt.Fprintf(b, "Error:    %s\n", s.Metadata.Error)
	}

	defects := 0
	for _, f := range s.Results.ProcessedFiles {
		if len(f.Defects) == 0 {
			continue
		}
		fmt.Fprintln(b, singleBar)
		fmt.Fprintf(b, "%s (%d)\n", f.Path, len(f.Defects))
		for _, d := range sortedDefects(f.Defects) {
			defects++
			fmt.Fprintf(b, "  [%s] line %d  %s\n", strings.ToUpper(d.Severity), d.Line, d.Rule)
			fmt.Fprintf(b, "      %s\n", d.Message)
		}
	}
	if defects == 0 {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintln(b, "No defects found.")
	}

	failures := s.OutstandingFailures()
	if len(failures) > 0 {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintln(b, "Failed files:")
		for _, f := range failures {
			fmt.Fprintf(b, "  - %s: %s\n", f.Path, f.Error)
		}
	}

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintf(b, "Summary: %d defects in %d file(s), %d failed\n",
		defects, s.Progress.FilesWithDefects, len(failures))
	fmt.Fprintln(b, doubleBar)

	_, err := io.WriteString(w, b.String())
	return err
}
