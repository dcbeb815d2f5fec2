// Package analysis turns a single source file into a list of defects. It
// holds the three processors the detection engine can drive: the local rule
// engine, the remote analysis service and the Anthropic Messages API.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
)

var (
	// ErrTooLarge is returned for files above the configured size limit.
	ErrTooLarge = errors.New("analysis: file too large")

	// ErrUnknownProcessor is returned by New for an unrecognised name.
	ErrUnknownProcessor = errors.New("analysis: unknown processor")
)

// Processor analyses one file. An error is a per-file failure; it never
// aborts the surrounding batch.
type Processor interface {
	Process(ctx context.Context, file scanner.FileDescriptor) ([]session.Defect, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, file scanner.FileDescriptor) ([]session.Defect, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, file scanner.FileDescriptor) ([]session.Defect, error) {
	return f(ctx, file)
}

// Options configures the processors built by New.
type Options struct {
	ServiceURL   string
	ServiceToken string
	UserAgent    string
	Timeout      time.Duration
	MaxRPS       float64
	MaxInFlight  int
	CacheTTL     time.Duration
	MaxFileBytes int64

	ClaudeModel   string
	ClaudeAPIKey  string
	ClaudeBaseURL string

	// HTTPClient overrides the HTTP client of the Claude processor.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// New builds the processor registered under name: "rules", "service" or
// "claude".
func New(name string, opts Options) (Processor, error) {
	switch name {
	case "", "rules":
		return NewRuleProcessor(DefaultRules(), opts.MaxFileBytes), nil
	case "service":
		return NewServiceProcessor(opts)
	case "claude":
		return NewClaudeProcessor(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
	}
}

// readSource reads path, refusing files larger than limit. A limit of zero
// or less disables the check.
func readSource(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("analysis: open %s: %w", path, err)
	}
	defer f.Close()

	r := io.Reader(f)
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("analysis: read %s: %w", path, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, path, limit)
	}
	return data, nil
}

// language guesses the source language from the file extension.
func language(file scanner.FileDescriptor) string {
	switch file.Ext() {
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".cxx", ".hh", ".hpp", ".hxx":
		return "c++"
	case ".m":
		return "objective-c"
	case ".mm":
		return "objective-c++"
	default:
		return "unknown"
	}
}
