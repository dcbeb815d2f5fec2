// Package logging builds the slog loggers used across the tool.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the level and encoding of a logger.
type Options struct {
	// Verbose is the verbosity level 0-3, mapped to Error, Warn, Info and
	// Debug.
	Verbose int

	// Format is "text" or "json".
	Format string

	// Writer receives log records; nil means stderr.
	Writer io.Writer
}

// Level maps a verbosity count to a slog level.
func Level(verbose int) slog.Level {
	switch {
	case verbose >= 3:
		return slog.LevelDebug
	case verbose >= 2:
		return slog.LevelInfo
	case verbose >= 1:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// New builds a logger from opts.
func New(opts Options) (*slog.Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: Level(opts.Verbose)}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, ho)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, ho)), nil
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", opts.Format)
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
