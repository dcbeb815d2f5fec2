// Package report renders stored detection sessions.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/0x6d61/defectscan/internal/session"
)

// Reporter generates output in a specific format.
type Reporter interface {
	// Format returns the format name (e.g., "text", "json").
	Format() string

	// Generate writes the formatted session to w.
	Generate(ctx context.Context, s *session.Session, w io.Writer) error
}

// New creates a reporter by format name ("text" or "json").
// The format name is case-insensitive.
func New(format string) (Reporter, error) {
	switch strings.ToLower(format) {
	case "text":
		return &TextReporter{}, nil
	case "json":
		return &JSONReporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported report format: %q", format)
	}
}

// severityRank orders severities from most to least severe.
var severityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
}

func rank(severity string) int {
	if r, ok := severityRank[strings.ToLower(severity)]; ok {
		return r
	}
	return len(severityRank)
}

// sortedDefects returns a copy of defects ordered by severity, then line.
func sortedDefects(defects []session.Defect) []session.Defect {
	out := append([]session.Defect(nil), defects...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Severity), rank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// countBySeverity tallies every defect of the session by lower-cased
// severity.
func countBySeverity(s *session.Session) map[string]int {
	counts := make(map[string]int)
	for _, f := range s.Results.ProcessedFiles {
		for _, d := range f.Defects {
			counts[strings.ToLower(d.Severity)]++
		}
	}
	return counts
}

// duration is the recorded run time, or the time since start for a session
// that has not ended.
func duration(s *session.Session) float64 {
	if s.Metadata.Duration > 0 {
		return s.Metadata.Duration.Seconds()
	}
	if s.Metadata.EndTime != nil {
		return s.Metadata.EndTime.Sub(s.Metadata.StartTime).Seconds()
	}
	return s.Metadata.LastUpdateTime.Sub(s.Metadata.StartTime).Seconds()
}
