package report

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/0x6d61/defectscan/internal/session"
)

// JSONReporter outputs structured JSON.
type JSONReporter struct {
	// Compact outputs single-line JSON when true (no indentation).
	Compact bool
}

// Format returns "json".
func (r *JSONReporter) Format() string {
	return "json"
}

// jsonOutput is the top-level JSON structure.
type jsonOutput struct {
	SchemaVersion string        `json:"schema_version"`
	Tool          string        `json:"tool"`
	Session       jsonSession   `json:"session"`
	Summary       jsonSummary   `json:"summary"`
	Files         []jsonFile    `json:"files"`
	Failures      []jsonFailure `json:"failures"`
}

type jsonSession struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	RootPath        string     `json:"root_path"`
	Processor       string     `json:"processor,omitempty"`
	BatchSize       int        `json:"batch_size"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	Error           string     `json:"error,omitempty"`
}

type jsonSummary struct {
	TotalFiles       int            `json:"total_files"`
	ProcessedFiles   int            `json:"processed_files"`
	FailedFiles      int            `json:"failed_files"`
	FilesWithDefects int            `json:"files_with_defects"`
	TotalDefects     int            `json:"total_defects"`
	Percentage       float64        `json:"percentage"`
	BySeverity       map[string]int `json:"by_severity"`
}

type jsonFile struct {
	Path    string           `json:"path"`
	Name    string           `json:"name"`
	Defects []session.Defect `json:"defects"`
}

type jsonFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Generate writes the session as JSON to w. Files without defects are
// omitted from the file list but counted in the summary.
func (r *JSONReporter) Generate(ctx context.Context, s *session.Session, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	failures := s.OutstandingFailures()
	output := jsonOutput{
		SchemaVersion: "1.0",
		Tool:          "defectscan",
		Session: jsonSession{
			ID:              s.ID,
			Status:          string(s.Status),
			RootPath:        s.Config.RootPath,
			Processor:       s.Config.Processor,
			BatchSize:       s.Config.BatchSize,
			StartTime:       s.Metadata.StartTime,
			EndTime:         s.Metadata.EndTime,
			DurationSeconds: duration(s),
			Error:           s.Metadata.Error,
		},
		Summary: jsonSummary{
			TotalFiles:       s.Progress.TotalFiles,
			ProcessedFiles:   s.Progress.ProcessedFiles,
			FailedFiles:      len(failures),
			FilesWithDefects: s.Progress.FilesWithDefects,
			TotalDefects:     s.Progress.TotalDefectsFound,
			Percentage:       s.Progress.Percentage,
			BySeverity:       countBySeverity(s),
		},
		Files:    make([]jsonFile, 0),
		Failures: make([]jsonFailure, 0, len(failures)),
	}

	for _, f := range s.Results.ProcessedFiles {
		if len(f.Defects) == 0 {
			continue
		}
		output.Files = append(output.Files, jsonFile{
			Path:    f.Path,
			Name:    f.Name,
			Defects: sortedDefects(f.Defects),
		})
	}
	for _, f := range failures {
		output.Failures = append(output.Failures, jsonFailure{Path: f.Path, Error: f.Error})
	}

	enc := json.NewEncoder(w)
	if !r.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(output)
}
