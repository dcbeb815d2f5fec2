package report

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/0x6d61/defectscan/internal/session"
)

func TestJSONReporter_Format(t *testing.T) {
	r := &JSONReporter{}
	if got := r.Format(); got != "json" {
		t.Errorf("Format() = %q, want %q", got, "json")
	}
}

func generateJSON(t *testing.T, r *JSONReporter) (jsonOutput, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if err := r.Generate(context.Background(), newTestSession(), &buf); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	var output jsonOutput
	if err := json.Unmarshal(buf.Bytes(), &output); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput:\n%s", err, buf.String())
	}
	return output, buf.Bytes()
}

func TestJSONReporter_Generate_SchemaVersion(t *testing.T) {
	output, _ := generateJSON(t, &JSONReporter{})
	if output.SchemaVersion != "1.0" {
		t.Errorf("schema_version = %q, want %q", output.SchemaVersion, "1.0")
	}
	if output.Tool != "defectscan" {
		t.Errorf("tool = %q, want %q", output.Tool, "defectscan")
	}
}

func TestJSONReporter_Generate_Session(t *testing.T) {
	output, _ := generateJSON(t, &JSONReporter{})
	if output.Session.ID != "3f0c7d9e-5b1a-4c33-9a0e-7d1f2b6c8e41" {
		t.Errorf("session.id = %q", output.Session.ID)
	}
	if output.Session.Status != "COMPLETED" {
		t.Errorf("session.status = %q, want COMPLETED", output.Session.Status)
	}
	if output.Session.RootPath != "/src/project" {
		t.Errorf("session.root_path = %q", output.Session.RootPath)
	}
	if output.Session.DurationSeconds < 12.0 || output.Session.DurationSeconds > 13.0 {
		t.Errorf("session.duration_seconds = %v, want ~12.3", output.Session.DurationSeconds)
	}
	if output.Session.EndTime == nil {
		t.Error("session.end_time should be set for a finished session")
	}
}

func TestJSONReporter_Generate_Files(t *testing.T) {
	output, _ := generateJSON(t, &JSONReporter{})
	if len(output.Files) != 2 {
		t.Fatalf("got %d files, want 2", len(output.Files))
	}
	f := output.Files[0]
	if f.Name != "parse.c" {
		t.Errorf("files[0].name = %q, want parse.c", f.Name)
	}
	if len(f.Defects) != 2 || f.Defects[0].Rule != "unsafe-strcpy" {
		t.Errorf("files[0].defects = %+v, want unsafe-strcpy first", f.Defects)
	}
}

func TestJSONReporter_Generate_Summary(t *testing.T) {
	output, _ := generateJSON(t, &JSONReporter{})
	s := output.Summary
	if s.TotalFiles != 4 || s.ProcessedFiles != 3 || s.FailedFiles != 1 {
		t.Errorf("summary files = %d/%d/%d, want 4/3/1", s.TotalFiles, s.ProcessedFiles, s.FailedFiles)
	}
	if s.TotalDefects != 3 || s.FilesWithDefects != 2 {
		t.Errorf("summary defects = %d in %d files, want 3 in 2", s.TotalDefects, s.FilesWithDefects)
	}
	want := map[string]int{"critical": 1, "high": 1, "low": 1}
	for k, v := range want {
		if s.BySeverity[k] != v {
			t.Errorf("summary.by_severity[%s] = %d, want %d", k, s.BySeverity[k], v)
		}
	}
}

func TestJSONReporter_Generate_Failures(t *testing.T) {
	output, _ := generateJSON(t, &JSONReporter{})
	if len(output.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(output.Failures))
	}
	if output.Failures[0].Error != "file too large" {
		t.Errorf("failures[0].error = %q, want %q", output.Failures[0].Error, "file too large")
	}
}

func TestJSONReporter_Generate_RetriedFailureNotCounted(t *testing.T) {
	s := newTestSession()
	s.Results.FailedFiles = append(s.Results.FailedFiles,
		session.FailedFile{Path: "/src/project/util/fmt.c", Name: "fmt.c", Error: "read timeout"})

	var buf bytes.Buffer
	if err := (&JSONReporter{}).Generate(context.Background(), s, &buf); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	var output jsonOutput
	if err := json.Unmarshal(buf.Bytes(), &output); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if output.Summary.FailedFiles != 1 || len(output.Failures) != 1 {
		t.Errorf("failed = %d with %d entries, want 1 and 1", output.Summary.FailedFiles, len(output.Failures))
	}
	if output.Failures[0].Path != "/src/project/util/big.c" {
		t.Errorf("failures[0].path = %q, want big.c", output.Failures[0].Path)
	}
}

func TestJSONReporter_Generate_EmptyArrays(t *testing.T) {
	r := &JSONReporter{}
	var buf bytes.Buffer
	if err := r.Generate(context.Background(), newCleanSession(), &buf); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
	for _, key := range []string{"files", "failures"} {
		if string(raw[key]) != "[]" {
			t.Errorf("%s = %s, want empty array", key, raw[key])
		}
	}
}

func TestJSONReporter_Generate_PrettyPrint(t *testing.T) {
	_, out := generateJSON(t, &JSONReporter{Compact: false})
	if !containsNewlineAndIndent(string(out)) {
		t.Error("pretty-printed JSON should contain newlines and indentation")
	}
}

func TestJSONReporter_Generate_Compact(t *testing.T) {
	_, out := generateJSON(t, &JSONReporter{Compact: true})
	if lines := splitLines(string(out)); len(lines) > 2 {
		t.Errorf("compact JSON should be minimal lines, got %d lines", len(lines))
	}
}

func TestJSONReporter_Generate_ContextCancelled(t *testing.T) {
	r := &JSONReporter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	if err := r.Generate(ctx, newTestSession(), &buf); err == nil {
		t.Error("Generate() should return error when context is cancelled")
	}
}

// containsNewlineAndIndent checks if the string has indentation.
func containsNewlineAndIndent(s string) bool {
	for _, line := range splitLines(s) {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			return true
		}
	}
	return false
}

// splitLines splits a string into lines, removing empty trailing lines.
func splitLines(s string) []string {
	var lines []string
	for _, line := range bytes.Split([]byte(s), []byte("\n")) {
		lines = append(lines, string(bytes.TrimRight(line, "\r")))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
