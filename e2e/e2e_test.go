//go:build e2e

// Package e2e runs the defectscan binary against temporary source trees.
//
// Run with:
//
//	go test -v -tags e2e -count=1 -timeout 300s ./e2e/...
//
// The service tests use an in-process analysis service unless
// DEFECTSCAN_E2E_SERVICE_URL points at a running one.
package e2e_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0x6d61/defectscan/internal/testutil"
)

var binary string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "defectscan-e2e")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	binary = filepath.Join(dir, "defectscan")
	build := exec.Command("go", "build", "-o", binary, "../cmd/defectscan")
	build.Stdout, build.Stderr = os.Stdout, os.Stderr
	if err := build.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "build defectscan: %v\n", err)
		os.RemoveAll(dir)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// env isolates the binary from the user's configuration and store.
func env(t *testing.T, extra ...string) []string {
	t.Helper()
	home := t.TempDir()
	return append([]string{
		"HOME=" + home,
		"XDG_CACHE_HOME=" + filepath.Join(home, ".cache"),
		"PATH=" + os.Getenv("PATH"),
	}, extra...)
}

func run(t *testing.T, environ []string, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = environ
	out, err := cmd.CombinedOutput()
	return string(out), err
}

type jsonReport struct {
	Session struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"session"`
	Summary struct {
		TotalFiles     int `json:"total_files"`
		ProcessedFiles int `json:"processed_files"`
		FailedFiles    int `json:"failed_files"`
		TotalDefects   int `json:"total_defects"`
	} `json:"summary"`
}

func readReport(t *testing.T, path string) jsonReport {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var rep jsonReport
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, data)
	}
	return rep
}

// strcpyTree writes n distinct implementation files, each with one strcpy
// call.
func strcpyTree(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	files := make(map[string]string, n)
	for i := 0; i < n; i++ {
		files[fmt.Sprintf("src/u%02d.c", i)] = fmt.Sprintf(
			"#include <string.h>\nvoid u%02d(char *d, const char *s) {\n\tstrcpy(d, s);\n}\n", i)
	}
	testutil.WriteTree(t, root, files)
	return root
}

func serviceURL(t *testing.T) (string, *testutil.AnalysisServer) {
	t.Helper()
	if url := os.Getenv("DEFECTSCAN_E2E_SERVICE_URL"); url != "" {
		return url, nil
	}
	srv := testutil.NewAnalysisServer()
	t.Cleanup(srv.Close)
	return srv.URL, srv
}

func TestScan_Rules(t *testing.T) {
	root := testutil.PairedTree(t, 4)
	db := filepath.Join(t.TempDir(), "sessions.db")
	reportPath := filepath.Join(t.TempDir(), "report.json")

	out, err := run(t, env(t), "scan", root, "--db", db, "--batch-size", "3", "-f", "json", "-o", reportPath)
	if err != nil {
		t.Fatalf("scan: %v\n%s", err, out)
	}
	rep := readReport(t, reportPath)
	if rep.Session.Status != "COMPLETED" {
		t.Errorf("status = %s, want COMPLETED", rep.Session.Status)
	}
	if rep.Summary.ProcessedFiles != 8 || rep.Summary.TotalDefects != 4 {
		t.Errorf("processed %d files with %d defects, want 8 and 4", rep.Summary.ProcessedFiles, rep.Summary.TotalDefects)
	}

	out, err = run(t, env(t), "sessions", "list", "--db", db)
	if err != nil {
		t.Fatalf("sessions list: %v\n%s", err, out)
	}
	if !strings.Contains(out, rep.Session.ID) {
		t.Errorf("sessions list does not show %s:\n%s", rep.Session.ID, out)
	}
}

func TestScan_Service(t *testing.T) {
	url, srv := serviceURL(t)
	if srv != nil {
		srv.RequireToken("e2e-token")
		srv.FailFile("u01.c", 400)
	}
	root := strcpyTree(t, 4)
	db := filepath.Join(t.TempDir(), "sessions.db")
	reportPath := filepath.Join(t.TempDir(), "report.json")

	out, err := run(t, env(t,
		"DEFECTSCAN_ANALYSIS_SERVICE_URL="+url,
		"DEFECTSCAN_SERVICE_TOKEN=e2e-token",
	), "scan", root, "--db", db, "--processor", "service", "-f", "json", "-o", reportPath)
	if err != nil {
		t.Fatalf("scan: %v\n%s", err, out)
	}
	rep := readReport(t, reportPath)
	if rep.Summary.TotalFiles != 4 {
		t.Errorf("total files = %d, want 4", rep.Summary.TotalFiles)
	}
	if srv != nil && (rep.Summary.FailedFiles != 1 || rep.Summary.TotalDefects != 3) {
		t.Errorf("failed %d files with %d defects, want 1 and 3", rep.Summary.FailedFiles, rep.Summary.TotalDefects)
	}
}

func TestInterruptAndResume(t *testing.T) {
	srv := testutil.NewAnalysisServer()
	t.Cleanup(srv.Close)
	srv.Delay = 300 * time.Millisecond

	root := strcpyTree(t, 6)
	db := filepath.Join(t.TempDir(), "sessions.db")
	environ := env(t, "DEFECTSCAN_ANALYSIS_SERVICE_URL="+srv.URL)

	cmd := exec.Command(binary, "scan", root, "--db", db, "--processor", "service",
		"--batch-size", "2", "--concurrency", "1")
	cmd.Env = environ
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	var id string
	var lines []string
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		lines = append(lines, line)
		if f := strings.Fields(line); len(f) >= 3 && f[0] == "Session" && id == "" {
			id = f[1]
		}
		if strings.HasPrefix(line, "[1/3]") {
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("interrupted scan: %v\n%s", err, strings.Join(lines, "\n"))
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "PAUSED") || !strings.Contains(joined, "Resume with: defectscan resume "+id) {
		t.Fatalf("scan was not paused:\n%s", joined)
	}

	reportPath := filepath.Join(t.TempDir(), "report.json")
	out, err := run(t, environ, "resume", id, "--db", db, "-f", "json", "-o", reportPath)
	if err != nil {
		t.Fatalf("resume: %v\n%s", err, out)
	}
	rep := readReport(t, reportPath)
	if rep.Session.Status != "COMPLETED" || rep.Summary.ProcessedFiles != 6 {
		t.Errorf("after resume: %s with %d processed, want COMPLETED with 6", rep.Session.Status, rep.Summary.ProcessedFiles)
	}
	seen := make(map[string]int)
	for _, name := range srv.Seen() {
		seen[name]++
	}
	for name, n := range seen {
		if n != 1 {
			t.Errorf("%s analyzed %d times", name, n)
		}
	}
}
