// Package testutil provides test helpers: a fake analysis service and
// writers for small source trees.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x6d61/defectscan/internal/session"
)

// analyzeRequest mirrors the body the service processor posts.
type analyzeRequest struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// AnalysisServer is an in-process stand-in for the remote analysis
// service. It reports one "unsafe-strcpy" defect per line containing
// "strcpy(".
type AnalysisServer struct {
	*httptest.Server

	// Delay is applied before every answer.
	Delay time.Duration

	requests atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64

	mu       sync.Mutex
	failName map[string]int
	seen     []string
	token    string
}

// NewAnalysisServer starts a fake service. Close it when done.
func NewAnalysisServer() *AnalysisServer {
	s := &AnalysisServer{failName: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// FailFile makes requests for files named name answer with status.
func (s *AnalysisServer) FailFile(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failName[name] = status
}

// RequireToken makes the server reject requests without the bearer token.
func (s *AnalysisServer) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Requests returns how many analyze requests arrived.
func (s *AnalysisServer) Requests() int64 { return s.requests.Load() }

// PeakInFlight returns the highest number of concurrent requests observed.
func (s *AnalysisServer) PeakInFlight() int64 { return s.peak.Load() }

// Seen returns the file names received, in arrival order.
func (s *AnalysisServer) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func (s *AnalysisServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.seen = append(s.seen, req.Name)
	status, fail := s.failName[req.Name]
	token := s.token
	s.mu.Unlock()

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	if fail {
		http.Error(w, "analysis failed for "+req.Name, status)
		return
	}

	defects := []session.Defect{}
	for i, line := range strings.Split(req.Content, "\n") {
		if strings.Contains(line, "strcpy(") {
			defects = append(defects, session.Defect{
				Rule:     "unsafe-strcpy",
				Severity: "high",
				Line:     i + 1,
				Message:  "strcpy() does not check the destination size",
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"defects": defects})
}
