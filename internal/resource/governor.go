// Package resource estimates memory headroom and turns it into batch-size
// recommendations and go/no-go admission decisions.
package resource

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Defaults for Options.
const (
	DefaultWarningThreshold     = 85.0
	DefaultCriticalThreshold    = 95.0
	DefaultProcessingMultiplier = 10.0
	DefaultAvailableFraction    = 0.5
	DefaultHistorySize          = 60
	DefaultMonitorInterval      = 5 * time.Second
)

// Fallback figures used when host counters are unavailable.
const (
	fallbackTotal = 8 << 30
	fallbackUsed  = 4 << 30
)

// MemoryInfo is a raw host memory reading in bytes.
type MemoryInfo struct {
	Total     int64
	Available int64
}

// SampleFunc reads host memory counters.
type SampleFunc func() (MemoryInfo, error)

// Sample is a derived snapshot of memory headroom.
type Sample struct {
	Available              int64     `json:"available"`
	Used                   int64     `json:"used"`
	Total                  int64     `json:"total"`
	UsagePercent           float64   `json:"usage_percent"`
	AvailableForProcessing int64     `json:"available_for_processing"`
	HeapInUse              uint64    `json:"heap_in_use"`
	Source                 string    `json:"source"`
	Timestamp              time.Time `json:"timestamp"`
}

// Options configures a Governor. Zero values select the defaults.
type Options struct {
	WarningThreshold     float64
	CriticalThreshold    float64
	ProcessingMultiplier float64
	AvailableFraction    float64
	HistorySize          int

	// Sampler overrides the host reader, for tests.
	Sampler SampleFunc

	// ReleaseOnCritical forces a GC and returns memory to the OS when a
	// critical warning is raised.
	ReleaseOnCritical bool

	Logger *slog.Logger
}

// Decision is the result of an admission check.
type Decision struct {
	CanProceed bool     `json:"can_proceed"`
	Warnings   []string `json:"warnings,omitempty"`
	// RecommendedBatchSize is zero when the requested size fits or when no
	// size can fit.
	RecommendedBatchSize int    `json:"recommended_batch_size,omitempty"`
	Sample               Sample `json:"sample"`
}

// Level is the severity of a monitoring warning.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Warning is raised by the monitor when usage crosses a threshold.
type Warning struct {
	Level   Level
	Message string
	Sample  Sample
}

// Governor samples memory, keeps a bounded history and runs the optional
// background monitor.
type Governor struct {
	opts    Options
	sampler SampleFunc
	logger  *slog.Logger

	mu      sync.Mutex
	history *ring

	monMu  sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Governor.
func New(opts Options) *Governor {
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = DefaultWarningThreshold
	}
	if opts.CriticalThreshold <= 0 {
		opts.CriticalThreshold = DefaultCriticalThreshold
	}
	if opts.ProcessingMultiplier <= 0 {
		opts.ProcessingMultiplier = DefaultProcessingMultiplier
	}
	if opts.AvailableFraction <= 0 || opts.AvailableFraction > 1 {
		opts.AvailableFraction = DefaultAvailableFraction
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = hostMemory
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Governor{
		opts:    opts,
		sampler: sampler,
		logger:  logger,
		history: newRing(opts.HistorySize),
	}
}

// Sample reads the current memory headroom. When host counters cannot be
// read it returns a conservative static default instead of failing.
func (g *Governor) Sample() Sample {
	s := Sample{Source: "host", Timestamp: time.Now()}

	info, err := g.sampler()
	if err != nil || info.Total <= 0 {
		if err != nil {
			g.logger.Debug("memory sample unavailable, using default", "error", err)
		}
		s.Source = "default"
		info = MemoryInfo{Total: fallbackTotal, Available: fallbackTotal - fallbackUsed}
	}
	if info.Available > info.Total {
		info.Available = info.Total
	}
	if info.Available < 0 {
		info.Available = 0
	}

	s.Total = info.Total
	s.Available = info.Available
	s.Used = info.Total - info.Available
	s.UsagePercent = float64(s.Used) / float64(s.Total) * 100
	s.AvailableForProcessing = int64(float64(s.Available) * g.opts.AvailableFraction)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapInUse = ms.HeapInuse

	g.mu.Lock()
	g.history.push(s)
	g.mu.Unlock()
	return s
}

// CheckConstraints decides whether a batch of batchSize files averaging
// avgFileSize bytes can be admitted. Needed memory is batchSize times
// avgFileSize times the processing multiplier, compared against the
// processing share of free memory. Admission is refused only when not even
// a single file fits and the projected usage would cross the critical
// threshold.
func (g *Governor) CheckConstraints(batchSize int, avgFileSize int64) Decision {
	s := g.Sample()
	d := Decision{CanProceed: true, Sample: s}
	if batchSize <= 0 || avgFileSize <= 0 {
		return d
	}

	perFile := int64(float64(avgFileSize) * g.opts.ProcessingMultiplier)
	needed := perFile * int64(batchSize)
	if needed <= s.AvailableForProcessing {
		if s.UsagePercent >= g.opts.WarningThreshold {
			d.Warnings = append(d.Warnings, fmt.Sprintf("memory usage %.1f%% is above the warning threshold", s.UsagePercent))
		}
		return d
	}

	fit := int(s.AvailableForProcessing / perFile)
	if fit >= 1 {
		d.RecommendedBatchSize = fit
		d.Warnings = append(d.Warnings, fmt.Sprintf(
			"batch of %d needs %s but %s is available; reducing to %d",
			batchSize, formatBytes(needed), formatBytes(s.AvailableForProcessing), fit))
		return d
	}

	projected := float64(s.Used+perFile) / float64(s.Total) * 100
	if projected > g.opts.CriticalThreshold {
		d.CanProceed = false
		d.Warnings = append(d.Warnings, fmt.Sprintf(
			"insufficient memory: a single file needs %s, %s available, projected usage %.1f%% exceeds %.0f%%",
			formatBytes(perFile), formatBytes(s.AvailableForProcessing), projected, g.opts.CriticalThreshold))
		return d
	}

	d.RecommendedBatchSize = 1
	d.Warnings = append(d.Warnings, "memory is tight; processing one file at a time")
	return d
}

// Recommend returns the number of files of avgFileSize that fit in the
// processing share of availableMemory. It never returns less than 1.
func (g *Governor) Recommend(availableMemory, avgFileSize int64) int {
	if avgFileSize <= 0 {
		return 1
	}
	budget := float64(availableMemory) * g.opts.AvailableFraction
	n := int(budget / (float64(avgFileSize) * g.opts.ProcessingMultiplier))
	if n < 1 {
		return 1
	}
	return n
}

// StartMonitoring samples every interval and calls onWarning while usage is
// at or above the warning threshold. Starting again replaces the running
// monitor.
func (g *Governor) StartMonitoring(interval time.Duration, onWarning func(Warning)) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	g.monMu.Lock()
	defer g.monMu.Unlock()
	g.stopLocked()

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	g.ticker, g.stop, g.done = ticker, stop, done

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if w, ok := g.evaluate(g.Sample()); ok {
					g.logger.Warn("memory pressure", "level", w.Level, "usage_percent", w.Sample.UsagePercent)
					if w.Level == LevelCritical && g.opts.ReleaseOnCritical {
						runtime.GC()
						debug.FreeOSMemory()
					}
					if onWarning != nil {
						onWarning(w)
					}
				}
			}
		}
	}()
}

// StopMonitoring stops the monitor and waits for it to exit. It is safe to
// call when no monitor is running.
func (g *Governor) StopMonitoring() {
	g.monMu.Lock()
	defer g.monMu.Unlock()
	g.stopLocked()
}

// Monitoring reports whether a monitor is running.
func (g *Governor) Monitoring() bool {
	g.monMu.Lock()
	defer g.monMu.Unlock()
	return g.ticker != nil
}

func (g *Governor) stopLocked() {
	if g.ticker == nil {
		return
	}
	g.ticker.Stop()
	close(g.stop)
	<-g.done
	g.ticker, g.stop, g.done = nil, nil, nil
}

func (g *Governor) evaluate(s Sample) (Warning, bool) {
	switch {
	case s.UsagePercent >= g.opts.CriticalThreshold:
		return Warning{
			Level:   LevelCritical,
			Message: fmt.Sprintf("memory usage %.1f%% at or above critical threshold %.0f%%", s.UsagePercent, g.opts.CriticalThreshold),
			Sample:  s,
		}, true
	case s.UsagePercent >= g.opts.WarningThreshold:
		return Warning{
			Level:   LevelWarning,
			Message: fmt.Sprintf("memory usage %.1f%% at or above warning threshold %.0f%%", s.UsagePercent, g.opts.WarningThreshold),
			Sample:  s,
		}, true
	}
	return Warning{}, false
}

// Stats summarises the sample history.
func (g *Governor) Stats() Trend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history.trend()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
