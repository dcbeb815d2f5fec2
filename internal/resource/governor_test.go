package resource

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

func fixed(total, available int64) SampleFunc {
	return func() (MemoryInfo, error) {
		return MemoryInfo{Total: total, Available: available}, nil
	}
}

func TestSample_Derived(t *testing.T) {
	g := New(Options{Sampler: fixed(1000*mib, 400*mib)})
	s := g.Sample()

	assert.Equal(t, "host", s.Source)
	assert.Equal(t, int64(600*mib), s.Used)
	assert.InDelta(t, 60.0, s.UsagePercent, 0.001)
	assert.Equal(t, int64(200*mib), s.AvailableForProcessing)
	assert.NotZero(t, s.HeapInUse)
}

func TestSample_FallsBackOnError(t *testing.T) {
	g := New(Options{Sampler: func() (MemoryInfo, error) { return MemoryInfo{}, errors.New("no counters") }})
	s := g.Sample()

	assert.Equal(t, "default", s.Source)
	assert.Equal(t, int64(fallbackTotal), s.Total)
	assert.InDelta(t, 50.0, s.UsagePercent, 0.001)
}

func TestSample_HostReading(t *testing.T) {
	s := New(Options{}).Sample()
	assert.Positive(t, s.Total)
	assert.GreaterOrEqual(t, s.UsagePercent, 0.0)
	assert.LessOrEqual(t, s.UsagePercent, 100.0)
}

func TestCheckConstraints(t *testing.T) {
	tests := []struct {
		name       string
		total      int64
		available  int64
		batchSize  int
		avg        int64
		proceed    bool
		recommend  int
		wantWarned bool
	}{
		{
			name:  "fits",
			total: 1000 * mib, available: 600 * mib,
			batchSize: 10, avg: 1 * mib,
			proceed: true,
		},
		{
			name:  "reduced",
			total: 1000 * mib, available: 100 * mib, // 50 MiB for processing
			batchSize: 10, avg: 1 * mib, // 10 MiB per file
			proceed: true, recommend: 5, wantWarned: true,
		},
		{
			// 10% free with the default 95% critical threshold: not even one
			// file fits and it would push usage past critical.
			name:  "ten percent free denied",
			total: 1000 * mib, available: 100 * mib,
			batchSize: 4, avg: 8 * mib, // 80 MiB per file, 50 MiB budget
			proceed: false, wantWarned: true,
		},
		{
			name:  "tight but below critical",
			total: 10000 * mib, available: 3000 * mib, // 1500 MiB budget
			batchSize: 4, avg: 200 * mib, // 2000 MiB per file, projected 90%
			proceed: true, recommend: 1, wantWarned: true,
		},
		{
			name:  "above warning threshold still fits",
			total: 1000 * mib, available: 120 * mib,
			batchSize: 1, avg: 1 * mib,
			proceed: true, wantWarned: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Options{Sampler: fixed(tt.total, tt.available)})
			d := g.CheckConstraints(tt.batchSize, tt.avg)

			assert.Equal(t, tt.proceed, d.CanProceed)
			assert.Equal(t, tt.recommend, d.RecommendedBatchSize)
			if tt.wantWarned {
				assert.NotEmpty(t, d.Warnings)
			} else {
				assert.Empty(t, d.Warnings)
			}
		})
	}
}

func TestRecommend(t *testing.T) {
	g := New(Options{})
	assert.Equal(t, 50, g.Recommend(1000*mib, 1*mib))
	assert.Equal(t, 1, g.Recommend(1*mib, 1*mib))
	assert.Equal(t, 1, g.Recommend(1000*mib, 0))
}

type switchableSampler struct {
	mu   sync.Mutex
	info MemoryInfo
}

func (s *switchableSampler) set(total, available int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = MemoryInfo{Total: total, Available: available}
}

func (s *switchableSampler) read() (MemoryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, nil
}

func TestMonitoring_RaisesLevels(t *testing.T) {
	src := &switchableSampler{}
	src.set(100*mib, 50*mib)
	g := New(Options{Sampler: src.read})

	warnings := make(chan Warning, 64)
	g.StartMonitoring(5*time.Millisecond, func(w Warning) {
		select {
		case warnings <- w:
		default:
		}
	})
	defer g.StopMonitoring()

	select {
	case w := <-warnings:
		t.Fatalf("unexpected warning at 50%% usage: %+v", w)
	case <-time.After(30 * time.Millisecond):
	}

	src.set(100*mib, 2*mib)
	select {
	case w := <-warnings:
		assert.Equal(t, LevelCritical, w.Level)
		assert.InDelta(t, 98.0, w.Sample.UsagePercent, 0.001)
	case <-time.After(2 * time.Second):
		t.Fatal("no critical warning raised")
	}
}

func TestMonitoring_Idempotent(t *testing.T) {
	var calls atomic.Int64
	g := New(Options{Sampler: fixed(100*mib, 10*mib)})

	g.StopMonitoring() // stop before start is a no-op
	g.StartMonitoring(5*time.Millisecond, func(Warning) { calls.Add(1) })
	g.StartMonitoring(5*time.Millisecond, func(Warning) { calls.Add(1) })
	assert.True(t, g.Monitoring())

	require.Eventually(t, func() bool { return calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	g.StopMonitoring()
	g.StopMonitoring()
	assert.False(t, g.Monitoring())

	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no callbacks after stop")
}

func TestStats_Trend(t *testing.T) {
	src := &switchableSampler{}
	g := New(Options{Sampler: src.read, HistorySize: 4})

	for _, avail := range []int64{80, 70, 40, 30, 20} {
		src.set(100*mib, avail*mib)
		g.Sample()
	}
	tr := g.Stats()
	assert.Equal(t, 4, tr.Samples, "history is bounded")
	assert.Equal(t, DirectionRising, tr.Direction)
	assert.InDelta(t, 80.0, tr.MaxUsage, 0.001)
	assert.Equal(t, int64(20*mib), tr.MinAvailable)
	assert.InDelta(t, 60.0, tr.AvgUsage, 0.001)
}

func TestStats_Empty(t *testing.T) {
	tr := New(Options{}).Stats()
	assert.Equal(t, 0, tr.Samples)
	assert.Equal(t, DirectionStable, tr.Direction)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "8.0 MiB", formatBytes(8*mib))
}
