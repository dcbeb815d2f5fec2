package resource

// Direction is the coarse movement of memory usage over the history window.
type Direction string

const (
	DirectionRising  Direction = "rising"
	DirectionFalling Direction = "falling"
	DirectionStable  Direction = "stable"
)

// Trend summarises the sample history.
type Trend struct {
	Samples      int       `json:"samples"`
	AvgUsage     float64   `json:"avg_usage"`
	MaxUsage     float64   `json:"max_usage"`
	MinAvailable int64     `json:"min_available"`
	Direction    Direction `json:"direction"`
}

// trendBand is the usage difference, in percentage points, between the
// older and newer half of the window below which usage counts as stable.
const trendBand = 1.0

// ring is a fixed-capacity FIFO of samples.
type ring struct {
	buf   []Sample
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// items returns the samples oldest first.
func (r *ring) items() []Sample {
	out := make([]Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) trend() Trend {
	items := r.items()
	t := Trend{Samples: len(items), Direction: DirectionStable}
	if len(items) == 0 {
		return t
	}

	t.MinAvailable = items[0].Available
	var sum float64
	for _, s := range items {
		sum += s.UsagePercent
		if s.UsagePercent > t.MaxUsage {
			t.MaxUsage = s.UsagePercent
		}
		if s.Available < t.MinAvailable {
			t.MinAvailable = s.Available
		}
	}
	t.AvgUsage = sum / float64(len(items))

	if len(items) >= 2 {
		half := len(items) / 2
		older := avgUsage(items[:half])
		newer := avgUsage(items[len(items)-half:])
		switch {
		case newer-older > trendBand:
			t.Direction = DirectionRising
		case older-newer > trendBand:
			t.Direction = DirectionFalling
		}
	}
	return t
}

func avgUsage(s []Sample) float64 {
	var sum float64
	for _, x := range s {
		sum += x.UsagePercent
	}
	return sum / float64(len(s))
}
