package batch

import (
	"sync"

	"github.com/0x6d61/defectscan/internal/scanner"
)

const (
	// DefaultBatchSize is used when no size is configured.
	DefaultBatchSize = 10

	// DefaultMaxBatchSize caps sizes produced by Resize.
	DefaultMaxBatchSize = 100

	// MinResizedBatchSize is the floor applied by Resize.
	MinResizedBatchSize = 2
)

// SizeAdvisor recommends a batch size for the given memory headroom.
type SizeAdvisor interface {
	Recommend(availableMemory, avgFileSize int64) int
}

// Options configures a Scheduler.
type Options struct {
	BatchSize    int
	MaxBatchSize int
	Advisor      SizeAdvisor
}

// Scheduler emits batches lazily so that a resize applies from the next
// batch it constructs. It is safe for concurrent use: Resize may be called
// from a monitoring goroutine while the control loop calls Next.
type Scheduler struct {
	mu      sync.Mutex
	dirs    []dirUnits
	dirIdx  int
	unitIdx int
	size    int
	max     int
	nextID  int
	advisor SizeAdvisor
}

// NewScheduler prepares files for batching.
func NewScheduler(files []scanner.FileDescriptor, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.BatchSize > opts.MaxBatchSize {
		opts.MaxBatchSize = opts.BatchSize
	}
	return &Scheduler{
		dirs:    buildUnits(files),
		size:    opts.BatchSize,
		max:     opts.MaxBatchSize,
		nextID:  1,
		advisor: opts.Advisor,
	}
}

// Size returns the size the next batch will be built with.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Next builds the next batch. It returns false once every file has been
// emitted.
func (s *Scheduler) Next() (*Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, dir, ok := s.take(&s.dirIdx, &s.unitIdx, s.size)
	if !ok {
		return nil, false
	}
	b := &Batch{ID: s.nextID, Dir: dir, Files: files, Status: StatusPending}
	s.nextID++
	return b, true
}

// Remaining estimates how many batches are left at the current size.
func (s *Scheduler) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, u := s.dirIdx, s.unitIdx
	n := 0
	for {
		if _, _, ok := s.take(&d, &u, s.size); !ok {
			return n
		}
		n++
	}
}

// Resize recomputes the batch size from the memory headroom. The result is
// capped at the maximum, rounded down to an even number and never below
// MinResizedBatchSize. It takes effect from the next call to Next.
func (s *Scheduler) Resize(availableMemory, avgFileSize int64) int {
	var rec int
	if s.advisor != nil {
		rec = s.advisor.Recommend(availableMemory, avgFileSize)
	} else if avgFileSize > 0 {
		rec = int(availableMemory / avgFileSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = normalizeSize(rec, s.max)
	return s.size
}

func normalizeSize(n, max int) int {
	if n > max {
		n = max
	}
	n -= n % 2
	if n < MinResizedBatchSize {
		n = MinResizedBatchSize
	}
	return n
}

// take fills one batch of at most size files from the cursor (d, u) and
// advances it. A unit larger than size is taken whole when the batch is
// empty. Callers must hold s.mu.
func (s *Scheduler) take(d, u *int, size int) ([]scanner.FileDescriptor, string, bool) {
	for *d < len(s.dirs) && *u >= len(s.dirs[*d].units) {
		*d++
		*u = 0
	}
	if *d >= len(s.dirs) {
		return nil, "", false
	}

	cur := s.dirs[*d]
	var files []scanner.FileDescriptor
	for *u < len(cur.units) {
		next := cur.units[*u]
		if len(files) > 0 && len(files)+len(next) > size {
			break
		}
		files = append(files, next...)
		*u++
		if len(files) >= size {
			break
		}
	}
	return files, cur.dir, true
}

// Plan returns every batch for files at a fixed size.
func Plan(files []scanner.FileDescriptor, size int) []*Batch {
	s := NewScheduler(files, Options{BatchSize: size})
	var out []*Batch
	for {
		b, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, b)
	}
}
