// Package batch partitions a file listing into bounded-size work units that
// never split a header from its implementation file and never span two
// directories.
package batch

import (
	"time"

	"github.com/0x6d61/defectscan/internal/scanner"
)

// Status is the processing state of a batch.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// FileResult is the outcome of processing one file of a batch.
type FileResult struct {
	File         scanner.FileDescriptor
	DefectsFound int
	Err          error
}

// Batch is one unit of work. It is owned by the caller of Scheduler.Next
// until its outcome is recorded.
type Batch struct {
	ID        int
	Dir       string
	Files     []scanner.FileDescriptor
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Err       error
	Results   []FileResult
}

// Outcome is the retained summary of a finished batch.
type Outcome struct {
	ID        int           `json:"id"`
	Dir       string        `json:"dir"`
	Status    Status        `json:"status"`
	Files     int           `json:"files"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Defects   int           `json:"defects"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Outcome summarises b.
func (b *Batch) Outcome() Outcome {
	o := Outcome{
		ID:       b.ID,
		Dir:      b.Dir,
		Status:   b.Status,
		Files:    len(b.Files),
		Duration: b.EndTime.Sub(b.StartTime),
	}
	for _, r := range b.Results {
		if r.Err != nil {
			o.Failed++
			continue
		}
		o.Processed++
		o.Defects += r.DefectsFound
	}
	if b.Err != nil {
		o.Error = b.Err.Error()
	}
	return o
}

// Paths returns the paths of the batch's files in order.
func (b *Batch) Paths() []string {
	out := make([]string, len(b.Files))
	for i, f := range b.Files {
		out[i] = f.Path
	}
	return out
}
