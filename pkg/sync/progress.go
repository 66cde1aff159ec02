package sync

import (
	"fmt"
	"sync/atomic"

	units "github.com/docker/go-units"
)

// Progress aggregates transfer counters across workers. All methods are safe
// to call concurrently; Snapshot can be polled from a printer goroutine while
// the transfer runs.
type Progress struct {
	totalFiles int64
	doneFiles  int64
	totalBytes int64
	doneBytes  int64
}

// NewProgress returns a Progress expecting the given totals.
func NewProgress(totalFiles int, totalBytes int64) *Progress {
	return &Progress{totalFiles: int64(totalFiles), totalBytes: totalBytes}
}

// AddBytes records that n more bytes have been transferred.
func (p *Progress) AddBytes(n int64) {
	atomic.AddInt64(&p.doneBytes, n)
}

// FileDone records that one more file has finished, whether it succeeded,
// failed, or was skipped.
func (p *Progress) FileDone() {
	atomic.AddInt64(&p.doneFiles, 1)
}

// SkipBytes counts a skipped file's size as done, so the byte totals still
// reach 100% on a run that transfers almost nothing.
func (p *Progress) SkipBytes(n int64) {
	atomic.AddInt64(&p.doneBytes, n)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalFiles int64
	DoneFiles  int64
	TotalBytes int64
	DoneBytes  int64
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		TotalFiles: atomic.LoadInt64(&p.totalFiles),
		DoneFiles:  atomic.LoadInt64(&p.doneFiles),
		TotalBytes: atomic.LoadInt64(&p.totalBytes),
		DoneBytes:  atomic.LoadInt64(&p.doneBytes),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%d/%d files, %s/%s",
		s.DoneFiles, s.TotalFiles,
		units.BytesSize(float64(s.DoneBytes)), units.BytesSize(float64(s.TotalBytes)))
}
