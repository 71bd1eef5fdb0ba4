package distributed

import (
	"context"
	"sync"
)

// Recorder wraps a Group and records every barrier it passes through.
type Recorder struct {
	Group

	mu       sync.Mutex
	counts   map[SyncPoint]int
	sequence []SyncPoint
}

// NewRecorder wraps g.
func NewRecorder(g Group) *Recorder {
	return &Recorder{Group: g, counts: make(map[SyncPoint]int)}
}

func (r *Recorder) Barrier(ctx context.Context, point SyncPoint) error {
	r.mu.Lock()
	r.counts[point]++
	r.sequence = append(r.sequence, point)
	r.mu.Unlock()
	return r.Group.Barrier(ctx, point)
}

// Count returns how often point was reached.
func (r *Recorder) Count(point SyncPoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[point]
}

// Sequence returns the barriers in the order they were reached.
func (r *Recorder) Sequence() []SyncPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SyncPoint(nil), r.sequence...)
}
