package dataset

import "github.com/tsawler/go-finetune/catalog"

// BucketArena accumulates items per bucket until a bucket group is full.
type BucketArena struct {
	queues map[catalog.Bucket][]string
}

// NewBucketArena returns an empty arena.
func NewBucketArena() *BucketArena {
	return &BucketArena{queues: make(map[catalog.Bucket][]string)}
}

// Add appends path to the queue of bucket b and returns the queue length.
func (a *BucketArena) Add(b catalog.Bucket, path string) int {
	a.queues[b] = append(a.queues[b], path)
	return len(a.queues[b])
}

// TryPopFull removes and returns bucket b's queue when it holds exactly size
// items. Partial groups stay in the arena.
func (a *BucketArena) TryPopFull(b catalog.Bucket, size int) ([]string, bool) {
	q := a.queues[b]
	if size <= 0 || len(q) != size {
		return nil, false
	}
	delete(a.queues, b)
	return q, true
}

// Pending returns the number of items held in partial groups.
func (a *BucketArena) Pending() int {
	n := 0
	for _, q := range a.queues {
		n += len(q)
	}
	return n
}
