package dataset

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/tsawler/go-finetune/catalog"
)

// Batch is a bucket-homogeneous group of items processed by one process in
// one micro-step.
type Batch struct {
	Index  int // position within this process's pass
	Bucket catalog.Bucket
	Items  []catalog.Item
	// Data holds the cached tensor file of each item once a preparer has
	// loaded it; nil before preparation.
	Data [][]byte
}

// SourceOptions configures a bucket batch source.
type SourceOptions struct {
	BatchSize int
	Rank      int
	WorldSize int
	Seed      int64
}

// BucketBatchSource yields one pass of bucket-homogeneous batches for a
// single process. Items are grouped by bucket, shuffled within the bucket,
// cut into full batches (leftovers dropped), shuffled across buckets and
// dealt round-robin to processes. The batch list is trimmed to a multiple of
// the process count so every process sees the same number of batches.
type BucketBatchSource struct {
	batches  []Batch
	position int
	mutex    sync.Mutex
}

// NewBucketBatchSource builds the pass for opts.Rank. Every process must use
// the same items and seed.
func NewBucketBatchSource(items []catalog.Item, opts SourceOptions) (*BucketBatchSource, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.WorldSize <= 0 {
		opts.WorldSize = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for %d processes", opts.Rank, opts.WorldSize)
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	byBucket := make(map[catalog.Bucket][]catalog.Item)
	for _, it := range items {
		byBucket[it.Bucket] = append(byBucket[it.Bucket], it)
	}
	keys := make([]catalog.Bucket, 0, len(byBucket))
	for k := range byBucket {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Width != keys[j].Width {
			return keys[i].Width < keys[j].Width
		}
		return keys[i].Height < keys[j].Height
	})

	var all []Batch
	for _, k := range keys {
		group := byBucket[k]
		sort.Slice(group, func(i, j int) bool { return group[i].Path < group[j].Path })
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		for start := 0; start+opts.BatchSize <= len(group); start += opts.BatchSize {
			all = append(all, Batch{Bucket: k, Items: group[start : start+opts.BatchSize]})
		}
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	all = all[:len(all)/opts.WorldSize*opts.WorldSize]

	mine := make([]Batch, 0, len(all)/opts.WorldSize)
	for i := opts.Rank; i < len(all); i += opts.WorldSize {
		b := all[i]
		b.Index = len(mine)
		mine = append(mine, b)
	}

	return &BucketBatchSource{batches: mine}, nil
}

// Len returns the number of batches in the pass.
func (s *BucketBatchSource) Len() int {
	return len(s.batches)
}

// Next returns the next batch, or false once the pass is exhausted.
func (s *BucketBatchSource) Next() (Batch, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.position >= len(s.batches) {
		return Batch{}, false
	}
	b := s.batches[s.position]
	s.position++
	return b, true
}

// StepsPerEpoch is the number of micro-steps one pass over n items yields
// for every process, ignoring per-bucket leftovers.
func StepsPerEpoch(n, batchSize, worldSize int) int {
	if batchSize <= 0 || worldSize <= 0 {
		return 0
	}
	return n / (batchSize * worldSize)
}
