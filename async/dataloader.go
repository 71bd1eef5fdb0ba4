// Package async prefetches training batches in the background so that
// loading cached tensors overlaps with the training step.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tsawler/go-finetune/dataset"
)

// ErrStopped is returned by Err after Stop was called before the source was exhausted.
var ErrStopped = errors.New("data loader has been stopped")

// DataSource yields the batches of one pass.
type DataSource interface {
	Next() (dataset.Batch, bool)
	Len() int
}

// Preparer loads whatever a batch needs before the training step runs.
type Preparer interface {
	Prepare(ctx context.Context, batch dataset.Batch) (dataset.Batch, error)
}

// PreparerFunc adapts a function to Preparer.
type PreparerFunc func(ctx context.Context, batch dataset.Batch) (dataset.Batch, error)

func (f PreparerFunc) Prepare(ctx context.Context, batch dataset.Batch) (dataset.Batch, error) {
	return f(ctx, batch)
}

// Config holds configuration for the data loader.
type Config struct {
	PrefetchDepth int // Number of batches to prefetch (default: 3)
	Workers       int // Number of background workers (default: 2)
}

type result struct {
	batch dataset.Batch
	err   error
}

type job struct {
	batch dataset.Batch
	out   chan result
}

// AsyncDataLoader prepares batches on background workers and hands them out
// in source order.
type AsyncDataLoader struct {
	source   DataSource
	preparer Preparer
	cfg      Config

	jobs    chan job
	pending chan chan result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex     sync.Mutex
	isRunning bool
	produced  int
	err       error
}

// NewAsyncDataLoader creates a loader over source.
func NewAsyncDataLoader(source DataSource, preparer Preparer, cfg Config) (*AsyncDataLoader, error) {
	if source == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if preparer == nil {
		return nil, fmt.Errorf("preparer cannot be nil")
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &AsyncDataLoader{source: source, preparer: preparer, cfg: cfg}, nil
}

// Start begins the pipeline. It stops by itself once the source is exhausted
// or ctx ends.
func (adl *AsyncDataLoader) Start(ctx context.Context) error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.isRunning {
		return fmt.Errorf("data loader is already running")
	}

	adl.ctx, adl.cancel = context.WithCancel(ctx)
	adl.jobs = make(chan job, adl.cfg.PrefetchDepth)
	adl.pending = make(chan chan result, adl.cfg.PrefetchDepth)

	for i := 0; i < adl.cfg.Workers; i++ {
		adl.wg.Add(1)
		go adl.worker()
	}
	adl.wg.Add(1)
	go adl.dispatch()

	adl.isRunning = true
	return nil
}

// dispatch reads the source in order; pending preserves that order for the
// consumer while jobs spreads the work across workers.
func (adl *AsyncDataLoader) dispatch() {
	defer adl.wg.Done()
	defer close(adl.pending)
	defer close(adl.jobs)

	for {
		batch, ok := adl.source.Next()
		if !ok {
			return
		}
		out := make(chan result, 1)
		select {
		case adl.pending <- out:
		case <-adl.ctx.Done():
			return
		}
		select {
		case adl.jobs <- job{batch: batch, out: out}:
		case <-adl.ctx.Done():
			// out is already pending; a reader must not wait on it forever.
			out <- result{err: adl.ctx.Err()}
			return
		}
	}
}

func (adl *AsyncDataLoader) worker() {
	defer adl.wg.Done()

	for j := range adl.jobs {
		batch, err := adl.preparer.Prepare(adl.ctx, j.batch)
		j.out <- result{batch: batch, err: err}
	}
}

// Next returns the next prepared batch, blocking until it is ready. It
// returns false when the pass is over or a preparation failed; Err tells
// which.
func (adl *AsyncDataLoader) Next() (dataset.Batch, bool) {
	adl.mutex.Lock()
	if !adl.isRunning || adl.err != nil {
		adl.mutex.Unlock()
		return dataset.Batch{}, false
	}
	adl.mutex.Unlock()

	var r result
	select {
	case out, ok := <-adl.pending:
		if !ok {
			return dataset.Batch{}, false
		}
		select {
		case r = <-out:
		case <-adl.ctx.Done():
			r.err = adl.ctx.Err()
		}
	case <-adl.ctx.Done():
		r.err = adl.ctx.Err()
	}

	adl.mutex.Lock()
	defer adl.mutex.Unlock()
	if r.err != nil {
		if adl.err == nil {
			adl.err = fmt.Errorf("prepare batch %d: %w", adl.produced, r.err)
		}
		adl.cancel()
		return dataset.Batch{}, false
	}
	adl.produced++
	return r.batch, true
}

// Len returns the number of batches of the pass.
func (adl *AsyncDataLoader) Len() int {
	return adl.source.Len()
}

// Err returns the first preparation failure, if any.
func (adl *AsyncDataLoader) Err() error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()
	return adl.err
}

// Stop cancels the pipeline and waits for the workers to exit.
func (adl *AsyncDataLoader) Stop() error {
	adl.mutex.Lock()
	if !adl.isRunning {
		adl.mutex.Unlock()
		return nil
	}
	adl.cancel()
	adl.mutex.Unlock()

	// Drain so blocked workers can finish
	go func() {
		for out := range adl.pending {
			<-out
		}
	}()
	adl.wg.Wait()

	adl.mutex.Lock()
	defer adl.mutex.Unlock()
	if adl.produced < adl.source.Len() && adl.err == nil {
		adl.err = ErrStopped
	}
	adl.isRunning = false
	return nil
}

// Stats returns statistics about the data loader.
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	return AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		BatchesProduced: adl.produced,
		QueueCapacity:   adl.cfg.PrefetchDepth,
		Workers:         adl.cfg.Workers,
	}
}

// AsyncDataLoaderStats provides statistics about the data loader.
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced int
	QueueCapacity   int
	Workers         int
}
