package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/tsawler/go-finetune/dataset"
)

// CachePreparer loads the cached tensor file of every item in a batch.
type CachePreparer struct {
	// MaxBytes bounds a single cache file; zero means no bound.
	MaxBytes int64
}

func (p CachePreparer) Prepare(ctx context.Context, batch dataset.Batch) (dataset.Batch, error) {
	batch.Data = make([][]byte, len(batch.Items))
	for i, it := range batch.Items {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		path := it.CachePath()
		if path == "" {
			return batch, fmt.Errorf("%s: descriptor names no cache file", it.Path)
		}
		if p.MaxBytes > 0 {
			info, err := os.Stat(path)
			if err != nil {
				return batch, err
			}
			if info.Size() > p.MaxBytes {
				return batch, fmt.Errorf("%s: cache file is %d bytes, limit %d", path, info.Size(), p.MaxBytes)
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return batch, err
		}
		batch.Data[i] = data
	}
	return batch, nil
}
