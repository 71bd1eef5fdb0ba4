package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Gate verifies descriptor-to-content consistency. A nil error means pass;
// any other error is the failure reason.
type Gate interface {
	Check(ctx context.Context, descriptorPath string) error
}

// Recacher rebuilds the cache for one image-caption pair and returns the new
// descriptor paths.
type Recacher interface {
	Recache(ctx context.Context, d Descriptor) ([]string, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, descriptorPath string) error

func (f GateFunc) Check(ctx context.Context, descriptorPath string) error {
	return f(ctx, descriptorPath)
}

// HashGate compares the SHA-256 digest of a descriptor's cache file with the
// digest recorded in the descriptor.
type HashGate struct{}

func (HashGate) Check(ctx context.Context, descriptorPath string) error {
	item, err := ReadDescriptor(descriptorPath)
	if err != nil {
		return err
	}
	if item.CacheFile == "" || item.ContentHash == "" {
		return fmt.Errorf("descriptor has no cache_file/content_hash")
	}

	f, err := os.Open(item.CachePath())
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != item.ContentHash {
		return fmt.Errorf("hash mismatch: descriptor %s, content %s", item.ContentHash, got)
	}
	return nil
}

// VerifyResult is the outcome of an integrity pass.
type VerifyResult struct {
	Passed   []string
	Recached []string
	Excluded []string
}

// Verify checks every path with gate. Failed items are recached once and the
// replacement descriptors checked again; a second failure excludes the item
// permanently. Passed paths keep their input order, recached paths follow.
func Verify(ctx context.Context, paths []string, gate Gate, recacher Recacher, workers int, logger *slog.Logger) (*VerifyResult, error) {
	if workers <= 0 {
		workers = 1
	}

	failures := make([]error, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			failures[i] = gate.Check(gctx, p)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &VerifyResult{}
	var failed []string
	for i, p := range paths {
		if failures[i] == nil {
			res.Passed = append(res.Passed, p)
			continue
		}
		logger.Warn("cached item failed verification", "descriptor", p, "reason", failures[i])
		failed = append(failed, p)
	}

	if len(failed) == 0 {
		logger.Info("all cached items passed verification", "count", len(res.Passed))
		return res, nil
	}
	logger.Warn("attempting to re-cache failed items", "count", len(failed))

	for _, p := range failed {
		ok := recacheOne(ctx, p, gate, recacher, res, logger)
		if !ok {
			res.Excluded = append(res.Excluded, p)
			logger.Error("cached item failed verification twice, excluded", "descriptor", p)
		}
	}

	logger.Info("completed dataset integrity check",
		"passed", len(res.Passed)+len(res.Recached),
		"excluded", len(res.Excluded))
	return res, nil
}

func recacheOne(ctx context.Context, path string, gate Gate, recacher Recacher, res *VerifyResult, logger *slog.Logger) bool {
	if recacher == nil {
		return false
	}

	item, err := ReadDescriptor(path)
	if err != nil {
		logger.Warn("cannot read descriptor for re-cache", "descriptor", path, "error", err)
		return false
	}

	fresh, err := recacher.Recache(ctx, item.Descriptor)
	if err != nil {
		logger.Warn("re-cache failed", "descriptor", path, "error", err)
		return false
	}
	if len(fresh) == 0 {
		return false
	}

	for _, np := range fresh {
		if err := gate.Check(ctx, np); err != nil {
			logger.Warn("re-cached item failed verification", "descriptor", np, "reason", err)
			return false
		}
	}
	res.Recached = append(res.Recached, fresh...)
	logger.Info("item re-cached successfully", "descriptor", path, "replacements", len(fresh))
	return true
}

// Index maps descriptor paths to parsed items.
type Index map[string]Item

// ReadAll parses every descriptor concurrently. Descriptors that fail to
// parse are logged and left out of the index.
func ReadAll(ctx context.Context, paths []string, workers int, logger *slog.Logger) (Index, error) {
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	idx := make(Index, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range paths {
		g.Go(func() error {
			item, err := ReadDescriptor(p)
			if err != nil {
				logger.Warn("skipping unreadable descriptor", "descriptor", p, "error", err)
				return gctx.Err()
			}
			mu.Lock()
			idx[p] = item
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return idx, nil
}
