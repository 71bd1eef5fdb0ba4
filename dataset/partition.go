// Package dataset splits a verified catalog into training and validation
// subsets, persists the subsets as manifests and produces bucket-homogeneous
// batches for the training loop.
package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/tsawler/go-finetune/catalog"
)

// DefaultImageGroupSize is the group size validation-image scoring consumes.
const DefaultImageGroupSize = 3

// ErrInvalidPartition is returned for unusable partition settings.
var ErrInvalidPartition = errors.New("invalid partition configuration")

// PartitionConfig controls how the catalog is split.
type PartitionConfig struct {
	LossEnabled        bool
	LossTargetPercent  float64
	ImageEnabled       bool
	ImageTargetPercent float64
	BatchSize          int
	NumProcesses       int
	// ImageGroupSize rounds the validation-image subset down to a multiple of
	// this value. Zero means DefaultImageGroupSize.
	ImageGroupSize int
	// ExistingImage is a previously persisted validation-image list.
	ExistingImage []string
}

// GroupSize is the number of items one distributed step consumes.
func (c PartitionConfig) GroupSize() int {
	return c.BatchSize * c.NumProcesses
}

func (c PartitionConfig) validate() error {
	if c.BatchSize <= 0 || c.NumProcesses <= 0 {
		return fmt.Errorf("%w: batch size %d, processes %d", ErrInvalidPartition, c.BatchSize, c.NumProcesses)
	}
	if c.LossTargetPercent < 0 || c.LossTargetPercent > 1 || c.ImageTargetPercent < 0 || c.ImageTargetPercent > 1 {
		return fmt.Errorf("%w: target percentages must be within [0, 1]", ErrInvalidPartition)
	}
	if c.ImageGroupSize < 0 {
		return fmt.Errorf("%w: image group size %d", ErrInvalidPartition, c.ImageGroupSize)
	}
	return nil
}

// Partition is the result of splitting a catalog.
type Partition struct {
	Train           []string
	ValidationLoss  []string
	ValidationImage []string
	// SharedImage is true when ValidationImage is the validation-loss subset.
	SharedImage bool
	// Skipped lists descriptors that could not be parsed.
	Skipped []string
}

// Split partitions paths. idx holds the parsed descriptors; paths absent from
// idx are treated as unparseable and excluded from every subset. rng drives
// the shuffle and the validation-image draw.
func Split(paths []string, idx catalog.Index, cfg PartitionConfig, rng *rand.Rand, logger *slog.Logger) (*Partition, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	catalogSize := len(paths)
	shuffled := append([]string(nil), paths...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	p := &Partition{}
	readable := make([]string, 0, len(shuffled))
	for _, path := range shuffled {
		if _, ok := idx[path]; !ok {
			logger.Warn("descriptor could not be parsed, excluded from all subsets", "descriptor", path)
			p.Skipped = append(p.Skipped, path)
			continue
		}
		readable = append(readable, path)
	}

	if cfg.LossEnabled && cfg.LossTargetPercent > 0 {
		p.ValidationLoss = fillBuckets(readable, idx, cfg.GroupSize(), float64(catalogSize)*cfg.LossTargetPercent)
		if len(p.ValidationLoss) == 0 {
			logger.Warn("no full bucket group available, validation loss subset is empty",
				"group_size", cfg.GroupSize(), "catalog", catalogSize)
		}
	}
	inLoss := toSet(p.ValidationLoss)

	var imageOnly map[string]struct{}
	if cfg.ImageEnabled {
		if cfg.LossEnabled && cfg.ImageTargetPercent == cfg.LossTargetPercent {
			p.ValidationImage = append([]string(nil), p.ValidationLoss...)
			p.SharedImage = true
			logger.Info("using validation loss subset for validation image")
		} else {
			p.ValidationImage = drawImage(readable, idx, inLoss, catalogSize, cfg, rng, logger)
			imageOnly = toSet(p.ValidationImage)
		}
	}

	for _, path := range readable {
		if _, ok := inLoss[path]; ok {
			continue
		}
		if _, ok := imageOnly[path]; ok {
			continue
		}
		p.Train = append(p.Train, path)
	}

	sort.Strings(p.Train)
	sort.Strings(p.ValidationImage)
	return p, nil
}

// fillBuckets streams items into per-bucket groups, admitting a group only
// when it reaches groupSize, and stops once the admitted count exceeds target.
func fillBuckets(paths []string, idx catalog.Index, groupSize int, target float64) []string {
	arena := NewBucketArena()
	var admitted []string
	for _, path := range paths {
		b := idx[path].Bucket
		arena.Add(b, path)
		if group, ok := arena.TryPopFull(b, groupSize); ok {
			admitted = append(admitted, group...)
		}
		if float64(len(admitted)) > target {
			break
		}
	}
	return admitted
}

// drawImage builds an independent validation-image subset: it keeps readable
// entries of the existing list, then tops up from the validation-loss pool
// first and the remaining catalog second, or trims random excess entries.
func drawImage(readable []string, idx catalog.Index, inLoss map[string]struct{}, catalogSize int, cfg PartitionConfig, rng *rand.Rand, logger *slog.Logger) []string {
	group := cfg.ImageGroupSize
	if group == 0 {
		group = DefaultImageGroupSize
	}
	target := int(float64(catalogSize)*cfg.ImageTargetPercent) / group * group

	var image []string
	seen := make(map[string]struct{})
	for _, path := range cfg.ExistingImage {
		if _, dup := seen[path]; dup {
			continue
		}
		if _, ok := idx[path]; !ok {
			logger.Warn("validation image entry not in catalog, dropped", "descriptor", path)
			continue
		}
		seen[path] = struct{}{}
		image = append(image, path)
	}

	needed := target - len(image)
	switch {
	case needed > 0:
		var lossPool, trainPool []string
		for _, path := range readable {
			if _, ok := seen[path]; ok {
				continue
			}
			if _, ok := inLoss[path]; ok {
				lossPool = append(lossPool, path)
			} else {
				trainPool = append(trainPool, path)
			}
		}
		rng.Shuffle(len(lossPool), func(i, j int) { lossPool[i], lossPool[j] = lossPool[j], lossPool[i] })
		rng.Shuffle(len(trainPool), func(i, j int) { trainPool[i], trainPool[j] = trainPool[j], trainPool[i] })
		for _, pool := range [][]string{lossPool, trainPool} {
			take := min(needed, len(pool))
			image = append(image, pool[:take]...)
			needed -= take
		}
		if needed > 0 {
			logger.Warn("catalog too small for validation image target", "target", target, "short", needed)
			image = image[:len(image)/group*group]
		}
	case needed < 0:
		rng.Shuffle(len(image), func(i, j int) { image[i], image[j] = image[j], image[i] })
		image = image[:target]
	}
	return image
}

func toSet(paths []string) map[string]struct{} {
	s := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}
