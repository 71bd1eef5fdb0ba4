package training

import (
	"context"

	"github.com/tsawler/go-finetune/catalog"
	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/dataset"
	"github.com/tsawler/go-finetune/memory"
)

// MicroStepResult is the outcome of one forward and backward pass.
type MicroStepResult struct {
	// Loss is this process's loss for the batch.
	Loss float64
	// SyncGradients is true when the micro-step closes an accumulation window.
	SyncGradients bool
}

// Model is the gradient-computation engine of one process.
type Model interface {
	// MicroStep runs forward and backward on batch. final is true for the last
	// batch of the epoch.
	MicroStep(ctx context.Context, batch dataset.Batch, final bool) (MicroStepResult, error)
	// EvalLoss computes the loss on batch without touching gradients.
	EvalLoss(ctx context.Context, batch dataset.Batch) (float64, error)
	ClipGradients(ctx context.Context, maxNorm float64) error
	// OptimizerStep applies accumulated gradients. skipped reports a discarded
	// update, for instance after a numeric overflow; it must agree across processes.
	OptimizerStep(ctx context.Context) (skipped bool, err error)
	SetLearningRate(lr float64)
	ZeroGrad(ctx context.Context) error
	// Weights returns this process's shard of the model weights.
	Weights(ctx context.Context) (*checkpoints.Weights, error)
}

// SampleRenderer generates sample images from consolidated weights. It runs on
// the coordinator only.
type SampleRenderer interface {
	Render(ctx context.Context, weights *checkpoints.Weights, prompts []string, epoch int) error
}

// ImageScorer scores images generated for the validation-image subset. It runs
// on the coordinator only and returns one value per score name.
type ImageScorer interface {
	Score(ctx context.Context, weights *checkpoints.Weights, items []catalog.Item, epoch int) (map[string]float64, error)
}

// BatchSource yields one epoch of batches for this process.
type BatchSource interface {
	Next() (dataset.Batch, bool)
	Len() int
}

// BatchSourceFunc builds the batch source of an epoch.
type BatchSourceFunc func(ctx context.Context, epoch int) (BatchSource, error)

// Reclaimer releases memory at fixed points of the loop.
type Reclaimer interface {
	Reclaim(point memory.CleanupPoint)
}
