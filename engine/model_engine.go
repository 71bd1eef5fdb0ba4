// Package engine provides the gradient-computation side of a run: a synthetic
// dry-run model that exercises the orchestration end to end, the cache
// preparer that loads batch tensors, and command hooks for sample rendering
// and image scoring.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/dataset"
	"github.com/tsawler/go-finetune/memory"
	"github.com/tsawler/go-finetune/optimizer"
	"github.com/tsawler/go-finetune/training"
)

// fp16Max is the largest finite half-precision value; scaled gradients above
// it count as an overflow.
const fp16Max = 65504

// Reducer averages a scalar across every process.
type Reducer interface {
	AllMean(ctx context.Context, v float64) (float64, error)
}

// TensorSpec names one parameter tensor.
type TensorSpec struct {
	Name  string
	Shape []int
}

func (s TensorSpec) elements() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// DefaultTensors is a small stand-in for the trainable parameter set.
func DefaultTensors() []TensorSpec {
	return []TensorSpec{
		{Name: "unet.conv_in.weight", Shape: []int{32, 4, 3, 3}},
		{Name: "unet.conv_in.bias", Shape: []int{32}},
		{Name: "unet.time_embedding.linear_1.weight", Shape: []int{64, 32}},
		{Name: "text_encoder.token_embedding.weight", Shape: []int{16, 64}},
	}
}

// ModelConfig configures the dry-run engine.
type ModelConfig struct {
	Tensors           []TensorSpec
	Seed              int64
	Rank              int
	WorldSize         int
	AccumulationSteps int
	Optimizer         optimizer.Config

	// MixedPrecision emulates a dynamic loss scaler: an update whose scaled
	// gradients overflow half precision is discarded and the scale halved.
	MixedPrecision bool
	InitScale      float64 // default 65536
	GrowthInterval int     // default 2000
}

// ModelTrainingEngine is a data-parallel model with replicated parameters and
// a quadratic objective. Each batch pulls the parameters toward a target
// derived from its contents; gradients are averaged across processes when an
// accumulation window closes.
type ModelTrainingEngine struct {
	cfg     ModelConfig
	reducer Reducer
	mm      *memory.Manager
	opt     optimizer.Optimizer
	logger  *slog.Logger

	params [][]float32
	grads  [][]float32
	basis  [][]float32
	total  int

	accum     training.AccumulationCounter
	targetSum float64
	seen      int

	scale    float64
	growth   int
	overflow bool
}

// NewModelTrainingEngine allocates parameters from mm. Every process must use
// the same Seed so the replicas start identical.
func NewModelTrainingEngine(cfg ModelConfig, reducer Reducer, mm *memory.Manager, logger *slog.Logger) (*ModelTrainingEngine, error) {
	if reducer == nil || mm == nil {
		return nil, errors.New("engine requires a reducer and a memory manager")
	}
	if len(cfg.Tensors) == 0 {
		cfg.Tensors = DefaultTensors()
	}
	if cfg.WorldSize <= 0 {
		cfg.WorldSize = 1
	}
	if cfg.InitScale <= 0 {
		cfg.InitScale = 65536
	}
	if cfg.GrowthInterval <= 0 {
		cfg.GrowthInterval = 2000
	}

	mte := &ModelTrainingEngine{
		cfg:     cfg,
		reducer: reducer,
		mm:      mm,
		logger:  logger.With("system", "engine", "rank", cfg.Rank),
		accum:   training.AccumulationCounter{Steps: cfg.AccumulationSteps},
		scale:   cfg.InitScale,
	}

	sizes := make([]int, len(cfg.Tensors))
	for i, spec := range cfg.Tensors {
		sizes[i] = spec.elements()
		mte.total += sizes[i]
	}
	if err := mte.initializeModelParameters(sizes); err != nil {
		mte.Cleanup()
		return nil, err
	}

	opt, err := optimizer.New(cfg.Optimizer, sizes, mm)
	if err != nil {
		mte.Cleanup()
		return nil, err
	}
	mte.opt = opt
	return mte, nil
}

func (mte *ModelTrainingEngine) initializeModelParameters(sizes []int) error {
	rng := rand.New(rand.NewSource(mte.cfg.Seed))
	for i, size := range sizes {
		p, err := mte.mm.GetBuffer(size)
		if err != nil {
			return fmt.Errorf("allocate %s: %w", mte.cfg.Tensors[i].Name, err)
		}
		mte.params = append(mte.params, p)
		g, err := mte.mm.GetBuffer(size)
		if err != nil {
			return fmt.Errorf("allocate %s gradients: %w", mte.cfg.Tensors[i].Name, err)
		}
		mte.grads = append(mte.grads, g)
		b, err := mte.mm.GetBuffer(size)
		if err != nil {
			return fmt.Errorf("allocate %s basis: %w", mte.cfg.Tensors[i].Name, err)
		}
		mte.basis = append(mte.basis, b)

		// Xavier-style init scaled by the tensor's fan-in
		std := math.Sqrt(1 / float64(max(1, mte.cfg.Tensors[i].Shape[len(mte.cfg.Tensors[i].Shape)-1])))
		for j := range p {
			p[j] = float32(rng.NormFloat64() * std)
			b[j] = float32(rng.NormFloat64())
		}
	}
	return nil
}

// batchTarget maps a batch to a scalar. Prepared batches use the mean byte of
// their cached tensors; unprepared ones hash their descriptor paths.
func batchTarget(batch dataset.Batch) float64 {
	var sum, n float64
	for _, d := range batch.Data {
		for _, b := range d {
			sum += float64(b)
			n++
		}
	}
	if n > 0 {
		return sum / n / 255
	}

	h := fnv.New64a()
	for _, it := range batch.Items {
		h.Write([]byte(it.Path))
	}
	return float64(h.Sum64()%10000) / 10000
}

func (mte *ModelTrainingEngine) loss(target float64) float64 {
	var sum float64
	for i, p := range mte.params {
		for j, w := range p {
			d := float64(w) - target*float64(mte.basis[i][j])
			sum += d * d
		}
	}
	return sum / float64(mte.total)
}

// MicroStep accumulates the batch target and, when the window closes,
// averages it across processes and materializes the gradients.
func (mte *ModelTrainingEngine) MicroStep(ctx context.Context, batch dataset.Batch, final bool) (training.MicroStepResult, error) {
	if err := ctx.Err(); err != nil {
		return training.MicroStepResult{}, err
	}

	target := batchTarget(batch)
	res := training.MicroStepResult{Loss: mte.loss(target)}
	mte.targetSum += target
	mte.seen++

	if !mte.accum.Next(final) {
		return res, nil
	}
	res.SyncGradients = true

	mean, err := mte.reducer.AllMean(ctx, mte.targetSum/float64(mte.seen))
	if err != nil {
		return res, fmt.Errorf("synchronize gradients: %w", err)
	}
	mte.computeGradients(mean)
	return res, nil
}

func (mte *ModelTrainingEngine) computeGradients(target float64) {
	mte.overflow = false
	n := float64(mte.total)
	for i, p := range mte.params {
		g := mte.grads[i]
		for j, w := range p {
			v := 2 * (float64(w) - target*float64(mte.basis[i][j])) / n
			if math.IsNaN(v) || math.IsInf(v, 0) ||
				(mte.cfg.MixedPrecision && math.Abs(v*mte.scale) > fp16Max) {
				mte.overflow = true
			}
			g[j] = float32(v)
		}
	}
}

// EvalLoss computes the loss on batch without touching gradients.
func (mte *ModelTrainingEngine) EvalLoss(ctx context.Context, batch dataset.Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return mte.loss(batchTarget(batch)), nil
}

// ClipGradients rescales the gradients to at most maxNorm in L2 norm. It is a
// no-op on an overflowed step.
func (mte *ModelTrainingEngine) ClipGradients(_ context.Context, maxNorm float64) error {
	if mte.overflow || maxNorm <= 0 {
		return nil
	}
	var sq float64
	for _, g := range mte.grads {
		for _, v := range g {
			sq += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm {
		return nil
	}
	coef := float32(maxNorm / (norm + 1e-6))
	for _, g := range mte.grads {
		for j := range g {
			g[j] *= coef
		}
	}
	return nil
}

// OptimizerStep applies the gradients unless the step overflowed. Replicas
// hold identical gradients after synchronization, so the decision agrees
// across processes.
func (mte *ModelTrainingEngine) OptimizerStep(_ context.Context) (bool, error) {
	if mte.overflow {
		mte.scale /= 2
		mte.growth = 0
		mte.logger.Debug("gradient overflow, update discarded", "loss_scale", mte.scale)
		return true, nil
	}
	if err := mte.opt.Step(mte.params, mte.grads); err != nil {
		return false, fmt.Errorf("optimizer step: %w", err)
	}
	if mte.cfg.MixedPrecision {
		mte.growth++
		if mte.growth >= mte.cfg.GrowthInterval {
			mte.scale *= 2
			mte.growth = 0
		}
	}
	return false, nil
}

func (mte *ModelTrainingEngine) SetLearningRate(lr float64) {
	mte.opt.UpdateLearningRate(float32(lr))
}

// ZeroGrad clears the gradients and the accumulated targets.
func (mte *ModelTrainingEngine) ZeroGrad(_ context.Context) error {
	for _, g := range mte.grads {
		clear(g)
	}
	mte.targetSum, mte.seen = 0, 0
	mte.overflow = false
	return nil
}

// Weights returns this process's shard: a contiguous slice of every tensor.
func (mte *ModelTrainingEngine) Weights(_ context.Context) (*checkpoints.Weights, error) {
	r, w := mte.cfg.Rank, mte.cfg.WorldSize
	out := &checkpoints.Weights{}
	for i, spec := range mte.cfg.Tensors {
		n := len(mte.params[i])
		lo, hi := r*n/w, (r+1)*n/w
		if lo == hi {
			continue
		}
		out.Tensors = append(out.Tensors, checkpoints.WeightTensor{
			Name:   spec.Name,
			Shape:  append([]int(nil), spec.Shape...),
			Offset: lo,
			Data:   append([]float32(nil), mte.params[i][lo:hi]...),
		})
	}
	return out, nil
}

// LoadWeights restores consolidated weights, for instance on resume.
func (mte *ModelTrainingEngine) LoadWeights(w *checkpoints.Weights) error {
	for i, spec := range mte.cfg.Tensors {
		t, ok := w.Tensor(spec.Name)
		if !ok {
			return fmt.Errorf("checkpoint has no tensor %s", spec.Name)
		}
		if t.Offset != 0 || len(t.Data) != len(mte.params[i]) {
			return fmt.Errorf("tensor %s: got %d elements at offset %d, want %d",
				spec.Name, len(t.Data), t.Offset, len(mte.params[i]))
		}
		copy(mte.params[i], t.Data)
	}
	return nil
}

// LossScale returns the current dynamic loss scale.
func (mte *ModelTrainingEngine) LossScale() float64 {
	return mte.scale
}

// Cleanup returns every buffer to the memory manager.
func (mte *ModelTrainingEngine) Cleanup() {
	if mte.opt != nil {
		mte.opt.Cleanup()
	}
	for _, set := range [][][]float32{mte.params, mte.grads, mte.basis} {
		for _, b := range set {
			mte.mm.ReturnBuffer(b)
		}
	}
	mte.params, mte.grads, mte.basis = nil, nil, nil
}
