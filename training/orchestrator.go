package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/distributed"
	"github.com/tsawler/go-finetune/memory"
	"github.com/tsawler/go-finetune/metrics"
)

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Group distributed.Group
	Model Model
	// Batches yields the training batches of an epoch.
	Batches BatchSourceFunc
	// ValidationBatches yields the validation-loss batches; nil disables
	// validation loss.
	ValidationBatches BatchSourceFunc
	Renderer          SampleRenderer
	Scorer            ImageScorer
	// Saver is used on the coordinator only.
	Saver     *checkpoints.Saver
	Tracker   metrics.Tracker
	Reclaimer Reclaimer
	// Out receives progress output on the coordinator.
	Out io.Writer
	Now func() time.Time
}

// EpochStats summarizes one TRAIN_STEPS phase.
type EpochStats struct {
	Epoch        int
	Steps        int64
	UpdateLosses []float64
	Skipped      int
	ImagesPerSec float64
}

// Loss returns the mean update-step loss of the epoch.
func (s EpochStats) Loss() (float64, bool) {
	if len(s.UpdateLosses) == 0 {
		return 0, false
	}
	var sum float64
	for _, l := range s.UpdateLosses {
		sum += l
	}
	return sum / float64(len(s.UpdateLosses)), true
}

// Orchestrator runs the epoch state machine
// PRE_EPOCH_EVAL → TRAIN_STEPS → POST_EPOCH_LOG → PERIODIC_PERSIST.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config, deps Dependencies, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Group == nil:
		return nil, fmt.Errorf("%w: no process group", ErrInvalidConfig)
	case deps.Model == nil:
		return nil, fmt.Errorf("%w: no model", ErrInvalidConfig)
	case deps.Batches == nil:
		return nil, fmt.Errorf("%w: no training batches", ErrInvalidConfig)
	case deps.Group.IsCoordinator() && deps.Saver == nil:
		return nil, fmt.Errorf("%w: coordinator needs a checkpoint saver", ErrInvalidConfig)
	case cfg.Samples.Enabled && deps.Renderer == nil:
		return nil, fmt.Errorf("%w: samples enabled without a renderer", ErrInvalidConfig)
	case cfg.ValidationImage.Enabled && deps.Scorer == nil:
		return nil, fmt.Errorf("%w: image validation enabled without a scorer", ErrInvalidConfig)
	}
	if deps.Tracker == nil {
		deps.Tracker = metrics.Nop{}
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("system", "training", "rank", deps.Group.Rank()),
	}, nil
}

// Run executes epochs until state.Epoch reaches the configured count and
// returns the final state. When resumed is true, state came from a checkpoint
// and evaluation for state.Epoch is not repeated.
func (o *Orchestrator) Run(ctx context.Context, state State, resumed bool) (State, error) {
	resumeEpoch := -1
	if resumed {
		resumeEpoch = state.Epoch
	}

	o.deps.Model.SetLearningRate(o.cfg.Scheduler.GetLR(state.SchedulerStep, o.cfg.LearningRate))
	start := o.deps.Now()

	for {
		if state.Epoch != resumeEpoch {
			if err := o.preEpochEval(ctx, state.Epoch); err != nil {
				return state, err
			}
		} else {
			o.logger.Info("resumed epoch, skipping evaluation", "epoch", state.Epoch)
		}

		state.Epoch++
		if state.Epoch > o.cfg.Epochs {
			state.Epoch--
			break
		}

		if err := o.deps.Group.Barrier(ctx, distributed.EpochStart); err != nil {
			return state, err
		}

		var stats EpochStats
		var err error
		state, stats, err = o.trainSteps(ctx, state)
		if err != nil {
			return state, err
		}

		if err := o.postEpochLog(ctx, stats); err != nil {
			return state, err
		}

		if o.cfg.Save.Due(state.Epoch) {
			if err := o.persist(ctx, state); err != nil {
				return state, err
			}
		}
		o.reclaim(memory.PostEpoch)
	}

	elapsed := o.deps.Now().Sub(start)
	o.logger.Info("training finished",
		"epoch", state.Epoch,
		"global_step", state.GlobalStep,
		"global_gradient_update_step", state.GlobalGradientUpdateStep,
		"elapsed", elapsed.Round(time.Second))
	if o.coordinator() {
		fmt.Fprintf(o.deps.Out, "\nTotal training time: %s\n", elapsed.Round(time.Second))
	}
	return state, nil
}

// preEpochEval runs the evaluation cadences for epoch. Every barrier is
// reached regardless of which actions are due.
func (o *Orchestrator) preEpochEval(ctx context.Context, epoch int) error {
	g := o.deps.Group

	var consolidated *checkpoints.Weights
	gathered := false
	gather := func() (*checkpoints.Weights, error) {
		if gathered {
			return consolidated, nil
		}
		shard, err := o.deps.Model.Weights(ctx)
		if err != nil {
			return nil, fmt.Errorf("weights: %w", err)
		}
		consolidated, err = g.GatherWeights(ctx, shard)
		if err != nil {
			return nil, err
		}
		gathered = true
		return consolidated, nil
	}

	if err := g.Barrier(ctx, distributed.BeforeSamples); err != nil {
		return err
	}
	if o.cfg.Samples.Due(epoch) && len(o.cfg.SamplePrompts) > 0 {
		weights, err := gather()
		if err != nil {
			return err
		}
		if o.coordinator() {
			o.logger.Info("rendering samples", "epoch", epoch, "prompts", len(o.cfg.SamplePrompts))
			if err := o.deps.Renderer.Render(ctx, weights, o.cfg.SamplePrompts, epoch); err != nil {
				return fmt.Errorf("render samples for epoch %d: %w", epoch, err)
			}
		}
	}
	if err := g.Barrier(ctx, distributed.AfterSamples); err != nil {
		return err
	}

	if err := g.Barrier(ctx, distributed.BeforeImageValidation); err != nil {
		return err
	}
	if o.cfg.ValidationImage.Due(epoch) && len(o.cfg.ValidationImageItems) > 0 {
		weights, err := gather()
		if err != nil {
			return err
		}
		if o.coordinator() {
			if err := o.scoreImages(ctx, weights, epoch); err != nil {
				return err
			}
		}
	}
	if err := g.Barrier(ctx, distributed.AfterImageValidation); err != nil {
		return err
	}

	if err := g.Barrier(ctx, distributed.BeforeLossValidation); err != nil {
		return err
	}
	if o.cfg.ValidationLoss.Due(epoch) && o.deps.ValidationBatches != nil {
		if err := o.validationLoss(ctx, epoch); err != nil {
			return err
		}
	}
	return g.Barrier(ctx, distributed.AfterLossValidation)
}

func (o *Orchestrator) scoreImages(ctx context.Context, weights *checkpoints.Weights, epoch int) error {
	o.logger.Info("scoring validation images", "epoch", epoch, "items", len(o.cfg.ValidationImageItems))
	scores, err := o.deps.Scorer.Score(ctx, weights, o.cfg.ValidationImageItems, epoch)
	if err != nil {
		return fmt.Errorf("score validation images for epoch %d: %w", epoch, err)
	}

	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		o.logger.Info("validation score", "epoch", epoch, "score", name, "value", scores[name])
		o.scalar(ctx, metrics.TagValidationPrefix+name, scores[name], int64(epoch))
	}
	return nil
}

// validationLoss evaluates every validation batch of this process; each batch
// loss is averaged across processes and the epoch value is the mean of those.
func (o *Orchestrator) validationLoss(ctx context.Context, epoch int) error {
	src, err := o.deps.ValidationBatches(ctx, epoch)
	if err != nil {
		return fmt.Errorf("validation batches: %w", err)
	}
	defer stop(src)

	var sum float64
	n := 0
	for {
		batch, ok := src.Next()
		if !ok {
			break
		}
		loss, err := o.deps.Model.EvalLoss(ctx, batch)
		if err != nil {
			return fmt.Errorf("validation loss: %w", err)
		}
		mean, err := o.deps.Group.AllMean(ctx, loss)
		if err != nil {
			return err
		}
		sum += mean
		n++
	}
	if err := sourceErr(src); err != nil {
		return fmt.Errorf("validation batches: %w", err)
	}
	if n == 0 {
		return nil
	}

	loss := sum / float64(n)
	o.logger.Info("validation loss", "epoch", epoch, "loss", loss, "batches", n)
	o.scalar(ctx, metrics.TagValidationLoss, loss, int64(epoch))
	return nil
}

func (o *Orchestrator) trainSteps(ctx context.Context, state State) (State, EpochStats, error) {
	stats := EpochStats{Epoch: state.Epoch}
	src, err := o.deps.Batches(ctx, state.Epoch)
	if err != nil {
		return state, stats, fmt.Errorf("training batches: %w", err)
	}
	defer stop(src)

	total := src.Len()
	o.logger.Info("epoch started",
		"epoch", state.Epoch,
		"epochs", o.cfg.Epochs,
		"steps", total,
		"global_gradient_update_step", state.GlobalGradientUpdateStep)

	var bar *ProgressBar
	if o.coordinator() {
		bar = NewProgressBar(o.deps.Out, fmt.Sprintf("Epoch %d/%d", state.Epoch, o.cfg.Epochs), total)
	}
	imagesPerStep := o.cfg.BatchSize * o.deps.Group.WorldSize()
	startStep := state.GlobalStep

	var window lossWindow
	for i := 1; ; i++ {
		batch, ok := src.Next()
		if !ok {
			break
		}

		began := o.deps.Now()
		res, err := o.deps.Model.MicroStep(ctx, batch, i == total)
		if err != nil {
			return state, stats, fmt.Errorf("micro-step %d: %w", state.GlobalStep+1, err)
		}
		loss, err := o.deps.Group.AllMean(ctx, res.Loss)
		if err != nil {
			return state, stats, err
		}
		window.add(loss)
		state.GlobalStep++
		if bar != nil {
			bar.Step(imagesPerStep, o.deps.Now().Sub(began), loss)
		}
		o.reclaim(memory.PostMicroStep)

		if !res.SyncGradients {
			continue
		}
		skipped, err := o.updateStep(ctx, &state)
		if err != nil {
			return state, stats, err
		}
		if skipped {
			stats.Skipped++
			o.logger.Warn("optimizer step skipped, loss values discarded",
				"global_step", state.GlobalStep,
				"global_gradient_update_step", state.GlobalGradientUpdateStep)
		} else {
			updateLoss := window.mean()
			stats.UpdateLosses = append(stats.UpdateLosses, updateLoss)
			o.scalar(ctx, metrics.TagUpdateLoss, updateLoss, state.GlobalGradientUpdateStep)
			o.scalar(ctx, metrics.TagLearningRate,
				o.cfg.Scheduler.GetLR(state.SchedulerStep, o.cfg.LearningRate), state.GlobalGradientUpdateStep)
		}
		if bar != nil {
			o.scalar(ctx, metrics.TagImagesPerSecond, bar.ImagesPerSecond(), state.GlobalGradientUpdateStep)
		}
		window.reset()
	}
	if err := sourceErr(src); err != nil {
		return state, stats, fmt.Errorf("training batches: %w", err)
	}

	if bar != nil {
		bar.Finish()
		stats.ImagesPerSec = bar.ImagesPerSecond()
	}
	stats.Steps = state.GlobalStep - startStep
	return state, stats, nil
}

// updateStep closes an accumulation window. A discarded optimizer step leaves
// the schedule and the update counter untouched.
func (o *Orchestrator) updateStep(ctx context.Context, state *State) (bool, error) {
	m := o.deps.Model
	if err := m.ClipGradients(ctx, o.cfg.MaxGradNorm); err != nil {
		return false, fmt.Errorf("clip gradients: %w", err)
	}
	skipped, err := m.OptimizerStep(ctx)
	if err != nil {
		return false, fmt.Errorf("optimizer step: %w", err)
	}
	if !skipped {
		state.SchedulerStep++
		m.SetLearningRate(o.cfg.Scheduler.GetLR(state.SchedulerStep, o.cfg.LearningRate))
		state.GlobalGradientUpdateStep++
	}
	if err := m.ZeroGrad(ctx); err != nil {
		return false, fmt.Errorf("zero gradients: %w", err)
	}
	return skipped, nil
}

func (o *Orchestrator) postEpochLog(ctx context.Context, stats EpochStats) error {
	if err := o.deps.Group.Barrier(ctx, distributed.EpochEnd); err != nil {
		return err
	}

	loss, ok := stats.Loss()
	attrs := []any{
		"epoch", stats.Epoch,
		"steps", stats.Steps,
		"update_steps", len(stats.UpdateLosses),
		"skipped_updates", stats.Skipped,
	}
	if ok {
		attrs = append(attrs, "loss", loss)
		o.scalar(ctx, metrics.TagEpochLoss, loss, int64(stats.Epoch))
	}
	o.logger.Info("epoch finished", attrs...)
	o.scalar(ctx, metrics.TagStepsPerEpoch, float64(stats.Steps), int64(stats.Epoch))
	o.scalar(ctx, metrics.TagUpdatesPerEpoch, float64(len(stats.UpdateLosses)), int64(stats.Epoch))

	if o.coordinator() {
		PrintEpochSummary(o.deps.Out, o.cfg.Epochs, stats)
	}
	return nil
}

// persist gathers the weights on every process and writes the checkpoint on
// the coordinator. A write failure ends the run.
func (o *Orchestrator) persist(ctx context.Context, state State) error {
	g := o.deps.Group
	if err := g.Barrier(ctx, distributed.BeforeSave); err != nil {
		return err
	}

	shard, err := o.deps.Model.Weights(ctx)
	if err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	weights, err := g.GatherWeights(ctx, shard)
	if err != nil {
		return err
	}
	if o.coordinator() {
		rec := state.Record(o.cfg.RunID, o.deps.Now())
		if _, err := o.deps.Saver.Save(ctx, rec, weights); err != nil {
			return err
		}
	}

	if err := g.Barrier(ctx, distributed.AfterSave); err != nil {
		return err
	}
	o.reclaim(memory.PostSave)
	return nil
}

// sourceErr reports a preparation failure of a prefetching source.
func sourceErr(src BatchSource) error {
	if failing, ok := src.(interface{ Err() error }); ok {
		return failing.Err()
	}
	return nil
}

// stop releases the workers of a prefetching source.
func stop(src BatchSource) {
	if s, ok := src.(interface{ Stop() error }); ok {
		s.Stop()
	}
}

func (o *Orchestrator) coordinator() bool {
	return o.deps.Group.IsCoordinator()
}

// scalar records a metric from the coordinator. Tracker failures are logged
// and otherwise ignored.
func (o *Orchestrator) scalar(ctx context.Context, tag string, value float64, step int64) {
	if !o.coordinator() {
		return
	}
	if err := o.deps.Tracker.Scalar(ctx, tag, value, step); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("metric not recorded", "tag", tag, "error", err)
	}
}

func (o *Orchestrator) reclaim(point memory.CleanupPoint) {
	if o.deps.Reclaimer != nil {
		o.deps.Reclaimer.Reclaim(point)
	}
}
