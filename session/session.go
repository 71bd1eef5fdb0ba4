// Package session wires a fine-tuning run together from its configuration:
// catalog loading and verification, partitioning, manifests, the engine and
// the training orchestrator.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-finetune/async"
	"github.com/tsawler/go-finetune/catalog"
	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/config"
	"github.com/tsawler/go-finetune/dataset"
	"github.com/tsawler/go-finetune/distributed"
	"github.com/tsawler/go-finetune/engine"
	"github.com/tsawler/go-finetune/memory"
	"github.com/tsawler/go-finetune/metrics"
	"github.com/tsawler/go-finetune/optimizer"
	"github.com/tsawler/go-finetune/storage"
	"github.com/tsawler/go-finetune/training"
)

// defaultShuffleSeed keeps every process on the same batch order when no
// seed is configured.
const defaultShuffleSeed = 123

// Options are the inputs of one process's session.
type Options struct {
	Config *config.Config
	Group  distributed.Group
	// Out receives the coordinator's console output.
	Out    io.Writer
	Logger *slog.Logger

	// Gate replaces the content-hash gate when verification is enabled.
	Gate catalog.Gate
	Now  func() time.Time
}

// Result describes a finished session.
type Result struct {
	RunID string
	State training.State
}

// Run executes the session for this process.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg, g := opts.Config, opts.Group
	logger := opts.Logger.With("system", "session", "rank", g.Rank())
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var idx catalog.Index
	if g.IsCoordinator() {
		var err error
		idx, err = prepareDataset(ctx, cfg, g.WorldSize(), opts.Gate, logger)
		if err != nil {
			return nil, err
		}
	}
	if err := g.Barrier(ctx, distributed.DatasetFinalized); err != nil {
		return nil, err
	}

	m, err := dataset.ReadManifests(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		all := append(append(append([]string(nil), m.Train...), m.ValidationLoss...), m.ValidationImage...)
		if idx, err = catalog.ReadAll(ctx, all, cfg.Dataset.VerifyWorkers, logger); err != nil {
			return nil, err
		}
	}
	train := itemsOf(idx, m.Train)
	lossItems := itemsOf(idx, m.ValidationLoss)
	imageItems := itemsOf(idx, m.ValidationImage)

	if err := catalog.CheckResolution(train, cfg.LowestResolution(), cfg.Dataset.MaxResolution); err != nil {
		return nil, err
	}

	state, resumed, resumeWeights, runID, err := resume(cfg)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	tc := cfg.Training
	world := g.WorldSize()
	sizing := training.ComputeSizing(len(train), world, tc.BatchSize, tc.GradientAccumulationSteps, tc.Epochs)
	warmup := sizing.WarmupSteps(cfg.Schedule.WarmupPercent)
	scheduler, err := training.NewLRScheduler(training.ScheduleConfig{
		Name:        cfg.Schedule.Name,
		WarmupSteps: warmup,
		TotalSteps:  int64(sizing.TotalUpdateSteps),
		LREnd:       cfg.Schedule.LREnd,
		Power:       cfg.Schedule.Power,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	shuffleSeed := int64(defaultShuffleSeed)
	if tc.Seed != nil {
		shuffleSeed = *tc.Seed
	}

	mm := memory.NewManager()
	reclaimer := memory.NewReclaimer(mm, logger)
	reclaimer.EveryMicroStep = tc.ReclaimEveryMicroStep

	model, err := engine.NewModelTrainingEngine(engine.ModelConfig{
		Seed:              shuffleSeed,
		Rank:              g.Rank(),
		WorldSize:         world,
		AccumulationSteps: tc.GradientAccumulationSteps,
		MixedPrecision:    tc.MixedPrecision,
		Optimizer: optimizer.Config{
			Name:         tc.Optimizer.Name,
			LearningRate: float32(tc.LearningRate),
			Beta1:        float32(tc.Optimizer.Beta1),
			Beta2:        float32(tc.Optimizer.Beta2),
			Epsilon:      float32(tc.Optimizer.Epsilon),
			WeightDecay:  float32(tc.Optimizer.WeightDecay),
			Momentum:     float32(tc.Optimizer.Momentum),
		},
	}, g, mm, opts.Logger)
	if err != nil {
		return nil, err
	}
	defer model.Cleanup()
	if resumeWeights != nil {
		if err := model.LoadWeights(resumeWeights); err != nil {
			return nil, fmt.Errorf("restore weights: %w", err)
		}
	}

	deps := training.Dependencies{
		Group:     g,
		Model:     model,
		Batches:   batchesFor(train, cfg, g, shuffleSeed, true),
		Reclaimer: reclaimer,
		Out:       opts.Out,
		Now:       opts.Now,
	}
	if cfg.Validation.Loss.Enabled && len(lossItems) > 0 {
		deps.ValidationBatches = batchesFor(lossItems, cfg, g, shuffleSeed, false)
	}
	hook := func(cmd []string) engine.CommandHook {
		return engine.CommandHook{Command: cmd, Timeout: cfg.HookTimeoutDuration()}
	}
	if len(cfg.Hooks.SampleCommand) > 0 {
		deps.Renderer = &engine.CommandRenderer{
			Hook:      hook(cfg.Hooks.SampleCommand),
			OutputDir: filepath.Join(cfg.OutputDir, "samples"),
			Logger:    logger,
		}
	}
	if len(cfg.Hooks.ScoreCommand) > 0 {
		deps.Scorer = &engine.CommandScorer{
			Hook:    hook(cfg.Hooks.ScoreCommand),
			WorkDir: filepath.Join(cfg.OutputDir, "validation"),
		}
	}

	if g.IsCoordinator() {
		saver, closeTracker, tracker, err := coordinatorSinks(ctx, cfg, runID, logger)
		if err != nil {
			return nil, err
		}
		defer closeTracker()
		deps.Saver = saver
		deps.Tracker = tracker
		recordSizing(ctx, tracker, sizing, logger)
	}

	tcfg := training.Config{
		Epochs:            tc.Epochs,
		BatchSize:         tc.BatchSize,
		AccumulationSteps: tc.GradientAccumulationSteps,
		LearningRate:      tc.LearningRate,
		Scheduler:         scheduler,
		MaxGradNorm:       tc.MaxGradNorm,
		Samples: training.Cadence{
			Enabled:      cfg.Samples.Enabled,
			EveryNEpochs: cfg.Samples.EveryNEpochs,
			StartEpoch:   cfg.Samples.StartEpoch,
		},
		ValidationImage: cadenceOf(cfg.Validation.Image),
		ValidationLoss:  cadenceOf(cfg.Validation.Loss),
		Save: training.Cadence{
			Enabled:      !cfg.Checkpoint.Disabled,
			EveryNEpochs: cfg.Checkpoint.EveryNEpochs,
			StartEpoch:   cfg.Checkpoint.StartEpoch,
		},
		SamplePrompts:        m.SamplePrompts,
		ValidationImageItems: imageItems,
		RunID:                runID,
	}
	orch, err := training.New(tcfg, deps, opts.Logger)
	if err != nil {
		return nil, err
	}

	if g.IsCoordinator() {
		training.PrintSessionInfo(opts.Out, training.SessionInfo{
			RunID:             runID,
			OutputDir:         cfg.OutputDir,
			TrainItems:        len(train),
			ValidationLoss:    len(lossItems),
			ValidationImage:   len(imageItems),
			SamplePrompts:     len(m.SamplePrompts),
			WorldSize:         world,
			BatchSize:         tc.BatchSize,
			AccumulationSteps: tc.GradientAccumulationSteps,
			Epochs:            tc.Epochs,
			Sizing:            sizing,
			LearningRate:      tc.LearningRate,
			Schedule:          scheduler.GetName(),
			WarmupSteps:       warmup,
			Samples:           tcfg.Samples,
			ValidationImages:  tcfg.ValidationImage,
			ValidationLosses:  tcfg.ValidationLoss,
			Save:              tcfg.Save,
			ResumeEpoch:       state.Epoch,
		})
	}

	final, err := orch.Run(ctx, state, resumed)
	if err != nil {
		return nil, err
	}
	return &Result{RunID: runID, State: final}, nil
}

// prepareDataset builds the catalog, splits it and writes the manifests. It
// runs on the coordinator only.
func prepareDataset(ctx context.Context, cfg *config.Config, world int, gate catalog.Gate, logger *slog.Logger) (catalog.Index, error) {
	d := cfg.Dataset
	lists, err := catalog.ResolveLists(catalog.Sources{Dirs: d.CachedDatasetDirs, Lists: d.CachedDatasetLists}, logger)
	if err != nil {
		return nil, err
	}
	paths, err := catalog.ReadLists(lists, logger)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no descriptors in %d lists", catalog.ErrNoCatalog, len(lists))
	}

	if d.VerifyHashes {
		if gate == nil {
			gate = catalog.HashGate{}
		}
		var recacher catalog.Recacher
		if len(d.RecacheCommand) > 0 {
			recacher = &catalog.CommandRecacher{
				Command: d.RecacheCommand,
				Env: []string{
					fmt.Sprintf("FINETUNE_MIN_RESOLUTION=%d", cfg.LowestResolution()),
					fmt.Sprintf("FINETUNE_MAX_RESOLUTION=%d", d.MaxResolution),
				},
			}
		}
		res, err := catalog.Verify(ctx, paths, gate, recacher, d.VerifyWorkers, logger)
		if err != nil {
			return nil, err
		}
		paths = append(res.Passed, res.Recached...)
		if len(paths) == 0 {
			return nil, fmt.Errorf("%w: every item failed verification", catalog.ErrNoCatalog)
		}
	}

	idx, err := catalog.ReadAll(ctx, paths, d.VerifyWorkers, logger)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if cfg.Training.Seed != nil {
		rng = rand.New(rand.NewSource(*cfg.Training.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	existing, err := dataset.ReadOptionalList(cfg.Validation.ImageList)
	if err != nil {
		return nil, err
	}
	part, err := dataset.Split(paths, idx, dataset.PartitionConfig{
		LossEnabled:        cfg.Validation.Loss.Enabled,
		LossTargetPercent:  cfg.Validation.Loss.Percent,
		ImageEnabled:       cfg.Validation.Image.Enabled,
		ImageTargetPercent: cfg.Validation.Image.Percent,
		BatchSize:          cfg.Training.BatchSize,
		NumProcesses:       world,
		ImageGroupSize:     cfg.Validation.ImageGroupSize,
		ExistingImage:      existing,
	}, rng, logger)
	if err != nil {
		return nil, err
	}

	var prompts []string
	if cfg.Samples.Enabled {
		given, err := dataset.ReadOptionalList(cfg.Samples.PromptsFile)
		if err != nil {
			return nil, err
		}
		prompts = dataset.SamplePrompts(given, cfg.Samples.NumImages, itemsOf(idx, paths), rng.Intn)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}
	if err := dataset.FromPartition(part, prompts).Write(cfg.OutputDir); err != nil {
		return nil, err
	}
	logger.Info("dataset finalized",
		"train", len(part.Train),
		"validation_loss", len(part.ValidationLoss),
		"validation_image", len(part.ValidationImage),
		"skipped", len(part.Skipped),
		"output_dir", cfg.OutputDir)
	return idx, nil
}

// resume restores the counters and weights named by the checkpoint setting.
func resume(cfg *config.Config) (training.State, bool, *checkpoints.Weights, string, error) {
	path := cfg.Checkpoint.Resume
	if path == "" {
		return training.State{}, false, nil, "", nil
	}
	rec, err := checkpoints.Load(path)
	if err != nil {
		return training.State{}, false, nil, "", fmt.Errorf("resume: %w", err)
	}

	dir := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		dir = filepath.Dir(path)
	}
	weights, err := checkpoints.LoadWeights(dir)
	if err != nil {
		return training.State{}, false, nil, "", fmt.Errorf("resume: %w", err)
	}
	return training.StateFromRecord(rec), true, weights, rec.Metadata.RunID, nil
}

// coordinatorSinks opens the checkpoint saver and the metric trackers.
func coordinatorSinks(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (*checkpoints.Saver, func(), metrics.Tracker, error) {
	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return nil, nil, nil, err
	}
	var saverOpts []checkpoints.Option
	if cfg.Storage.Enabled() {
		sys, err := storage.New(cfg.Storage, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := sys.Start(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("start storage: %w", err)
		}
		saverOpts = append(saverOpts, checkpoints.WithMirror(sys, cfg.TrainName()))
	}
	saver := checkpoints.NewSaver(format, cfg.OutputDir, logger, saverOpts...)

	if cfg.Metrics.File == "" {
		if err := os.MkdirAll(cfg.RunLogDir(), 0o755); err != nil {
			return nil, nil, nil, err
		}
		cfg.Metrics.File = filepath.Join(cfg.RunLogDir(), "scalars.jsonl")
	}
	tracker, err := metrics.New(ctx, cfg.Metrics, runID, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	closeTracker := func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("closing metrics", "error", err)
		}
	}
	return saver, closeTracker, tracker, nil
}

// batchesFor builds the per-epoch batch source. Training batches are
// reshuffled every epoch; validation batches keep one order.
func batchesFor(items []catalog.Item, cfg *config.Config, g distributed.Group, seed int64, perEpoch bool) training.BatchSourceFunc {
	return func(ctx context.Context, epoch int) (training.BatchSource, error) {
		s := seed
		if perEpoch {
			s += int64(epoch)
		}
		src, err := dataset.NewBucketBatchSource(items, dataset.SourceOptions{
			BatchSize: cfg.Training.BatchSize,
			Rank:      g.Rank(),
			WorldSize: g.WorldSize(),
			Seed:      s,
		})
		if err != nil {
			return nil, err
		}
		loader, err := async.NewAsyncDataLoader(src, engine.CachePreparer{}, async.Config{
			PrefetchDepth: cfg.Training.PrefetchDepth,
			Workers:       cfg.Training.LoaderWorkers,
		})
		if err != nil {
			return nil, err
		}
		if err := loader.Start(ctx); err != nil {
			return nil, err
		}
		return loader, nil
	}
}

func cadenceOf(s *config.SubsetConfig) training.Cadence {
	return training.Cadence{Enabled: s.Enabled, EveryNEpochs: s.EveryNEpochs, StartEpoch: s.StartEpoch}
}

// recordSizing stores the per-epoch step counts. A failed write is logged
// and does not stop the run.
func recordSizing(ctx context.Context, tracker metrics.Tracker, sizing training.Sizing, logger *slog.Logger) {
	for _, sc := range []struct {
		tag   string
		value int
	}{
		{metrics.TagStepsPerEpoch, sizing.StepsPerEpoch},
		{metrics.TagUpdatesPerEpoch, sizing.UpdateStepsPerEpoch},
	} {
		if err := tracker.Scalar(ctx, sc.tag, float64(sc.value), 0); err != nil {
			logger.Warn("metric not recorded", "tag", sc.tag, "error", err)
		}
	}
}

func itemsOf(idx catalog.Index, paths []string) []catalog.Item {
	items := make([]catalog.Item, 0, len(paths))
	for _, p := range paths {
		if it, ok := idx[p]; ok {
			items = append(items, it)
		}
	}
	return items
}
