package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-finetune/catalog"
	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/dataset"
	"github.com/tsawler/go-finetune/distributed"
	"github.com/tsawler/go-finetune/memory"
	"github.com/tsawler/go-finetune/optimizer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func batchOf(fill byte) dataset.Batch {
	return dataset.Batch{Data: [][]byte{{fill, fill}, {fill}}}
}

func newEngine(t *testing.T, cfg ModelConfig, reducer Reducer) *ModelTrainingEngine {
	t.Helper()
	if cfg.Optimizer.Name == "" {
		cfg.Optimizer = optimizer.Config{Name: "sgd", LearningRate: 10}
	}
	mte, err := NewModelTrainingEngine(cfg, reducer, memory.NewManager(), testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(mte.Cleanup)
	return mte
}

func TestMicroStepSignalsAccumulationBoundary(t *testing.T) {
	ctx := context.Background()
	mte := newEngine(t, ModelConfig{AccumulationSteps: 2}, distributed.Single(testLogger()))

	var syncs []bool
	for i := 1; i <= 5; i++ {
		res, err := mte.MicroStep(ctx, batchOf(byte(i)), i == 5)
		if err != nil {
			t.Fatal(err)
		}
		syncs = append(syncs, res.SyncGradients)
		if res.SyncGradients {
			mte.ZeroGrad(ctx)
		}
	}
	if diff := cmp.Diff([]bool{false, true, false, true, true}, syncs); diff != "" {
		t.Errorf("sync pattern mismatch (-want +got):\n%s", diff)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	ctx := context.Background()
	mte := newEngine(t, ModelConfig{AccumulationSteps: 1, Seed: 7}, distributed.Single(testLogger()))
	batch := batchOf(128)

	first, _ := mte.EvalLoss(ctx, batch)
	for i := 0; i < 20; i++ {
		if _, err := mte.MicroStep(ctx, batch, false); err != nil {
			t.Fatal(err)
		}
		mte.ClipGradients(ctx, 1.0)
		skipped, err := mte.OptimizerStep(ctx)
		if err != nil || skipped {
			t.Fatalf("step %d: skipped=%v err=%v", i, skipped, err)
		}
		mte.ZeroGrad(ctx)
	}
	last, _ := mte.EvalLoss(ctx, batch)
	if last >= first {
		t.Errorf("loss did not decrease: %f -> %f", first, last)
	}
}

func TestOverflowDiscardsUpdate(t *testing.T) {
	ctx := context.Background()
	mte := newEngine(t, ModelConfig{AccumulationSteps: 1, MixedPrecision: true, InitScale: 1e12}, distributed.Single(testLogger()))
	batch := batchOf(200)

	before, _ := mte.EvalLoss(ctx, batch)
	if _, err := mte.MicroStep(ctx, batch, false); err != nil {
		t.Fatal(err)
	}
	mte.ClipGradients(ctx, 1.0)
	skipped, err := mte.OptimizerStep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !skipped {
		t.Fatal("expected the overflowed step to be discarded")
	}
	if mte.LossScale() != 5e11 {
		t.Errorf("loss scale = %g, want halved", mte.LossScale())
	}
	if after, _ := mte.EvalLoss(ctx, batch); after != before {
		t.Errorf("weights changed on a discarded step: %f -> %f", before, after)
	}
}

func TestLossScaleGrows(t *testing.T) {
	ctx := context.Background()
	mte := newEngine(t, ModelConfig{AccumulationSteps: 1, MixedPrecision: true, InitScale: 1, GrowthInterval: 2}, distributed.Single(testLogger()))
	for i := 0; i < 2; i++ {
		mte.MicroStep(ctx, batchOf(1), false)
		if skipped, _ := mte.OptimizerStep(ctx); skipped {
			t.Fatal("unexpected overflow")
		}
		mte.ZeroGrad(ctx)
	}
	if mte.LossScale() != 2 {
		t.Errorf("loss scale = %g, want 2", mte.LossScale())
	}
}

func TestReplicasStayIdentical(t *testing.T) {
	groups := distributed.NewLocalGroups(2, testLogger())
	engines := make([]*ModelTrainingEngine, 2)
	for rank := range engines {
		engines[rank] = newEngine(t, ModelConfig{AccumulationSteps: 1, Seed: 3, Rank: rank, WorldSize: 2}, groups[rank])
	}

	shards := make([]*checkpoints.Weights, 2)
	eg, ctx := errgroup.WithContext(context.Background())
	for rank, mte := range engines {
		eg.Go(func() error {
			// different data on each rank, averaged at sync
			if _, err := mte.MicroStep(ctx, batchOf(byte(50*(rank+1))), true); err != nil {
				return err
			}
			if _, err := mte.OptimizerStep(ctx); err != nil {
				return err
			}
			w, err := mte.Weights(ctx)
			shards[rank] = w
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	merged, err := checkpoints.Merge(shards...)
	if err != nil {
		t.Fatalf("shards do not merge: %v", err)
	}
	whole := newEngine(t, ModelConfig{Seed: 3}, distributed.Single(testLogger()))
	if err := whole.LoadWeights(merged); err != nil {
		t.Fatal(err)
	}

	held := batchOf(10)
	want, _ := whole.EvalLoss(context.Background(), held)
	for rank, mte := range engines {
		got, _ := mte.EvalLoss(context.Background(), held)
		if math.Abs(got-want) > 1e-12 {
			t.Errorf("rank %d diverged: loss %f, consolidated %f", rank, got, want)
		}
	}
}

func TestWeightsShardCoverage(t *testing.T) {
	var shards []*checkpoints.Weights
	for rank := 0; rank < 3; rank++ {
		mte := newEngine(t, ModelConfig{Rank: rank, WorldSize: 3}, distributed.Single(testLogger()))
		w, err := mte.Weights(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		shards = append(shards, w)
	}
	merged, err := checkpoints.Merge(shards...)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(merged.Tensors) != len(DefaultTensors()) {
		t.Errorf("merged %d tensors, want %d", len(merged.Tensors), len(DefaultTensors()))
	}
}

func TestLoadWeightsRejectsMissingTensor(t *testing.T) {
	mte := newEngine(t, ModelConfig{}, distributed.Single(testLogger()))
	if err := mte.LoadWeights(&checkpoints.Weights{}); err == nil {
		t.Error("expected error for empty weight set")
	}
}

func TestCachePreparer(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	batch := dataset.Batch{Items: []catalog.Item{
		{Path: filepath.Join(dir, "a.json"), Descriptor: catalog.Descriptor{CacheFile: "a.bin"}},
	}}

	got, err := CachePreparer{}.Prepare(context.Background(), batch)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if diff := cmp.Diff([][]byte{{1, 2, 3}}, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	if _, err := (CachePreparer{MaxBytes: 2}).Prepare(context.Background(), batch); err == nil {
		t.Error("expected error for oversized cache file")
	}
	batch.Items[0].CacheFile = "missing.bin"
	if _, err := (CachePreparer{}).Prepare(context.Background(), batch); err == nil {
		t.Error("expected error for missing cache file")
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandRenderer(t *testing.T) {
	requireShell(t)
	out := t.TempDir()
	r := &CommandRenderer{
		Hook: CommandHook{Command: []string{"sh", "-c",
			`cat > "$FINETUNE_OUTPUT_DIR/weights.pb"; cp "$FINETUNE_PROMPTS_FILE" "$FINETUNE_OUTPUT_DIR/prompts.txt"`}},
		OutputDir: out,
		Logger:    testLogger(),
	}
	weights := &checkpoints.Weights{Tensors: []checkpoints.WeightTensor{{Name: "w", Shape: []int{2}, Data: []float32{1, 2}}}}

	if err := r.Render(context.Background(), weights, []string{"a cat", "a dog"}, 4); err != nil {
		t.Fatalf("Render: %v", err)
	}

	prompts, err := os.ReadFile(filepath.Join(out, "4", "prompts.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(prompts) != "a cat\na dog\n" {
		t.Errorf("prompts = %q", prompts)
	}
	raw, err := os.ReadFile(filepath.Join(out, "4", "weights.pb"))
	if err != nil {
		t.Fatal(err)
	}
	var got checkpoints.Weights
	if err := got.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(weights, &got); diff != "" {
		t.Errorf("weights on stdin mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandScorer(t *testing.T) {
	requireShell(t)
	s := &CommandScorer{
		Hook: CommandHook{Command: []string{"sh", "-c",
			`cat > /dev/null; n=$(wc -l < "$FINETUNE_ITEMS_FILE"); echo "{\"items\": $n, \"epoch\": $FINETUNE_EPOCH}"`}},
		WorkDir: t.TempDir(),
	}
	items := []catalog.Item{{Path: "a.json"}, {Path: "b.json"}, {Path: "c.json"}}

	scores, err := s.Score(context.Background(), &checkpoints.Weights{}, items, 2)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if diff := cmp.Diff(map[string]float64{"items": 3, "epoch": 2}, scores); diff != "" {
		t.Errorf("scores mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandHookFailure(t *testing.T) {
	requireShell(t)
	h := CommandHook{Command: []string{"sh", "-c", "echo broken >&2; exit 3"}}
	_, err := h.run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("expected stderr in error, got %v", err)
	}
	if _, err := (CommandHook{}).run(context.Background(), nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestCommandHookDeadline(t *testing.T) {
	ctx, cancel := CommandHook{}.context(context.Background())
	defer cancel()
	if d, ok := ctx.Deadline(); ok {
		t.Errorf("hook without timeout has deadline %v", d)
	}

	ctx, cancel = CommandHook{Timeout: time.Minute}.context(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("hook with timeout has no deadline")
	}
}
