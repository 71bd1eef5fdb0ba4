package distributed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-finetune/checkpoints"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// runAll drives fn once per group member on its own goroutine.
func runAll(ctx context.Context, groups []Group, fn func(ctx context.Context, g Group) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error { return fn(ctx, g) })
	}
	return eg.Wait()
}

func httpGroups(t *testing.T, n int) []Group {
	t.Helper()
	srv := httptest.NewServer(NewServer(n, testLogger()).Handler())
	t.Cleanup(srv.Close)

	groups := make([]Group, n)
	for rank := range groups {
		g, err := Dial(testContext(t), srv.URL, rank, n, testLogger())
		if err != nil {
			t.Fatalf("Dial rank %d: %v", rank, err)
		}
		t.Cleanup(func() { g.Close() })
		groups[rank] = g
	}
	return groups
}

func transports(t *testing.T, n int) map[string][]Group {
	return map[string][]Group{
		"local": NewLocalGroups(n, testLogger()),
		"http":  httpGroups(t, n),
	}
}

func TestAllMean(t *testing.T) {
	for name, groups := range transports(t, 4) {
		t.Run(name, func(t *testing.T) {
			got := make([]float64, len(groups))
			err := runAll(testContext(t), groups, func(ctx context.Context, g Group) error {
				for i := 0; i < 3; i++ {
					mean, err := g.AllMean(ctx, float64(g.Rank()+i))
					if err != nil {
						return err
					}
					got[g.Rank()] += mean
				}
				return nil
			})
			if err != nil {
				t.Fatalf("AllMean failed: %v", err)
			}
			// means 1.5, 2.5, 3.5
			want := []float64{7.5, 7.5, 7.5, 7.5}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("means mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBarrierMismatch(t *testing.T) {
	for name, groups := range transports(t, 2) {
		t.Run(name, func(t *testing.T) {
			err := runAll(testContext(t), groups, func(ctx context.Context, g Group) error {
				point := EpochStart
				if g.Rank() == 1 {
					point = BeforeSave
				}
				return g.Barrier(ctx, point)
			})
			if !errors.Is(err, ErrCollectiveMismatch) {
				t.Errorf("expected ErrCollectiveMismatch, got %v", err)
			}
		})
	}
}

func TestGatherWeights(t *testing.T) {
	for name, groups := range transports(t, 3) {
		t.Run(name, func(t *testing.T) {
			results := make([]*checkpoints.Weights, len(groups))
			err := runAll(testContext(t), groups, func(ctx context.Context, g Group) error {
				shard := &checkpoints.Weights{Tensors: []checkpoints.WeightTensor{{
					Name:   "w",
					Shape:  []int{6},
					Offset: 2 * g.Rank(),
					Data:   []float32{float32(2 * g.Rank()), float32(2*g.Rank() + 1)},
				}}}
				w, err := g.GatherWeights(ctx, shard)
				results[g.Rank()] = w
				return err
			})
			if err != nil {
				t.Fatalf("GatherWeights failed: %v", err)
			}

			want := &checkpoints.Weights{Tensors: []checkpoints.WeightTensor{{
				Name: "w", Shape: []int{6}, Data: []float32{0, 1, 2, 3, 4, 5},
			}}}
			if diff := cmp.Diff(want, results[CoordinatorRank]); diff != "" {
				t.Errorf("coordinator weights mismatch (-want +got):\n%s", diff)
			}
			for rank := 1; rank < len(results); rank++ {
				if results[rank] != nil {
					t.Errorf("rank %d received weights", rank)
				}
			}
		})
	}
}

func TestRendezvousReleasesRounds(t *testing.T) {
	r := newRendezvous(2)
	groups := []Group{newMember(0, 2, r, testLogger()), newMember(1, 2, r, testLogger())}
	err := runAll(testContext(t), groups, func(ctx context.Context, g Group) error {
		for _, p := range []SyncPoint{EpochStart, EpochEnd, BeforeSave, AfterSave} {
			if err := g.Barrier(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("barriers failed: %v", err)
	}
	if n := r.pending(); n != 0 {
		t.Errorf("%d rounds still held", n)
	}
}

func TestBarrierHonorsContext(t *testing.T) {
	groups := NewLocalGroups(2, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := groups[0].Barrier(ctx, EpochStart); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestSingleGroup(t *testing.T) {
	g := Single(testLogger())
	if !g.IsCoordinator() || g.WorldSize() != 1 {
		t.Fatalf("unexpected single group rank %d size %d", g.Rank(), g.WorldSize())
	}
	mean, err := g.AllMean(context.Background(), 0.25)
	if err != nil || mean != 0.25 {
		t.Errorf("AllMean = %v, %v", mean, err)
	}
}

func TestDialWorldSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(NewServer(2, testLogger()).Handler())
	defer srv.Close()

	if _, err := Dial(testContext(t), srv.URL, 0, 3, testLogger()); err == nil {
		t.Error("expected world size mismatch error")
	}
}

func TestRecorderCounts(t *testing.T) {
	rec := NewRecorder(Single(testLogger()))
	ctx := context.Background()
	for _, p := range []SyncPoint{EpochStart, EpochStart, BeforeSave, AfterSave} {
		if err := rec.Barrier(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	if rec.Count(EpochStart) != 2 || rec.Count(BeforeSave) != 1 || rec.Count(DatasetFinalized) != 0 {
		t.Errorf("unexpected counts: %v", rec.Sequence())
	}
	want := []SyncPoint{EpochStart, EpochStart, BeforeSave, AfterSave}
	if diff := cmp.Diff(want, rec.Sequence()); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncPointString(t *testing.T) {
	if EpochStart.String() != "epoch_start" {
		t.Errorf("EpochStart = %s", EpochStart)
	}
	if SyncPoint(99).String() != "sync_point(99)" {
		t.Errorf("unknown point = %s", SyncPoint(99))
	}
}
