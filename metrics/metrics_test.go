package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestJSONLTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "metrics.jsonl")
	tr, err := OpenJSONL(path, "run-1")
	if err != nil {
		t.Fatalf("OpenJSONL failed: %v", err)
	}

	ctx := context.Background()
	if err := tr.Scalar(ctx, TagUpdateLoss, 0.4, 1); err != nil {
		t.Fatal(err)
	}
	if err := tr.Scalar(ctx, TagEpochLoss, 0.3, 2); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []Point
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var p Point
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		got = append(got, p)
	}

	want := []Point{
		{RunID: "run-1", Tag: TagUpdateLoss, Value: 0.4, Step: 1},
		{RunID: "run-1", Tag: TagEpochLoss, Value: 0.3, Step: 2},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Point{}, "Time")); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
}

type failing struct{ closed bool }

func (f *failing) Scalar(context.Context, string, float64, int64) error {
	return errors.New("sink down")
}

func (f *failing) Close() error {
	f.closed = true
	return nil
}

type recording struct{ tags []string }

func (r *recording) Scalar(_ context.Context, tag string, _ float64, _ int64) error {
	r.tags = append(r.tags, tag)
	return nil
}

func (r *recording) Close() error { return nil }

func TestMultiContinuesPastFailures(t *testing.T) {
	bad := &failing{}
	rec := &recording{}
	m := Multi(bad, rec)

	if err := m.Scalar(context.Background(), TagLearningRate, 1e-5, 3); err == nil {
		t.Error("expected joined error")
	}
	if len(rec.tags) != 1 {
		t.Errorf("second sink saw %d values", len(rec.tags))
	}
	if err := m.Close(); err != nil || !bad.closed {
		t.Errorf("Close = %v, closed %v", err, bad.closed)
	}
}

func TestNewWithoutSinks(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	tr, err := New(context.Background(), cfg, "run", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(Nop); !ok {
		t.Errorf("expected Nop tracker, got %T", tr)
	}
}

func TestConfigRejectsTableName(t *testing.T) {
	cfg := &Config{Table: "scalars; DROP TABLE x"}
	if err := cfg.Finalize(nil); err == nil {
		t.Error("expected invalid table error")
	}
}

func TestConfigEnvOverride(t *testing.T) {
	t.Setenv("TEST_METRICS_FILE", "/tmp/m.jsonl")
	cfg := &Config{File: "a.jsonl"}
	if err := cfg.Finalize(&Env{File: "TEST_METRICS_FILE"}); err != nil {
		t.Fatal(err)
	}
	if cfg.File != "/tmp/m.jsonl" {
		t.Errorf("File = %s", cfg.File)
	}
}
