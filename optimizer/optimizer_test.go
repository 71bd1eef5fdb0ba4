package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-finetune/memory"
)

func TestSGDStep(t *testing.T) {
	mm := memory.NewManager()
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1}, []int{2}, mm)
	if err != nil {
		t.Fatalf("Failed to create SGD optimizer: %v", err)
	}
	defer sgd.Cleanup()

	params := [][]float32{{1, -1}}
	if err := sgd.Step(params, [][]float32{{0.5, -2}}); err != nil {
		t.Fatal(err)
	}
	want := []float32{0.95, -0.8}
	for i := range want {
		if math.Abs(float64(params[0][i]-want[i])) > 1e-6 {
			t.Errorf("param %d = %f, want %f", i, params[0][i], want[i])
		}
	}
	if sgd.GetStepCount() != 1 {
		t.Errorf("step count = %d", sgd.GetStepCount())
	}
}

func TestSGDMomentum(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 1, Momentum: 0.5}, []int{1}, memory.NewManager())
	if err != nil {
		t.Fatal(err)
	}
	params := [][]float32{{0}}
	grads := [][]float32{{1}}
	sgd.Step(params, grads)
	sgd.Step(params, grads)
	// buf: 1 then 1.5, total movement 2.5
	if params[0][0] != -2.5 {
		t.Errorf("param = %f, want -2.5", params[0][0])
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, []int{3}, memory.NewManager())
	if err != nil {
		t.Fatal(err)
	}
	params := [][]float32{{1, 1, 1}}
	if err := adam.Step(params, [][]float32{{4, -0.5, 0}}); err != nil {
		t.Fatal(err)
	}
	// Bias-corrected first step is lr * sign(g).
	want := []float32{0.99, 1.01, 1}
	for i := range want {
		if math.Abs(float64(params[0][i]-want[i])) > 1e-5 {
			t.Errorf("param %d = %f, want %f", i, params[0][i], want[i])
		}
	}
}

func TestAdamWDecaysWeights(t *testing.T) {
	opt, err := New(Config{LearningRate: 0.1, WeightDecay: 0.5}, []int{1}, memory.NewManager())
	if err != nil {
		t.Fatal(err)
	}
	if opt.Name() != "adamw" {
		t.Errorf("default optimizer = %s, want adamw", opt.Name())
	}
	params := [][]float32{{2}}
	opt.Step(params, [][]float32{{0}})
	// zero gradient: only the decoupled decay applies
	if math.Abs(float64(params[0][0])-1.9) > 1e-6 {
		t.Errorf("param = %f, want 1.9", params[0][0])
	}
}

func TestStepShapeMismatch(t *testing.T) {
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), []int{2}, memory.NewManager())
	if err := adam.Step([][]float32{{1, 2}}, [][]float32{{1}}); err == nil {
		t.Error("expected error for mismatched gradient length")
	}
	if err := adam.Step([][]float32{{1, 2}, {3}}, [][]float32{{1, 2}, {3}}); err == nil {
		t.Error("expected error for extra tensor")
	}
}

func TestNewOptimizer(t *testing.T) {
	mm := memory.NewManager()
	for _, name := range []string{"", "adamw", "AdamW", "adam", "sgd"} {
		opt, err := New(Config{Name: name, LearningRate: 1e-4}, []int{4}, mm)
		if err != nil {
			t.Errorf("New(%q): %v", name, err)
			continue
		}
		opt.UpdateLearningRate(2e-4)
		opt.Cleanup()
	}
	if _, err := New(Config{Name: "lion"}, []int{4}, mm); err == nil {
		t.Error("expected error for unknown optimizer")
	}
	if _, err := New(Config{}, []int{4}, nil); err == nil {
		t.Error("expected error for nil memory manager")
	}
}
