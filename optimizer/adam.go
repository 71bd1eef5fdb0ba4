package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-finetune/memory"
)

// AdamOptimizerState holds the moment estimates of Adam and AdamW.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32
	Decoupled    bool // AdamW: decay the weights directly instead of the gradient

	MomentumBuffers [][]float32 // First moment for each weight tensor
	VarianceBuffers [][]float32 // Second moment for each weight tensor

	// Step tracking for bias correction
	StepCount uint64

	memoryManager *memory.Manager
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
	Decoupled    bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer for tensors of the given sizes.
func NewAdamOptimizer(config AdamConfig, sizes []int, memoryManager *memory.Manager) (*AdamOptimizerState, error) {
	if memoryManager == nil {
		return nil, fmt.Errorf("memory manager cannot be nil")
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}

	momentum, err := allocate(memoryManager, sizes, "momentum")
	if err != nil {
		return nil, err
	}
	variance, err := allocate(memoryManager, sizes, "variance")
	if err != nil {
		release(memoryManager, momentum)
		return nil, err
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		Decoupled:       config.Decoupled,
		MomentumBuffers: momentum,
		VarianceBuffers: variance,
		memoryManager:   memoryManager,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params, grads [][]float32) error {
	if err := checkShapes(params, grads, len(adam.MomentumBuffers)); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(float64(adam.Beta1), t)
	bc2 := 1 - math.Pow(float64(adam.Beta2), t)
	lr := float64(adam.LearningRate)
	b1, b2 := float64(adam.Beta1), float64(adam.Beta2)
	wd := float64(adam.WeightDecay)

	for i, w := range params {
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j, g32 := range grads[i] {
			g := float64(g32)
			p := float64(w[j])
			if wd != 0 {
				if adam.Decoupled {
					p -= lr * wd * p
				} else {
					g += wd * p
				}
			}
			mj := b1*float64(m[j]) + (1-b1)*g
			vj := b2*float64(v[j]) + (1-b2)*g*g
			m[j], v[j] = float32(mj), float32(vj)
			p -= lr * (mj / bc1) / (math.Sqrt(vj/bc2) + float64(adam.Epsilon))
			w[j] = float32(p)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

func (adam *AdamOptimizerState) Name() string {
	if adam.Decoupled {
		return "adamw"
	}
	return "adam"
}

// Cleanup returns the moment buffers to the memory manager
func (adam *AdamOptimizerState) Cleanup() {
	release(adam.memoryManager, adam.MomentumBuffers)
	release(adam.memoryManager, adam.VarianceBuffers)
	adam.MomentumBuffers = nil
	adam.VarianceBuffers = nil
}
