package optimizer

import (
	"fmt"

	"github.com/tsawler/go-finetune/memory"
)

// SGDOptimizerState holds SGD hyperparameters and optional momentum buffers.
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // Only allocated if momentum > 0
	tensors         int

	// Step tracking
	StepCount uint64

	memoryManager *memory.Manager
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
	}
}

// NewSGDOptimizer creates an SGD optimizer for tensors of the given sizes.
func NewSGDOptimizer(config SGDConfig, sizes []int, memoryManager *memory.Manager) (*SGDOptimizerState, error) {
	if memoryManager == nil {
		return nil, fmt.Errorf("memory manager cannot be nil")
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}

	sgd := &SGDOptimizerState{
		LearningRate:  config.LearningRate,
		Momentum:      config.Momentum,
		WeightDecay:   config.WeightDecay,
		tensors:       len(sizes),
		memoryManager: memoryManager,
	}
	if config.Momentum > 0 {
		bufs, err := allocate(memoryManager, sizes, "momentum")
		if err != nil {
			return nil, err
		}
		sgd.MomentumBuffers = bufs
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params, grads [][]float32) error {
	if err := checkShapes(params, grads, sgd.tensors); err != nil {
		return err
	}

	sgd.StepCount++
	for i, w := range params {
		for j, g := range grads[i] {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * w[j]
			}
			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				buf[j] = sgd.Momentum*buf[j] + g
				g = buf[j]
			}
			w[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

func (sgd *SGDOptimizerState) Name() string { return "sgd" }

// Cleanup returns the momentum buffers to the memory manager
func (sgd *SGDOptimizerState) Cleanup() {
	release(sgd.memoryManager, sgd.MomentumBuffers)
	sgd.MomentumBuffers = nil
}
