// Package optimizer applies parameter updates for the dry-run engine. State
// buffers come from the memory manager and are returned by Cleanup.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-finetune/memory"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step performs a single optimization step. grads must match params
	// tensor for tensor.
	Step(params, grads [][]float32) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// Name returns the configuration name of the optimizer.
	Name() string

	// Cleanup returns all state buffers to the memory manager
	Cleanup()
}

// Config selects and parameterizes an optimizer.
type Config struct {
	Name         string
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
}

// New builds the optimizer named in cfg for tensors of the given element
// counts. An empty name selects AdamW.
func New(cfg Config, sizes []int, mm *memory.Manager) (Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "adamw":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		c.Decoupled = true
		overrideAdam(&c, cfg)
		return NewAdamOptimizer(c, sizes, mm)
	case "adam":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		overrideAdam(&c, cfg)
		return NewAdamOptimizer(c, sizes, mm)
	case "sgd":
		c := DefaultSGDConfig()
		c.LearningRate = cfg.LearningRate
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		return NewSGDOptimizer(c, sizes, mm)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
}

func overrideAdam(c *AdamConfig, cfg Config) {
	if cfg.Beta1 > 0 {
		c.Beta1 = cfg.Beta1
	}
	if cfg.Beta2 > 0 {
		c.Beta2 = cfg.Beta2
	}
	if cfg.Epsilon > 0 {
		c.Epsilon = cfg.Epsilon
	}
	if cfg.WeightDecay > 0 {
		c.WeightDecay = cfg.WeightDecay
	}
}

// checkShapes validates that grads pairs with params.
func checkShapes(params, grads [][]float32, want int) error {
	if len(params) != want {
		return fmt.Errorf("expected %d weight tensors, got %d", want, len(params))
	}
	if len(grads) != len(params) {
		return fmt.Errorf("gradient tensors length (%d) doesn't match weight tensors length (%d)",
			len(grads), len(params))
	}
	for i := range params {
		if len(grads[i]) != len(params[i]) {
			return fmt.Errorf("tensor %d: %d gradients for %d weights", i, len(grads[i]), len(params[i]))
		}
	}
	return nil
}

// allocate takes one zeroed state buffer per tensor size from mm.
func allocate(mm *memory.Manager, sizes []int, what string) ([][]float32, error) {
	out := make([][]float32, 0, len(sizes))
	for i, size := range sizes {
		buf, err := mm.GetBuffer(size)
		if err != nil {
			release(mm, out)
			return nil, fmt.Errorf("failed to allocate %s buffer for weight %d: %w", what, i, err)
		}
		out = append(out, buf)
	}
	return out, nil
}

func release(mm *memory.Manager, bufs [][]float32) {
	for _, b := range bufs {
		mm.ReturnBuffer(b)
	}
}
