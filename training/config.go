package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-finetune/catalog"
)

// ErrInvalidConfig is returned for an unusable orchestrator configuration.
var ErrInvalidConfig = errors.New("invalid training configuration")

// Cadence gates a periodic action by epoch number.
type Cadence struct {
	Enabled      bool
	EveryNEpochs int
	StartEpoch   int
}

// Due reports whether the action runs for epoch. Epoch 0, the evaluation of
// the untrained model, is exempt from StartEpoch.
func (c Cadence) Due(epoch int) bool {
	if !c.Enabled {
		return false
	}
	every := max(1, c.EveryNEpochs)
	return (epoch >= c.StartEpoch || epoch == 0) && epoch%every == 0
}

// Config controls the orchestrator.
type Config struct {
	Epochs int
	// BatchSize is the per-process batch size.
	BatchSize         int
	AccumulationSteps int
	LearningRate      float64
	Scheduler         LRScheduler
	MaxGradNorm       float64

	Samples         Cadence
	ValidationImage Cadence
	ValidationLoss  Cadence
	Save            Cadence

	SamplePrompts        []string
	ValidationImageItems []catalog.Item

	RunID string
}

func (c *Config) validate() error {
	if c.Epochs < 0 {
		return fmt.Errorf("%w: epochs %d", ErrInvalidConfig, c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.AccumulationSteps <= 0 {
		return fmt.Errorf("%w: accumulation steps %d", ErrInvalidConfig, c.AccumulationSteps)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning rate %g", ErrInvalidConfig, c.LearningRate)
	}
	if c.Scheduler == nil {
		c.Scheduler = &ConstantScheduler{}
	}
	if c.MaxGradNorm <= 0 {
		c.MaxGradNorm = 1.0
	}
	return nil
}
