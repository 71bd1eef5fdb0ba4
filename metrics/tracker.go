// Package metrics records scalar training metrics, keyed by tag and step, to
// one or more sinks.
package metrics

import (
	"context"
	"errors"
)

// Metric tags emitted by the training loop.
const (
	TagUpdateLoss       = "Loss/gradient_update"
	TagLearningRate     = "Performance/Learning Rate"
	TagImagesPerSecond  = "Performance/imgs per sec"
	TagEpochLoss        = "Loss/epoch"
	TagStepsPerEpoch    = "Performance/steps per epoch"
	TagUpdatesPerEpoch  = "Performance/update_steps per epoch"
	TagValidationLoss   = "Loss/validation"
	TagValidationPrefix = "Validation/"
)

// Tracker records scalar values.
type Tracker interface {
	Scalar(ctx context.Context, tag string, value float64, step int64) error
	Close() error
}

// Nop discards every value.
type Nop struct{}

func (Nop) Scalar(context.Context, string, float64, int64) error { return nil }
func (Nop) Close() error                                         { return nil }

type multi []Tracker

// Multi fans every value out to trackers.
func Multi(trackers ...Tracker) Tracker {
	switch len(trackers) {
	case 0:
		return Nop{}
	case 1:
		return trackers[0]
	}
	return multi(trackers)
}

func (m multi) Scalar(ctx context.Context, tag string, value float64, step int64) error {
	var errs []error
	for _, t := range m {
		if err := t.Scalar(ctx, tag, value, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
