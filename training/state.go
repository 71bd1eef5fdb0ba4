// Package training drives the resumable epoch loop: periodic evaluation,
// gradient-accumulated training steps, epoch logging and checkpointing, in
// lockstep across every process of a distributed.Group.
package training

import (
	"time"

	"github.com/tsawler/go-finetune/checkpoints"
)

// State holds the resumable counters. The orchestrator receives a State and
// returns the advanced State; nothing else mutates it.
type State struct {
	// Epoch counts completed epochs.
	Epoch int
	// GlobalStep counts micro-batches consumed across all epochs.
	GlobalStep int64
	// GlobalGradientUpdateStep counts non-discarded optimizer updates.
	GlobalGradientUpdateStep int64
	// SchedulerStep counts learning-rate schedule advances.
	SchedulerStep int64
}

// StateFromRecord restores the counters persisted in rec.
func StateFromRecord(rec *checkpoints.Record) State {
	sched := rec.SchedulerStep
	if sched == 0 {
		sched = rec.GlobalGradientUpdateStep
	}
	return State{
		Epoch:                    rec.Epoch,
		GlobalStep:               rec.GlobalStep,
		GlobalGradientUpdateStep: rec.GlobalGradientUpdateStep,
		SchedulerStep:            sched,
	}
}

// Record converts s into a checkpoint record.
func (s State) Record(runID string, now time.Time) checkpoints.Record {
	return checkpoints.Record{
		Epoch:                    s.Epoch,
		GlobalStep:               s.GlobalStep,
		GlobalGradientUpdateStep: s.GlobalGradientUpdateStep,
		SchedulerStep:            s.SchedulerStep,
		Metadata: checkpoints.Metadata{
			RunID:     runID,
			CreatedAt: now.UTC(),
		},
	}
}
