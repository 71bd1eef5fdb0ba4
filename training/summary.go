package training

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Sizing derives the step counts of a session from the train subset size.
type Sizing struct {
	StepsPerEpoch       int
	UpdateStepsPerEpoch int
	TotalSteps          int
	TotalUpdateSteps    int
}

// ComputeSizing sizes a session: one step consumes batchSize items on each of
// worldSize processes and one update closes accumulation steps.
func ComputeSizing(trainItems, worldSize, batchSize, accumulation, epochs int) Sizing {
	steps := trainItems / max(1, worldSize*batchSize)
	updates := steps / max(1, accumulation)
	return Sizing{
		StepsPerEpoch:       steps,
		UpdateStepsPerEpoch: updates,
		TotalSteps:          steps * epochs,
		TotalUpdateSteps:    updates * epochs,
	}
}

// WarmupSteps converts a warm-up fraction of the total update steps into a step count.
func (s Sizing) WarmupSteps(percent float64) int64 {
	return int64(percent * float64(s.TotalUpdateSteps))
}

// SessionInfo is printed once by the coordinator before training starts.
type SessionInfo struct {
	RunID             string
	OutputDir         string
	TrainItems        int
	ValidationLoss    int
	ValidationImage   int
	SamplePrompts     int
	WorldSize         int
	BatchSize         int
	AccumulationSteps int
	Epochs            int
	Sizing            Sizing
	LearningRate      float64
	Schedule          string
	WarmupSteps       int64
	Samples           Cadence
	ValidationImages  Cadence
	ValidationLosses  Cadence
	Save              Cadence
	ResumeEpoch       int
}

// PrintSessionInfo writes the session information table.
func PrintSessionInfo(w io.Writer, info SessionInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, " %s\t%v\n", k, v) }

	fmt.Fprintln(tw, "Session information")
	row("run_id", info.RunID)
	row("output_dir", info.OutputDir)
	if info.ResumeEpoch > 0 {
		row("resume_epoch", info.ResumeEpoch)
	}

	fmt.Fprintln(tw, "#dataset & batch size")
	row("train_items", info.TrainItems)
	row("num_processes", info.WorldSize)
	row("batch_size", info.BatchSize)
	row("gradient_accumulation_steps", info.AccumulationSteps)
	row("effective_batch_size", info.WorldSize*info.BatchSize*info.AccumulationSteps)

	fmt.Fprintln(tw, "#epochs & steps")
	row("epochs", info.Epochs)
	row("steps_per_epoch", info.Sizing.StepsPerEpoch)
	row("update_steps_per_epoch", info.Sizing.UpdateStepsPerEpoch)
	row("total_steps", info.Sizing.TotalSteps)
	row("total_update_steps", info.Sizing.TotalUpdateSteps)

	fmt.Fprintln(tw, "#optimizer & learning rate")
	row("learning_rate", info.LearningRate)
	row("schedule", info.Schedule)
	row("warmup_update_steps", info.WarmupSteps)
	if info.Sizing.UpdateStepsPerEpoch > 0 {
		row("approximate_warmup_epochs", fmt.Sprintf("%.2f", float64(info.WarmupSteps)/float64(info.Sizing.UpdateStepsPerEpoch)))
	}

	fmt.Fprintln(tw, "#samples & validation")
	row("samples", cadence(info.Samples))
	row("sample_prompts", info.SamplePrompts)
	row("validation_loss", cadence(info.ValidationLosses))
	row("validation_loss_items", info.ValidationLoss)
	row("validation_image", cadence(info.ValidationImages))
	row("validation_image_items", info.ValidationImage)
	row("save", cadence(info.Save))
	tw.Flush()
}

func cadence(c Cadence) string {
	if !c.Enabled {
		return "off"
	}
	return fmt.Sprintf("every %d epochs from %d", max(1, c.EveryNEpochs), c.StartEpoch)
}

// PrintEpochSummary prints a summary of the completed epoch
func PrintEpochSummary(w io.Writer, epochs int, stats EpochStats) {
	fmt.Fprintf(w, "Epoch %d/%d Summary:\n", stats.Epoch, epochs)
	if loss, ok := stats.Loss(); ok {
		fmt.Fprintf(w, "  Training   - Loss: %.4f", loss)
	} else {
		fmt.Fprint(w, "  Training   - Loss: n/a")
	}
	fmt.Fprintf(w, ", Steps: %d, Updates: %d", stats.Steps, len(stats.UpdateLosses))
	if stats.Skipped > 0 {
		fmt.Fprintf(w, ", Skipped updates: %d", stats.Skipped)
	}
	if stats.ImagesPerSec > 0 {
		fmt.Fprintf(w, ", imgs/s: %.2f", stats.ImagesPerSec)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)
}
