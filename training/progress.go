package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ProgressBar renders per-epoch training progress with throughput and loss.
type ProgressBar struct {
	w           io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64

	// busy accumulates time spent in micro-steps only; images/s is computed
	// against it so evaluation pauses do not dilute throughput.
	busy   time.Duration
	images int
}

// NewProgressBar creates a new progress bar writing to w.
func NewProgressBar(w io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		w:           w,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		metrics:     make(map[string]float64),
	}
}

// Step records one micro-step that processed images in d.
func (pb *ProgressBar) Step(images int, d time.Duration, loss float64) {
	pb.current++
	pb.images += images
	pb.busy += d
	pb.metrics["loss"] = loss
	pb.render()
}

// ImagesPerSecond returns the throughput over micro-step time.
func (pb *ProgressBar) ImagesPerSecond() float64 {
	if pb.busy <= 0 {
		return 0
	}
	return float64(pb.images) / pb.busy.Seconds()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.render()
	fmt.Fprintln(pb.w)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(1.0, float64(pb.current)/float64(pb.total))
	}
	filled := min(pb.width, int(percentage*float64(pb.width)))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
		formatDuration(elapsed),
		formatDuration(max(0, eta)),
	)

	if rate := pb.ImagesPerSecond(); rate > 0 {
		line += fmt.Sprintf(", imgs/s=%.2f", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
	}

	line += "]"
	fmt.Fprint(pb.w, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
