package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/2", 4)

	for i := 0; i < 4; i++ {
		pb.Step(20, 100*time.Millisecond, 0.125)
	}
	pb.Finish()

	out := buf.String()
	if !strings.Contains(out, "4/4") {
		t.Errorf("missing step count in %q", out)
	}
	if !strings.Contains(out, "imgs/s=200.00") {
		t.Errorf("missing throughput in %q", out)
	}
	if !strings.Contains(out, "loss=0.1250") {
		t.Errorf("missing loss in %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Finish did not end the line")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{75 * time.Second, "01:15"},
		{61 * time.Minute, "61:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
