package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Point is one recorded scalar.
type Point struct {
	RunID string    `json:"run_id"`
	Tag   string    `json:"tag"`
	Value float64   `json:"value"`
	Step  int64     `json:"step"`
	Time  time.Time `json:"time"`
}

// JSONL appends one JSON object per scalar to a file.
type JSONL struct {
	runID string

	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// OpenJSONL opens path for appending, creating parent directories.
func OpenJSONL(path, runID string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics file: %w", err)
	}
	return &JSONL{runID: runID, f: f, enc: json.NewEncoder(f)}, nil
}

func (j *JSONL) Scalar(_ context.Context, tag string, value float64, step int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(Point{RunID: j.runID, Tag: tag, Value: value, Step: step, Time: time.Now().UTC()})
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
