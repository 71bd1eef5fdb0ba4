// Package checkpoints persists and restores the resumable training counters
// and the consolidated model weights, keyed by epoch number.
package checkpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tsawler/go-finetune/storage"
)

// ErrCheckpointWrite wraps every failure to persist a checkpoint. A run must
// halt when it sees this error.
var ErrCheckpointWrite = errors.New("checkpoint write failed")

// ErrNoCheckpoint is returned when a resume location holds no checkpoint record.
var ErrNoCheckpoint = errors.New("no checkpoint record found")

const (
	// Version is stamped on every record.
	Version   = "1.0.0"
	framework = "go-finetune"

	recordJSON  = "checkpoint.json"
	recordProto = "checkpoint.pb"
	// WeightsFile holds the consolidated weights of an epoch.
	WeightsFile = "weights.pb"
)

// Format defines the serialization format of the checkpoint record.
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProto:
		return "proto"
	default:
		return "unknown"
	}
}

// ParseFormat maps a configuration value to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "proto", "pb":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format %q", s)
	}
}

func (f Format) file() string {
	if f == FormatProto {
		return recordProto
	}
	return recordJSON
}

// Record is the structured checkpoint blob. It restores the training counters
// exactly; weights are persisted next to it under the same epoch directory.
type Record struct {
	Epoch                    int      `json:"epoch"`
	GlobalStep               int64    `json:"global_step"`
	GlobalGradientUpdateStep int64    `json:"global_gradient_update_step"`
	SchedulerStep            int64    `json:"scheduler_step"`
	Metadata                 Metadata `json:"metadata"`
}

// Metadata contains checkpoint metadata.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Saver writes checkpoints under <dir>/<epoch>/ and optionally mirrors them to
// blob storage.
type Saver struct {
	format Format
	dir    string
	mirror storage.System
	prefix string
	logger *slog.Logger
}

// Option configures a Saver.
type Option func(*Saver)

// WithMirror uploads every written file to sys under prefix/<epoch>/<file>.
func WithMirror(sys storage.System, prefix string) Option {
	return func(s *Saver) {
		s.mirror = sys
		s.prefix = prefix
	}
}

// NewSaver creates a checkpoint saver for the specified format rooted at dir.
func NewSaver(format Format, dir string, logger *slog.Logger, opts ...Option) *Saver {
	s := &Saver{
		format: format,
		dir:    dir,
		logger: logger.With("system", "checkpoints"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EpochDir returns the directory holding the checkpoint of epoch.
func (s *Saver) EpochDir(epoch int) string {
	return filepath.Join(s.dir, strconv.Itoa(epoch))
}

// Save persists rec and, when non-nil, the consolidated weights. Every failure
// is wrapped in ErrCheckpointWrite.
func (s *Saver) Save(ctx context.Context, rec Record, weights *Weights) (string, error) {
	if rec.Metadata.Framework == "" {
		rec.Metadata.Framework = framework
		rec.Metadata.Version = Version
	}
	if rec.Metadata.CreatedAt.IsZero() {
		rec.Metadata.CreatedAt = time.Now().UTC()
	}

	data, err := s.encode(rec)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckpointWrite, err)
	}

	dir := s.EpochDir(rec.Epoch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckpointWrite, err)
	}

	// The record is written last: its presence marks a complete checkpoint.
	type file struct {
		name string
		body []byte
	}
	var files []file
	if weights != nil {
		files = append(files, file{WeightsFile, weights.Marshal()})
	}
	files = append(files, file{s.format.file(), data})
	for _, f := range files {
		if err := writeAtomic(filepath.Join(dir, f.name), f.body); err != nil {
			return "", fmt.Errorf("%w: %w", ErrCheckpointWrite, err)
		}
		if s.mirror != nil {
			key := fmt.Sprintf("%s/%d/%s", s.prefix, rec.Epoch, f.name)
			if err := s.mirror.Upload(ctx, key, bytes.NewReader(f.body), "application/octet-stream"); err != nil {
				return "", fmt.Errorf("%w: mirror %s: %w", ErrCheckpointWrite, key, err)
			}
		}
	}

	s.logger.Info("checkpoint saved",
		"epoch", rec.Epoch,
		"global_step", rec.GlobalStep,
		"global_gradient_update_step", rec.GlobalGradientUpdateStep,
		"dir", dir)
	return dir, nil
}

func (s *Saver) encode(rec Record) ([]byte, error) {
	switch s.format {
	case FormatJSON:
		return json.MarshalIndent(rec, "", "  ")
	case FormatProto:
		return MarshalRecord(rec), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

// Load reads the checkpoint record at path. path may name a record file or an
// epoch directory containing one in either format.
func Load(path string) (*Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	if info.IsDir() {
		found := ""
		for _, name := range []string{recordJSON, recordProto} {
			if _, err := os.Stat(filepath.Join(path, name)); err == nil {
				found = filepath.Join(path, name)
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("%w in %s", ErrNoCheckpoint, path)
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	var rec Record
	if filepath.Ext(path) == ".pb" {
		if err := UnmarshalRecord(data, &rec); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &rec, nil
}

// LoadWeights reads the consolidated weights stored in an epoch directory.
func LoadWeights(dir string) (*Weights, error) {
	data, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	var w Weights
	if err := w.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	return &w, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
