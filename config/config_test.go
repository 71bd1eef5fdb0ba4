package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const yamlConfig = `
project: portraits
dataset:
  cached_dataset_dirs: [/data/cache]
  max_resolution: 1024
training:
  epochs: 20
  batch_size: 4
  gradient_accumulation_steps: 8
  learning_rate: 0.00003
  seed: 42
  optimizer:
    name: sgd
schedule:
  name: cosine
validation:
  loss:
    enabled: true
    percent: 0.2
distributed:
  local_processes: 2
`

const hclConfig = `
project = "portraits"

dataset {
  cached_dataset_dirs = ["/data/cache"]
  max_resolution      = 1024
}

training {
  epochs                      = 20
  batch_size                  = 4
  gradient_accumulation_steps = 8
  learning_rate               = 0.00003
  seed                        = 42

  optimizer {
    name = "sgd"
  }
}

schedule {
  name = "cosine"
}

validation {
  loss {
    enabled = true
    percent = 0.2
  }
}

distributed {
  local_processes = 2
}
`

func TestLoadFormatsAgree(t *testing.T) {
	fromYAML, err := Load(writeFile(t, "run.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	fromHCL, err := Load(writeFile(t, "run.hcl", hclConfig))
	if err != nil {
		t.Fatalf("Load hcl: %v", err)
	}
	if diff := cmp.Diff(fromYAML, fromHCL); diff != "" {
		t.Errorf("yaml and hcl differ (-yaml +hcl):\n%s", diff)
	}

	c := fromYAML
	if c.Training.Seed == nil || *c.Training.Seed != 42 {
		t.Errorf("seed = %v", c.Training.Seed)
	}
	if c.Training.Optimizer.Name != "sgd" || c.Schedule.Name != "cosine" {
		t.Errorf("optimizer %q schedule %q", c.Training.Optimizer.Name, c.Schedule.Name)
	}
	if !c.Validation.Loss.Enabled || c.Validation.Loss.Percent != 0.2 {
		t.Errorf("validation loss = %+v", c.Validation.Loss)
	}
	if c.Distributed.WorldSize != 2 {
		t.Errorf("world size = %d, want local_processes", c.Distributed.WorldSize)
	}
}

func TestDefaults(t *testing.T) {
	c, err := Load(writeFile(t, "min.yaml", "dataset:\n  cached_dataset_lists: [a.list]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"epochs", c.Training.Epochs, 200},
		{"batch_size", c.Training.BatchSize, 10},
		{"accumulation", c.Training.GradientAccumulationSteps, 60},
		{"learning_rate", c.Training.LearningRate, 3e-5},
		{"schedule", c.Schedule.Name, "constant_with_warmup"},
		{"warmup", c.Schedule.WarmupPercent, 0.02},
		{"samples", c.Samples.NumImages, 8},
		{"image_percent", c.Validation.Image.Percent, 0.10},
		{"group_size", c.Validation.ImageGroupSize, 3},
		{"save_every", c.Checkpoint.EveryNEpochs, 10},
		{"format", c.Checkpoint.Format, "json"},
		{"world_size", c.Distributed.WorldSize, 1},
		{"metrics_table", c.Metrics.Table, "finetune_scalars"},
		{"output_dir", c.OutputDir, filepath.Join("output", "ABC_gpus1_bsz10_gradAccum60_lr3e-05_res1024")},
	}
	for _, tt := range checks {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if c.Training.Seed != nil {
		t.Errorf("seed defaulted to %d", *c.Training.Seed)
	}
	if c.Hooks.Timeout != "" || c.HookTimeoutDuration() != 0 {
		t.Errorf("hooks timeout defaulted to %q", c.Hooks.Timeout)
	}
	if got := c.RunLogDir(); got != filepath.Join("logs", "ABC_gpus1_bsz10_gradAccum60_lr3e-05_res1024") {
		t.Errorf("RunLogDir = %s", got)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvRank, "1")
	t.Setenv(EnvWorldSize, "4")
	t.Setenv(EnvCoordinatorAddr, "10.0.0.1:29500")
	t.Setenv(EnvSeed, "7")
	t.Setenv(EnvOutputDir, "/runs/x")
	t.Setenv("FINETUNE_STORAGE_PROVIDER", "filesystem")
	t.Setenv("FINETUNE_STORAGE_ROOT", "/mirror")

	c, err := Load(writeFile(t, "min.yaml", "dataset:\n  cached_dataset_lists: [a.list]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Distributed.Rank != 1 || c.Distributed.WorldSize != 4 || c.Distributed.CoordinatorAddr != "10.0.0.1:29500" {
		t.Errorf("distributed = %+v", c.Distributed)
	}
	if c.Training.Seed == nil || *c.Training.Seed != 7 {
		t.Errorf("seed = %v", c.Training.Seed)
	}
	if c.OutputDir != "/runs/x" || c.TrainName() != "x" {
		t.Errorf("output %s train name %s", c.OutputDir, c.TrainName())
	}
	if c.Storage.Provider != "filesystem" || c.Storage.Root != "/mirror" {
		t.Errorf("storage = %+v", c.Storage)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no catalog", "training:\n  epochs: 1\n", "no cached_dataset_dirs"},
		{"bad range", "dataset:\n  cached_dataset_lists: [a]\n  min_resolution: 2048\n", "resolution range"},
		{"bad percent", "dataset:\n  cached_dataset_lists: [a]\nvalidation:\n  image:\n    percent: 1.5\n", "validation.image"},
		{"no coordinator", "dataset:\n  cached_dataset_lists: [a]\ndistributed:\n  world_size: 2\n", "coordinator_addr"},
		{"rank outside", "dataset:\n  cached_dataset_lists: [a]\ndistributed:\n  world_size: 2\n  rank: 2\n  coordinator_addr: x:1\n", "rank 2"},
		{"bad format", "dataset:\n  cached_dataset_lists: [a]\ncheckpoint:\n  format: onnx\n", "checkpoint"},
		{"bad log level", "dataset:\n  cached_dataset_lists: [a]\nlogging:\n  level: loud\n", "logging"},
		{"bad storage", "dataset:\n  cached_dataset_lists: [a]\nstorage:\n  provider: azure\n", "storage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsUnknownInput(t *testing.T) {
	if _, err := Load(writeFile(t, "c.toml", "")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for .toml, got %v", err)
	}
	if _, err := Load(writeFile(t, "c.yaml", "dataset:\n  cached_dataset_lists: [a]\nbogus: 1\n")); err == nil {
		t.Error("expected error for unknown yaml field")
	}
	if _, err := Load(writeFile(t, "c.hcl", "bogus = 1\n")); err == nil {
		t.Error("expected error for unknown hcl attribute")
	}
}

func TestLowestResolution(t *testing.T) {
	c := &Config{Dataset: &DatasetConfig{MinResolution: 512}}
	if c.LowestResolution() != 512 {
		t.Errorf("LowestResolution = %d", c.LowestResolution())
	}
	c.Dataset.UpscaleToResolution = 768
	if c.LowestResolution() != 768 {
		t.Errorf("LowestResolution with upscale = %d", c.LowestResolution())
	}
}

func TestLoadOverridesWinOverEnvironment(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvWorldSize, "4")
	path := writeFile(t, "run.yaml", yamlConfig)

	cfg, err := Load(path, func(c *Config) {
		c.Logging.Level = "debug"
		c.Distributed.LocalProcesses = 0
		c.Distributed.Rank = 3
		c.Distributed.CoordinatorAddr = "10.0.0.1:29500"
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Logging.Level)
	}
	if cfg.Distributed.WorldSize != 4 || cfg.Distributed.Rank != 3 {
		t.Errorf("distributed = %+v", cfg.Distributed)
	}
}
