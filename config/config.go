// Package config holds the configuration tree of a fine-tuning session. A
// file in YAML or HCL provides the base values; Finalize applies defaults,
// FINETUNE_* environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/metrics"
	"github.com/tsawler/go-finetune/storage"
	"github.com/tsawler/go-finetune/training"
)

// ErrInvalidConfig is returned when a finalized configuration is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	EnvProject         = "FINETUNE_PROJECT"
	EnvOutputDir       = "FINETUNE_OUTPUT_DIR"
	EnvLogDir          = "FINETUNE_LOG_DIR"
	EnvResume          = "FINETUNE_RESUME"
	EnvSeed            = "FINETUNE_SEED"
	EnvRank            = "FINETUNE_RANK"
	EnvWorldSize       = "FINETUNE_WORLD_SIZE"
	EnvCoordinatorAddr = "FINETUNE_COORDINATOR_ADDR"
	EnvLogLevel        = "FINETUNE_LOG_LEVEL"
	EnvLogFormat       = "FINETUNE_LOG_FORMAT"
)

var storageEnv = &storage.Env{
	Provider:         "FINETUNE_STORAGE_PROVIDER",
	Root:             "FINETUNE_STORAGE_ROOT",
	ContainerName:    "FINETUNE_STORAGE_CONTAINER_NAME",
	ConnectionString: "FINETUNE_STORAGE_CONNECTION_STRING",
}

var metricsEnv = &metrics.Env{
	File:        "FINETUNE_METRICS_FILE",
	PostgresDSN: "FINETUNE_METRICS_POSTGRES_DSN",
	Table:       "FINETUNE_METRICS_TABLE",
}

// Config is the root configuration of a session.
type Config struct {
	Project   string `yaml:"project" hcl:"project,optional"`
	OutputDir string `yaml:"output_dir" hcl:"output_dir,optional"`
	LogDir    string `yaml:"log_dir" hcl:"log_dir,optional"`

	Dataset     *DatasetConfig     `yaml:"dataset" hcl:"dataset,block"`
	Training    *TrainingConfig    `yaml:"training" hcl:"training,block"`
	Schedule    *ScheduleConfig    `yaml:"schedule" hcl:"schedule,block"`
	Samples     *SamplesConfig     `yaml:"samples" hcl:"samples,block"`
	Validation  *ValidationConfig  `yaml:"validation" hcl:"validation,block"`
	Checkpoint  *CheckpointConfig  `yaml:"checkpoint" hcl:"checkpoint,block"`
	Storage     *storage.Config    `yaml:"storage" hcl:"storage,block"`
	Metrics     *metrics.Config    `yaml:"metrics" hcl:"metrics,block"`
	Distributed *DistributedConfig `yaml:"distributed" hcl:"distributed,block"`
	Hooks       *HooksConfig       `yaml:"hooks" hcl:"hooks,block"`
	Logging     *LoggingConfig     `yaml:"logging" hcl:"logging,block"`
}

// DatasetConfig locates the cached catalog and bounds its resolution.
type DatasetConfig struct {
	CachedDatasetDirs   []string `yaml:"cached_dataset_dirs" hcl:"cached_dataset_dirs,optional"`
	CachedDatasetLists  []string `yaml:"cached_dataset_lists" hcl:"cached_dataset_lists,optional"`
	MinResolution       int      `yaml:"min_resolution" hcl:"min_resolution,optional"`
	MaxResolution       int      `yaml:"max_resolution" hcl:"max_resolution,optional"`
	UpscaleToResolution int      `yaml:"upscale_to_resolution" hcl:"upscale_to_resolution,optional"`
	VerifyHashes        bool     `yaml:"verify_hashes" hcl:"verify_hashes,optional"`
	VerifyWorkers       int      `yaml:"verify_workers" hcl:"verify_workers,optional"`
	RecacheCommand      []string `yaml:"recache_command" hcl:"recache_command,optional"`
}

// TrainingConfig holds the loop and optimizer settings.
type TrainingConfig struct {
	Epochs                    int              `yaml:"epochs" hcl:"epochs,optional"`
	BatchSize                 int              `yaml:"batch_size" hcl:"batch_size,optional"`
	GradientAccumulationSteps int              `yaml:"gradient_accumulation_steps" hcl:"gradient_accumulation_steps,optional"`
	LearningRate              float64          `yaml:"learning_rate" hcl:"learning_rate,optional"`
	MaxGradNorm               float64          `yaml:"max_grad_norm" hcl:"max_grad_norm,optional"`
	Seed                      *int64           `yaml:"seed" hcl:"seed,optional"`
	MixedPrecision            bool             `yaml:"mixed_precision" hcl:"mixed_precision,optional"`
	PrefetchDepth             int              `yaml:"prefetch_depth" hcl:"prefetch_depth,optional"`
	LoaderWorkers             int              `yaml:"loader_workers" hcl:"loader_workers,optional"`
	ReclaimEveryMicroStep     bool             `yaml:"reclaim_every_micro_step" hcl:"reclaim_every_micro_step,optional"`
	Optimizer                 *OptimizerConfig `yaml:"optimizer" hcl:"optimizer,block"`
}

// OptimizerConfig selects the optimizer of the engine.
type OptimizerConfig struct {
	Name        string  `yaml:"name" hcl:"name,optional"`
	Beta1       float64 `yaml:"beta1" hcl:"beta1,optional"`
	Beta2       float64 `yaml:"beta2" hcl:"beta2,optional"`
	Epsilon     float64 `yaml:"epsilon" hcl:"epsilon,optional"`
	WeightDecay float64 `yaml:"weight_decay" hcl:"weight_decay,optional"`
	Momentum    float64 `yaml:"momentum" hcl:"momentum,optional"`
}

// ScheduleConfig selects the learning-rate schedule.
type ScheduleConfig struct {
	Name          string  `yaml:"name" hcl:"name,optional"`
	WarmupPercent float64 `yaml:"warmup_percent" hcl:"warmup_percent,optional"`
	LREnd         float64 `yaml:"lr_end" hcl:"lr_end,optional"`
	Power         float64 `yaml:"power" hcl:"power,optional"`
}

// SamplesConfig controls sample-image generation.
type SamplesConfig struct {
	Enabled      bool   `yaml:"enabled" hcl:"enabled,optional"`
	NumImages    int    `yaml:"num_images" hcl:"num_images,optional"`
	EveryNEpochs int    `yaml:"every_n_epochs" hcl:"every_n_epochs,optional"`
	StartEpoch   int    `yaml:"start_epoch" hcl:"start_epoch,optional"`
	PromptsFile  string `yaml:"prompts_file" hcl:"prompts_file,optional"`
}

// SubsetConfig controls one validation subset and its cadence.
type SubsetConfig struct {
	Enabled      bool    `yaml:"enabled" hcl:"enabled,optional"`
	Percent      float64 `yaml:"percent" hcl:"percent,optional"`
	EveryNEpochs int     `yaml:"every_n_epochs" hcl:"every_n_epochs,optional"`
	StartEpoch   int     `yaml:"start_epoch" hcl:"start_epoch,optional"`
}

// ValidationConfig holds the two validation subsets.
type ValidationConfig struct {
	Image *SubsetConfig `yaml:"image" hcl:"image,block"`
	Loss  *SubsetConfig `yaml:"loss" hcl:"loss,block"`
	// ImageGroupSize rounds the image subset down to a multiple of itself.
	ImageGroupSize int `yaml:"image_group_size" hcl:"image_group_size,optional"`
	// ImageList is a validation-image list kept from an earlier session.
	ImageList string `yaml:"image_list" hcl:"image_list,optional"`
}

// CheckpointConfig controls persistence and resume.
type CheckpointConfig struct {
	Disabled     bool   `yaml:"disabled" hcl:"disabled,optional"`
	EveryNEpochs int    `yaml:"every_n_epochs" hcl:"every_n_epochs,optional"`
	StartEpoch   int    `yaml:"start_epoch" hcl:"start_epoch,optional"`
	Format       string `yaml:"format" hcl:"format,optional"`
	Resume       string `yaml:"resume" hcl:"resume,optional"`
}

// DistributedConfig places this process in the group.
type DistributedConfig struct {
	WorldSize       int    `yaml:"world_size" hcl:"world_size,optional"`
	Rank            int    `yaml:"rank" hcl:"rank,optional"`
	CoordinatorAddr string `yaml:"coordinator_addr" hcl:"coordinator_addr,optional"`
	// LocalProcesses runs that many replicas inside this process.
	LocalProcesses int    `yaml:"local_processes" hcl:"local_processes,optional"`
	DialTimeout    string `yaml:"dial_timeout" hcl:"dial_timeout,optional"`
}

// HooksConfig names the external inference programs.
type HooksConfig struct {
	SampleCommand []string `yaml:"sample_command" hcl:"sample_command,optional"`
	ScoreCommand  []string `yaml:"score_command" hcl:"score_command,optional"`
	Timeout       string   `yaml:"timeout" hcl:"timeout,optional"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level" hcl:"level,optional"`
	Format string `yaml:"format" hcl:"format,optional"`
}

// Finalize fills missing sections, applies defaults and environment
// overrides, and validates the result.
func (c *Config) Finalize() error {
	return c.finalize(nil)
}

func (c *Config) finalize(overrides []func(*Config)) error {
	c.ensureSections()
	c.loadEnv()
	for _, o := range overrides {
		o(c)
	}
	c.loadDefaults()

	if err := c.validate(); err != nil {
		return err
	}
	if err := c.Storage.Finalize(storageEnv); err != nil {
		return fmt.Errorf("%w: storage: %w", ErrInvalidConfig, err)
	}
	if err := c.Metrics.Finalize(metricsEnv); err != nil {
		return fmt.Errorf("%w: metrics: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) ensureSections() {
	if c.Dataset == nil {
		c.Dataset = &DatasetConfig{}
	}
	if c.Training == nil {
		c.Training = &TrainingConfig{}
	}
	if c.Training.Optimizer == nil {
		c.Training.Optimizer = &OptimizerConfig{}
	}
	if c.Schedule == nil {
		c.Schedule = &ScheduleConfig{}
	}
	if c.Samples == nil {
		c.Samples = &SamplesConfig{}
	}
	if c.Validation == nil {
		c.Validation = &ValidationConfig{}
	}
	if c.Validation.Image == nil {
		c.Validation.Image = &SubsetConfig{}
	}
	if c.Validation.Loss == nil {
		c.Validation.Loss = &SubsetConfig{}
	}
	if c.Checkpoint == nil {
		c.Checkpoint = &CheckpointConfig{}
	}
	if c.Storage == nil {
		c.Storage = &storage.Config{}
	}
	if c.Metrics == nil {
		c.Metrics = &metrics.Config{}
	}
	if c.Distributed == nil {
		c.Distributed = &DistributedConfig{}
	}
	if c.Hooks == nil {
		c.Hooks = &HooksConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
}

func (c *Config) loadDefaults() {
	if c.Project == "" {
		c.Project = "ABC"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}

	d := c.Dataset
	if d.MinResolution == 0 {
		d.MinResolution = 512
	}
	if d.MaxResolution == 0 {
		d.MaxResolution = 1024
	}
	if d.VerifyWorkers == 0 {
		d.VerifyWorkers = 8
	}

	t := c.Training
	if t.Epochs == 0 {
		t.Epochs = 200
	}
	if t.BatchSize == 0 {
		t.BatchSize = 10
	}
	if t.GradientAccumulationSteps == 0 {
		t.GradientAccumulationSteps = 60
	}
	if t.LearningRate == 0 {
		t.LearningRate = 3e-5
	}
	if t.MaxGradNorm == 0 {
		t.MaxGradNorm = 1.0
	}
	if t.PrefetchDepth == 0 {
		t.PrefetchDepth = 3
	}
	if t.LoaderWorkers == 0 {
		t.LoaderWorkers = 2
	}

	s := c.Schedule
	if s.Name == "" {
		s.Name = training.ScheduleConstantWithWarmup
	}
	if s.WarmupPercent == 0 {
		s.WarmupPercent = 0.02
	}
	if s.LREnd == 0 {
		s.LREnd = 1e-8
	}
	if s.Power == 0 {
		s.Power = 1.0
	}

	if c.Samples.NumImages == 0 {
		c.Samples.NumImages = 8
	}
	if c.Samples.EveryNEpochs == 0 {
		c.Samples.EveryNEpochs = 10
	}
	if c.Samples.PromptsFile == "" {
		c.Samples.PromptsFile = "sample_prompts.txt"
	}
	for _, v := range []*SubsetConfig{c.Validation.Image, c.Validation.Loss} {
		if v.Percent == 0 {
			v.Percent = 0.10
		}
		if v.EveryNEpochs == 0 {
			v.EveryNEpochs = 10
		}
	}
	if c.Validation.ImageGroupSize == 0 {
		c.Validation.ImageGroupSize = 3
	}
	if c.Validation.ImageList == "" {
		c.Validation.ImageList = "validation_jsons.txt"
	}

	if c.Checkpoint.EveryNEpochs == 0 {
		c.Checkpoint.EveryNEpochs = 10
	}
	if c.Checkpoint.Format == "" {
		c.Checkpoint.Format = "json"
	}

	if c.Distributed.WorldSize == 0 {
		c.Distributed.WorldSize = max(1, c.Distributed.LocalProcesses)
	}
	if c.Distributed.DialTimeout == "" {
		c.Distributed.DialTimeout = "60s"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.OutputDir == "" {
		c.OutputDir = filepath.Join("output", c.TrainName())
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvProject); v != "" {
		c.Project = v
	}
	if v := os.Getenv(EnvOutputDir); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv(EnvResume); v != "" {
		c.Checkpoint.Resume = v
	}
	if v, err := strconv.ParseInt(os.Getenv(EnvSeed), 10, 64); err == nil {
		c.Training.Seed = &v
	}
	if v, err := strconv.Atoi(os.Getenv(EnvRank)); err == nil {
		c.Distributed.Rank = v
	}
	if v, err := strconv.Atoi(os.Getenv(EnvWorldSize)); err == nil {
		c.Distributed.WorldSize = v
	}
	if v := os.Getenv(EnvCoordinatorAddr); v != "" {
		c.Distributed.CoordinatorAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	d, t := c.Dataset, c.Training
	check(len(d.CachedDatasetDirs)+len(d.CachedDatasetLists) > 0, "dataset: no cached_dataset_dirs or cached_dataset_lists")
	check(d.MinResolution > 0 && d.MinResolution <= d.MaxResolution,
		"dataset: resolution range [%d, %d]", d.MinResolution, d.MaxResolution)
	check(d.VerifyWorkers > 0, "dataset: verify_workers %d", d.VerifyWorkers)
	check(t.Epochs > 0, "training: epochs %d", t.Epochs)
	check(t.BatchSize > 0, "training: batch_size %d", t.BatchSize)
	check(t.GradientAccumulationSteps > 0, "training: gradient_accumulation_steps %d", t.GradientAccumulationSteps)
	check(t.LearningRate > 0, "training: learning_rate %g", t.LearningRate)
	check(c.Schedule.WarmupPercent >= 0 && c.Schedule.WarmupPercent <= 1, "schedule: warmup_percent %g", c.Schedule.WarmupPercent)
	for name, v := range map[string]*SubsetConfig{"image": c.Validation.Image, "loss": c.Validation.Loss} {
		check(v.Percent > 0 && v.Percent < 1, "validation.%s: percent %g", name, v.Percent)
	}
	check(c.Validation.ImageGroupSize > 0, "validation: image_group_size %d", c.Validation.ImageGroupSize)
	check(!c.Samples.Enabled || len(c.Hooks.SampleCommand) > 0, "samples: enabled without hooks.sample_command")
	check(!c.Validation.Image.Enabled || len(c.Hooks.ScoreCommand) > 0, "validation.image: enabled without hooks.score_command")
	if _, err := checkpoints.ParseFormat(c.Checkpoint.Format); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint: %w", err))
	}

	ds := c.Distributed
	check(ds.WorldSize > 0, "distributed: world_size %d", ds.WorldSize)
	check(ds.Rank >= 0 && ds.Rank < ds.WorldSize, "distributed: rank %d outside world of %d", ds.Rank, ds.WorldSize)
	check(ds.LocalProcesses == 0 || ds.LocalProcesses == ds.WorldSize,
		"distributed: local_processes %d conflicts with world_size %d", ds.LocalProcesses, ds.WorldSize)
	check(ds.LocalProcesses > 0 || ds.WorldSize == 1 || ds.CoordinatorAddr != "",
		"distributed: coordinator_addr required for %d processes", ds.WorldSize)
	for name, v := range map[string]string{"distributed.dial_timeout": ds.DialTimeout, "hooks.timeout": c.Hooks.Timeout} {
		if v == "" && name == "hooks.timeout" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging: level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// TrainName names the run after its defining parameters. An explicit output
// directory names the run instead.
func (c *Config) TrainName() string {
	if c.OutputDir != "" {
		return filepath.Base(c.OutputDir)
	}
	return fmt.Sprintf("%s_gpus%d_bsz%d_gradAccum%d_lr%s_res%d",
		c.Project,
		max(1, c.Distributed.WorldSize),
		c.Training.BatchSize,
		c.Training.GradientAccumulationSteps,
		strconv.FormatFloat(c.Training.LearningRate, 'g', -1, 64),
		c.Dataset.MaxResolution)
}

// RunLogDir is the per-run log directory.
func (c *Config) RunLogDir() string {
	return filepath.Join(c.LogDir, c.TrainName())
}

// LowestResolution is the lower bound of the training resolution range.
func (c *Config) LowestResolution() int {
	if c.Dataset.UpscaleToResolution > 0 {
		return c.Dataset.UpscaleToResolution
	}
	return c.Dataset.MinResolution
}

// DialTimeoutDuration returns DialTimeout as a time.Duration.
func (c *Config) DialTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Distributed.DialTimeout)
	return d
}

// HookTimeoutDuration returns the hook timeout as a time.Duration. Zero means
// hooks run until they exit.
func (c *Config) HookTimeoutDuration() time.Duration {
	if c.Hooks.Timeout == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Hooks.Timeout)
	return d
}
