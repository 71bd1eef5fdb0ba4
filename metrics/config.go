package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config selects the metric sinks. Every configured sink receives every value.
type Config struct {
	File        string `yaml:"file" hcl:"file,optional"`
	PostgresDSN string `yaml:"postgres_dsn" hcl:"postgres_dsn,optional"`
	Table       string `yaml:"table" hcl:"table,optional"`
	ConnTimeout string `yaml:"conn_timeout" hcl:"conn_timeout,optional"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	File        string
	PostgresDSN string
	Table       string
}

// ConnTimeoutDuration returns ConnTimeout as a time.Duration.
func (c *Config) ConnTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ConnTimeout)
	return d
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *Config) Finalize(env *Env) error {
	if env != nil {
		c.loadEnv(env)
	}
	c.loadDefaults()
	return c.validate()
}

func (c *Config) loadDefaults() {
	if c.Table == "" {
		c.Table = "finetune_scalars"
	}
	if c.ConnTimeout == "" {
		c.ConnTimeout = "10s"
	}
}

func (c *Config) loadEnv(env *Env) {
	if v := os.Getenv(env.File); env.File != "" && v != "" {
		c.File = v
	}
	if v := os.Getenv(env.PostgresDSN); env.PostgresDSN != "" && v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv(env.Table); env.Table != "" && v != "" {
		c.Table = v
	}
}

func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.ConnTimeout); err != nil {
		return fmt.Errorf("invalid conn_timeout: %w", err)
	}
	if !tableName.MatchString(c.Table) {
		return fmt.Errorf("invalid metrics table name %q", c.Table)
	}
	return nil
}

// New opens every configured sink. With none configured it returns Nop.
func New(ctx context.Context, cfg *Config, runID string, logger *slog.Logger) (Tracker, error) {
	var trackers []Tracker
	if cfg.File != "" {
		j, err := OpenJSONL(cfg.File, runID)
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, j)
	}
	if cfg.PostgresDSN != "" {
		p, err := OpenPostgres(ctx, cfg.PostgresDSN, cfg.Table, runID, cfg.ConnTimeoutDuration(), logger)
		if err != nil {
			Multi(trackers...).Close()
			return nil, err
		}
		trackers = append(trackers, p)
	}
	return Multi(trackers...), nil
}
