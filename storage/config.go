package storage

import (
	"fmt"
	"os"
)

// Storage providers.
const (
	ProviderNone       = ""
	ProviderFilesystem = "filesystem"
	ProviderAzure      = "azure"
)

// Config holds blob storage connection parameters.
type Config struct {
	Provider         string `yaml:"provider" hcl:"provider,optional"`
	Root             string `yaml:"root" hcl:"root,optional"`
	ContainerName    string `yaml:"container_name" hcl:"container_name,optional"`
	ConnectionString string `yaml:"connection_string" hcl:"connection_string,optional"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	Provider         string
	Root             string
	ContainerName    string
	ConnectionString string
}

// Enabled reports whether a provider is configured.
func (c *Config) Enabled() bool {
	return c.Provider != ProviderNone
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
	if c.Provider == ProviderAzure && c.ContainerName == "" {
		c.ContainerName = "checkpoints"
	}
}

func (c *Config) loadEnv(env *Env) {
	if v := os.Getenv(env.Provider); env.Provider != "" && v != "" {
		c.Provider = v
	}
	if v := os.Getenv(env.Root); env.Root != "" && v != "" {
		c.Root = v
	}
	if v := os.Getenv(env.ContainerName); env.ContainerName != "" && v != "" {
		c.ContainerName = v
	}
	if v := os.Getenv(env.ConnectionString); env.ConnectionString != "" && v != "" {
		c.ConnectionString = v
	}
}

func (c *Config) validate() error {
	switch c.Provider {
	case ProviderNone:
	case ProviderFilesystem:
		if c.Root == "" {
			return fmt.Errorf("storage root required for filesystem provider")
		}
	case ProviderAzure:
		if c.ConnectionString == "" {
			return fmt.Errorf("connection_string required for azure provider")
		}
	default:
		return fmt.Errorf("unknown storage provider %q", c.Provider)
	}
	return nil
}
