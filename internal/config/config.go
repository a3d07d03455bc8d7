// Package config loads the dispatcher's YAML configuration file and
// overlays the operator environment variables documented for the
// compute dispatcher.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the dispatcher's scheduler-tunable knobs and the
// front door's server settings.
type Config struct {
	Server struct {
		Port                int    `yaml:"port"`
		ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
		IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
		LogFile             string `yaml:"log_file"`
	} `yaml:"server"`

	Workers struct {
		SpawnCount            int    `yaml:"spawn_count"`
		ChildIdleSpanSec      int    `yaml:"child_idle_span_seconds"`
		SpawnOnStartup        bool   `yaml:"spawn_on_startup"`
		ParentPort            int    `yaml:"parent_port"`
		RhinoSysDir           string `yaml:"rhino_sys_dir"`
		PortRangeStart        int    `yaml:"port_range_start"`
		PortRangeEnd          int    `yaml:"port_range_end"`
		SpawnTimeoutSeconds   int    `yaml:"spawn_timeout_seconds"`
		AcquireTimeoutSeconds int    `yaml:"acquire_timeout_seconds"`
		ReapIntervalSeconds   int    `yaml:"reap_interval_seconds"`
		LogFile               string `yaml:"log_file"`
	} `yaml:"workers"`

	// ExecDir, when set, overrides the sibling/child compute.geometry
	// search performed by the executable locator with this single
	// directory, for operators who install the worker executable
	// somewhere other than the two standard locations.
	ExecDir string `yaml:"exec_dir"`
}

// Environment variables documented for the dispatcher (§6 of the spec).
const (
	EnvAPIKey         = "RHINO_COMPUTE_KEY"
	EnvProxyTimeout   = "RHINO_COMPUTE_TIMEOUT"
	EnvMaxRequestSize = "RHINO_COMPUTE_MAX_REQUEST_SIZE"
)

const (
	defaultMaxRequestSize = 52428800
	defaultProxyTimeout   = 180
)

func setDefaults(c *Config) {
	c.Server.Port = 8080
	c.Server.ReadTimeoutSeconds = 30
	c.Server.WriteTimeoutSeconds = 30
	c.Server.IdleTimeoutSeconds = 120
	c.Server.LogFile = "logs/dispatcher_{date}.log"

	c.Workers.SpawnCount = 1
	c.Workers.ChildIdleSpanSec = 0
	c.Workers.SpawnOnStartup = false
	c.Workers.ParentPort = 5000
	c.Workers.PortRangeStart = 6001
	c.Workers.PortRangeEnd = 6256
	c.Workers.SpawnTimeoutSeconds = 180
	c.Workers.AcquireTimeoutSeconds = 60
	c.Workers.ReapIntervalSeconds = 30
	c.Workers.LogFile = "logs/workers/worker_{port}_{date}.log"
}

// LoadConfig loads configuration from a YAML file, filling in defaults
// first so a missing or partial file still produces a usable Config.
func LoadConfig(configPath string) (*Config, error) {
	c := &Config{}
	setDefaults(c)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	return c, nil
}

// APIKey returns RHINO_COMPUTE_KEY; an empty string disables API auth.
func (c *Config) APIKey() string {
	return os.Getenv(EnvAPIKey)
}

// ProxyTimeout returns RHINO_COMPUTE_TIMEOUT as a duration, defaulting to 180s.
func (c *Config) ProxyTimeout() time.Duration {
	if v := os.Getenv(EnvProxyTimeout); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(defaultProxyTimeout) * time.Second
}

// MaxRequestSize returns RHINO_COMPUTE_MAX_REQUEST_SIZE in bytes, defaulting to 50 MiB.
func (c *Config) MaxRequestSize() int64 {
	if v := os.Getenv(EnvMaxRequestSize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxRequestSize
}

// ChildIdleSpan returns the configured idle span, or 0 if idle-shutdown is disabled.
func (c *Config) ChildIdleSpan() time.Duration {
	return time.Duration(c.Workers.ChildIdleSpanSec) * time.Second
}

// SpawnTimeout returns the hard budget for a worker to become ready.
func (c *Config) SpawnTimeout() time.Duration {
	return time.Duration(c.Workers.SpawnTimeoutSeconds) * time.Second
}

// AcquireTimeout returns the hard budget for AcquireWorker.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Workers.AcquireTimeoutSeconds) * time.Second
}

// ReapInterval returns the LifecycleController's tick period.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Workers.ReapIntervalSeconds) * time.Second
}

// GetReadTimeout returns the front door's read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
}

// GetWriteTimeout returns the front door's write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
}

// GetIdleTimeout returns the front door's idle timeout.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeoutSeconds) * time.Second
}
