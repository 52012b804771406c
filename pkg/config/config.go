// Package config holds the kernel's tunables and loads them from TOML.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the complete kernel configuration.
type Config struct {
	// Kernel resource limits
	Kernel KernelConfig `toml:"kernel"`

	// Logging configuration
	Log LogConfig `toml:"log"`

	// Metrics endpoint configuration
	Metrics MetricsConfig `toml:"metrics"`
}

// KernelConfig contains the process and descriptor table limits.
type KernelConfig struct {
	// Smallest pid handed out (default: 2)
	PidMin int32 `toml:"pid_min"`

	// Largest pid handed out (default: 32767)
	PidMax int32 `toml:"pid_max"`

	// Maximum number of registered process records, zombies included (default: 256)
	MaxProcs int `toml:"max_procs"`

	// Descriptor table capacity per process (default: 128)
	OpenMax int `toml:"open_max"`

	// Physical frames available to user address spaces (default: 4096)
	MemoryPages int `toml:"memory_pages"`

	// Simulated processors; 0 keeps the Go runtime default (default: 0)
	CPUs int `toml:"cpus"`

	// Name of the console device opened on descriptors 0, 1 and 2 (default: "con:")
	Console string `toml:"console"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	// Log level: debug, info, warn, error (default: "info")
	Level string `toml:"level"`

	// Use the human readable console encoder instead of JSON (default: false)
	Development bool `toml:"development"`

	// Output paths passed to zap (default: ["stderr"])
	Outputs []string `toml:"outputs"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Serve metrics over HTTP (default: false)
	Enabled bool `toml:"enabled"`

	// Listen address (default: "localhost:9189")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	Path string `toml:"path"`
}

// Default returns a configuration with the stock kernel limits.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			PidMin:      2,
			PidMax:      32767,
			MaxProcs:    256,
			OpenMax:     128,
			MemoryPages: 4096,
			CPUs:        0,
			Console:     "con:",
		},
		Log: LogConfig{
			Level:       "info",
			Development: false,
			Outputs:     []string{"stderr"},
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: "localhost:9189",
			Path:          "/metrics",
		},
	}
}

// Load reads configuration from a TOML file on top of the defaults. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses TOML from r on top of the defaults.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	k := c.Kernel
	if k.PidMin < 1 {
		return fmt.Errorf("kernel.pid_min must be at least 1, got %d", k.PidMin)
	}
	if k.PidMax < k.PidMin {
		return fmt.Errorf("kernel.pid_max (%d) is below kernel.pid_min (%d)", k.PidMax, k.PidMin)
	}
	if k.MaxProcs < 1 {
		return fmt.Errorf("kernel.max_procs must be positive, got %d", k.MaxProcs)
	}
	// descriptors 0-2 are the console; at least one more must be openable
	if k.OpenMax < 4 {
		return fmt.Errorf("kernel.open_max must be at least 4, got %d", k.OpenMax)
	}
	if k.MemoryPages < 1 {
		return fmt.Errorf("kernel.memory_pages must be positive, got %d", k.MemoryPages)
	}
	if k.CPUs < 0 {
		return fmt.Errorf("kernel.cpus cannot be negative")
	}
	if k.Console == "" {
		return fmt.Errorf("kernel.console cannot be empty")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	if c.Metrics.Enabled {
		if c.Metrics.ListenAddress == "" {
			return fmt.Errorf("metrics.listen_address cannot be empty")
		}
		if c.Metrics.Path == "" {
			return fmt.Errorf("metrics.path cannot be empty")
		}
	}
	return nil
}
