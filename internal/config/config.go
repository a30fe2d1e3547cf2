// Package config loads coordinator.toml and applies environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the full coordinator configuration.
type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Storage     StorageConfig     `toml:"storage"`
	Limits      LimitsConfig      `toml:"limits"`
}

// CoordinatorConfig holds timing and fleet-size settings.
type CoordinatorConfig struct {
	// APIAddr is the control-plane listen address.
	APIAddr string `toml:"api_addr"`

	// HeartbeatInterval is what registered workers are told to honor.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	// HeartbeatTimeout is how long a worker may stay silent before the
	// sweeper marks it failed.
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`

	// SweepInterval is the liveness sweeper's tick.
	SweepInterval Duration `toml:"sweep_interval"`

	// Quarantine is how long a failed worker's record lingers before the
	// sweeper removes it entirely.
	Quarantine Duration `toml:"quarantine"`

	// ShutdownGrace bounds the in-flight drain at shutdown.
	ShutdownGrace Duration `toml:"shutdown_grace"`

	// MaxWorkers caps registrations.
	MaxWorkers int `toml:"max_workers"`

	// CheckpointRetention bounds how long non-latest checkpoint records are
	// kept.
	CheckpointRetention Duration `toml:"checkpoint_retention"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Backend is one of "memory", "local", "etcd".
	Backend string `toml:"backend"`

	// Path is the root directory for the local backend.
	Path string `toml:"path"`

	// Endpoints are the etcd endpoints for the etcd backend.
	Endpoints []string `toml:"endpoints"`

	// Prefix namespaces etcd keys.
	Prefix string `toml:"prefix"`
}

// LimitsConfig holds middleware limits.
type LimitsConfig struct {
	// RateBurst is the per-client token bucket capacity.
	RateBurst int `toml:"rate_burst"`

	// RateRefill is the per-client refill rate in tokens per second.
	RateRefill float64 `toml:"rate_refill"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			APIAddr:             ":8790",
			HeartbeatInterval:   Duration{time.Second},
			HeartbeatTimeout:    Duration{30 * time.Second},
			SweepInterval:       Duration{time.Second},
			Quarantine:          Duration{5 * time.Minute},
			ShutdownGrace:       Duration{10 * time.Second},
			MaxWorkers:          10000,
			CheckpointRetention: Duration{7 * 24 * time.Hour},
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "./data",
			Prefix:  "/flock/",
		},
		Limits: LimitsConfig{
			RateBurst:  64,
			RateRefill: 32,
		},
	}
}

// Load reads the TOML file at path on top of the defaults and then applies
// environment overrides. An empty path skips the file and uses defaults
// plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides config keys from equivalently named environment
// variables (SECTION_KEY, upper-cased).
func (c *Config) applyEnv() {
	envString("COORDINATOR_API_ADDR", &c.Coordinator.APIAddr)
	envDuration("COORDINATOR_HEARTBEAT_INTERVAL", &c.Coordinator.HeartbeatInterval)
	envDuration("COORDINATOR_HEARTBEAT_TIMEOUT", &c.Coordinator.HeartbeatTimeout)
	envDuration("COORDINATOR_SWEEP_INTERVAL", &c.Coordinator.SweepInterval)
	envDuration("COORDINATOR_QUARANTINE", &c.Coordinator.Quarantine)
	envDuration("COORDINATOR_SHUTDOWN_GRACE", &c.Coordinator.ShutdownGrace)
	envInt("COORDINATOR_MAX_WORKERS", &c.Coordinator.MaxWorkers)
	envDuration("COORDINATOR_CHECKPOINT_RETENTION", &c.Coordinator.CheckpointRetention)

	envString("STORAGE_BACKEND", &c.Storage.Backend)
	envString("STORAGE_PATH", &c.Storage.Path)
	envString("STORAGE_PREFIX", &c.Storage.Prefix)
	if v := os.Getenv("STORAGE_ENDPOINTS"); v != "" {
		c.Storage.Endpoints = strings.Split(v, ",")
	}

	envInt("LIMITS_RATE_BURST", &c.Limits.RateBurst)
	if v := os.Getenv("LIMITS_RATE_REFILL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Limits.RateRefill = f
		}
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "local", "etcd":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "etcd" && len(c.Storage.Endpoints) == 0 {
		return fmt.Errorf("etcd backend requires storage.endpoints")
	}
	if c.Coordinator.HeartbeatTimeout.Duration <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}
	if c.Coordinator.SweepInterval.Duration <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.Limits.RateBurst < 1 || c.Limits.RateRefill <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
