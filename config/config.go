// Package config loads host configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that round-trips through YAML as a string
// like "5m" or "1h30m".
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config controls the host: pool sizing, history capacity, and optional
// history persistence.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	History HistoryConfig `yaml:"history"`
}

// PoolConfig contains runspace pool settings.
type PoolConfig struct {
	MinRunspaces int      `yaml:"min_runspaces"`
	MaxRunspaces int      `yaml:"max_runspaces"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// HistoryConfig contains command-history settings.
type HistoryConfig struct {
	Capacity int    `yaml:"capacity"`
	Path     string `yaml:"path"` // optional: persist history across sessions
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MinRunspaces: 1,
			MaxRunspaces: 4,
			IdleTimeout:  Duration(15 * time.Minute),
		},
		History: HistoryConfig{
			Capacity: 4096,
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks bounds.
func (c *Config) Validate() error {
	if c.Pool.MinRunspaces < 1 {
		return fmt.Errorf("pool.min_runspaces must be >= 1, got %d", c.Pool.MinRunspaces)
	}
	if c.Pool.MaxRunspaces < c.Pool.MinRunspaces {
		return fmt.Errorf("pool.max_runspaces (%d) must be >= pool.min_runspaces (%d)",
			c.Pool.MaxRunspaces, c.Pool.MinRunspaces)
	}
	if c.Pool.IdleTimeout < 0 {
		return fmt.Errorf("pool.idle_timeout must not be negative, got %s", c.Pool.IdleTimeout.Duration())
	}
	if c.History.Capacity < 1 {
		return fmt.Errorf("history.capacity must be >= 1, got %d", c.History.Capacity)
	}
	return nil
}
