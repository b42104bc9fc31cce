// Package config loads the childminder manifest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML scalars like "5s".
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the childminder.yaml document structure.
type Config struct {
	Watcher WatcherConfig `yaml:"watcher"`
	Pipes   PipeConfig    `yaml:"pipes"`
	Stop    StopConfig    `yaml:"stop"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// WatcherConfig selects the reaping policy.
type WatcherConfig struct {
	Policy string `yaml:"policy"`
}

// PipeConfig sets the endpoint backpressure watermarks.
type PipeConfig struct {
	HighWatermark int `yaml:"high_watermark"`
	LowWatermark  int `yaml:"low_watermark"`
}

// StopConfig controls the terminate-then-kill escalation.
type StopConfig struct {
	GracePeriod Duration `yaml:"grace_period"`
}

// LogConfig selects the output rendering.
type LogConfig struct {
	Format string `yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Log output formats.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Watcher: WatcherConfig{Policy: "safe"},
		Pipes:   PipeConfig{HighWatermark: 64 * 1024, LowWatermark: 16 * 1024},
		Stop:    StopConfig{GracePeriod: Duration{Duration: 5 * time.Second}},
		Log:     LogConfig{Format: FormatAuto},
	}
}

// Load reads a manifest from the provided path, layering it over the
// defaults.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Watcher.Policy {
	case "safe", "fast", "completion":
	default:
		return fmt.Errorf("watcher.policy: unknown policy %q", c.Watcher.Policy)
	}
	if c.Pipes.HighWatermark < 0 || c.Pipes.LowWatermark < 0 {
		return fmt.Errorf("pipes: watermarks must be non-negative")
	}
	if c.Pipes.HighWatermark > 0 && c.Pipes.LowWatermark >= c.Pipes.HighWatermark {
		return fmt.Errorf("pipes: low_watermark %d must be below high_watermark %d",
			c.Pipes.LowWatermark, c.Pipes.HighWatermark)
	}
	switch c.Log.Format {
	case FormatAuto, FormatJSON, FormatText:
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Stop.GracePeriod.Duration < 0 {
		return fmt.Errorf("stop.grace_period: must be non-negative")
	}
	return nil
}
