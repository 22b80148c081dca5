// Package config parses the operator-supplied YAML file that drives a
// scrub run: per-device deadlines, background-mode flags, synergistic-mode
// toggles, and rate-limit knobs. It is the config-file counterpart to the
// programmatic DeviceParams/Options pattern the teacher uses for its API
// (internal/ctrl/types.go's DefaultDeviceParams).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceConfig holds the scrub parameters for one device.
type DeviceConfig struct {
	DeviceID     uint64 `yaml:"device_id"`
	StartLogical int64  `yaml:"start_logical"`
	EndLogical   int64  `yaml:"end_logical"` // 0 means "to end of device"
	ReadOnly     bool   `yaml:"read_only"`

	// DeadlineSeconds, if nonzero, is passed to the rate controller as
	// the wall-clock completion deadline (§4.6). Zero disables pacing.
	DeadlineSeconds int64 `yaml:"deadline_seconds"`

	// PreEnumerate corresponds to BGSC_ENUM: pre-walk extents to refine
	// the target-bytes estimate before starting the paced run.
	PreEnumerate bool `yaml:"pre_enumerate"`

	// AllowBoost corresponds to BGSC_BOOST: permit the rate controller
	// to raise I/O priority when progress lags goal by ≥100 batches.
	AllowBoost bool `yaml:"allow_boost"`

	// Synergistic enables the page-cache-event observer filter (C8) for
	// this device.
	Synergistic bool `yaml:"synergistic"`

	ReplaceTargetDevID uint64 `yaml:"replace_target_device_id,omitempty"`
}

// Deadline returns d as a time.Duration, or 0 if no deadline is set.
func (d DeviceConfig) Deadline() time.Duration {
	if d.DeadlineSeconds <= 0 {
		return 0
	}
	return time.Duration(d.DeadlineSeconds) * time.Second
}

// RateLimitConfig bounds the per-key warning rate limiter (§7
// "Warnings are rate-limited at the source").
type RateLimitConfig struct {
	WarnWindowSeconds int64 `yaml:"warn_window_seconds"`
}

// Window returns the configured warning-suppression window, defaulting to
// 30s when unset.
func (r RateLimitConfig) Window() time.Duration {
	if r.WarnWindowSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.WarnWindowSeconds) * time.Second
}

// Config is the top-level scrub configuration file shape.
type Config struct {
	LogFormat string           `yaml:"log_format"` // "text" or "json"
	LogLevel  string           `yaml:"log_level"`  // "debug"|"info"|"warn"|"error"
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Devices   []DeviceConfig   `yaml:"devices"`
}

// Default returns a default configuration with no devices configured
// (so nothing is paced or synergistic) — the config-file analogue of DefaultDeviceParams.
func Default() *Config {
	return &Config{
		LogFormat: "text",
		LogLevel:  "info",
		RateLimit: RateLimitConfig{WarnWindowSeconds: 30},
	}
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for structural errors Load can't catch via
// YAML decoding alone (duplicate device ids, missing device list).
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: no devices configured")
	}
	seen := make(map[uint64]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.DeviceID] {
			return fmt.Errorf("config: duplicate device_id %d", d.DeviceID)
		}
		seen[d.DeviceID] = true
		if d.EndLogical != 0 && d.EndLogical <= d.StartLogical {
			return fmt.Errorf("config: device %d: end_logical %d <= start_logical %d", d.DeviceID, d.EndLogical, d.StartLogical)
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Device looks up the per-device config by id.
func (c *Config) Device(devID uint64) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.DeviceID == devID {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
