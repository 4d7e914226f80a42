// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the guardian's configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML file,
// environment variables. A config file is optional; the defaults run
// a sensible guardian against a local llama.cpp-style server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGuard/pkg/validation"
	"github.com/AleutianAI/AleutianGuard/services/guardian/autotune"
	"github.com/AleutianAI/AleutianGuard/services/guardian/brownout"
	"github.com/AleutianAI/AleutianGuard/services/guardian/controlplane"
	"github.com/AleutianAI/AleutianGuard/services/guardian/cooldown"
	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
	"github.com/AleutianAI/AleutianGuard/services/guardian/hysteresis"
	"github.com/AleutianAI/AleutianGuard/services/guardian/killseq"
	"github.com/AleutianAI/AleutianGuard/services/guardian/sampler"
	"github.com/AleutianAI/AleutianGuard/services/guardian/store"
)

// Environment variable overrides.
const (
	EnvPort            = "GUARDIAN_PORT"
	EnvControlPlaneURL = "GUARDIAN_CONTROL_PLANE_URL"
	EnvEventLogPath    = "GUARDIAN_EVENT_LOG"
	EnvStorePath       = "GUARDIAN_STORE_PATH"
)

// BrownoutConfig is the YAML-friendly shape of the mitigation bundles.
type BrownoutConfig struct {
	Baseline        brownout.Bundle `yaml:"baseline"`
	Light           brownout.Bundle `yaml:"light"`
	Moderate        brownout.Bundle `yaml:"moderate"`
	Heavy           brownout.Bundle `yaml:"heavy"`
	MaxAttempts     int             `yaml:"max_attempts"`
	RetryBackoff    time.Duration   `yaml:"retry_backoff"`
	DwellEscalation time.Duration   `yaml:"dwell_escalation"`
}

// UnmarshalYAML decodes onto the values already set, with durations
// accepted as "30s" strings.
func (b *BrownoutConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Baseline        brownout.Bundle    `yaml:"baseline"`
		Light           brownout.Bundle    `yaml:"light"`
		Moderate        brownout.Bundle    `yaml:"moderate"`
		Heavy           brownout.Bundle    `yaml:"heavy"`
		MaxAttempts     int                `yaml:"max_attempts"`
		RetryBackoff    datatypes.Duration `yaml:"retry_backoff"`
		DwellEscalation datatypes.Duration `yaml:"dwell_escalation"`
	}{
		Baseline:        b.Baseline,
		Light:           b.Light,
		Moderate:        b.Moderate,
		Heavy:           b.Heavy,
		MaxAttempts:     b.MaxAttempts,
		RetryBackoff:    datatypes.Duration(b.RetryBackoff),
		DwellEscalation: datatypes.Duration(b.DwellEscalation),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	b.Baseline = raw.Baseline
	b.Light = raw.Light
	b.Moderate = raw.Moderate
	b.Heavy = raw.Heavy
	b.MaxAttempts = raw.MaxAttempts
	b.RetryBackoff = raw.RetryBackoff.Std()
	b.DwellEscalation = raw.DwellEscalation.Std()
	return nil
}

// ManagerConfig converts to the brownout package's config. Unset
// bundles fall back to that package's defaults.
func (b BrownoutConfig) ManagerConfig() brownout.Config {
	cfg := brownout.Config{
		Baseline:        b.Baseline,
		MaxAttempts:     b.MaxAttempts,
		RetryBackoff:    b.RetryBackoff,
		DwellEscalation: b.DwellEscalation,
	}
	if !b.Light.IsZero() && !b.Moderate.IsZero() && !b.Heavy.IsZero() {
		cfg.Bundles = map[datatypes.BrownoutLevel]brownout.Bundle{
			datatypes.BrownoutLight:    b.Light,
			datatypes.BrownoutModerate: b.Moderate,
			datatypes.BrownoutHeavy:    b.Heavy,
		}
	}
	return cfg
}

// Config is the guardian's full configuration.
type Config struct {
	// Port is the control surface listen port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// TickInterval is the control loop cadence.
	TickInterval time.Duration `yaml:"tick_interval"`

	// EventLogPath is the NDJSON audit file.
	EventLogPath string `yaml:"event_log_path" validate:"required"`

	// StorePath is the BadgerDB directory for durable state.
	StorePath string `yaml:"store_path" validate:"required"`

	Sampler      sampler.Config          `yaml:"sampler"`
	Hysteresis   hysteresis.Config       `yaml:"hysteresis"`
	Cooldown     cooldown.Config         `yaml:"cooldown"`
	Brownout     BrownoutConfig          `yaml:"brownout"`
	Kill         killseq.Config          `yaml:"kill"`
	AutoTune     autotune.Config         `yaml:"autotune"`
	ControlPlane controlplane.HTTPConfig `yaml:"control_plane"`
}

// UnmarshalYAML decodes onto the values already set, so a partial
// config file merges with the defaults Load starts from.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Port         int                     `yaml:"port"`
		TickInterval datatypes.Duration      `yaml:"tick_interval"`
		EventLogPath string                  `yaml:"event_log_path"`
		StorePath    string                  `yaml:"store_path"`
		Sampler      sampler.Config          `yaml:"sampler"`
		Hysteresis   hysteresis.Config       `yaml:"hysteresis"`
		Cooldown     cooldown.Config         `yaml:"cooldown"`
		Brownout     BrownoutConfig          `yaml:"brownout"`
		Kill         killseq.Config          `yaml:"kill"`
		AutoTune     autotune.Config         `yaml:"autotune"`
		ControlPlane controlplane.HTTPConfig `yaml:"control_plane"`
	}{
		Port:         c.Port,
		TickInterval: datatypes.Duration(c.TickInterval),
		EventLogPath: c.EventLogPath,
		StorePath:    c.StorePath,
		Sampler:      c.Sampler,
		Hysteresis:   c.Hysteresis,
		Cooldown:     c.Cooldown,
		Brownout:     c.Brownout,
		Kill:         c.Kill,
		AutoTune:     c.AutoTune,
		ControlPlane: c.ControlPlane,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Port = raw.Port
	c.TickInterval = raw.TickInterval.Std()
	c.EventLogPath = raw.EventLogPath
	c.StorePath = raw.StorePath
	c.Sampler = raw.Sampler
	c.Hysteresis = raw.Hysteresis
	c.Cooldown = raw.Cooldown
	c.Brownout = raw.Brownout
	c.Kill = raw.Kill
	c.AutoTune = raw.AutoTune
	c.ControlPlane = raw.ControlPlane
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:         12280,
		TickInterval: time.Second,
		EventLogPath: "/var/lib/guardian/events.ndjson",
		StorePath:    "/var/lib/guardian/store",
		Sampler: sampler.Config{
			DiskPath:       "/",
			TargetPatterns: []string{"llama-server", "ollama"},
		},
		Hysteresis: hysteresis.DefaultConfig(),
		Cooldown:   cooldown.DefaultConfig(),
		AutoTune:   autotune.DefaultConfig(),
		ControlPlane: controlplane.HTTPConfig{
			BaseURL: "http://127.0.0.1:8089",
		},
	}
}

// StoreConfig returns the persistence layer's config.
func (c Config) StoreConfig() store.Config {
	return store.DefaultConfig(c.StorePath)
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural and semantic constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.TickInterval < 100*time.Millisecond {
		return fmt.Errorf("tick_interval %s is below the 100ms floor", c.TickInterval)
	}
	for kind, th := range c.Hysteresis.Thresholds {
		if th.Recovery >= th.Soft {
			return fmt.Errorf("%s recovery threshold %.1f must be below soft threshold %.1f", kind, th.Recovery, th.Soft)
		}
		if th.Soft >= th.Hard {
			return fmt.Errorf("%s soft threshold %.1f must be below hard threshold %.1f", kind, th.Soft, th.Hard)
		}
	}
	if c.Cooldown.ShortWindow > 0 && c.Cooldown.LongWindow > 0 && c.Cooldown.ShortWindow >= c.Cooldown.LongWindow {
		return fmt.Errorf("cooldown short window %s must be below long window %s", c.Cooldown.ShortWindow, c.Cooldown.LongWindow)
	}
	if err := validation.ValidateProcessPatterns(c.Sampler.TargetPatterns); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, model := range []string{c.Brownout.Baseline.Model, c.Brownout.Light.Model, c.Brownout.Moderate.Model, c.Brownout.Heavy.Model} {
		if model == "" {
			continue
		}
		if err := validation.ValidateModelName(model); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv(EnvControlPlaneURL); v != "" {
		cfg.ControlPlane.BaseURL = v
	}
	if v := os.Getenv(EnvEventLogPath); v != "" {
		cfg.EventLogPath = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.StorePath = v
	}
}
