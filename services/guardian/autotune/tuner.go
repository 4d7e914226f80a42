// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autotune adjusts inference concurrency against a latency SLO.
//
// The tuner runs on its own cadence, independent of the guardian
// control loop. Each tick it compares the p95 of recent request
// latencies to the target: over the SLO sheds one slot of
// concurrency, comfortably under it earns one back. Movement is one
// step per tick so the downstream server never sees a thundering
// change.
package autotune

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGuard/services/guardian/controlplane"
	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

// Config configures the tuner. Zero values get defaults.
type Config struct {
	// Interval is the tuning cadence. Default: 60s.
	Interval time.Duration `yaml:"interval"`

	// TargetSLO is the p95 latency budget. Default: 2s.
	TargetSLO time.Duration `yaml:"target_slo"`

	// RecoverRatio is the fraction of the SLO under which concurrency
	// may grow. Default: 0.7.
	RecoverRatio float64 `yaml:"recover_ratio"`

	// MinLimit and MaxLimit bound the concurrency limit.
	// Defaults: 1 and 10.
	MinLimit int `yaml:"min_limit"`
	MaxLimit int `yaml:"max_limit"`

	// InitialLimit is the starting concurrency. Default: MaxLimit.
	InitialLimit int `yaml:"initial_limit"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		TargetSLO:    2 * time.Second,
		RecoverRatio: 0.7,
		MinLimit:     1,
		MaxLimit:     10,
	}
}

// UnmarshalYAML decodes onto the values already set, with durations
// accepted as "60s" strings.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Interval     datatypes.Duration `yaml:"interval"`
		TargetSLO    datatypes.Duration `yaml:"target_slo"`
		RecoverRatio float64            `yaml:"recover_ratio"`
		MinLimit     int                `yaml:"min_limit"`
		MaxLimit     int                `yaml:"max_limit"`
		InitialLimit int                `yaml:"initial_limit"`
	}{
		Interval:     datatypes.Duration(c.Interval),
		TargetSLO:    datatypes.Duration(c.TargetSLO),
		RecoverRatio: c.RecoverRatio,
		MinLimit:     c.MinLimit,
		MaxLimit:     c.MaxLimit,
		InitialLimit: c.InitialLimit,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Interval = raw.Interval.Std()
	c.TargetSLO = raw.TargetSLO.Std()
	c.RecoverRatio = raw.RecoverRatio
	c.MinLimit = raw.MinLimit
	c.MaxLimit = raw.MaxLimit
	c.InitialLimit = raw.InitialLimit
	return nil
}

// Adjustment describes one concurrency change.
type Adjustment struct {
	Timestamp time.Time     `json:"timestamp"`
	Old       int           `json:"old_limit"`
	New       int           `json:"new_limit"`
	P95       time.Duration `json:"p95"`
	Reason    string        `json:"reason"`
}

// Tuner is the concurrency feedback loop.
//
// # Thread Safety
//
// Limit is safe to read from any goroutine. Tick and Run belong to the
// tuner's own goroutine.
type Tuner struct {
	config   Config
	recorder *LatencyRecorder
	client   controlplane.Client
	logger   *slog.Logger
	limit    atomic.Int64

	// OnAdjust, when set, receives every applied adjustment. Used by
	// the guardian to feed the event log.
	OnAdjust func(Adjustment)
}

// NewTuner creates a tuner at its initial concurrency limit.
func NewTuner(config Config, recorder *LatencyRecorder, client controlplane.Client, logger *slog.Logger) *Tuner {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.TargetSLO <= 0 {
		config.TargetSLO = defaults.TargetSLO
	}
	if config.RecoverRatio <= 0 || config.RecoverRatio >= 1 {
		config.RecoverRatio = defaults.RecoverRatio
	}
	if config.MinLimit < 1 {
		config.MinLimit = defaults.MinLimit
	}
	if config.MaxLimit <= config.MinLimit {
		config.MaxLimit = defaults.MaxLimit
	}
	if config.InitialLimit < config.MinLimit || config.InitialLimit > config.MaxLimit {
		config.InitialLimit = config.MaxLimit
	}
	t := &Tuner{
		config:   config,
		recorder: recorder,
		client:   client,
		logger:   logger.With(slog.String("subsystem", "autotune")),
	}
	t.limit.Store(int64(config.InitialLimit))
	return t
}

// Limit returns the current concurrency limit.
func (t *Tuner) Limit() int {
	return int(t.limit.Load())
}

// Tick runs one tuning decision and returns the adjustment made, or
// nil when the limit held.
func (t *Tuner) Tick(ctx context.Context) *Adjustment {
	p95, ok := t.recorder.P95()
	if !ok {
		t.logger.Debug("no latency samples, holding concurrency")
		return nil
	}

	old := t.Limit()
	target := old
	var reason string
	switch {
	case p95 > t.config.TargetSLO && old > t.config.MinLimit:
		target = old - 1
		reason = fmt.Sprintf("p95 %s exceeds SLO %s", p95, t.config.TargetSLO)
	case p95 < t.headroom() && old < t.config.MaxLimit:
		target = old + 1
		reason = fmt.Sprintf("p95 %s under %.0f%% of SLO %s", p95, t.config.RecoverRatio*100, t.config.TargetSLO)
	default:
		return nil
	}

	if err := t.client.SetConcurrency(ctx, target); err != nil {
		t.logger.Error("failed to push concurrency limit",
			slog.Int("limit", target),
			slog.String("error", err.Error()),
		)
		return nil
	}

	t.limit.Store(int64(target))
	adj := Adjustment{
		Timestamp: time.Now(),
		Old:       old,
		New:       target,
		P95:       p95,
		Reason:    reason,
	}
	t.logger.Info("concurrency adjusted",
		slog.Int("old", old),
		slog.Int("new", target),
		slog.Duration("p95", p95),
	)
	if t.OnAdjust != nil {
		t.OnAdjust(adj)
	}
	return &adj
}

// Run ticks until the context is cancelled.
func (t *Tuner) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

func (t *Tuner) headroom() time.Duration {
	return time.Duration(float64(t.config.TargetSLO) * t.config.RecoverRatio)
}
