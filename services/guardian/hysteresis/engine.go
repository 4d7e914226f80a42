// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hysteresis classifies system health into severity states.
//
// The engine requires sustained evidence before moving in either
// direction: escalation needs a run of consecutive soft-threshold
// breaches (or a single hard breach, which jumps straight to
// EMERGENCY), and de-escalation needs an uninterrupted recovery window.
// A decision ring watches for oscillation and forces a held BROWNOUT
// when the signal flaps.
//
// # Failure Semantics
//
// The engine never fails loudly. An invalid metric reading counts as
// "not breaching" for escalation but "not recovered" for de-escalation,
// so a broken sampler can only keep the system degraded, never wrongly
// promote it to healthy.
//
// # Thread Safety
//
// The engine is single-writer: only the Guardian control loop
// calls Evaluate, ForceLockdown, and ClearLockdown. Concurrent readers
// must go through the Guardian's snapshot, not the engine.
package hysteresis

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

// Thresholds holds the three trigger levels for one metric, in percent.
type Thresholds struct {
	// Soft is the level that must be breached consecutively to escalate.
	Soft float64 `yaml:"soft"`

	// Hard is the level that escalates to EMERGENCY on a single sample.
	Hard float64 `yaml:"hard"`

	// Recovery is the level all metrics must stay under, continuously
	// for the recovery window, before stepping down one severity.
	Recovery float64 `yaml:"recovery"`
}

// ReasonLockdownExpired is the transition reason used when a lockdown
// runs out and the engine returns to NORMAL on its own. Callers match
// on it to distinguish expiry from a manual override.
const ReasonLockdownExpired = "lockdown expired"

// Config configures the engine. Zero values get defaults.
type Config struct {
	// Thresholds maps each watched metric to its trigger levels.
	// Default: RAM and CPU at soft 85 / hard 92 / recovery 75.
	Thresholds map[datatypes.MetricKind]Thresholds `yaml:"thresholds"`

	// ConsecutiveBreaches is the streak length required per escalation
	// step. Default: 5.
	ConsecutiveBreaches int `yaml:"consecutive_breaches"`

	// RecoveryWindow is how long all metrics must stay below recovery
	// thresholds before stepping down one level. Default: 60s.
	RecoveryWindow time.Duration `yaml:"recovery_window"`

	// WindowSize is the per-metric measurement window capacity.
	// Default: 10, and never below ConsecutiveBreaches.
	WindowSize int `yaml:"window_size"`

	// FlapRingSize is how many recent evaluations the flap detector
	// considers. Default: 10.
	FlapRingSize int `yaml:"flap_ring_size"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds: map[datatypes.MetricKind]Thresholds{
			datatypes.MetricRAM: {Soft: 85, Hard: 92, Recovery: 75},
			datatypes.MetricCPU: {Soft: 85, Hard: 92, Recovery: 75},
		},
		ConsecutiveBreaches: 5,
		RecoveryWindow:      60 * time.Second,
		WindowSize:          10,
		FlapRingSize:        10,
	}
}

// UnmarshalYAML decodes onto whatever values are already set, so a
// partial config file merges with the defaults. Durations may be
// written as "60s" strings.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Thresholds          map[datatypes.MetricKind]Thresholds `yaml:"thresholds"`
		ConsecutiveBreaches int                                 `yaml:"consecutive_breaches"`
		RecoveryWindow      datatypes.Duration                  `yaml:"recovery_window"`
		WindowSize          int                                 `yaml:"window_size"`
		FlapRingSize        int                                 `yaml:"flap_ring_size"`
	}{
		Thresholds:          c.Thresholds,
		ConsecutiveBreaches: c.ConsecutiveBreaches,
		RecoveryWindow:      datatypes.Duration(c.RecoveryWindow),
		WindowSize:          c.WindowSize,
		FlapRingSize:        c.FlapRingSize,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Thresholds = raw.Thresholds
	c.ConsecutiveBreaches = raw.ConsecutiveBreaches
	c.RecoveryWindow = raw.RecoveryWindow.Std()
	c.WindowSize = raw.WindowSize
	c.FlapRingSize = raw.FlapRingSize
	return nil
}

// Engine is the hysteresis state machine.
type Engine struct {
	config Config
	clock  datatypes.Clock
	logger *slog.Logger

	state         datatypes.SystemState
	windows       map[datatypes.MetricKind]*MeasurementWindow
	streaks       map[datatypes.MetricKind]int
	recoveryStart time.Time // zero when no recovery timer is running
	ring          *decisionRing
	flapHoldUntil time.Time // zero when no flap hold is active
	lockdownUntil time.Time // zero when not locked down
}

// NewEngine creates an engine in NORMAL state.
func NewEngine(config Config, clock datatypes.Clock, logger *slog.Logger) *Engine {
	defaults := DefaultConfig()
	if len(config.Thresholds) == 0 {
		config.Thresholds = defaults.Thresholds
	}
	if config.ConsecutiveBreaches <= 0 {
		config.ConsecutiveBreaches = defaults.ConsecutiveBreaches
	}
	if config.RecoveryWindow <= 0 {
		config.RecoveryWindow = defaults.RecoveryWindow
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.WindowSize < config.ConsecutiveBreaches {
		config.WindowSize = config.ConsecutiveBreaches
	}
	if config.FlapRingSize <= 0 {
		config.FlapRingSize = defaults.FlapRingSize
	}
	if clock == nil {
		clock = datatypes.SystemClock{}
	}

	e := &Engine{
		config:  config,
		clock:   clock,
		logger:  logger.With(slog.String("subsystem", "hysteresis")),
		state:   datatypes.StateNormal,
		windows: make(map[datatypes.MetricKind]*MeasurementWindow, len(config.Thresholds)),
		streaks: make(map[datatypes.MetricKind]int, len(config.Thresholds)),
		ring:    newDecisionRing(config.FlapRingSize),
	}
	for kind := range config.Thresholds {
		e.windows[kind] = NewMeasurementWindow(config.WindowSize)
	}
	return e
}

// State returns the current system state.
func (e *Engine) State() datatypes.SystemState { return e.state }

// LockdownUntil returns the lockdown expiry, and false if no lockdown
// is active.
func (e *Engine) LockdownUntil() (time.Time, bool) {
	return e.lockdownUntil, !e.lockdownUntil.IsZero()
}

// UpdateThresholds swaps the threshold table at runtime (config hot
// reload). Windows and streaks are kept; the new levels simply apply
// from the next evaluation.
func (e *Engine) UpdateThresholds(thresholds map[datatypes.MetricKind]Thresholds) {
	for kind := range thresholds {
		if _, ok := e.windows[kind]; !ok {
			e.windows[kind] = NewMeasurementWindow(e.config.WindowSize)
		}
	}
	e.config.Thresholds = thresholds
	e.logger.Info("thresholds updated", slog.Int("metrics", len(thresholds)))
}

// Evaluate folds one sample into the windows and returns the resulting
// state transition, or nil when the state holds.
func (e *Engine) Evaluate(sample datatypes.MetricSample) *datatypes.StateTransition {
	now := e.clock.Now()

	for kind, window := range e.windows {
		value, valid := sample.Value(kind)
		window.Append(value, valid)
	}

	// Lockdown suspends everything except its own expiry.
	if e.state == datatypes.StateLockdown {
		if !e.lockdownUntil.IsZero() && !now.Before(e.lockdownUntil) {
			e.lockdownUntil = time.Time{}
			tr := e.apply(datatypes.StateNormal, ReasonLockdownExpired, false, now)
			e.ring.record(true)
			return tr
		}
		e.ring.record(false)
		return nil
	}

	e.updateStreaks(sample)

	target, reason := e.decide(sample, now)

	e.ring.record(target != e.state)

	// Flap suppression: when transitions dominate the ring, force
	// BROWNOUT and hold it for one recovery window. The ring keeps
	// accumulating; it is not cleared by the hold.
	if !e.inFlapHold(now) && e.ring.full() && e.ring.transitions()*2 > e.config.FlapRingSize {
		e.flapHoldUntil = now.Add(e.config.RecoveryWindow)
		if e.state != datatypes.StateBrownout || target != datatypes.StateBrownout {
			reason = fmt.Sprintf("flapping detected: %d transitions in last %d evaluations",
				e.ring.transitions(), e.config.FlapRingSize)
			e.logger.Warn("flap suppression engaged", slog.String("hold_until", e.flapHoldUntil.Format(time.RFC3339)))
			if e.state == datatypes.StateBrownout {
				return nil
			}
			return e.apply(datatypes.StateBrownout, reason, true, now)
		}
	}

	if target == e.state {
		return nil
	}
	return e.apply(target, reason, false, now)
}

// ForceLockdown moves the engine into LOCKDOWN until the given time.
// Called when the cooldown limiter's long window is exhausted.
func (e *Engine) ForceLockdown(until time.Time, reason string) *datatypes.StateTransition {
	if e.state == datatypes.StateLockdown {
		e.lockdownUntil = until
		return nil
	}
	e.lockdownUntil = until
	return e.apply(datatypes.StateLockdown, reason, false, e.clock.Now())
}

// ClearLockdown handles a confirmed manual override. It is a no-op
// unless the engine is locked down.
func (e *Engine) ClearLockdown(reason string) *datatypes.StateTransition {
	if e.state != datatypes.StateLockdown {
		return nil
	}
	e.lockdownUntil = time.Time{}
	return e.apply(datatypes.StateNormal, reason, false, e.clock.Now())
}

// =============================================================================
// Internals
// =============================================================================

// updateStreaks advances per-metric consecutive-breach counters. An
// invalid reading breaks the streak: it is "not breaching".
func (e *Engine) updateStreaks(sample datatypes.MetricSample) {
	for kind, th := range e.config.Thresholds {
		value, valid := sample.Value(kind)
		if valid && value >= th.Soft {
			e.streaks[kind]++
		} else {
			e.streaks[kind] = 0
		}
	}
}

// decide computes the target state for this tick without applying it.
func (e *Engine) decide(sample datatypes.MetricSample, now time.Time) (datatypes.SystemState, string) {
	// Fast path: a single hard breach jumps straight to EMERGENCY.
	for kind, th := range e.config.Thresholds {
		value, valid := sample.Value(kind)
		if valid && value >= th.Hard && e.state != datatypes.StateEmergency {
			e.recoveryStart = time.Time{}
			return datatypes.StateEmergency,
				fmt.Sprintf("%s hard threshold breached: %.1f%% >= %.1f%%", kind, value, th.Hard)
		}
	}

	// Escalation ladder: each step needs its own full streak.
	if e.state < datatypes.StateEmergency {
		for kind, th := range e.config.Thresholds {
			if e.streaks[kind] < e.config.ConsecutiveBreaches {
				continue
			}
			e.recoveryStart = time.Time{}
			reason := fmt.Sprintf("%s soft threshold breached: %d-sample average", kind, e.config.ConsecutiveBreaches)
			if avg, ok := e.windows[kind].LastAverage(e.config.ConsecutiveBreaches); ok {
				reason = fmt.Sprintf("%s soft threshold breached: %d-sample average %.1f%% >= %.1f%%",
					kind, e.config.ConsecutiveBreaches, avg, th.Soft)
			}
			return e.state + 1, reason
		}
	}

	// De-escalation: one uninterrupted recovery window, one step down.
	if e.state > datatypes.StateNormal {
		if e.inFlapHold(now) || !e.recovered(sample) {
			e.recoveryStart = time.Time{}
			return e.state, ""
		}
		if e.recoveryStart.IsZero() {
			e.recoveryStart = now
			return e.state, ""
		}
		if now.Sub(e.recoveryStart) >= e.config.RecoveryWindow {
			// Restart the timer so the next step down needs its own
			// full window; levels are never skipped on the way down.
			e.recoveryStart = now
			return e.state - 1,
				fmt.Sprintf("all metrics below recovery thresholds for %s", e.config.RecoveryWindow)
		}
	}

	return e.state, ""
}

// recovered reports whether every metric reads valid and below its
// recovery threshold. Invalid readings are "not recovered".
func (e *Engine) recovered(sample datatypes.MetricSample) bool {
	for kind, th := range e.config.Thresholds {
		value, valid := sample.Value(kind)
		if !valid || value >= th.Recovery {
			return false
		}
	}
	return true
}

func (e *Engine) inFlapHold(now time.Time) bool {
	return !e.flapHoldUntil.IsZero() && now.Before(e.flapHoldUntil)
}

// apply mutates the state and builds the transition record.
func (e *Engine) apply(target datatypes.SystemState, reason string, flapping bool, now time.Time) *datatypes.StateTransition {
	from := e.state
	e.state = target
	for kind := range e.streaks {
		e.streaks[kind] = 0
	}
	if target == datatypes.StateNormal {
		e.recoveryStart = time.Time{}
	}

	snapshot := make(map[datatypes.MetricKind][]float64, len(e.windows))
	for kind, window := range e.windows {
		snapshot[kind] = window.Values()
	}

	e.logger.Info("state transition",
		slog.String("from", from.String()),
		slog.String("to", target.String()),
		slog.String("reason", reason),
		slog.Bool("flapping", flapping),
	)

	return &datatypes.StateTransition{
		ID:               uuid.New().String(),
		From:             from,
		To:               target,
		Reason:           reason,
		Timestamp:        now,
		WindowSnapshot:   snapshot,
		FlappingDetected: flapping,
	}
}
