// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the Guardian service.
//
// The types here are the vocabulary every Guardian subsystem speaks:
// metric samples produced by the sampler, the severity-ordered system
// state, state transitions emitted by the hysteresis engine, and kill
// events consumed by the cooldown limiter. Samples and transitions are
// write-once: they are created on a tick, handed downstream, and never
// mutated afterwards.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// System State
// =============================================================================

// SystemState is the Guardian's health classification, totally ordered
// by severity. Exactly one state is active per Guardian instance.
type SystemState int

const (
	// StateNormal means all metrics are within thresholds.
	StateNormal SystemState = iota

	// StateBrownout means sustained soft-threshold breaches; light
	// mitigations are active.
	StateBrownout

	// StateDegraded means the breach persisted through brownout;
	// heavier mitigations are active.
	StateDegraded

	// StateEmergency means a hard threshold was breached or the
	// degradation ladder was exhausted; process termination is on the
	// table.
	StateEmergency

	// StateLockdown means the kill budget was exhausted. No automatic
	// transitions occur until a manual override or the lockdown expiry.
	StateLockdown
)

// String returns the canonical upper-case state name used in logs and
// the event stream.
func (s SystemState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateBrownout:
		return "BROWNOUT"
	case StateDegraded:
		return "DEGRADED"
	case StateEmergency:
		return "EMERGENCY"
	case StateLockdown:
		return "LOCKDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MoreSevereThan reports whether s outranks other on the severity ladder.
func (s SystemState) MoreSevereThan(other SystemState) bool {
	return s > other
}

// MarshalText implements encoding.TextMarshaler so states serialize as
// their names in JSON payloads.
func (s SystemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// =============================================================================
// Brownout Level
// =============================================================================

// BrownoutLevel selects one of the fixed mitigation bundles.
type BrownoutLevel int

const (
	// BrownoutNone means no mitigation is active.
	BrownoutNone BrownoutLevel = iota

	// BrownoutLight trims the context window and one heavy tool.
	BrownoutLight

	// BrownoutModerate switches to the fallback model and disables
	// several heavy tools.
	BrownoutModerate

	// BrownoutHeavy is the maximum reversible degradation: fallback
	// model, minimal context, all non-essential tools off.
	BrownoutHeavy
)

// String returns the canonical level name.
func (l BrownoutLevel) String() string {
	switch l {
	case BrownoutNone:
		return "NONE"
	case BrownoutLight:
		return "LIGHT"
	case BrownoutModerate:
		return "MODERATE"
	case BrownoutHeavy:
		return "HEAVY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l BrownoutLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// =============================================================================
// Metric Samples
// =============================================================================

// MetricKind identifies a metric dimension that participates in
// threshold evaluation.
type MetricKind string

const (
	// MetricRAM is system memory utilization in percent.
	MetricRAM MetricKind = "ram"

	// MetricCPU is system CPU utilization in percent.
	MetricCPU MetricKind = "cpu"
)

// MetricSample is one tick's worth of resource readings.
//
// A sample is immutable once produced. A failed read does not abort the
// sample: the affected field keeps its zero value and the corresponding
// *Valid flag is false, so the hysteresis engine can exclude it from
// threshold comparisons for that tick only.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`

	RAMPct  float64 `json:"ram_pct"`
	CPUPct  float64 `json:"cpu_pct"`
	DiskPct float64 `json:"disk_pct"`
	TempC   float64 `json:"temp_c"`
	RAMGB   float64 `json:"ram_gb"`

	// TargetPIDs are the supervised inference processes found alive
	// at sampling time.
	TargetPIDs []int32 `json:"target_pids"`

	RAMValid  bool `json:"ram_valid"`
	CPUValid  bool `json:"cpu_valid"`
	DiskValid bool `json:"disk_valid"`
	TempValid bool `json:"temp_valid"`
}

// Value returns the reading for kind and whether it is usable this tick.
func (s MetricSample) Value(kind MetricKind) (float64, bool) {
	switch kind {
	case MetricRAM:
		return s.RAMPct, s.RAMValid
	case MetricCPU:
		return s.CPUPct, s.CPUValid
	default:
		return 0, false
	}
}

// FullyValid reports whether every threshold-bearing field was read
// successfully. De-escalation requires this: an unreadable metric is
// "not recovered" by definition.
func (s MetricSample) FullyValid() bool {
	return s.RAMValid && s.CPUValid
}

// =============================================================================
// State Transitions
// =============================================================================

// StateTransition records a single state change decided by the
// hysteresis engine. Immutable once written; consumed by the event log.
type StateTransition struct {
	ID        string      `json:"id"`
	From      SystemState `json:"from_state"`
	To        SystemState `json:"to_state"`
	Reason    string      `json:"reason"`
	Timestamp time.Time   `json:"timestamp"`

	// WindowSnapshot captures the per-metric measurement windows at
	// decision time, keyed by metric kind.
	WindowSnapshot map[MetricKind][]float64 `json:"window_snapshot,omitempty"`

	// FlappingDetected is true when this transition was forced by the
	// flap suppressor rather than by thresholds.
	FlappingDetected bool `json:"flapping_detected"`
}

// =============================================================================
// Kill Events
// =============================================================================

// KillOutcome classifies how a termination sequence ended.
type KillOutcome string

const (
	// KillGraceful means every target exited on the graceful signal.
	KillGraceful KillOutcome = "graceful"

	// KillForced means at least one target needed a force-kill.
	KillForced KillOutcome = "forced"

	// KillFailed means at least one target survived both signals.
	KillFailed KillOutcome = "failed"
)

// KillEvent records one executed (or attempted) termination sequence.
// Created by the kill sequencer; read back by the cooldown limiter to
// populate its rate windows after a restart.
type KillEvent struct {
	Timestamp         time.Time    `json:"timestamp"`
	TargetPIDs        []int32      `json:"target_pids"`
	Outcome           KillOutcome  `json:"outcome"`
	TriggeringMetrics MetricSample `json:"triggering_metrics"`
}

// =============================================================================
// Cooldown Snapshot
// =============================================================================

// CooldownSnapshot is a read-only view of the limiter's windows, exposed
// on the control surface.
type CooldownSnapshot struct {
	// ShortWindowKills is the number of kills inside the short window.
	ShortWindowKills int `json:"short_window_kills"`

	// ShortWindowCapacity is the short window's kill budget.
	ShortWindowCapacity int `json:"short_window_capacity"`

	// LongWindowKills is the number of kills inside the long window.
	LongWindowKills int `json:"long_window_kills"`

	// LongWindowCapacity is the long window's kill budget.
	LongWindowCapacity int `json:"long_window_capacity"`

	// LockdownUntil is non-nil while a lockdown is active.
	LockdownUntil *time.Time `json:"lockdown_until,omitempty"`
}
