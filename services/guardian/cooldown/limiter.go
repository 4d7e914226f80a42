// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cooldown rate-limits kill actions with two sliding windows.
//
// A short window stops rapid-fire kills and a long window catches the
// slow burn. Exhausting the long window is treated as evidence that
// killing the workload is not fixing anything, so the limiter asks for
// a lockdown instead of another kill.
package cooldown

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

// Config configures the limiter. Zero values get defaults.
type Config struct {
	// ShortWindow and ShortLimit bound rapid successive kills.
	// Default: 1 kill per 5 minutes.
	ShortWindow time.Duration `yaml:"short_window"`
	ShortLimit  int           `yaml:"short_limit"`

	// LongWindow and LongLimit bound the total kill budget.
	// Default: 3 kills per 30 minutes.
	LongWindow time.Duration `yaml:"long_window"`
	LongLimit  int           `yaml:"long_limit"`

	// LockdownDuration is how long a lockdown lasts once the long
	// window is exhausted. Default: 1 hour.
	LockdownDuration time.Duration `yaml:"lockdown_duration"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ShortWindow:      5 * time.Minute,
		ShortLimit:       1,
		LongWindow:       30 * time.Minute,
		LongLimit:        3,
		LockdownDuration: time.Hour,
	}
}

// UnmarshalYAML decodes onto the values already set, with durations
// accepted as "5m" strings.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		ShortWindow      datatypes.Duration `yaml:"short_window"`
		ShortLimit       int                `yaml:"short_limit"`
		LongWindow       datatypes.Duration `yaml:"long_window"`
		LongLimit        int                `yaml:"long_limit"`
		LockdownDuration datatypes.Duration `yaml:"lockdown_duration"`
	}{
		ShortWindow:      datatypes.Duration(c.ShortWindow),
		ShortLimit:       c.ShortLimit,
		LongWindow:       datatypes.Duration(c.LongWindow),
		LongLimit:        c.LongLimit,
		LockdownDuration: datatypes.Duration(c.LockdownDuration),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.ShortWindow = raw.ShortWindow.Std()
	c.ShortLimit = raw.ShortLimit
	c.LongWindow = raw.LongWindow.Std()
	c.LongLimit = raw.LongLimit
	c.LockdownDuration = raw.LockdownDuration.Std()
	return nil
}

// Verdict is the outcome of an authorization request.
type Verdict struct {
	// Allowed is true when a kill may proceed.
	Allowed bool

	// Reason explains a denial.
	Reason string

	// LockdownUntil is set when the denial exhausted the long window
	// and the system must enter lockdown.
	LockdownUntil *time.Time
}

// Limiter tracks recent kill timestamps against both windows.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	config Config
	clock  datatypes.Clock
	logger *slog.Logger
	kills  []time.Time // ascending
}

// NewLimiter creates a limiter with an empty kill history.
func NewLimiter(config Config, clock datatypes.Clock, logger *slog.Logger) *Limiter {
	defaults := DefaultConfig()
	if config.ShortWindow <= 0 {
		config.ShortWindow = defaults.ShortWindow
	}
	if config.ShortLimit <= 0 {
		config.ShortLimit = defaults.ShortLimit
	}
	if config.LongWindow <= 0 {
		config.LongWindow = defaults.LongWindow
	}
	if config.LongLimit <= 0 {
		config.LongLimit = defaults.LongLimit
	}
	if config.LockdownDuration <= 0 {
		config.LockdownDuration = defaults.LockdownDuration
	}
	if clock == nil {
		clock = datatypes.SystemClock{}
	}
	return &Limiter{
		config: config,
		clock:  clock,
		logger: logger.With(slog.String("subsystem", "cooldown")),
	}
}

// Seed restores persisted kill timestamps, typically after a restart.
// Entries already outside the long window are dropped.
func (l *Limiter) Seed(history []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.config.LongWindow)
	for _, t := range history {
		if t.After(cutoff) {
			l.kills = append(l.kills, t)
		}
	}
	l.logger.Info("kill history restored",
		slog.Int("persisted", len(history)),
		slog.Int("in_window", len(l.kills)),
	)
}

// Authorize decides whether one more kill fits the budget. It does not
// consume budget; call RecordKill once the kill actually runs.
func (l *Limiter) Authorize() Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	if long := l.countSince(now.Add(-l.config.LongWindow)); long >= l.config.LongLimit {
		until := now.Add(l.config.LockdownDuration)
		l.logger.Error("kill budget exhausted, requesting lockdown",
			slog.Int("kills_in_long_window", long),
			slog.Int("long_limit", l.config.LongLimit),
			slog.String("lockdown_until", until.Format(time.RFC3339)),
		)
		return Verdict{
			Allowed: false,
			Reason: fmt.Sprintf("long cooldown window exhausted: %d kills in %s (limit %d)",
				long, l.config.LongWindow, l.config.LongLimit),
			LockdownUntil: &until,
		}
	}

	if short := l.countSince(now.Add(-l.config.ShortWindow)); short >= l.config.ShortLimit {
		l.logger.Warn("kill blocked by short cooldown window",
			slog.Int("kills_in_short_window", short),
			slog.Int("short_limit", l.config.ShortLimit),
		)
		return Verdict{
			Allowed: false,
			Reason: fmt.Sprintf("short cooldown window exhausted: %d kills in %s (limit %d)",
				short, l.config.ShortWindow, l.config.ShortLimit),
		}
	}

	return Verdict{Allowed: true}
}

// RecordKill consumes budget for a kill that ran at the given time.
func (l *Limiter) RecordKill(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.kills = append(l.kills, at)
	l.prune(l.clock.Now())
}

// Snapshot reports current window occupancy for the status endpoint.
func (l *Limiter) Snapshot() datatypes.CooldownSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	return datatypes.CooldownSnapshot{
		ShortWindowKills:    l.countSince(now.Add(-l.config.ShortWindow)),
		ShortWindowCapacity: l.config.ShortLimit,
		LongWindowKills:     l.countSince(now.Add(-l.config.LongWindow)),
		LongWindowCapacity:  l.config.LongLimit,
	}
}

// History returns the retained kill timestamps, oldest first. Used to
// persist across restarts.
func (l *Limiter) History() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]time.Time, len(l.kills))
	copy(out, l.kills)
	return out
}

// prune drops kills older than the long window. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.config.LongWindow)
	i := 0
	for i < len(l.kills) && !l.kills[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.kills = append(l.kills[:0], l.kills[i:]...)
	}
}

// countSince counts kills strictly after the cutoff. Caller holds the
// lock.
func (l *Limiter) countSince(cutoff time.Time) int {
	n := 0
	for _, t := range l.kills {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
