// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package killseq terminates the supervised process, gently first.
//
// The sequence is graceful signal, bounded wait, then force kill for
// any survivor. Every attempt goes through the cooldown limiter first;
// a denied kill is the caller's cue to fall back to the heaviest
// brownout instead.
package killseq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGuard/services/guardian/cooldown"
	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

// Phase is the sequencer's position in its kill cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseGracefulSignal
	PhaseWait
	PhaseForceKill
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseGracefulSignal:
		return "GRACEFUL_SIGNAL"
	case PhaseWait:
		return "WAIT"
	case PhaseForceKill:
		return "FORCE_KILL"
	default:
		return "UNKNOWN"
	}
}

// Config configures the sequencer. Zero values get defaults.
type Config struct {
	// GracePeriod is how long processes get to exit after the
	// graceful signal. Default: 10s.
	GracePeriod time.Duration `yaml:"grace_period"`

	// PollInterval is how often liveness is re-checked during the
	// grace period. Default: 250ms.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// UnmarshalYAML decodes onto the values already set, with durations
// accepted as "10s" strings.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		GracePeriod  datatypes.Duration `yaml:"grace_period"`
		PollInterval datatypes.Duration `yaml:"poll_interval"`
	}{
		GracePeriod:  datatypes.Duration(c.GracePeriod),
		PollInterval: datatypes.Duration(c.PollInterval),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.GracePeriod = raw.GracePeriod.Std()
	c.PollInterval = raw.PollInterval.Std()
	return nil
}

// Result is the outcome of one emergency handling attempt.
type Result struct {
	// Authorized is false when the cooldown limiter denied the kill.
	Authorized bool

	// Verdict carries the limiter's decision, including a lockdown
	// request when the long window is exhausted.
	Verdict cooldown.Verdict

	// Event is the kill record. Nil when the kill was denied.
	Event *datatypes.KillEvent
}

// Sequencer executes authorized kills against the target pids.
//
// # Thread Safety
//
// Execute belongs to the control loop. Phase is safe to read
// concurrently.
type Sequencer struct {
	config     Config
	controller ProcessController
	limiter    *cooldown.Limiter
	clock      datatypes.Clock
	logger     *slog.Logger
	phase      atomic.Int32
}

// NewSequencer creates an idle sequencer.
func NewSequencer(config Config, controller ProcessController, limiter *cooldown.Limiter, clock datatypes.Clock, logger *slog.Logger) *Sequencer {
	if config.GracePeriod <= 0 {
		config.GracePeriod = 10 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if clock == nil {
		clock = datatypes.SystemClock{}
	}
	return &Sequencer{
		config:     config,
		controller: controller,
		limiter:    limiter,
		clock:      clock,
		logger:     logger.With(slog.String("subsystem", "killseq")),
	}
}

// Phase returns the current position in the kill cycle.
func (s *Sequencer) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Sequencer) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// Execute asks the limiter for authorization, then runs the kill
// sequence against the sample's target pids. The triggering sample is
// archived on the kill event.
func (s *Sequencer) Execute(ctx context.Context, sample datatypes.MetricSample) Result {
	verdict := s.limiter.Authorize()
	if !verdict.Allowed {
		s.logger.Warn("kill denied by cooldown limiter", slog.String("reason", verdict.Reason))
		return Result{Authorized: false, Verdict: verdict}
	}

	start := s.clock.Now()
	s.limiter.RecordKill(start)

	event := &datatypes.KillEvent{
		Timestamp:         start,
		TargetPIDs:        append([]int32(nil), sample.TargetPIDs...),
		TriggeringMetrics: sample,
	}

	if len(sample.TargetPIDs) == 0 {
		s.logger.Error("kill authorized but no target pids resolved")
		event.Outcome = datatypes.KillFailed
		return Result{Authorized: true, Verdict: verdict, Event: event}
	}

	// The sequence carries its own deadline of the grace period plus
	// polling slack. The caller's context only matters for shutdown;
	// a per-tick deadline must never shorten the grace a process is
	// entitled to.
	ctx, cancel := context.WithTimeout(ctx, s.config.GracePeriod+4*s.config.PollInterval)
	defer cancel()

	event.Outcome = s.run(ctx, sample.TargetPIDs)
	s.logger.Info("kill sequence finished",
		slog.String("outcome", string(event.Outcome)),
		slog.Int("targets", len(sample.TargetPIDs)),
	)
	return Result{Authorized: true, Verdict: verdict, Event: event}
}

// run walks the kill cycle and returns the outcome. The outcome is
// classified by what was actually delivered: graceful when no force
// signal went out, forced when one did, failed when a pid outlived
// even that.
func (s *Sequencer) run(ctx context.Context, pids []int32) datatypes.KillOutcome {
	defer s.setPhase(PhaseIdle)

	s.setPhase(PhaseGracefulSignal)
	for _, pid := range pids {
		if err := s.controller.SignalTerm(pid); err != nil {
			s.logger.Warn("graceful signal failed",
				slog.Int("pid", int(pid)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.setPhase(PhaseWait)
	survivors := s.awaitExit(ctx, pids)
	if len(survivors) == 0 {
		return datatypes.KillGraceful
	}

	s.setPhase(PhaseForceKill)
	forced := false
	for _, pid := range survivors {
		if err := s.controller.SignalKill(pid); err != nil {
			s.logger.Error("force kill failed",
				slog.Int("pid", int(pid)),
				slog.String("error", err.Error()),
			)
			continue
		}
		forced = true
	}

	// Give the kernel a beat, then verify.
	s.sleep(ctx, s.config.PollInterval)
	for _, pid := range pids {
		if s.controller.Alive(pid) {
			return datatypes.KillFailed
		}
	}
	if !forced {
		return datatypes.KillGraceful
	}
	return datatypes.KillForced
}

// awaitExit polls liveness until every pid is gone or the grace period
// lapses, returning the survivors. The deadline comes off the injected
// clock so tests can lapse it without waiting.
func (s *Sequencer) awaitExit(ctx context.Context, pids []int32) []int32 {
	deadline := s.clock.Now().Add(s.config.GracePeriod)
	for {
		var survivors []int32
		for _, pid := range pids {
			if s.controller.Alive(pid) {
				survivors = append(survivors, pid)
			}
		}
		if len(survivors) == 0 {
			return nil
		}
		if s.clock.Now().After(deadline) || ctx.Err() != nil {
			return survivors
		}
		s.sleep(ctx, s.config.PollInterval)
	}
}

func (s *Sequencer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
