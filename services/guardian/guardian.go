// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardian supervises a local LLM inference server.
//
// The guardian samples host metrics once per tick, classifies health
// through a hysteresis state machine, and responds with graduated
// mitigations: brownouts against the server's admin API, rate-limited
// kills of the inference process, and a lockdown of last resort. An
// independent auto-tuner trades concurrency against a latency SLO.
//
// # Concurrency
//
// The evaluation path (sample, evaluate, mitigate or kill) runs as a
// single sequential loop, which is what makes the hysteresis windows
// and current state safe to mutate without locks. External callers
// interact through a read-only snapshot and a single-slot command
// queue the loop drains each tick.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianGuard/services/guardian/autotune"
	"github.com/AleutianAI/AleutianGuard/services/guardian/brownout"
	"github.com/AleutianAI/AleutianGuard/services/guardian/config"
	"github.com/AleutianAI/AleutianGuard/services/guardian/controlplane"
	"github.com/AleutianAI/AleutianGuard/services/guardian/cooldown"
	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
	"github.com/AleutianAI/AleutianGuard/services/guardian/eventlog"
	"github.com/AleutianAI/AleutianGuard/services/guardian/hysteresis"
	"github.com/AleutianAI/AleutianGuard/services/guardian/killseq"
	"github.com/AleutianAI/AleutianGuard/services/guardian/observability"
	"github.com/AleutianAI/AleutianGuard/services/guardian/sampler"
	"github.com/AleutianAI/AleutianGuard/services/guardian/store"
)

// command is an external mutation request drained by the loop.
type command int

const commandOverrideLockdown command = iota

// Snapshot is the read-only view served to HTTP callers.
type Snapshot struct {
	State            datatypes.SystemState      `json:"state"`
	StateSince       time.Time                  `json:"state_since"`
	LastSample       datatypes.MetricSample     `json:"last_sample"`
	BrownoutLevel    datatypes.BrownoutLevel    `json:"brownout_level"`
	Cooldown         datatypes.CooldownSnapshot `json:"cooldown"`
	LockdownUntil    *time.Time                 `json:"lockdown_until,omitempty"`
	ConcurrencyLimit int                        `json:"concurrency_limit"`
	KillPhase        string                     `json:"kill_phase"`
	EventLogErrors   int64                      `json:"event_log_errors"`
}

// Guardian owns the control loop and all supervisory components.
type Guardian struct {
	cfg    config.Config
	clock  datatypes.Clock
	logger *slog.Logger

	sampler   sampler.Sampler
	engine    *hysteresis.Engine
	limiter   *cooldown.Limiter
	mitigator *brownout.Manager
	sequencer *killseq.Sequencer
	tuner     *autotune.Tuner
	latency   *autotune.LatencyRecorder
	events    *eventlog.Log
	state     *store.Store
	metrics   *observability.GuardianMetrics

	commands   chan command
	thresholds chan map[datatypes.MetricKind]hysteresis.Thresholds

	snapMu   sync.RWMutex
	snapshot Snapshot

	stateSince    time.Time
	lastBrownout  datatypes.BrownoutLevel
	lastPruneTick time.Time
}

// Options carries injectable components. Nil fields get production
// implementations; tests swap in scripted ones.
type Options struct {
	Sampler    sampler.Sampler
	Clock      datatypes.Clock
	Controller killseq.ProcessController
	Client     controlplane.Client
	Store      *store.Store
	Metrics    *observability.GuardianMetrics
}

// New wires a guardian from configuration.
func New(cfg config.Config, opts Options, logger *slog.Logger) (*Guardian, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Cooldown.LongWindow <= 0 {
		cfg.Cooldown.LongWindow = cooldown.DefaultConfig().LongWindow
	}

	clock := opts.Clock
	if clock == nil {
		clock = datatypes.SystemClock{}
	}

	client := opts.Client
	if client == nil {
		httpClient, err := controlplane.NewHTTPClient(cfg.ControlPlane, logger)
		if err != nil {
			return nil, fmt.Errorf("control plane client: %w", err)
		}
		client = httpClient
	}

	st := opts.Store
	if st == nil {
		opened, err := store.Open(cfg.StoreConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = opened
	}

	events, err := eventlog.NewLog(cfg.EventLogPath, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewGuardianMetrics(nil)
	}

	smp := opts.Sampler
	if smp == nil {
		smp = sampler.NewSystemSampler(cfg.Sampler, clock, logger)
	}

	controller := opts.Controller
	if controller == nil {
		controller = killseq.UnixController{}
	}

	limiter := cooldown.NewLimiter(cfg.Cooldown, clock, logger)
	engine := hysteresis.NewEngine(cfg.Hysteresis, clock, logger)
	mitigator := brownout.NewManager(cfg.Brownout.ManagerConfig(), client, logger)
	sequencer := killseq.NewSequencer(cfg.Kill, controller, limiter, clock, logger)
	latency := autotune.NewLatencyRecorder(0)
	tuner := autotune.NewTuner(cfg.AutoTune, latency, client, logger)

	g := &Guardian{
		cfg:        cfg,
		clock:      clock,
		logger:     logger.With(slog.String("subsystem", "guardian")),
		sampler:    smp,
		engine:     engine,
		limiter:    limiter,
		mitigator:  mitigator,
		sequencer:  sequencer,
		tuner:      tuner,
		latency:    latency,
		events:     events,
		state:      st,
		metrics:    metrics,
		commands:   make(chan command, 1),
		thresholds: make(chan map[datatypes.MetricKind]hysteresis.Thresholds, 1),
		stateSince: clock.Now(),
	}
	tuner.OnAdjust = g.onTuned

	if err := g.restoreDurableState(); err != nil {
		return nil, err
	}
	g.publishSnapshot(datatypes.MetricSample{})
	return g, nil
}

// restoreDurableState reseeds the limiter and re-arms any persisted
// lockdown so a restart cannot be used to dodge either.
func (g *Guardian) restoreDurableState() error {
	now := g.clock.Now()

	history, err := g.state.KillHistory(now.Add(-g.cfg.Cooldown.LongWindow))
	if err != nil {
		return fmt.Errorf("restore kill history: %w", err)
	}
	if len(history) > 0 {
		g.limiter.Seed(history)
	}

	until, active, err := g.state.Lockdown()
	if err != nil {
		return fmt.Errorf("restore lockdown: %w", err)
	}
	if active && until.After(now) {
		g.engine.ForceLockdown(until, "lockdown restored after restart")
		g.logger.Warn("resuming active lockdown",
			slog.String("until", until.Format(time.RFC3339)))
	} else if active {
		// It expired while we were down.
		if err := g.state.ClearLockdown(); err != nil {
			g.logger.Warn("failed to clear stale lockdown", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Run drives the control loop and the auto-tuner until the context is
// cancelled. The tick in flight always completes before Run returns,
// so no kill is left half-applied.
func (g *Guardian) Run(ctx context.Context) error {
	g.logger.Info("guardian starting",
		slog.String("tick", g.cfg.TickInterval.String()),
		slog.String("control_plane", g.cfg.ControlPlane.BaseURL),
	)

	tunerDone := make(chan struct{})
	go func() {
		defer close(tunerDone)
		_ = g.tuner.Run(ctx)
	}()

	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-tunerDone
			g.logger.Info("guardian stopped")
			return ctx.Err()
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

// Tick runs one full evaluation cycle. Exported for the loop's tests;
// production code only ticks through Run.
func (g *Guardian) Tick(ctx context.Context) {
	g.tick(ctx)
}

func (g *Guardian) tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		g.metrics.TickDurationSeconds.Observe(time.Since(started).Seconds())
	}()

	// Outbound mitigation calls must never stall the sampling cadence.
	// The kill path is exempt from this bound: it runs under the
	// long-lived ctx and carries its own grace-period deadline.
	opCtx, cancel := context.WithTimeout(ctx, g.cfg.TickInterval)
	defer cancel()

	g.drainCommands()

	sample := g.sampler.Sample(opCtx)
	g.metrics.ObserveSample(sample)
	g.events.Record(eventlog.EventMetricsCollected, eventlog.SamplePayload(sample))

	tr := g.engine.Evaluate(sample)
	if tr != nil {
		g.observeTransition(tr)
	}

	g.act(ctx, opCtx, sample, tr)
	g.maybePrune()
	g.publishSnapshot(sample)
}

// drainCommands applies at most one queued external mutation.
func (g *Guardian) drainCommands() {
	select {
	case table := <-g.thresholds:
		g.engine.UpdateThresholds(table)
	default:
	}

	select {
	case cmd := <-g.commands:
		if cmd != commandOverrideLockdown {
			return
		}
		tr := g.engine.ClearLockdown("confirmed manual override")
		if tr == nil {
			g.logger.Info("lockdown override ignored, not in lockdown")
			return
		}
		if err := g.state.ClearLockdown(); err != nil {
			g.logger.Error("failed to clear persisted lockdown", slog.String("error", err.Error()))
		}
		g.events.Record(eventlog.EventLockdownManualOverride, eventlog.TransitionPayload(tr))
		g.observeTransition(tr)
	default:
	}
}

// observeTransition records a transition everywhere it needs to go.
func (g *Guardian) observeTransition(tr *datatypes.StateTransition) {
	g.metrics.ObserveTransition(tr)
	g.events.Record(eventlog.EventStateTransition, eventlog.TransitionPayload(tr))
	if tr.Reason == hysteresis.ReasonLockdownExpired {
		g.events.Record(eventlog.EventLockdownExpired, map[string]any{})
		if err := g.state.ClearLockdown(); err != nil {
			g.logger.Error("failed to clear persisted lockdown", slog.String("error", err.Error()))
		}
	}
	g.stateSince = tr.Timestamp
}

// act applies the consequences of the current state. Control-plane
// mitigations run under the tick-bounded opCtx; the kill path gets the
// long-lived ctx so its grace period survives the tick deadline.
func (g *Guardian) act(ctx, opCtx context.Context, sample datatypes.MetricSample, tr *datatypes.StateTransition) {
	state := g.engine.State()

	// A fresh EMERGENCY triggers the kill path once, on entry.
	if tr != nil && tr.To == datatypes.StateEmergency {
		g.handleEmergency(ctx, opCtx, sample)
		state = g.engine.State() // the kill path may have forced lockdown
	}

	switch state {
	case datatypes.StateNormal:
		if g.mitigator.Active() != datatypes.BrownoutNone || g.mitigator.Pending() != datatypes.BrownoutNone {
			if err := g.mitigator.Restore(opCtx); err == nil {
				g.events.Record(eventlog.EventBrownoutRestored, eventlog.BrownoutPayload(datatypes.BrownoutNone))
				g.lastBrownout = datatypes.BrownoutNone
			}
		}
	case datatypes.StateLockdown:
		// Mitigations hold as they are; the loop just waits it out.
	default:
		dwell := g.clock.Now().Sub(g.stateSince)
		level := brownout.LevelFor(state, dwell, g.mitigator.DwellEscalation())
		if err := g.mitigator.Reconcile(opCtx, level); err == nil {
			if applied := g.mitigator.Active(); applied != g.lastBrownout {
				g.events.Record(eventlog.EventBrownoutActivated, eventlog.BrownoutPayload(applied))
				g.lastBrownout = applied
			}
		}
	}
	g.metrics.BrownoutLevel.Set(float64(g.mitigator.Active()))
}

// handleEmergency runs the kill path with its cooldown fallbacks.
func (g *Guardian) handleEmergency(ctx, opCtx context.Context, sample datatypes.MetricSample) {
	res := g.sequencer.Execute(ctx, sample)

	if !res.Authorized {
		g.metrics.KillsBlockedTotal.Inc()
		g.events.Record(eventlog.EventKillBlockedCooldown, map[string]any{
			"reason": res.Verdict.Reason,
		})
		if res.Verdict.LockdownUntil != nil {
			g.enterLockdown(*res.Verdict.LockdownUntil, res.Verdict.Reason)
			return
		}
		// Substitute the heaviest brownout for the kill we cannot have.
		if err := g.mitigator.Apply(opCtx, datatypes.BrownoutHeavy); err == nil {
			if g.lastBrownout != datatypes.BrownoutHeavy {
				g.events.Record(eventlog.EventBrownoutActivated, eventlog.BrownoutPayload(datatypes.BrownoutHeavy))
				g.lastBrownout = datatypes.BrownoutHeavy
			}
		}
		return
	}

	g.events.Record(eventlog.EventKillAuthorized, eventlog.KillPayload(res.Event))
	g.metrics.KillsTotal.WithLabelValues(string(res.Event.Outcome)).Inc()
	if err := g.state.AppendKill(*res.Event); err != nil {
		g.logger.Error("failed to persist kill event", slog.String("error", err.Error()))
	}
}

// enterLockdown forces LOCKDOWN and persists the expiry.
func (g *Guardian) enterLockdown(until time.Time, reason string) {
	tr := g.engine.ForceLockdown(until, reason)
	g.metrics.LockdownsTotal.Inc()
	g.events.Record(eventlog.EventLockdownActivated, eventlog.LockdownPayload(until, reason))
	if tr != nil {
		g.observeTransition(tr)
	}
	if err := g.state.SetLockdown(until); err != nil {
		g.logger.Error("failed to persist lockdown", slog.String("error", err.Error()))
	}
}

// maybePrune drops kill records that aged out of the long window.
func (g *Guardian) maybePrune() {
	now := g.clock.Now()
	if now.Sub(g.lastPruneTick) < 5*time.Minute {
		return
	}
	g.lastPruneTick = now
	if err := g.state.PruneKills(now.Add(-g.cfg.Cooldown.LongWindow)); err != nil {
		g.logger.Warn("kill history prune failed", slog.String("error", err.Error()))
	}
}

func (g *Guardian) publishSnapshot(sample datatypes.MetricSample) {
	snap := Snapshot{
		State:            g.engine.State(),
		StateSince:       g.stateSince,
		LastSample:       sample,
		BrownoutLevel:    g.mitigator.Active(),
		Cooldown:         g.limiter.Snapshot(),
		ConcurrencyLimit: g.tuner.Limit(),
		KillPhase:        g.sequencer.Phase().String(),
		EventLogErrors:   g.events.WriteErrors(),
	}
	if until, ok := g.engine.LockdownUntil(); ok {
		snap.Cooldown.LockdownUntil = &until
		snap.LockdownUntil = &until
	}
	if p95, ok := g.latency.P95(); ok {
		g.metrics.LatencyP95Seconds.Set(p95.Seconds())
	}
	g.metrics.ConcurrencyLimit.Set(float64(g.tuner.Limit()))

	g.snapMu.Lock()
	g.snapshot = snap
	g.snapMu.Unlock()
}

// Snapshot returns the current read-only view.
func (g *Guardian) Snapshot() Snapshot {
	g.snapMu.RLock()
	defer g.snapMu.RUnlock()
	return g.snapshot
}

// RequestLockdownOverride queues a confirmed manual override for the
// next tick. It fails when confirmation is missing or an override is
// already waiting.
func (g *Guardian) RequestLockdownOverride(confirm bool) error {
	if !confirm {
		return fmt.Errorf("lockdown override requires explicit confirmation")
	}
	select {
	case g.commands <- commandOverrideLockdown:
		return nil
	default:
		return fmt.Errorf("an override is already pending")
	}
}

// RecordLatency feeds one observed request latency to the auto-tuner.
func (g *Guardian) RecordLatency(d time.Duration) {
	g.latency.Record(d)
}

// Events exposes the event log for the websocket feed.
func (g *Guardian) Events() *eventlog.Log {
	return g.events
}

// UpdateThresholds queues hot-reloaded threshold changes for the next
// tick. Called from the config watcher goroutine; the engine itself is
// only ever touched by the loop, so the new table travels through a
// single-slot channel the loop drains. When reloads outpace ticks,
// only the newest table is kept.
func (g *Guardian) UpdateThresholds(cfg *config.Config) {
	table := make(map[datatypes.MetricKind]hysteresis.Thresholds, len(cfg.Hysteresis.Thresholds))
	for kind, th := range cfg.Hysteresis.Thresholds {
		table[kind] = th
	}
	select {
	case <-g.thresholds:
	default:
	}
	g.thresholds <- table
}

// Close releases the event log and store.
func (g *Guardian) Close() error {
	err := g.events.Close()
	if serr := g.state.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// onTuned forwards auto-tuner adjustments to the event log.
func (g *Guardian) onTuned(adj autotune.Adjustment) {
	g.events.Record(eventlog.EventAutoTuningAdjustment, map[string]any{
		"old_limit": adj.Old,
		"new_limit": adj.New,
		"p95_ms":    adj.P95.Milliseconds(),
		"reason":    adj.Reason,
	})
	g.metrics.ConcurrencyLimit.Set(float64(adj.New))
}
