// Copyright (C) 2025 Aleutian AI - AGPL v3 with additional terms, see LICENSE.txt and NOTICE.txt.

package guardian

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGuard/services/guardian/config"
	"github.com/AleutianAI/AleutianGuard/services/guardian/controlplane"
	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
	"github.com/AleutianAI/AleutianGuard/services/guardian/hysteresis"
	"github.com/AleutianAI/AleutianGuard/services/guardian/killseq"
	"github.com/AleutianAI/AleutianGuard/services/guardian/observability"
	"github.com/AleutianAI/AleutianGuard/services/guardian/sampler"
	"github.com/AleutianAI/AleutianGuard/services/guardian/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness bundles a guardian with its injected doubles.
type harness struct {
	g       *Guardian
	clock   *datatypes.FakeClock
	script  *sampler.ScriptedSampler
	client  *controlplane.MockClient
	ctrl    *killseq.MockController
	store   *store.Store
	metrics *observability.GuardianMetrics
	logPath string
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.EventLogPath = filepath.Join(t.TempDir(), "events.ndjson")
	cfg.Kill = killseq.Config{GracePeriod: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()

	clock := datatypes.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	script := sampler.NewScriptedSampler(clock)
	client := controlplane.NewMockClient()
	ctrl := killseq.NewMockController()
	metrics := observability.NewGuardianMetrics(prometheus.NewRegistry())

	st, err := store.Open(store.InMemoryConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	g, err := New(cfg, Options{
		Sampler:    script,
		Clock:      clock,
		Controller: ctrl,
		Client:     client,
		Store:      st,
		Metrics:    metrics,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.events.Close() })

	return &harness{
		g: g, clock: clock, script: script, client: client,
		ctrl: ctrl, store: st, metrics: metrics, logPath: cfg.EventLogPath,
	}
}

// tickN feeds one scripted sample per tick, advancing the clock by
// the tick interval in between.
func (h *harness) tickN(t *testing.T, n int, sample datatypes.MetricSample) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		h.script.Push(sample)
		h.g.Tick(context.Background())
	}
}

func (h *harness) eventNames(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.logPath)
	require.NoError(t, err)
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		names = append(names, m["event"].(string))
	}
	return names
}

func seedKill(t *testing.T, st *store.Store, at time.Time) {
	t.Helper()
	require.NoError(t, st.AppendKill(datatypes.KillEvent{
		Timestamp: at,
		Outcome:   datatypes.KillGraceful,
	}))
}

// =============================================================================
// Escalation and brownout
// =============================================================================

func TestGuardian_SustainedPressureActivatesLightBrownout(t *testing.T) {
	h := newHarness(t, testConfig(t))

	h.tickN(t, 5, sampler.SteadySample(88, 50))

	snap := h.g.Snapshot()
	assert.Equal(t, datatypes.StateBrownout, snap.State)
	assert.Equal(t, datatypes.BrownoutLight, snap.BrownoutLevel)

	assert.Equal(t, 1, h.client.CallCount("SetMaxContext"))
	assert.Equal(t, 1, h.client.CallCount("SetRAGTopK"))
	assert.Equal(t, 1, h.client.CallCount("DisableTools"))
	assert.Equal(t, 0, h.client.CallCount("SwitchModel"),
		"light brownout must not switch models")

	names := h.eventNames(t)
	assert.Contains(t, names, "state_transition")
	assert.Contains(t, names, "brownout_activated")
}

func TestGuardian_BrownoutIsIdempotentAcrossTicks(t *testing.T) {
	h := newHarness(t, testConfig(t))

	h.tickN(t, 5, sampler.SteadySample(88, 50))
	h.tickN(t, 3, sampler.SteadySample(88, 50))

	// Three more breaching ticks must not re-issue the bundle.
	assert.Equal(t, 1, h.client.CallCount("SetMaxContext"))
}

func TestGuardian_RecoveryRestoresBaseline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hysteresis.RecoveryWindow = 3 * time.Second
	h := newHarness(t, cfg)

	h.tickN(t, 5, sampler.SteadySample(88, 50))
	require.Equal(t, datatypes.StateBrownout, h.g.Snapshot().State)
	h.client.Reset()

	h.tickN(t, 6, sampler.SteadySample(50, 30))

	snap := h.g.Snapshot()
	assert.Equal(t, datatypes.StateNormal, snap.State)
	assert.Equal(t, datatypes.BrownoutNone, snap.BrownoutLevel)
	assert.Equal(t, 1, h.client.CallCount("EnableAllTools"))
	assert.Contains(t, h.eventNames(t), "brownout_restored")
}

// =============================================================================
// Emergency kill path
// =============================================================================

func TestGuardian_HardBreachKillsTargets(t *testing.T) {
	h := newHarness(t, testConfig(t))

	h.tickN(t, 1, sampler.SteadySample(95, 50, 4242, 4243))

	snap := h.g.Snapshot()
	assert.Equal(t, datatypes.StateEmergency, snap.State)
	assert.Equal(t, []int32{4242, 4243}, h.ctrl.TermCalls())
	assert.Empty(t, h.ctrl.KillCalls(), "mock targets die on SIGTERM")
	assert.Equal(t, 1, snap.Cooldown.ShortWindowKills)

	names := h.eventNames(t)
	assert.Contains(t, names, "kill_authorized")

	history, err := h.store.KillHistory(time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 1, "kill must be persisted")

	assert.Equal(t, float64(1),
		testutil.ToFloat64(h.metrics.KillsTotal.WithLabelValues("graceful")))
}

func TestGuardian_DeniedKillFallsBackToHeavyBrownout(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)

	// A kill one minute ago exhausts the short window budget. Seeding
	// goes through the store so the restart path is exercised too.
	seedKill(t, h.store, h.clock.Now().Add(-time.Minute))
	require.NoError(t, h.g.restoreDurableState())

	h.tickN(t, 1, sampler.SteadySample(95, 50, 4242))

	snap := h.g.Snapshot()
	assert.Equal(t, datatypes.StateEmergency, snap.State)
	assert.Empty(t, h.ctrl.TermCalls(), "denied kill must not signal")
	assert.Equal(t, datatypes.BrownoutHeavy, snap.BrownoutLevel)
	assert.Equal(t, 1, h.client.CallCount("SwitchModel"))

	names := h.eventNames(t)
	assert.Contains(t, names, "kill_blocked_cooldown")
	assert.NotContains(t, names, "kill_authorized")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.KillsBlockedTotal))
}

// =============================================================================
// Lockdown
// =============================================================================

// lockdownHarness seeds three spaced kills so the next kill request
// exhausts the long window.
func lockdownHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, testConfig(t))
	now := h.clock.Now()
	seedKill(t, h.store, now.Add(-20*time.Minute))
	seedKill(t, h.store, now.Add(-12*time.Minute))
	seedKill(t, h.store, now.Add(-6*time.Minute))
	require.NoError(t, h.g.restoreDurableState())
	return h
}

func TestGuardian_ExhaustedKillBudgetLocksDown(t *testing.T) {
	h := lockdownHarness(t)

	h.tickN(t, 1, sampler.SteadySample(95, 50, 4242))

	snap := h.g.Snapshot()
	assert.Equal(t, datatypes.StateLockdown, snap.State)
	require.NotNil(t, snap.LockdownUntil)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *snap.LockdownUntil)
	assert.Empty(t, h.ctrl.TermCalls())

	until, active, err := h.store.Lockdown()
	require.NoError(t, err)
	assert.True(t, active, "lockdown must be persisted")
	assert.Equal(t, *snap.LockdownUntil, until.UTC())

	assert.Contains(t, h.eventNames(t), "lockdown_activated")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LockdownsTotal))
}

func TestGuardian_LockdownExpiresToNormal(t *testing.T) {
	h := lockdownHarness(t)
	h.tickN(t, 1, sampler.SteadySample(95, 50, 4242))
	require.Equal(t, datatypes.StateLockdown, h.g.Snapshot().State)

	// Still locked down one minute short of expiry, breach or not.
	h.clock.Advance(59 * time.Minute)
	h.tickN(t, 1, sampler.SteadySample(95, 50, 4242))
	assert.Equal(t, datatypes.StateLockdown, h.g.Snapshot().State)

	h.clock.Advance(2 * time.Minute)
	h.tickN(t, 1, sampler.SteadySample(50, 30))

	snap := h.g.Snapshot()
	assert.Equal(t, datatypes.StateNormal, snap.State)
	assert.Nil(t, snap.LockdownUntil)

	_, active, err := h.store.Lockdown()
	require.NoError(t, err)
	assert.False(t, active, "persisted lockdown must be cleared on expiry")
	assert.Contains(t, h.eventNames(t), "lockdown_expired")
}

func TestGuardian_LockdownSurvivesRestart(t *testing.T) {
	until := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	st, err := store.Open(store.InMemoryConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SetLockdown(until))

	cfg := testConfig(t)
	clock := datatypes.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g, err := New(cfg, Options{
		Sampler: sampler.NewScriptedSampler(clock),
		Clock:   clock,
		Client:  controlplane.NewMockClient(),
		Store:   st,
		Metrics: observability.NewGuardianMetrics(prometheus.NewRegistry()),
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.events.Close() })

	snap := g.Snapshot()
	assert.Equal(t, datatypes.StateLockdown, snap.State)
	require.NotNil(t, snap.LockdownUntil)
	assert.Equal(t, until, snap.LockdownUntil.UTC())
}

func TestGuardian_ManualOverrideClearsLockdown(t *testing.T) {
	h := lockdownHarness(t)
	h.tickN(t, 1, sampler.SteadySample(95, 50, 4242))
	require.Equal(t, datatypes.StateLockdown, h.g.Snapshot().State)

	assert.Error(t, h.g.RequestLockdownOverride(false),
		"unconfirmed override must be rejected")
	require.NoError(t, h.g.RequestLockdownOverride(true))
	assert.Error(t, h.g.RequestLockdownOverride(true),
		"second override must be rejected while one is queued")

	h.tickN(t, 1, sampler.SteadySample(50, 30))

	snap := h.g.Snapshot()
	assert.Equal(t, datatypes.StateNormal, snap.State)
	assert.Nil(t, snap.LockdownUntil)

	_, active, err := h.store.Lockdown()
	require.NoError(t, err)
	assert.False(t, active)
	assert.Contains(t, h.eventNames(t), "lockdown_manual_override")
}

func TestGuardian_GracePeriodOutlivesTickDeadline(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 100 * time.Millisecond
	cfg.Kill = killseq.Config{GracePeriod: time.Second, PollInterval: 5 * time.Millisecond}
	h := newHarness(t, cfg)

	// The process honors SIGTERM but takes roughly two tick intervals
	// to exit, still well inside its one second grace.
	probes := 0
	h.ctrl.AliveFunc = func(int32) bool {
		probes++
		return probes < 40
	}

	h.clock.Advance(100 * time.Millisecond)
	h.script.Push(sampler.SteadySample(95, 50, 4242))
	h.g.Tick(context.Background())

	assert.Equal(t, []int32{4242}, h.ctrl.TermCalls())
	assert.Empty(t, h.ctrl.KillCalls(),
		"tick deadline must not cut the grace period short")
	assert.Equal(t, float64(1),
		testutil.ToFloat64(h.metrics.KillsTotal.WithLabelValues("graceful")))
}

// =============================================================================
// Threshold hot reload
// =============================================================================

func TestGuardian_ThresholdReloadAppliesOnNextTick(t *testing.T) {
	h := newHarness(t, testConfig(t))

	// 60% RAM is healthy under the default 85% soft threshold.
	h.tickN(t, 5, sampler.SteadySample(60, 30))
	require.Equal(t, datatypes.StateNormal, h.g.Snapshot().State)

	reloaded := config.Default()
	reloaded.Hysteresis.Thresholds = map[datatypes.MetricKind]hysteresis.Thresholds{
		datatypes.MetricRAM: {Soft: 50, Hard: 90, Recovery: 40},
		datatypes.MetricCPU: {Soft: 50, Hard: 90, Recovery: 40},
	}
	h.g.UpdateThresholds(&reloaded)

	// The same load now breaches the reloaded 50% soft threshold.
	h.tickN(t, 5, sampler.SteadySample(60, 30))
	assert.Equal(t, datatypes.StateBrownout, h.g.Snapshot().State)
}

func TestGuardian_NewestQueuedThresholdTableWins(t *testing.T) {
	h := newHarness(t, testConfig(t))

	first := config.Default()
	first.Hysteresis.Thresholds = map[datatypes.MetricKind]hysteresis.Thresholds{
		datatypes.MetricRAM: {Soft: 20, Hard: 90, Recovery: 10},
		datatypes.MetricCPU: {Soft: 20, Hard: 90, Recovery: 10},
	}
	h.g.UpdateThresholds(&first)
	h.g.UpdateThresholds(&config.Config{Hysteresis: hysteresis.DefaultConfig()})

	// Two reloads before a tick: only the second, default table lands,
	// so 60% RAM stays healthy.
	h.tickN(t, 5, sampler.SteadySample(60, 30))
	assert.Equal(t, datatypes.StateNormal, h.g.Snapshot().State)
}

// =============================================================================
// Auto-tuning and snapshot plumbing
// =============================================================================

func TestGuardian_LatencyFeedsP95Gauge(t *testing.T) {
	h := newHarness(t, testConfig(t))

	h.g.RecordLatency(100 * time.Millisecond)
	h.g.RecordLatency(200 * time.Millisecond)
	h.tickN(t, 1, sampler.SteadySample(50, 30))

	assert.InDelta(t, 0.2, testutil.ToFloat64(h.metrics.LatencyP95Seconds), 0.001)
	assert.Equal(t, h.g.tuner.Limit(), h.g.Snapshot().ConcurrencyLimit)
}

func TestGuardian_SnapshotReflectsSteadyState(t *testing.T) {
	h := newHarness(t, testConfig(t))

	h.tickN(t, 1, sampler.SteadySample(50, 30, 4242))

	snap := h.g.Snapshot()
	assert.Equal(t, datatypes.StateNormal, snap.State)
	assert.Equal(t, datatypes.BrownoutNone, snap.BrownoutLevel)
	assert.Equal(t, "IDLE", snap.KillPhase)
	assert.Equal(t, 50.0, snap.LastSample.RAMPct)
	assert.Equal(t, []int32{4242}, snap.LastSample.TargetPIDs)
	assert.Zero(t, snap.EventLogErrors)
	assert.Equal(t, 1, snap.Cooldown.ShortWindowCapacity)
	assert.Equal(t, 3, snap.Cooldown.LongWindowCapacity)
}

func TestGuardian_MetricsCollectedEveryTick(t *testing.T) {
	h := newHarness(t, testConfig(t))

	h.tickN(t, 3, sampler.SteadySample(50, 30))

	count := 0
	for _, name := range h.eventNames(t) {
		if name == "metrics_collected" {
			count++
		}
	}
	assert.Equal(t, 3, count)
}
