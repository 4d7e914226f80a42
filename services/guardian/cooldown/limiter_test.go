// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai). Licensed under AGPL v3.

package cooldown

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(t *testing.T) (*Limiter, *datatypes.FakeClock) {
	t.Helper()
	clock := datatypes.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewLimiter(DefaultConfig(), clock, testLogger()), clock
}

func TestLimiter_FirstKillAllowed(t *testing.T) {
	l, _ := newTestLimiter(t)

	v := l.Authorize()
	assert.True(t, v.Allowed)
	assert.Nil(t, v.LockdownUntil)
}

func TestLimiter_ShortWindowBlocksBackToBackKills(t *testing.T) {
	l, clock := newTestLimiter(t)

	require.True(t, l.Authorize().Allowed)
	l.RecordKill(clock.Now())

	clock.Advance(2 * time.Minute)
	v := l.Authorize()
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "short cooldown window")
	assert.Nil(t, v.LockdownUntil, "short window denial must not lock down")

	// The short window clears after 5 minutes.
	clock.Advance(3*time.Minute + time.Second)
	assert.True(t, l.Authorize().Allowed)
}

func TestLimiter_LongWindowExhaustionRequestsLockdown(t *testing.T) {
	l, clock := newTestLimiter(t)

	// Three kills spaced to clear the short window each time.
	for i := 0; i < 3; i++ {
		v := l.Authorize()
		require.True(t, v.Allowed, "kill %d should fit the budget", i+1)
		l.RecordKill(clock.Now())
		clock.Advance(6 * time.Minute)
	}

	v := l.Authorize()
	require.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "long cooldown window")
	require.NotNil(t, v.LockdownUntil)
	assert.Equal(t, clock.Now().Add(time.Hour), *v.LockdownUntil)
}

func TestLimiter_AuthorizeDoesNotConsumeBudget(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Authorize().Allowed)
	}

	snap := l.Snapshot()
	assert.Equal(t, 0, snap.ShortWindowKills)
	assert.Equal(t, 0, snap.LongWindowKills)
}

func TestLimiter_BudgetRecoversAsKillsAge(t *testing.T) {
	l, clock := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		l.RecordKill(clock.Now())
		clock.Advance(6 * time.Minute)
	}
	// 18 minutes in: all three kills still inside the long window.
	require.False(t, l.Authorize().Allowed)

	// Once the first kill falls out of the 30 minute window, one slot
	// of budget returns.
	clock.Advance(12*time.Minute + time.Second)
	v := l.Authorize()
	assert.True(t, v.Allowed)
}

func TestLimiter_Snapshot(t *testing.T) {
	l, clock := newTestLimiter(t)

	l.RecordKill(clock.Now())
	clock.Advance(6 * time.Minute)
	l.RecordKill(clock.Now())
	clock.Advance(time.Minute)

	snap := l.Snapshot()
	assert.Equal(t, 1, snap.ShortWindowKills)
	assert.Equal(t, 1, snap.ShortWindowCapacity)
	assert.Equal(t, 2, snap.LongWindowKills)
	assert.Equal(t, 3, snap.LongWindowCapacity)
}

func TestLimiter_SeedRestoresPersistedHistory(t *testing.T) {
	l, clock := newTestLimiter(t)

	now := clock.Now()
	l.Seed([]time.Time{
		now.Add(-2 * time.Hour), // stale, dropped
		now.Add(-20 * time.Minute),
		now.Add(-10 * time.Minute),
		now.Add(-2 * time.Minute),
	})

	snap := l.Snapshot()
	assert.Equal(t, 3, snap.LongWindowKills)
	assert.Equal(t, 1, snap.ShortWindowKills)

	// Restart cannot be used to dodge the lockdown rule.
	v := l.Authorize()
	require.False(t, v.Allowed)
	assert.NotNil(t, v.LockdownUntil)
}

func TestLimiter_HistoryRoundTrip(t *testing.T) {
	l, clock := newTestLimiter(t)

	first := clock.Now()
	l.RecordKill(first)
	clock.Advance(6 * time.Minute)
	second := clock.Now()
	l.RecordKill(second)

	assert.Equal(t, []time.Time{first, second}, l.History())
}
