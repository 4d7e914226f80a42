// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the metric sampler.

package sampler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScriptedSampler_ReplaysInOrder(t *testing.T) {
	clk := datatypes.NewFakeClock(time.Unix(1000, 0))
	s := NewScriptedSampler(clk,
		SteadySample(50, 30),
		SteadySample(87, 30),
	)

	first := s.Sample(context.Background())
	assert.Equal(t, 50.0, first.RAMPct)
	assert.Equal(t, time.Unix(1000, 0), first.Timestamp)

	clk.Advance(time.Second)
	second := s.Sample(context.Background())
	assert.Equal(t, 87.0, second.RAMPct)
	assert.Equal(t, time.Unix(1001, 0), second.Timestamp)
}

func TestScriptedSampler_RepeatsLastSample(t *testing.T) {
	clk := datatypes.NewFakeClock(time.Unix(0, 0))
	s := NewScriptedSampler(clk, SteadySample(90, 20))

	for i := 0; i < 3; i++ {
		assert.Equal(t, 90.0, s.Sample(context.Background()).RAMPct)
	}
}

func TestScriptedSampler_EmptyScriptReturnsInvalidSample(t *testing.T) {
	clk := datatypes.NewFakeClock(time.Unix(0, 0))
	s := NewScriptedSampler(clk)

	sample := s.Sample(context.Background())
	assert.False(t, sample.RAMValid)
	assert.False(t, sample.CPUValid)
	assert.False(t, sample.FullyValid())
}

func TestSteadySample_AllFieldsValid(t *testing.T) {
	sample := SteadySample(87, 45, 101, 102)
	assert.True(t, sample.FullyValid())
	assert.True(t, sample.DiskValid)
	assert.True(t, sample.TempValid)
	assert.Equal(t, []int32{101, 102}, sample.TargetPIDs)
}

func TestSystemSampler_DoesNotPanicOnRealHost(t *testing.T) {
	// Smoke test: whatever the environment, Sample must return, and
	// fields must be internally consistent.
	s := NewSystemSampler(Config{}, datatypes.SystemClock{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sample := s.Sample(ctx)
	assert.False(t, sample.Timestamp.IsZero())
	if sample.RAMValid {
		assert.GreaterOrEqual(t, sample.RAMPct, 0.0)
		assert.LessOrEqual(t, sample.RAMPct, 100.0)
	}
}

func TestSensorMatches(t *testing.T) {
	s := NewSystemSampler(Config{TempSensorPrefixes: []string{"coretemp"}},
		datatypes.SystemClock{}, testLogger())

	assert.True(t, s.sensorMatches("coretemp_core_0"))
	assert.False(t, s.sensorMatches("acpitz"))

	open := NewSystemSampler(Config{}, datatypes.SystemClock{}, testLogger())
	assert.True(t, open.sensorMatches("anything"))
}
