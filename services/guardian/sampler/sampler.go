// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sampler produces one MetricSample per Guardian tick.
//
// The production implementation reads host metrics through gopsutil and
// discovers the supervised inference processes by command-line pattern.
// A failed read never fails the sample: the affected field is marked
// invalid so a transient /proc hiccup cannot corrupt the hysteresis
// windows downstream.
package sampler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

const bytesPerGB = 1024 * 1024 * 1024

// Sampler is the pluggable sampling primitive.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the Guardian calls
// Sample from its single control loop, but status handlers may probe a
// sampler's health concurrently.
type Sampler interface {
	// Sample reads all metrics and returns one sample. It must not
	// block longer than the tick interval; callers pass a context with
	// a deadline for that purpose. Sample never returns an error:
	// unreadable fields come back marked invalid instead.
	Sample(ctx context.Context) datatypes.MetricSample
}

// Config configures the system sampler.
type Config struct {
	// DiskPath is the mount point whose utilization is sampled.
	// Default: "/"
	DiskPath string `yaml:"disk_path"`

	// TargetPatterns are substrings matched against process command
	// lines to find the supervised inference processes.
	// Example: []string{"llama-server", "ollama"}
	TargetPatterns []string `yaml:"target_patterns"`

	// TempSensorPrefixes selects which temperature sensors count.
	// Empty means the hottest sensor wins.
	TempSensorPrefixes []string `yaml:"temp_sensor_prefixes"`
}

// SystemSampler reads live host metrics via gopsutil.
//
// # Limitations
//
//   - Temperature sensors are unavailable in many containers; the
//     temp_c field is simply marked invalid there.
//   - CPU percent uses the interval since the previous call, so the
//     first tick's CPU reading reflects boot-to-now utilization.
type SystemSampler struct {
	config Config
	clock  datatypes.Clock
	logger *slog.Logger
}

// NewSystemSampler creates a sampler for live host metrics.
//
// Inputs:
//   - config: sampling configuration; zero values get defaults.
//   - clock: time source for sample timestamps.
//   - logger: structured logger; sampling failures log at Warn.
func NewSystemSampler(config Config, clock datatypes.Clock, logger *slog.Logger) *SystemSampler {
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	if clock == nil {
		clock = datatypes.SystemClock{}
	}
	return &SystemSampler{
		config: config,
		clock:  clock,
		logger: logger.With(slog.String("subsystem", "sampler")),
	}
}

// Sample reads all metrics, marking any unreadable field invalid.
func (s *SystemSampler) Sample(ctx context.Context) datatypes.MetricSample {
	sample := datatypes.MetricSample{Timestamp: s.clock.Now()}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.RAMPct = vm.UsedPercent
		sample.RAMGB = float64(vm.Used) / bytesPerGB
		sample.RAMValid = true
	} else {
		s.logger.Warn("memory read failed", slog.String("error", err.Error()))
	}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		sample.CPUPct = pcts[0]
		sample.CPUValid = true
	} else if err != nil {
		s.logger.Warn("cpu read failed", slog.String("error", err.Error()))
	}

	if du, err := disk.UsageWithContext(ctx, s.config.DiskPath); err == nil {
		sample.DiskPct = du.UsedPercent
		sample.DiskValid = true
	} else {
		s.logger.Warn("disk read failed",
			slog.String("path", s.config.DiskPath),
			slog.String("error", err.Error()))
	}

	if temp, ok := s.readTemperature(ctx); ok {
		sample.TempC = temp
		sample.TempValid = true
	}

	sample.TargetPIDs = s.findTargets(ctx)

	return sample
}

// readTemperature returns the hottest matching sensor reading.
func (s *SystemSampler) readTemperature(ctx context.Context) (float64, bool) {
	sensors, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil || len(sensors) == 0 {
		return 0, false
	}

	var hottest float64
	found := false
	for _, sensor := range sensors {
		if !s.sensorMatches(sensor.SensorKey) {
			continue
		}
		if !found || sensor.Temperature > hottest {
			hottest = sensor.Temperature
			found = true
		}
	}
	return hottest, found
}

func (s *SystemSampler) sensorMatches(key string) bool {
	if len(s.config.TempSensorPrefixes) == 0 {
		return true
	}
	for _, prefix := range s.config.TempSensorPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// findTargets scans the process table for supervised processes.
func (s *SystemSampler) findTargets(ctx context.Context) []int32 {
	if len(s.config.TargetPatterns) == 0 {
		return nil
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		s.logger.Warn("process scan failed", slog.String("error", err.Error()))
		return nil
	}

	var pids []int32
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		for _, pattern := range s.config.TargetPatterns {
			if strings.Contains(cmdline, pattern) {
				pids = append(pids, p.Pid)
				break
			}
		}
	}
	return pids
}

// =============================================================================
// Scripted Sampler (test double)
// =============================================================================

// ScriptedSampler replays a fixed sequence of samples. Once the script
// is exhausted it keeps returning the last sample with an updated
// timestamp, which is convenient for steady-state loop tests.
type ScriptedSampler struct {
	mu      sync.Mutex
	clock   datatypes.Clock
	samples []datatypes.MetricSample
	index   int
}

// NewScriptedSampler creates a sampler replaying the given samples.
func NewScriptedSampler(clock datatypes.Clock, samples ...datatypes.MetricSample) *ScriptedSampler {
	return &ScriptedSampler{clock: clock, samples: samples}
}

// Push appends more samples to the script.
func (s *ScriptedSampler) Push(samples ...datatypes.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
}

// Sample returns the next scripted sample stamped with the clock's time.
func (s *ScriptedSampler) Sample(ctx context.Context) datatypes.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return datatypes.MetricSample{Timestamp: s.clock.Now()}
	}

	sample := s.samples[s.index]
	if s.index < len(s.samples)-1 {
		s.index++
	}
	sample.Timestamp = s.clock.Now()
	return sample
}

// SteadySample is a helper for building valid samples in tests and in
// the scripted sampler: every field valid, disk and temperature nominal.
func SteadySample(ramPct, cpuPct float64, pids ...int32) datatypes.MetricSample {
	return datatypes.MetricSample{
		RAMPct:     ramPct,
		CPUPct:     cpuPct,
		DiskPct:    40,
		TempC:      55,
		RAMGB:      ramPct * 0.32, // 32 GB host
		TargetPIDs: pids,
		RAMValid:   true,
		CPUValid:   true,
		DiskValid:  true,
		TempValid:  true,
	}
}

// Compile-time interface checks.
var (
	_ Sampler = (*SystemSampler)(nil)
	_ Sampler = (*ScriptedSampler)(nil)
)
