// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the guardian.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the
// supervisory loop. Metrics include:
//   - Current system state and brownout level gauges
//   - State transition and flap counters
//   - Kill, blocked-kill, and lockdown counters
//   - Sampler failure counters
//   - Concurrency limit and latency p95 gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with
// Prometheus + Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

// Namespace for all metrics
const metricsNamespace = "guardian"

// GuardianMetrics holds all Prometheus metrics for the supervisory
// loop. Initialize once at startup via NewGuardianMetrics().
type GuardianMetrics struct {
	// SystemState reports the current state as its severity ordinal
	// (0=NORMAL .. 4=LOCKDOWN).
	SystemState prometheus.Gauge

	// BrownoutLevel reports the active mitigation level ordinal
	// (0=none .. 3=heavy).
	BrownoutLevel prometheus.Gauge

	// TransitionsTotal counts state transitions.
	// Labels: from, to
	TransitionsTotal *prometheus.CounterVec

	// FlapSuppressionsTotal counts forced brownouts from flap
	// detection.
	FlapSuppressionsTotal prometheus.Counter

	// KillsTotal counts executed kills by outcome.
	// Labels: outcome (graceful, forced, failed)
	KillsTotal *prometheus.CounterVec

	// KillsBlockedTotal counts kills denied by the cooldown limiter.
	KillsBlockedTotal prometheus.Counter

	// LockdownsTotal counts lockdown activations.
	LockdownsTotal prometheus.Counter

	// SamplerFailuresTotal counts invalid metric reads by metric.
	// Labels: metric (ram, cpu, disk, temp)
	SamplerFailuresTotal *prometheus.CounterVec

	// ConcurrencyLimit reports the auto-tuner's current limit.
	ConcurrencyLimit prometheus.Gauge

	// LatencyP95Seconds reports the last observed p95 request latency.
	LatencyP95Seconds prometheus.Gauge

	// TickDurationSeconds measures control loop tick duration.
	TickDurationSeconds prometheus.Histogram
}

// NewGuardianMetrics creates and registers the metric bundle on the
// given registerer. Pass prometheus.DefaultRegisterer in production.
func NewGuardianMetrics(reg prometheus.Registerer) *GuardianMetrics {
	factory := promauto.With(reg)
	return &GuardianMetrics{
		SystemState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "system_state",
			Help:      "Current system state ordinal (0=NORMAL, 1=BROWNOUT, 2=DEGRADED, 3=EMERGENCY, 4=LOCKDOWN).",
		}),
		BrownoutLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "brownout_level",
			Help:      "Active brownout level ordinal (0=none, 1=light, 2=moderate, 3=heavy).",
		}),
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_transitions_total",
			Help:      "State transitions by from and to state.",
		}, []string{"from", "to"}),
		FlapSuppressionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flap_suppressions_total",
			Help:      "Forced brownouts caused by flap detection.",
		}),
		KillsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "kills_total",
			Help:      "Executed kill sequences by outcome.",
		}, []string{"outcome"}),
		KillsBlockedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "kills_blocked_total",
			Help:      "Kill attempts denied by the cooldown limiter.",
		}),
		LockdownsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lockdowns_total",
			Help:      "Lockdown activations.",
		}),
		SamplerFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sampler_failures_total",
			Help:      "Metric reads that came back invalid, by metric.",
		}, []string{"metric"}),
		ConcurrencyLimit: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "concurrency_limit",
			Help:      "Concurrency limit currently pushed to the inference server.",
		}),
		LatencyP95Seconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "latency_p95_seconds",
			Help:      "p95 of recent inference request latencies.",
		}),
		TickDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Control loop tick duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// ObserveTransition updates the transition metrics for one state
// change.
func (m *GuardianMetrics) ObserveTransition(tr *datatypes.StateTransition) {
	m.TransitionsTotal.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	m.SystemState.Set(float64(tr.To))
	if tr.FlappingDetected {
		m.FlapSuppressionsTotal.Inc()
	}
}

// ObserveSample counts invalid fields on one metric sample.
func (m *GuardianMetrics) ObserveSample(s datatypes.MetricSample) {
	if !s.RAMValid {
		m.SamplerFailuresTotal.WithLabelValues("ram").Inc()
	}
	if !s.CPUValid {
		m.SamplerFailuresTotal.WithLabelValues("cpu").Inc()
	}
	if !s.DiskValid {
		m.SamplerFailuresTotal.WithLabelValues("disk").Inc()
	}
	if !s.TempValid {
		m.SamplerFailuresTotal.WithLabelValues("temp").Inc()
	}
}
