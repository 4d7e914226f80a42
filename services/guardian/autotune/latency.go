// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package autotune

import (
	"sort"
	"sync"
	"time"
)

// LatencyRecorder keeps a bounded ring of recent request latencies.
//
// # Thread Safety
//
// Safe for concurrent use; Record is called from HTTP handlers while
// the tuner reads percentiles on its own cadence.
type LatencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

// NewLatencyRecorder creates a recorder holding up to capacity
// samples. Capacity below 1 defaults to 512.
func NewLatencyRecorder(capacity int) *LatencyRecorder {
	if capacity < 1 {
		capacity = 512
	}
	return &LatencyRecorder{samples: make([]time.Duration, capacity)}
}

// Record adds one observed latency, evicting the oldest when full.
func (r *LatencyRecorder) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

// Count returns how many samples are held.
func (r *LatencyRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return len(r.samples)
	}
	return r.next
}

// P95 returns the 95th percentile of held samples. ok is false when
// no samples have been recorded.
func (r *LatencyRecorder) P95() (time.Duration, bool) {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	if n == 0 {
		r.mu.Unlock()
		return 0, false
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples[:n])
	r.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx], true
}
