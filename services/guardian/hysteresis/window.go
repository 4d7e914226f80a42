// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hysteresis

// reading is one window slot: a metric value plus whether the read
// succeeded that tick.
type reading struct {
	value float64
	valid bool
}

// MeasurementWindow is a fixed-capacity ring of the most recent metric
// readings. It backs the consecutive-breach requirement: escalation asks
// for the last N readings, and an invalid reading in that span breaks
// the streak.
//
// Not safe for concurrent use; the engine is its only writer.
type MeasurementWindow struct {
	readings []reading
	next     int
	filled   int
}

// NewMeasurementWindow creates a window holding up to capacity readings.
func NewMeasurementWindow(capacity int) *MeasurementWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &MeasurementWindow{readings: make([]reading, capacity)}
}

// Append records one reading, evicting the oldest when full.
func (w *MeasurementWindow) Append(value float64, valid bool) {
	w.readings[w.next] = reading{value: value, valid: valid}
	w.next = (w.next + 1) % len(w.readings)
	if w.filled < len(w.readings) {
		w.filled++
	}
}

// Len returns the number of readings currently held.
func (w *MeasurementWindow) Len() int { return w.filled }

// Values returns all held readings oldest-first, invalid slots included
// as recorded. The returned slice is a copy.
func (w *MeasurementWindow) Values() []float64 {
	out := make([]float64, 0, w.filled)
	for i := 0; i < w.filled; i++ {
		out = append(out, w.at(i).value)
	}
	return out
}

// Last returns the newest n readings oldest-first, and false if fewer
// than n readings are held.
func (w *MeasurementWindow) Last(n int) ([]reading, bool) {
	if n > w.filled {
		return nil, false
	}
	out := make([]reading, 0, n)
	for i := w.filled - n; i < w.filled; i++ {
		out = append(out, w.at(i))
	}
	return out, true
}

// LastAverage returns the mean of the newest n readings. Invalid
// readings make the average unusable, reported via ok=false.
func (w *MeasurementWindow) LastAverage(n int) (avg float64, ok bool) {
	last, ok := w.Last(n)
	if !ok {
		return 0, false
	}
	var sum float64
	for _, r := range last {
		if !r.valid {
			return 0, false
		}
		sum += r.value
	}
	return sum / float64(n), true
}

// at returns the i-th oldest reading (0 = oldest held).
func (w *MeasurementWindow) at(i int) reading {
	start := w.next - w.filled
	if start < 0 {
		start += len(w.readings)
	}
	return w.readings[(start+i)%len(w.readings)]
}

// decisionRing tracks whether each recent evaluation produced a state
// transition. It backs flap detection: when transitions dominate the
// ring, the signal is oscillating rather than trending.
type decisionRing struct {
	slots  []bool
	next   int
	filled int
}

func newDecisionRing(capacity int) *decisionRing {
	if capacity < 1 {
		capacity = 1
	}
	return &decisionRing{slots: make([]bool, capacity)}
}

// record adds one evaluation outcome.
func (r *decisionRing) record(transitioned bool) {
	r.slots[r.next] = transitioned
	r.next = (r.next + 1) % len(r.slots)
	if r.filled < len(r.slots) {
		r.filled++
	}
}

// transitions counts how many held slots were transitions.
func (r *decisionRing) transitions() int {
	count := 0
	for i := 0; i < r.filled; i++ {
		if r.slots[i] {
			count++
		}
	}
	return count
}

// full reports whether the ring has wrapped at least once.
func (r *decisionRing) full() bool { return r.filled == len(r.slots) }
