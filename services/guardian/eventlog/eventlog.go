// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventlog is the guardian's append-only audit trail.
//
// One JSON object per line, one file. Record never propagates errors
// to the caller: a broken disk must not change supervisory behavior,
// so write failures are swallowed and counted. If the file disappears
// underneath us (logrotate), the next write reopens it.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

// EventType enumerates every event the guardian records.
type EventType string

const (
	EventMetricsCollected       EventType = "metrics_collected"
	EventStateTransition        EventType = "state_transition"
	EventBrownoutActivated      EventType = "brownout_activated"
	EventBrownoutRestored       EventType = "brownout_restored"
	EventKillAuthorized         EventType = "kill_authorized"
	EventKillBlockedCooldown    EventType = "kill_blocked_cooldown"
	EventLockdownActivated      EventType = "lockdown_activated"
	EventLockdownExpired        EventType = "lockdown_expired"
	EventLockdownManualOverride EventType = "lockdown_manual_override"
	EventAutoTuningAdjustment   EventType = "auto_tuning_adjustment"
)

// Entry is one serialized event, ready for the file and subscribers.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     EventType      `json:"event"`
	Payload   map[string]any `json:"-"`
}

// MarshalJSON flattens the payload next to the envelope fields.
func (e Entry) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	flat["event"] = string(e.Event)
	return json.Marshal(flat)
}

// Log writes NDJSON events and fans them out to subscribers.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	clock  datatypes.Clock
	logger *slog.Logger

	writeErrors atomic.Int64
	dropped     atomic.Int64

	subMu   sync.Mutex
	subs    map[int]chan []byte
	nextSub int
}

// NewLog opens (or creates) the NDJSON file at path in append mode.
func NewLog(path string, clock datatypes.Clock, logger *slog.Logger) (*Log, error) {
	if clock == nil {
		clock = datatypes.SystemClock{}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	return &Log{
		path:   path,
		file:   file,
		clock:  clock,
		logger: logger.With(slog.String("subsystem", "eventlog")),
		subs:   make(map[int]chan []byte),
	}, nil
}

// Record appends one event. It never returns an error; failures are
// counted and visible via WriteErrors.
func (l *Log) Record(event EventType, payload map[string]any) {
	entry := Entry{
		Timestamp: l.clock.Now(),
		Event:     event,
		Payload:   payload,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		l.writeErrors.Add(1)
		l.logger.Error("failed to marshal event",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
		return
	}

	l.mu.Lock()
	l.reopenIfRotated()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.writeErrors.Add(1)
		l.logger.Error("failed to write event",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
	l.mu.Unlock()

	l.broadcast(line)
}

// WriteErrors returns how many events failed to serialize or write.
func (l *Log) WriteErrors() int64 { return l.writeErrors.Load() }

// Dropped returns how many fan-out messages were discarded because a
// subscriber was slow.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

// Subscribe returns a channel of serialized events and a cancel
// function. Slow subscribers lose messages rather than block writers.
func (l *Log) Subscribe() (<-chan []byte, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan []byte, 64)
	l.subs[id] = ch
	return ch, func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
}

// Close flushes and closes the file. Record calls after Close count
// as write errors.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// reopenIfRotated reopens the file when the path no longer points at
// our handle. Caller holds the write lock.
func (l *Log) reopenIfRotated() {
	if _, err := os.Stat(l.path); err == nil {
		return
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	_ = l.file.Close()
	l.file = file
	l.logger.Info("event log reopened after rotation", slog.String("path", l.path))
}

func (l *Log) broadcast(line []byte) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- line:
		default:
			l.dropped.Add(1)
		}
	}
}
