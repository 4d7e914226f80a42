// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"Warning", LevelWarn},
		{"ERROR", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := tt.level.toSlogLevel(); got != tt.want {
			t.Errorf("toSlogLevel(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "guardian-test",
		Quiet:   true,
	})

	logger.Info("state changed", "from", "NORMAL", "to", "BROWNOUT")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	name := "guardian-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("file log is not JSON: %v", err)
	}
	if entry["msg"] != "state changed" {
		t.Errorf("msg = %v, want %q", entry["msg"], "state changed")
	}
	if entry["service"] != "guardian-test" {
		t.Errorf("service = %v, want %q", entry["service"], "guardian-test")
	}
	if entry["to"] != "BROWNOUT" {
		t.Errorf("to = %v, want %q", entry["to"], "BROWNOUT")
	}
}

func TestNew_LevelFiltersFileOutput(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:  LevelWarn,
		LogDir: dir,
		Quiet:  true,
	})

	logger.Info("filtered")
	logger.Warn("kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	name := "guardian_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if strings.Contains(string(data), "filtered") {
		t.Error("Info entry should have been filtered at Warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("Warn entry missing from file")
	}
}

func TestWith_AddsAttributes(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	child := logger.With("subsystem", "hysteresis")

	child.Info("evaluated")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	name := "guardian_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hysteresis") {
		t.Error("child attribute missing from entry")
	}
}

func TestClose_Idempotent(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestSlog_ReturnsUsableLogger(t *testing.T) {
	logger := New(Config{Quiet: true})
	if logger.Slog() == nil {
		t.Fatal("Slog() returned nil")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %v", got)
	}
	if got := expandPath("/var/log/guardian"); got != "/var/log/guardian" {
		t.Errorf("expandPath(absolute) = %v", got)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewTextHandler(&b, nil),
	}}

	logger := slog.New(h)
	logger.Info("broadcast", "key", "value")

	if !strings.Contains(a.String(), "broadcast") {
		t.Error("JSON handler missed the record")
	}
	if !strings.Contains(b.String(), "broadcast") {
		t.Error("text handler missed the record")
	}
}

func TestMultiHandler_RespectsPerHandlerLevels(t *testing.T) {
	var verbose, quiet bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&verbose, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled should be true if any handler accepts the level")
	}

	logger := slog.New(h)
	logger.Debug("verbose only")

	if !strings.Contains(verbose.String(), "verbose only") {
		t.Error("debug handler missed the record")
	}
	if quiet.Len() != 0 {
		t.Error("error-level handler should not have received a debug record")
	}
}
