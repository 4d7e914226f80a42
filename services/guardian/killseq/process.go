// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package killseq

import (
	"sync"

	"golang.org/x/sys/unix"
)

// ProcessController abstracts signal delivery so the sequencer can be
// tested without killing real processes.
type ProcessController interface {
	// SignalTerm asks the process to shut down gracefully.
	SignalTerm(pid int32) error

	// SignalKill terminates the process immediately.
	SignalKill(pid int32) error

	// Alive reports whether the process still exists.
	Alive(pid int32) bool
}

// UnixController delivers real signals.
type UnixController struct{}

// Compile-time interface check.
var _ ProcessController = UnixController{}

// SignalTerm implements ProcessController with SIGTERM.
func (UnixController) SignalTerm(pid int32) error {
	return unix.Kill(int(pid), unix.SIGTERM)
}

// SignalKill implements ProcessController with SIGKILL.
func (UnixController) SignalKill(pid int32) error {
	return unix.Kill(int(pid), unix.SIGKILL)
}

// Alive implements ProcessController. Signal 0 probes for existence;
// EPERM means the process exists but belongs to someone else.
func (UnixController) Alive(pid int32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

// MockController is a test double that records signals and scripts
// process liveness.
//
// # Thread Safety
//
// Safe for concurrent use.
type MockController struct {
	mu        sync.Mutex
	termCalls []int32
	killCalls []int32

	// AliveFunc scripts liveness per pid. Nil means every pid dies on
	// the first SIGTERM it receives.
	AliveFunc func(pid int32) bool

	// TermErr and KillErr, when set, are returned by the signal calls.
	TermErr error
	KillErr error
}

// Compile-time interface check.
var _ ProcessController = (*MockController)(nil)

// NewMockController creates a mock whose processes die on SIGTERM.
func NewMockController() *MockController {
	return &MockController{}
}

// TermCalls returns the pids that received SIGTERM, in order.
func (m *MockController) TermCalls() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, len(m.termCalls))
	copy(out, m.termCalls)
	return out
}

// KillCalls returns the pids that received SIGKILL, in order.
func (m *MockController) KillCalls() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, len(m.killCalls))
	copy(out, m.killCalls)
	return out
}

// SignalTerm implements ProcessController.
func (m *MockController) SignalTerm(pid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termCalls = append(m.termCalls, pid)
	return m.TermErr
}

// SignalKill implements ProcessController.
func (m *MockController) SignalKill(pid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killCalls = append(m.killCalls, pid)
	return m.KillErr
}

// Alive implements ProcessController.
func (m *MockController) Alive(pid int32) bool {
	if m.AliveFunc != nil {
		return m.AliveFunc(pid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.termCalls {
		if p == pid {
			return false
		}
	}
	for _, p := range m.killCalls {
		if p == pid {
			return false
		}
	}
	return true
}
