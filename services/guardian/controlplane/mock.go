// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controlplane

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call records one invocation against the mock client.
type Call struct {
	// Op is the method name, e.g. "SwitchModel".
	Op string

	// Arg is the method argument rendered as a string, empty for
	// argument-less operations.
	Arg string
}

// MockClient is a test double that records calls and returns scripted
// errors.
//
// # Thread Safety
//
// Safe for concurrent use.
type MockClient struct {
	mu    sync.Mutex
	calls []Call

	// Err, when set, is returned by every method.
	Err error

	// ErrFor, when set, returns an error for the named operation only.
	ErrFor map[string]error
}

// Compile-time interface check.
var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock with no scripted failures.
func NewMockClient() *MockClient {
	return &MockClient{ErrFor: make(map[string]error)}
}

// Calls returns a copy of the recorded calls in order.
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears the recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// CallCount returns how many times the named operation ran.
func (m *MockClient) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (m *MockClient) record(op, arg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: op, Arg: arg})
	if m.Err != nil {
		return m.Err
	}
	if err, ok := m.ErrFor[op]; ok {
		return err
	}
	return nil
}

// SwitchModel implements Client.
func (m *MockClient) SwitchModel(_ context.Context, model string) error {
	return m.record("SwitchModel", model)
}

// SetMaxContext implements Client.
func (m *MockClient) SetMaxContext(_ context.Context, tokens int) error {
	return m.record("SetMaxContext", fmt.Sprintf("%d", tokens))
}

// SetRAGTopK implements Client.
func (m *MockClient) SetRAGTopK(_ context.Context, topK int) error {
	return m.record("SetRAGTopK", fmt.Sprintf("%d", topK))
}

// DisableTools implements Client.
func (m *MockClient) DisableTools(_ context.Context, names []string) error {
	return m.record("DisableTools", strings.Join(names, ","))
}

// EnableAllTools implements Client.
func (m *MockClient) EnableAllTools(_ context.Context) error {
	return m.record("EnableAllTools", "")
}

// SetConcurrency implements Client.
func (m *MockClient) SetConcurrency(_ context.Context, limit int) error {
	return m.record("SetConcurrency", fmt.Sprintf("%d", limit))
}
