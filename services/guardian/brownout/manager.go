// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package brownout turns degradation levels into control plane calls.
//
// Each level maps to a fixed mitigation bundle: which model to run,
// how much context to allow, how much retrieval to do, and which
// tools to disable. Applying a bundle is idempotent, so a failed or
// partial application is simply retried on a later tick. Mitigation
// intent is never dropped: if the control plane cannot be reached,
// the manager remembers the target level and Reconcile re-attempts it.
package brownout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianGuard/services/guardian/controlplane"
	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

// Bundle is the mitigation package for one brownout level.
type Bundle struct {
	// Model is the model to switch to. Empty means leave unchanged.
	Model string `yaml:"model"`

	// MaxContextTokens caps the context window.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// RAGTopK caps retrieval depth.
	RAGTopK int `yaml:"rag_top_k"`

	// DisabledTools lists the tools to turn off.
	DisabledTools []string `yaml:"disabled_tools"`
}

// IsZero reports whether the bundle carries no settings at all.
func (b Bundle) IsZero() bool {
	return b.Model == "" && b.MaxContextTokens == 0 && b.RAGTopK == 0 && len(b.DisabledTools) == 0
}

// Config configures the manager. Zero values get defaults.
type Config struct {
	// Baseline describes the unmitigated configuration that restore
	// returns the server to.
	Baseline Bundle `yaml:"baseline"`

	// Bundles maps each brownout level to its mitigation package.
	// Populated from the config file's named light/moderate/heavy
	// sections.
	Bundles map[datatypes.BrownoutLevel]Bundle `yaml:"-"`

	// MaxAttempts bounds per-call retries within one application.
	// Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the base delay between retries, growing
	// linearly per attempt. Default: 500ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// DwellEscalation is how long the system may sit at one severity
	// before the level deepens one notch. Default: 2 minutes.
	DwellEscalation time.Duration `yaml:"dwell_escalation"`
}

// DefaultConfig returns production defaults sized for a 32 GB host
// running an 8B-class model.
func DefaultConfig() Config {
	return Config{
		Baseline: Bundle{
			Model:            "llama3:8b-q4",
			MaxContextTokens: 8192,
			RAGTopK:          8,
		},
		Bundles: map[datatypes.BrownoutLevel]Bundle{
			datatypes.BrownoutLight: {
				MaxContextTokens: 6144,
				RAGTopK:          6,
				DisabledTools:    []string{"code_execution"},
			},
			datatypes.BrownoutModerate: {
				Model:            "phi3:mini-q4",
				MaxContextTokens: 2048,
				RAGTopK:          3,
				DisabledTools:    []string{"code_execution", "web_search", "file_io"},
			},
			datatypes.BrownoutHeavy: {
				Model:            "phi3:mini-q4",
				MaxContextTokens: 1024,
				RAGTopK:          1,
				DisabledTools:    []string{"code_execution", "web_search", "file_io", "image_gen", "shell"},
			},
		},
		MaxAttempts:     3,
		RetryBackoff:    500 * time.Millisecond,
		DwellEscalation: 2 * time.Minute,
	}
}

// LevelFor maps a system state and its dwell time to a brownout level.
// Sitting at one severity past the escalation dwell deepens the
// mitigation one notch without waiting for a state change.
func LevelFor(state datatypes.SystemState, dwell, escalateAfter time.Duration) datatypes.BrownoutLevel {
	var base datatypes.BrownoutLevel
	switch state {
	case datatypes.StateBrownout:
		base = datatypes.BrownoutLight
	case datatypes.StateDegraded:
		base = datatypes.BrownoutModerate
	case datatypes.StateEmergency, datatypes.StateLockdown:
		return datatypes.BrownoutHeavy
	default:
		return datatypes.BrownoutNone
	}
	if escalateAfter > 0 && dwell >= escalateAfter && base < datatypes.BrownoutHeavy {
		base++
	}
	return base
}

// Manager applies and restores mitigation bundles.
//
// # Thread Safety
//
// Apply, Restore, and Reconcile belong to the control loop. Active and
// Pending are safe to call concurrently from HTTP handlers.
type Manager struct {
	mu      sync.Mutex
	config  Config
	client  controlplane.Client
	logger  *slog.Logger
	active  datatypes.BrownoutLevel
	pending datatypes.BrownoutLevel // non-None when the last apply failed
}

// NewManager creates a manager with nothing applied.
func NewManager(config Config, client controlplane.Client, logger *slog.Logger) *Manager {
	defaults := DefaultConfig()
	if len(config.Bundles) == 0 {
		config.Bundles = defaults.Bundles
	}
	if config.Baseline.IsZero() {
		config.Baseline = defaults.Baseline
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.DwellEscalation <= 0 {
		config.DwellEscalation = defaults.DwellEscalation
	}
	return &Manager{
		config: config,
		client: client,
		logger: logger.With(slog.String("subsystem", "brownout")),
	}
}

// Active returns the currently applied level.
func (m *Manager) Active() datatypes.BrownoutLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Pending returns the level a failed application still owes, or
// BrownoutNone.
func (m *Manager) Pending() datatypes.BrownoutLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// DwellEscalation exposes the configured dwell deepening interval.
func (m *Manager) DwellEscalation() time.Duration {
	return m.config.DwellEscalation
}

// Apply brings the control plane to the given level. Reapplying the
// active level with no debt outstanding is a no-op.
func (m *Manager) Apply(ctx context.Context, level datatypes.BrownoutLevel) error {
	if level == datatypes.BrownoutNone {
		return m.Restore(ctx)
	}

	m.mu.Lock()
	if m.active == level && m.pending == datatypes.BrownoutNone {
		m.mu.Unlock()
		return nil
	}
	bundle, ok := m.config.Bundles[level]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no mitigation bundle configured for level %s", level)
	}

	if err := m.applyBundle(ctx, bundle); err != nil {
		m.mu.Lock()
		if level > m.pending {
			m.pending = level
		}
		m.mu.Unlock()
		m.logger.Error("mitigation failed, will retry next tick",
			slog.String("level", level.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	m.mu.Lock()
	m.active = level
	m.pending = datatypes.BrownoutNone
	m.mu.Unlock()
	m.logger.Info("brownout applied", slog.String("level", level.String()))
	return nil
}

// Restore reverses all mitigations back to the baseline bundle.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	if m.active == datatypes.BrownoutNone && m.pending == datatypes.BrownoutNone {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.restoreBaseline(ctx); err != nil {
		m.logger.Error("restore failed, will retry next tick",
			slog.String("error", err.Error()),
		)
		return err
	}

	m.mu.Lock()
	m.active = datatypes.BrownoutNone
	m.pending = datatypes.BrownoutNone
	m.mu.Unlock()
	m.logger.Info("brownout restored")
	return nil
}

// Reconcile re-attempts any mitigation debt left by a failed apply,
// at the higher of the owed and requested levels. Called once per
// control loop tick.
func (m *Manager) Reconcile(ctx context.Context, requested datatypes.BrownoutLevel) error {
	m.mu.Lock()
	target := m.pending
	m.mu.Unlock()
	if requested > target {
		target = requested
	}
	if target == datatypes.BrownoutNone {
		return nil
	}
	return m.Apply(ctx, target)
}

// applyBundle issues the bundle's control plane calls in order,
// cheapest first, each with bounded retry.
func (m *Manager) applyBundle(ctx context.Context, bundle Bundle) error {
	if len(bundle.DisabledTools) > 0 {
		if err := m.withRetry(ctx, "tools/disable", func() error {
			return m.client.DisableTools(ctx, bundle.DisabledTools)
		}); err != nil {
			return err
		}
	}
	if bundle.RAGTopK > 0 {
		if err := m.withRetry(ctx, "rag/set", func() error {
			return m.client.SetRAGTopK(ctx, bundle.RAGTopK)
		}); err != nil {
			return err
		}
	}
	if bundle.MaxContextTokens > 0 {
		if err := m.withRetry(ctx, "context/set", func() error {
			return m.client.SetMaxContext(ctx, bundle.MaxContextTokens)
		}); err != nil {
			return err
		}
	}
	if bundle.Model != "" {
		if err := m.withRetry(ctx, "model/switch", func() error {
			return m.client.SwitchModel(ctx, bundle.Model)
		}); err != nil {
			return err
		}
	}
	return nil
}

// restoreBaseline reverses mitigations, tools first so capability
// returns even if the later calls fail.
func (m *Manager) restoreBaseline(ctx context.Context) error {
	if err := m.withRetry(ctx, "tools/enable-all", func() error {
		return m.client.EnableAllTools(ctx)
	}); err != nil {
		return err
	}
	base := m.config.Baseline
	if base.RAGTopK > 0 {
		if err := m.withRetry(ctx, "rag/set", func() error {
			return m.client.SetRAGTopK(ctx, base.RAGTopK)
		}); err != nil {
			return err
		}
	}
	if base.MaxContextTokens > 0 {
		if err := m.withRetry(ctx, "context/set", func() error {
			return m.client.SetMaxContext(ctx, base.MaxContextTokens)
		}); err != nil {
			return err
		}
	}
	if base.Model != "" {
		if err := m.withRetry(ctx, "model/switch", func() error {
			return m.client.SwitchModel(ctx, base.Model)
		}); err != nil {
			return err
		}
	}
	return nil
}

// withRetry runs the call up to MaxAttempts times with linear backoff.
func (m *Manager) withRetry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		if lastErr = call(); lastErr == nil {
			return nil
		}
		m.logger.Warn("control plane call failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
		if attempt == m.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * m.config.RetryBackoff):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, m.config.MaxAttempts, lastErr)
}
