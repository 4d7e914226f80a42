// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controlplane talks to the inference server's admin API.
//
// The guardian uses this surface to apply and lift brownout
// mitigations: swapping models, shrinking context, disabling tools,
// trimming retrieval, and adjusting the concurrency limit.
package controlplane

import "context"

// Client is the admin surface of the supervised inference server.
//
// All methods are idempotent on the server side: setting a value that
// is already in effect succeeds without side effects, so retrying a
// mitigation is always safe.
type Client interface {
	// SwitchModel loads the named model, unloading the current one.
	SwitchModel(ctx context.Context, model string) error

	// SetMaxContext caps the context window at the given token count.
	SetMaxContext(ctx context.Context, tokens int) error

	// SetRAGTopK caps retrieval at topK documents per query.
	SetRAGTopK(ctx context.Context, topK int) error

	// DisableTools turns off the named tools.
	DisableTools(ctx context.Context, names []string) error

	// EnableAllTools restores the full tool set.
	EnableAllTools(ctx context.Context) error

	// SetConcurrency caps concurrent inference requests.
	SetConcurrency(ctx context.Context, limit int) error
}
