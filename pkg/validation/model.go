// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for config-provided strings that end
// up in admin API payloads or process matching. Using these validators
// prevents injection through a tampered config file.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// modelPattern matches inference model names in the registry style,
// e.g. "llama3:8b-q4" or "phi3:mini-q4".
// Allows: lowercase letters, digits, dots, hyphens, underscores,
// slashes for namespaced models, and a single colon-separated tag.
var modelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-/]{0,63}(:[a-z0-9][a-z0-9._\-]{0,31})?$`)

// processPattern matches process name substrings used to locate the
// supervised inference server, e.g. "llama-server" or "ollama".
var processPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]{0,63}$`)

// ValidateModelName validates a model identifier before it is sent to
// the inference server's admin API.
//
// Valid names:
//   - 1-64 characters before the optional tag
//   - lowercase letters, digits, dots, hyphens, underscores, slashes
//   - an optional ":tag" suffix of up to 32 characters
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateModelName(bundle.Model); err != nil {
//	    return fmt.Errorf("invalid fallback model: %w", err)
//	}
func ValidateModelName(name string) error {
	if name == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	if !modelPattern.MatchString(name) {
		return fmt.Errorf("invalid model name: %q (must be lowercase alphanumeric with ._-/ and an optional :tag)", name)
	}

	return nil
}

// ValidateProcessPattern validates a process name substring before it
// is matched against running process names.
func ValidateProcessPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("process pattern cannot be empty")
	}

	if !processPattern.MatchString(pattern) {
		return fmt.Errorf("invalid process pattern: %q (must be alphanumeric with ._-)", pattern)
	}

	return nil
}

// ValidateProcessPatterns validates multiple process patterns.
// Returns an error listing all invalid patterns if any fail validation.
func ValidateProcessPatterns(patterns []string) error {
	var invalid []string
	for _, p := range patterns {
		if err := ValidateProcessPattern(p); err != nil {
			invalid = append(invalid, p)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid process patterns: %v", invalid)
	}
	return nil
}

// SanitizeModelName normalizes and validates a model name.
// Returns the lowercase trimmed name if valid, or an error if invalid.
func SanitizeModelName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateModelName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
