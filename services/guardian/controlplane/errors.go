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
	"errors"
	"fmt"
)

// Sentinel errors for control plane operations.
var (
	// ErrUnreachable indicates the admin API could not be contacted.
	ErrUnreachable = errors.New("control plane unreachable")

	// ErrRateLimited indicates the client-side rate limiter rejected
	// the call before it left the process.
	ErrRateLimited = errors.New("control plane call rate limited")
)

// APIError represents a non-2xx response from the admin API.
type APIError struct {
	// Operation is the admin endpoint path that failed.
	Operation string

	// StatusCode is the HTTP status returned.
	StatusCode int

	// Body is the response body, truncated for logging.
	Body string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("control plane %s returned %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsServerError returns true for 5xx responses, which are retryable.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}
