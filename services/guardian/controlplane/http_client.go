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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

const maxErrorBodyBytes = 512

// HTTPConfig configures the HTTP client. Zero values get defaults.
type HTTPConfig struct {
	// BaseURL is the root of the admin API, e.g. http://127.0.0.1:8089.
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds each admin call. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimit is the sustained calls-per-second budget against the
	// admin API. Mitigation retries must not hammer a server that is
	// already struggling. Default: 2/s with a burst of 4.
	RateLimit rate.Limit `yaml:"rate_limit"`
	RateBurst int        `yaml:"rate_burst"`
}

// UnmarshalYAML decodes onto the values already set, with the timeout
// accepted as a "10s" string.
func (c *HTTPConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		BaseURL        string             `yaml:"base_url"`
		RequestTimeout datatypes.Duration `yaml:"request_timeout"`
		RateLimit      rate.Limit         `yaml:"rate_limit"`
		RateBurst      int                `yaml:"rate_burst"`
	}{
		BaseURL:        c.BaseURL,
		RequestTimeout: datatypes.Duration(c.RequestTimeout),
		RateLimit:      c.RateLimit,
		RateBurst:      c.RateBurst,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.BaseURL = raw.BaseURL
	c.RequestTimeout = raw.RequestTimeout.Std()
	c.RateLimit = raw.RateLimit
	c.RateBurst = raw.RateBurst
	return nil
}

// HTTPClient implements Client against the inference server admin API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the admin API at config.BaseURL.
func NewHTTPClient(config HTTPConfig, logger *slog.Logger) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("control plane base URL not set")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 2
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 4
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		limiter:    rate.NewLimiter(config.RateLimit, config.RateBurst),
		logger:     logger.With(slog.String("subsystem", "controlplane")),
	}, nil
}

// SwitchModel implements Client.
func (c *HTTPClient) SwitchModel(ctx context.Context, model string) error {
	return c.post(ctx, "/model/switch", map[string]any{"model": model})
}

// SetMaxContext implements Client.
func (c *HTTPClient) SetMaxContext(ctx context.Context, tokens int) error {
	return c.post(ctx, "/context/set", map[string]any{"window": tokens})
}

// SetRAGTopK implements Client.
func (c *HTTPClient) SetRAGTopK(ctx context.Context, topK int) error {
	return c.post(ctx, "/rag/set", map[string]any{"top_k": topK})
}

// DisableTools implements Client.
func (c *HTTPClient) DisableTools(ctx context.Context, names []string) error {
	return c.post(ctx, "/tools/disable", map[string]any{"names": names})
}

// EnableAllTools implements Client.
func (c *HTTPClient) EnableAllTools(ctx context.Context) error {
	return c.post(ctx, "/tools/enable-all", map[string]any{})
}

// SetConcurrency implements Client.
func (c *HTTPClient) SetConcurrency(ctx context.Context, limit int) error {
	return c.post(ctx, "/concurrency/set", map[string]any{"n": limit})
}

// post sends one rate-limited JSON call to the admin API.
func (c *HTTPClient) post(ctx context.Context, path string, payload any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("admin API call failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{
			Operation:  path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
		c.logger.Error("admin API rejected call",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return apiErr
	}

	c.logger.Debug("admin API call succeeded", slog.String("path", path))
	return nil
}
