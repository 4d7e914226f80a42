// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the guardian's control surface.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGuard/services/guardian"
)

// HealthCheck reports the guardian's best-known state: current system
// state, last sample, active mitigation level, cooldown occupancy, and
// lockdown expiry. It always answers 200, even when sampling is failing,
// so dashboards see the last good picture rather than an error.
func HealthCheck(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := g.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"state":          snap.State,
			"state_since":    snap.StateSince,
			"last_sample":    snap.LastSample,
			"brownout_level": snap.BrownoutLevel,
			"cooldown":       snap.Cooldown,
			"lockdown_until": snap.LockdownUntil,
		})
	}
}

// GetStatus returns the full snapshot: everything in /health plus the
// concurrency limit, kill phase, and event log error count.
func GetStatus(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, g.Snapshot())
	}
}

// LatencyReport is one observed inference request latency.
type LatencyReport struct {
	DurationMS float64 `json:"duration_ms" binding:"required,gt=0"`
}

// ReportLatency feeds a request latency observation to the auto-tuner.
func ReportLatency(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LatencyReport
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "duration_ms must be a positive number"})
			return
		}
		g.RecordLatency(time.Duration(req.DurationMS * float64(time.Millisecond)))
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	}
}

// LockdownOverrideRequest must carry an explicit confirmation; a bare
// POST is treated as an accident.
type LockdownOverrideRequest struct {
	Confirm bool `json:"confirm"`
}

// OverrideLockdown queues a manual lockdown release. The release itself
// happens on the next control loop tick, so the response is 202.
func OverrideLockdown(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LockdownOverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil || !req.Confirm {
			c.JSON(http.StatusBadRequest, gin.H{"error": "confirm must be true"})
			return
		}
		if err := g.RequestLockdownOverride(true); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Lockdown override accepted")
		c.JSON(http.StatusAccepted, gin.H{"status": "override queued"})
	}
}
