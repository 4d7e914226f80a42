// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianGuard/services/guardian"
	"github.com/AleutianAI/AleutianGuard/services/guardian/handlers"
)

// SetupRoutes wires the control surface onto the router. The metrics
// registry is the one the guardian's gauges are registered with.
func SetupRoutes(router *gin.Engine, g *guardian.Guardian, registry *prometheus.Registry) {

	router.GET("/health", handlers.HealthCheck(g))
	router.POST("/override-lockdown", handlers.OverrideLockdown(g))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/status", handlers.GetStatus(g))
		v1.POST("/latency", handlers.ReportLatency(g))
		v1.GET("/events/ws", handlers.HandleEventsWebSocket(g))
	}
}
