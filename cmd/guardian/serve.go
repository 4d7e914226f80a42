// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGuard/pkg/logging"
	"github.com/AleutianAI/AleutianGuard/services/guardian"
	"github.com/AleutianAI/AleutianGuard/services/guardian/config"
	"github.com/AleutianAI/AleutianGuard/services/guardian/observability"
	"github.com/AleutianAI/AleutianGuard/services/guardian/routes"
)

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: "guardian",
	})
	defer logger.Close()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := prometheus.NewRegistry()
	g, err := guardian.New(*cfg, guardian.Options{
		Metrics: observability.NewGuardianMetrics(registry),
	}, logger.Slog())
	if err != nil {
		return fmt.Errorf("create guardian: %w", err)
	}
	defer g.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, g, registry)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := g.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("control loop: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		logger.Info("control surface listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if configPath != "" {
		group.Go(func() error {
			err := config.Watch(ctx, configPath, logger.Slog(), func(next *config.Config) {
				g.UpdateThresholds(next)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("config watcher: %w", err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("guardian shut down cleanly")
	return nil
}
