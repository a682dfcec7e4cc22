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
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPerf/services/perf/api"
	"github.com/AleutianAI/AleutianPerf/services/perf/config"
	"github.com/AleutianAI/AleutianPerf/services/perf/telemetry"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// newServeCmd builds "perfd serve".
//
// # Description
//
// Starts the orchestrator jobs and the dashboard API, then blocks until
// SIGINT or SIGTERM. Shutdown drains HTTP requests, stops the jobs,
// persists baselines and flushes telemetry.
func newServeCmd(a *app) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the performance manager and its dashboard API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a, !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the configuration file for changes")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runServe(ctx context.Context, a *app, watch bool) error {
	logger := a.logger()
	cfg := a.cfg

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	rt, err := buildRuntime(ctx, cfg, logger, runtimeOptions{Sinks: true, Probes: true})
	if err != nil {
		return err
	}
	if rt.loaded {
		logger.Info("baselines restored", slog.String("path", cfg.Storage.BaselinePath))
	}

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router := api.NewRouter(api.NewHandlers(rt.orch, rt.store, logger), api.RouterOptions{
		ServiceName: cfg.Telemetry.ServiceName,
		Metrics:     metrics,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := rt.orch.Start(ctx); err != nil {
		_ = rt.Close(context.Background())
		return err
	}

	if watch && a.configPath != "" {
		if _, err := config.Watch(ctx, a.configPath, logger, func(next config.Config) {
			logConfigChanges(logger, cfg, next)
		}); err != nil {
			logger.Warn("config watch disabled", slog.String("error", err.Error()))
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("dashboard API listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error("dashboard API failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := rt.persist(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("persist baselines: %w", err))
	}
	if err := rt.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err, ok := <-serveErr; ok && err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// logConfigChanges reports which sections differ after a reload. Running
// components keep their settings until restart.
func logConfigChanges(logger *slog.Logger, running, next config.Config) {
	changed := changedSections(running, next)
	if len(changed) == 0 {
		return
	}
	logger.Warn("configuration file changed; restart perfd to apply",
		slog.Any("sections", changed))
}

func changedSections(a, b config.Config) []string {
	sections := []struct {
		name string
		x, y any
	}{
		{"cache", a.Cache, b.Cache},
		{"memory", a.Memory, b.Memory},
		{"accelerator", a.Accelerator, b.Accelerator},
		{"orchestrator", a.Orchestrator, b.Orchestrator},
		{"telemetry", a.Telemetry, b.Telemetry},
		{"server", a.Server, b.Server},
		{"storage", a.Storage, b.Storage},
		{"logging", a.Logging, b.Logging},
	}
	var out []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.x, s.y) {
			out = append(out, s.name)
		}
	}
	return out
}
