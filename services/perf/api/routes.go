// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// ServiceName labels otelgin spans. Empty disables tracing middleware.
	ServiceName string

	// Metrics serves GET /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// Logger receives one line per request. Default: slog.Default().
	Logger *slog.Logger
}

// NewRouter builds a gin engine with recovery, request logging, optional
// tracing and every performance route.
func NewRouter(h *Handlers, opts RouterOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	if opts.ServiceName != "" {
		router.Use(otelgin.Middleware(opts.ServiceName))
	}
	SetupRoutes(router, h, opts.Metrics)
	return router
}

// SetupRoutes registers the performance routes on router.
func SetupRoutes(router *gin.Engine, h *Handlers, metrics http.Handler) {
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/v1")
	{
		perf := v1.Group("/perf")
		{
			perf.GET("/health", h.Health)
			perf.GET("/report", h.Report)
			perf.GET("/history", h.History)
			perf.GET("/jobs", h.Jobs)

			perf.GET("/cache", h.Cache)
			perf.GET("/memory", h.Memory)
			perf.POST("/memory/leaks/:id/ack", h.AcknowledgeLeak)
			perf.GET("/accelerator", h.Accelerator)
			perf.POST("/accelerator/switch", h.SwitchAccelerator)

			perf.POST("/baselines", h.CaptureBaseline)
			perf.GET("/baselines/export", h.ExportBaselines)
			perf.POST("/baselines/import", h.ImportBaselines)
			perf.POST("/regressions/evaluate", h.Evaluate)
			perf.GET("/regressions/:metric/trend", h.Trend)
			perf.POST("/benchmarks/run", h.RunBenchmarks)
		}
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}
