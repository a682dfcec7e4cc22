// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the orchestrator to dashboards over HTTP.
//
// Every endpoint is pull based: dashboards poll at their own cadence and
// nothing is pushed.
package api

import (
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPerf/pkg/validation"
	"github.com/AleutianAI/AleutianPerf/services/perf/accel"
	"github.com/AleutianAI/AleutianPerf/services/perf/cache"
	"github.com/AleutianAI/AleutianPerf/services/perf/mempool"
	"github.com/AleutianAI/AleutianPerf/services/perf/orchestrator"
	"github.com/AleutianAI/AleutianPerf/services/perf/regression"
)

// maxImportBytes bounds baseline import bodies.
const maxImportBytes = 8 << 20

// Handlers serves the performance endpoints for one orchestrator.
type Handlers struct {
	orch   *orchestrator.Orchestrator
	store  regression.BaselineStore
	logger *slog.Logger
}

// NewHandlers creates handlers. store may be nil; when set, baseline
// changes made through the API are persisted to it.
func NewHandlers(orch *orchestrator.Orchestrator, store regression.BaselineStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{orch: orch, store: store, logger: logger}
}

// =============================================================================
// Response Types
// =============================================================================

// HealthResponse is the short form of the latest report.
type HealthResponse struct {
	Status       orchestrator.Status `json:"status"`
	OverallScore float64             `json:"overall_score"`
	Grade        orchestrator.Grade  `json:"grade"`
	Alerts       int                 `json:"alerts"`
	Regressions  int                 `json:"regressions"`
	Timestamp    time.Time           `json:"timestamp"`
}

// CacheResponse combines cache counters and score.
type CacheResponse struct {
	Stats           cache.Stats `json:"stats"`
	HealthScore     float64     `json:"health_score"`
	AvgAccessTimeMs float64     `json:"avg_access_time_ms"`
	Utilization     float64     `json:"utilization"`
}

// MemoryResponse combines pool statistics and score.
type MemoryResponse struct {
	Statistics   mempool.Statistics `json:"statistics"`
	HealthScore  float64            `json:"health_score"`
	WindowGrowth int64              `json:"window_growth_bytes"`
}

// AcceleratorResponse describes the loader. Configured is false when the
// orchestrator runs without one.
type AcceleratorResponse struct {
	Configured          bool                       `json:"configured"`
	Health              *accel.Health              `json:"health,omitempty"`
	Modules             []accel.ModuleRuntimeState `json:"modules,omitempty"`
	Capabilities        accel.CapabilitySet        `json:"capabilities,omitempty"`
	VectorizedAvailable bool                       `json:"vectorized_available"`
}

// CaptureRequest is the body of POST /v1/perf/baselines. Without metrics
// a fresh report is collected and its metrics are captured.
type CaptureRequest struct {
	Tag     string             `json:"tag"`
	Metrics map[string]float64 `json:"metrics"`
}

// EvaluateRequest is the body of POST /v1/perf/regressions/evaluate.
type EvaluateRequest struct {
	Tag     string             `json:"tag"`
	Metrics map[string]float64 `json:"metrics" binding:"required,min=1"`
}

// SwitchRequest is the body of POST /v1/perf/accelerator/switch.
type SwitchRequest struct {
	Module string `json:"module" binding:"required"`
}

func errorJSON(c *gin.Context, status int, msg string, err error) {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(status, body)
}

// validateInput rejects tags and metric names that would not be safe as
// store keys or time-series identifiers.
func validateInput(tag string, metrics map[string]float64) error {
	if err := validation.ValidateTag(tag); err != nil {
		return err
	}
	return validation.ValidateMetricNames(slices.Collect(maps.Keys(metrics)))
}

// =============================================================================
// Report Endpoints
// =============================================================================

// Health handles GET /v1/perf/health. Critical status answers 503 so
// load balancers can act on it.
func (h *Handlers) Health(c *gin.Context) {
	r := h.orch.GetHealthReport(c.Request.Context())
	code := http.StatusOK
	if r.Status == orchestrator.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:       r.Status,
		OverallScore: r.OverallScore,
		Grade:        r.Grade,
		Alerts:       len(r.Alerts),
		Regressions:  len(r.Regressions),
		Timestamp:    r.Timestamp,
	})
}

// Report handles GET /v1/perf/report. ?refresh=true collects a new
// report instead of returning the latest.
func (h *Handlers) Report(c *gin.Context) {
	ctx := c.Request.Context()
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		c.JSON(http.StatusOK, h.orch.Collect(ctx))
		return
	}
	c.JSON(http.StatusOK, h.orch.GetHealthReport(ctx))
}

// History handles GET /v1/perf/history?limit=N.
func (h *Handlers) History(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errorJSON(c, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}
	samples := h.orch.GetMetricsHistory(limit)
	if samples == nil {
		samples = []orchestrator.MetricsSample{}
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples, "count": len(samples)})
}

// Jobs handles GET /v1/perf/jobs.
func (h *Handlers) Jobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": h.orch.Scheduler().Running(),
		"jobs":    h.orch.Scheduler().Statuses(),
	})
}

// =============================================================================
// Component Endpoints
// =============================================================================

// Cache handles GET /v1/perf/cache.
func (h *Handlers) Cache(c *gin.Context) {
	st := h.orch.Cache().Stats()
	c.JSON(http.StatusOK, CacheResponse{
		Stats:           st,
		HealthScore:     h.orch.Cache().HealthScore(),
		AvgAccessTimeMs: st.AvgAccessTimeMs(),
		Utilization:     st.Utilization(),
	})
}

// Memory handles GET /v1/perf/memory.
func (h *Handlers) Memory(c *gin.Context) {
	p := h.orch.Pool()
	c.JSON(http.StatusOK, MemoryResponse{
		Statistics:   p.Statistics(),
		HealthScore:  p.HealthScore(),
		WindowGrowth: p.WindowGrowth(),
	})
}

// AcknowledgeLeak handles POST /v1/perf/memory/leaks/:id/ack.
func (h *Handlers) AcknowledgeLeak(c *gin.Context) {
	id := c.Param("id")
	if !h.orch.Pool().AcknowledgeLeak(id) {
		errorJSON(c, http.StatusNotFound, "unknown leak id", nil)
		return
	}
	h.logger.Info("leak acknowledged", slog.String("leak_id", id))
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

// Accelerator handles GET /v1/perf/accelerator.
func (h *Handlers) Accelerator(c *gin.Context) {
	l := h.orch.Loader()
	if l == nil {
		c.JSON(http.StatusOK, AcceleratorResponse{})
		return
	}
	health := l.HealthCheck()
	c.JSON(http.StatusOK, AcceleratorResponse{
		Configured:          true,
		Health:              &health,
		Modules:             l.Statuses(),
		Capabilities:        l.Capabilities(),
		VectorizedAvailable: l.VectorizedAvailable(),
	})
}

// SwitchAccelerator handles POST /v1/perf/accelerator/switch.
func (h *Handlers) SwitchAccelerator(c *gin.Context) {
	l := h.orch.Loader()
	if l == nil {
		errorJSON(c, http.StatusNotFound, "no accelerator loader configured", nil)
		return
	}
	var req SwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !l.SwitchTo(c.Request.Context(), req.Module) {
		errorJSON(c, http.StatusConflict, "module could not be activated", nil)
		return
	}
	c.JSON(http.StatusOK, l.Status())
}

// =============================================================================
// Baselines and Regressions
// =============================================================================

// CaptureBaseline handles POST /v1/perf/baselines.
func (h *Handlers) CaptureBaseline(c *gin.Context) {
	var req CaptureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			errorJSON(c, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if err := validateInput(req.Tag, req.Metrics); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid baseline", err)
		return
	}
	ctx := c.Request.Context()

	var (
		id  string
		err error
	)
	if len(req.Metrics) == 0 {
		id, err = h.orch.CaptureBaseline(ctx, req.Tag)
	} else {
		tag := req.Tag
		if tag == "" {
			tag = h.orch.Config().BaselineTag
		}
		id, err = h.orch.Tester().CaptureBaseline(req.Metrics, tag)
	}
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "baseline not captured", err)
		return
	}
	if !h.persist(c) {
		return
	}
	c.JSON(http.StatusCreated, gin.H{"capture_id": id})
}

// ExportBaselines handles GET /v1/perf/baselines/export.
func (h *Handlers) ExportBaselines(c *gin.Context) {
	data, err := h.orch.Tester().ExportBaselines()
	if err != nil {
		h.logger.Error("baseline export failed", slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "baseline export failed", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="baselines.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

// ImportBaselines handles POST /v1/perf/baselines/import with a body
// produced by ExportBaselines. Current tests and baselines are replaced.
func (h *Handlers) ImportBaselines(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes+1))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "could not read body", err)
		return
	}
	if len(data) > maxImportBytes {
		errorJSON(c, http.StatusRequestEntityTooLarge, "baseline import too large", nil)
		return
	}
	if err := h.orch.Tester().ImportBaselines(data); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid baseline snapshot", err)
		return
	}
	if !h.persist(c) {
		return
	}
	snap := h.orch.Tester().Snapshot()
	c.JSON(http.StatusOK, gin.H{"tests": len(snap.Tests), "baselines": len(snap.Baselines)})
}

// persist saves baselines to the store, if any. It writes an error
// response and reports false on failure.
func (h *Handlers) persist(c *gin.Context) bool {
	if h.store == nil {
		return true
	}
	if err := h.orch.Tester().Persist(c.Request.Context(), h.store); err != nil {
		h.logger.Error("baseline persistence failed", slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "baselines changed but were not persisted", err)
		return false
	}
	return true
}

// Evaluate handles POST /v1/perf/regressions/evaluate.
func (h *Handlers) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := validateInput(req.Tag, req.Metrics); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid metrics", err)
		return
	}
	ev := h.orch.Tester().EvaluateTag(req.Metrics, req.Tag)
	if ev.Results == nil {
		ev.Results = []regression.RegressionResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"results":     ev.Results,
		"skipped":     ev.Skipped,
		"regressions": len(ev.Regressions()),
	})
}

// Trend handles GET /v1/perf/regressions/:metric/trend.
func (h *Handlers) Trend(c *gin.Context) {
	metric := c.Param("metric")
	test, ok := h.orch.Tester().Test(metric)
	if !ok {
		errorJSON(c, http.StatusNotFound, "no regression test for metric", nil)
		return
	}
	history := h.orch.Tester().History(test.ID, 0)
	if history == nil {
		history = []regression.RegressionResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"test":    test,
		"trend":   h.orch.Tester().Trend(test.ID),
		"history": history,
	})
}

// RunBenchmarks handles POST /v1/perf/benchmarks/run.
func (h *Handlers) RunBenchmarks(c *gin.Context) {
	results, err := h.orch.RunBenchmarks(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusGatewayTimeout, "benchmarks interrupted", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
