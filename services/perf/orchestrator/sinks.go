// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReportSink receives every HealthReport the orchestrator builds.
//
// Publish is called on the collecting goroutine and should return
// quickly. Errors are logged by the orchestrator and never fail a
// collection.
type ReportSink interface {
	Name() string
	Publish(ctx context.Context, r HealthReport) error
}

// =============================================================================
// Prometheus
// =============================================================================

const (
	metricsNamespace = "aleutian"
	metricsSubsystem = "perf"
)

// PrometheusSink mirrors the latest report into gauges.
//
// # Description
//
// Exposes:
//
//   - aleutian_perf_health_score: overall score
//   - aleutian_perf_component_score{component}: per component
//   - aleutian_perf_health_grade{grade}: 1 for the current grade, 0 otherwise
//   - aleutian_perf_alerts{level}: alerts in the latest report
//   - aleutian_perf_regressions{severity}: regressions in the latest report
//   - aleutian_perf_metric{name}: every numeric report metric
type PrometheusSink struct {
	score       prometheus.Gauge
	components  *prometheus.GaugeVec
	grade       *prometheus.GaugeVec
	alerts      *prometheus.GaugeVec
	regressions *prometheus.GaugeVec
	metrics     *prometheus.GaugeVec
}

// NewPrometheusSink registers the gauges with reg.
//
// # Limitations
//
//   - Panics when called twice with the same registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	f := promauto.With(reg)
	return &PrometheusSink{
		score: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "health_score",
			Help:      "Overall weighted health score from 0 to 100",
		}),
		components: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "component_score",
			Help:      "Health score of each component from 0 to 100",
		}, []string{"component"}),
		grade: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "health_grade",
			Help:      "1 for the current letter grade, 0 for the others",
		}, []string{"grade"}),
		alerts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "alerts",
			Help:      "Alerts in the latest report by level",
		}, []string{"level"}),
		regressions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "regressions",
			Help:      "Regressions in the latest report by severity",
		}, []string{"severity"}),
		metrics: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "metric",
			Help:      "Raw metrics collected for the latest report",
		}, []string{"name"}),
	}
}

// Name implements ReportSink.
func (*PrometheusSink) Name() string { return "prometheus" }

// Publish implements ReportSink.
func (p *PrometheusSink) Publish(_ context.Context, r HealthReport) error {
	p.score.Set(r.OverallScore)
	for comp, v := range r.ComponentScores {
		p.components.WithLabelValues(string(comp)).Set(v)
	}
	for _, g := range []Grade{GradeA, GradeB, GradeC, GradeD, GradeF} {
		v := 0.0
		if g == r.Grade {
			v = 1
		}
		p.grade.WithLabelValues(string(g)).Set(v)
	}

	p.alerts.Reset()
	p.alerts.WithLabelValues(string(AlertWarning)).Set(0)
	p.alerts.WithLabelValues(string(AlertCritical)).Set(0)
	for _, a := range r.Alerts {
		p.alerts.WithLabelValues(string(a.Level)).Inc()
	}

	p.regressions.Reset()
	for _, reg := range r.Regressions {
		p.regressions.WithLabelValues(string(reg.Severity)).Inc()
	}

	p.metrics.Reset()
	for name, v := range r.Metrics {
		p.metrics.WithLabelValues(name).Set(v)
	}
	return nil
}

// =============================================================================
// InfluxDB
// =============================================================================

// PointWriter is the blocking write half of the InfluxDB client.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// InfluxSink writes each report as points: one "<measurement>" point with
// scores and metrics, plus one "<measurement>_regression" point per
// regression.
type InfluxSink struct {
	writer      PointWriter
	measurement string
	close       func()
}

// NewInfluxSink connects to InfluxDB with a blocking write API.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx sink needs url, org and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := NewInfluxSinkWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement)
	s.close = client.Close
	return s, nil
}

// NewInfluxSinkWithWriter wraps an existing writer. An empty measurement
// defaults to "perf_health".
func NewInfluxSinkWithWriter(w PointWriter, measurement string) *InfluxSink {
	if measurement == "" {
		measurement = "perf_health"
	}
	return &InfluxSink{writer: w, measurement: measurement}
}

// Name implements ReportSink.
func (*InfluxSink) Name() string { return "influxdb" }

// Points converts a report to InfluxDB points.
func (s *InfluxSink) Points(r HealthReport) []*write.Point {
	fields := map[string]interface{}{
		"overall_score": r.OverallScore,
		"alerts":        len(r.Alerts),
		"regressions":   len(r.Regressions),
	}
	for comp, v := range r.ComponentScores {
		fields["score_"+string(comp)] = v
	}
	for name, v := range r.Metrics {
		if _, taken := fields[name]; !taken {
			fields[name] = v
		}
	}
	tags := map[string]string{"grade": string(r.Grade), "status": string(r.Status)}
	points := []*write.Point{influxdb2.NewPoint(s.measurement, tags, fields, r.Timestamp)}

	for _, reg := range r.Regressions {
		points = append(points, influxdb2.NewPoint(
			s.measurement+"_regression",
			map[string]string{"test": reg.TestID, "severity": string(reg.Severity)},
			map[string]interface{}{
				"current":           reg.CurrentValue,
				"baseline":          reg.BaselineValue,
				"deviation_percent": reg.DeviationPercent,
			},
			reg.Timestamp,
		))
	}
	return points
}

// Publish implements ReportSink.
func (s *InfluxSink) Publish(ctx context.Context, r HealthReport) error {
	if err := s.writer.WritePoint(ctx, s.Points(r)...); err != nil {
		return fmt.Errorf("write influx points: %w", err)
	}
	return nil
}

// Close releases the client created by NewInfluxSink.
func (s *InfluxSink) Close() {
	if s.close != nil {
		s.close()
	}
}

// =============================================================================
// Log
// =============================================================================

// LogSink logs a one-line summary per report, at warn level when the
// status is warning or critical.
type LogSink struct {
	Logger *slog.Logger
}

// Name implements ReportSink.
func (LogSink) Name() string { return "log" }

// Publish implements ReportSink.
func (l LogSink) Publish(ctx context.Context, r HealthReport) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if r.Status == StatusWarning || r.Status == StatusCritical {
		level = slog.LevelWarn
	}
	var top []string
	for i, rec := range r.Recommendations {
		if i == 3 {
			break
		}
		top = append(top, rec.Message)
	}
	logger.Log(ctx, level, "health report",
		slog.Float64("overall_score", r.OverallScore),
		slog.String("grade", string(r.Grade)),
		slog.String("status", string(r.Status)),
		slog.Int("alerts", len(r.Alerts)),
		slog.Int("regressions", len(r.Regressions)),
		slog.String("top_recommendations", strings.Join(top, " | ")))
	return nil
}
