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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPerf/services/perf/regression"
)

func sampleReport() HealthReport {
	scores := allScores(100)
	scores[ComponentCache] = 60
	overall := OverallScore(scores, DefaultWeights())
	return HealthReport{
		Timestamp:       testNow,
		ComponentScores: scores,
		OverallScore:    overall,
		Grade:           GradeFor(overall),
		Status:          StatusWarning,
		Alerts: []Alert{
			{Component: ComponentCache, Level: AlertWarning, Message: "cache hit ratio 40%"},
			{Component: ComponentMemory, Level: AlertCritical, Message: "suspected leak"},
		},
		Recommendations: []Recommendation{{Component: ComponentCache, Priority: PriorityMedium, Message: "raise the TTL"}},
		Regressions: []regression.RegressionResult{{
			TestID: "latency_ms", Metric: "latency_ms", Timestamp: testNow,
			CurrentValue: 30, BaselineValue: 20, DeviationPercent: 50, Severity: regression.SeverityHigh,
		}},
		Metrics: map[string]float64{MetricCacheHitRatio: 0.4, "latency_ms": 30},
	}
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	r := sampleReport()
	require.NoError(t, sink.Publish(context.Background(), r))

	assert.Equal(t, 92.0, testutil.ToFloat64(sink.score))
	assert.Equal(t, 60.0, testutil.ToFloat64(sink.components.WithLabelValues("cache")))
	assert.Equal(t, 100.0, testutil.ToFloat64(sink.components.WithLabelValues("system")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.grade.WithLabelValues("A")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.grade.WithLabelValues("B")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.alerts.WithLabelValues("warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.alerts.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.regressions.WithLabelValues("high")))
	assert.Equal(t, 30.0, testutil.ToFloat64(sink.metrics.WithLabelValues("latency_ms")))

	r.Alerts = nil
	r.Regressions = nil
	r.Metrics = map[string]float64{}
	require.NoError(t, sink.Publish(context.Background(), r))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.alerts.WithLabelValues("critical")))
	assert.Equal(t, 0, testutil.CollectAndCount(sink.regressions))
	assert.Equal(t, 0, testutil.CollectAndCount(sink.metrics))
	assert.Equal(t, 5, testutil.CollectAndCount(sink.components))

	assert.Panics(t, func() { NewPrometheusSink(reg) }, "duplicate registration")
}

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func fieldMap(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagMap(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func TestInfluxSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewInfluxSinkWithWriter(w, "")
	require.NoError(t, sink.Publish(context.Background(), sampleReport()))

	require.Len(t, w.points, 2)
	health := w.points[0]
	assert.Equal(t, "perf_health", health.Name())
	assert.Equal(t, testNow, health.Time())
	assert.Equal(t, map[string]string{"grade": "A", "status": "warning"}, tagMap(health))
	fields := fieldMap(health)
	assert.Equal(t, 92.0, fields["overall_score"])
	assert.Equal(t, 60.0, fields["score_cache"])
	assert.Equal(t, 0.4, fields[MetricCacheHitRatio])
	assert.EqualValues(t, 2, fields["alerts"])

	reg := w.points[1]
	assert.Equal(t, "perf_health_regression", reg.Name())
	assert.Equal(t, "latency_ms", tagMap(reg)["test"])
	assert.Equal(t, 50.0, fieldMap(reg)["deviation_percent"])

	w.err = errors.New("connection refused")
	assert.ErrorContains(t, sink.Publish(context.Background(), sampleReport()), "connection refused")
	sink.Close()
}

func TestNewInfluxSink_RequiresTarget(t *testing.T) {
	_, err := NewInfluxSink(InfluxConfig{URL: "http://localhost:8086"})
	assert.Error(t, err)

	s, err := NewInfluxSink(InfluxConfig{URL: "http://localhost:8086", Org: "aleutian", Bucket: "perf", Measurement: "m"})
	require.NoError(t, err)
	assert.Equal(t, "influxdb", s.Name())
	s.Close()
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, sink.Publish(context.Background(), sampleReport()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "health report", line["msg"])
	assert.Equal(t, "A", line["grade"])
	assert.Equal(t, 2.0, line["alerts"])
	assert.Equal(t, "raise the TTL", line["top_recommendations"])

	buf.Reset()
	r := sampleReport()
	r.Status = StatusExcellent
	require.NoError(t, sink.Publish(context.Background(), r))
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestLogSink_WithOrchestrator(t *testing.T) {
	var buf bytes.Buffer
	o := newTestOrchestrator(t, testConfig(), WithSinks(LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}))
	o.Collect(context.Background())
	assert.Contains(t, buf.String(), "health report")
	assert.Contains(t, buf.String(), "status=excellent")
}
