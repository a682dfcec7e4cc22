// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package regression

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPerf/services/perf/storage/badger"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTester(t *testing.T) (*Tester, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(cfg), clock
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		dir       Direction
		deviation float64
		passed    bool
		sev       Severity
	}{
		{"within threshold", HigherIsWorse, 10, true, SeverityNone},
		{"exactly threshold", HigherIsWorse, 15, true, SeverityNone},
		{"improvement", HigherIsWorse, -40, true, SeverityNone},
		{"slightly over", HigherIsWorse, 20, false, SeverityLow},
		{"medium", HigherIsWorse, 15 + 1.5*15, false, SeverityMedium},
		{"high", HigherIsWorse, 50, false, SeverityHigh},
		{"critical", HigherIsWorse, 15 + 3*15, false, SeverityCritical},
		{"lower is worse drop", LowerIsWorse, -20, false, SeverityLow},
		{"lower is worse rise", LowerIsWorse, 80, true, SeverityNone},
		{"lower is worse collapse", LowerIsWorse, -90, false, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, sev := Classify(tt.dir, tt.deviation, 15)
			assert.Equal(t, tt.passed, passed)
			assert.Equal(t, tt.sev, sev)
		})
	}
}

func TestDeviationPercent(t *testing.T) {
	assert.InDelta(t, 50.0, DeviationPercent(30, 20), 1e-9)
	assert.InDelta(t, -25.0, DeviationPercent(0.6, 0.8), 1e-9)
	assert.Zero(t, DeviationPercent(0, 0))
	assert.Equal(t, 100.0, DeviationPercent(5, 0))
	assert.Equal(t, -100.0, DeviationPercent(-5, 0))
}

func TestDirectionFor(t *testing.T) {
	assert.Equal(t, HigherIsWorse, DirectionFor("agent_spawn_time"))
	assert.Equal(t, HigherIsWorse, DirectionFor("accelerator_error_rate"))
	assert.Equal(t, HigherIsWorse, DirectionFor("latency_ms"))
	assert.Equal(t, LowerIsWorse, DirectionFor("cache_hit_ratio"))
	assert.Equal(t, LowerIsWorse, DirectionFor("Computation_Ops_Per_Second"))
	assert.Equal(t, LowerIsWorse, DirectionFor("overall_health_score"))
}

func TestEvaluate_AgentSpawnTimeThreshold(t *testing.T) {
	tester, _ := newTester(t)
	_, err := tester.CaptureBaseline(map[string]float64{"agent_spawn_time": 10}, "v1")
	require.NoError(t, err)

	results := tester.Evaluate(map[string]float64{"agent_spawn_time": 11.0})
	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)
	assert.InDelta(t, 10.0, results[0].DeviationPercent, 1e-9)
	assert.Equal(t, SeverityNone, results[0].Severity)

	results = tester.Evaluate(map[string]float64{"agent_spawn_time": 12.0})
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.GreaterOrEqual(t, results[0].Severity.Rank(), SeverityLow.Rank())
}

func TestEvaluate_EndToEndLatency(t *testing.T) {
	tester, _ := newTester(t)
	_, err := tester.CaptureBaseline(map[string]float64{"latency_ms": 20}, "release")
	require.NoError(t, err)

	results := tester.Evaluate(map[string]float64{"latency_ms": 30})
	require.Len(t, results, 1)
	r := results[0]
	assert.False(t, r.Passed)
	assert.InDelta(t, 50.0, r.DeviationPercent, 1e-9)
	assert.Equal(t, SeverityHigh, r.Severity)
	assert.Equal(t, 20.0, r.BaselineValue)
	assert.Equal(t, "release", r.BaselineTag)
	assert.NotEmpty(t, r.ID)
}

func TestEvaluate_MissingBaselineSkipped(t *testing.T) {
	var logs bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	tester := New(cfg)
	_, err := tester.CaptureBaseline(map[string]float64{"latency_ms": 20}, "")
	require.NoError(t, err)

	ev := tester.EvaluateTag(map[string]float64{"latency_ms": 21, "cache_hit_ratio": 0.5}, "")
	require.Len(t, ev.Results, 1)
	assert.Equal(t, []string{"cache_hit_ratio"}, ev.Skipped)
	assert.Contains(t, logs.String(), "no baseline")
}

func TestEvaluate_AutoRegister(t *testing.T) {
	tester, _ := newTester(t)
	_, err := tester.CaptureBaseline(map[string]float64{"custom_throughput": 100, "custom_wait_ms": 5}, "")
	require.NoError(t, err)

	results := tester.Evaluate(map[string]float64{"custom_throughput": 70, "custom_wait_ms": 5})
	require.Len(t, results, 2)
	assert.Equal(t, "custom_throughput", results[0].TestID)
	assert.False(t, results[0].Passed)
	assert.True(t, results[1].Passed)

	test, ok := tester.Test("custom_throughput")
	require.True(t, ok)
	assert.Equal(t, LowerIsWorse, test.Direction)
	assert.Equal(t, 15.0, test.ThresholdPercent)

	cfg := DefaultConfig()
	cfg.AutoRegister = false
	strict := New(cfg)
	_, err = strict.CaptureBaseline(map[string]float64{"unknown": 1}, "")
	require.NoError(t, err)
	assert.Empty(t, strict.Evaluate(map[string]float64{"unknown": 100}))
}

func TestRegisterTest(t *testing.T) {
	tester, _ := newTester(t)
	assert.ErrorIs(t, tester.RegisterTest(Test{Metric: "x", Direction: "sideways", ThresholdPercent: 5}), ErrInvalidTest)
	assert.ErrorIs(t, tester.RegisterTest(Test{Metric: "x", Direction: HigherIsWorse}), ErrInvalidTest)
	assert.ErrorIs(t, tester.RegisterTest(Test{Direction: HigherIsWorse, ThresholdPercent: 5}), ErrInvalidTest)

	require.NoError(t, tester.RegisterTest(Test{ID: "strict_latency", Metric: "latency_ms", Direction: HigherIsWorse, ThresholdPercent: 5}))
	_, err := tester.CaptureBaseline(map[string]float64{"latency_ms": 100}, "")
	require.NoError(t, err)

	results := tester.Evaluate(map[string]float64{"latency_ms": 110})
	require.Len(t, results, 1)
	assert.Equal(t, "strict_latency", results[0].TestID)
	assert.False(t, results[0].Passed)
	// (10-5)/5 = 1 threshold over
	assert.Equal(t, SeverityLow, results[0].Severity)

	for _, test := range tester.Tests() {
		assert.NotEqual(t, "latency_ms", test.ID, "replaced test is gone")
	}
}

func TestCaptureBaseline_Supersedes(t *testing.T) {
	tester, clock := newTester(t)
	_, err := tester.CaptureBaseline(nil, "")
	assert.ErrorIs(t, err, ErrNoMetrics)

	first, err := tester.CaptureBaseline(map[string]float64{"latency_ms": 20}, "prod")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	second, err := tester.CaptureBaseline(map[string]float64{"latency_ms": 40}, "staging")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	b, ok := tester.Baseline("latency_ms", "")
	require.True(t, ok)
	assert.Equal(t, 40.0, b.Value)
	assert.Equal(t, second, b.CaptureID)

	b, ok = tester.Baseline("latency_ms", "prod")
	require.True(t, ok)
	assert.Equal(t, 20.0, b.Value)

	assert.Len(t, tester.Baselines(), 2, "superseded baselines are kept")

	ev := tester.EvaluateTag(map[string]float64{"latency_ms": 30}, "prod")
	require.Len(t, ev.Results, 1)
	assert.False(t, ev.Results[0].Passed)
	assert.True(t, tester.Evaluate(map[string]float64{"latency_ms": 30})[0].Passed)
}

func TestHistoryAndTrend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	cfg.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	tester := New(cfg)
	_, err := tester.CaptureBaseline(map[string]float64{"latency_ms": 10}, "")
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		tester.Evaluate(map[string]float64{"latency_ms": 10 + float64(i)})
	}
	hist := tester.History("latency_ms", 0)
	require.Len(t, hist, 5)
	assert.Equal(t, 13.0, hist[0].CurrentValue)
	assert.Equal(t, 17.0, hist[4].CurrentValue)
	assert.Len(t, tester.History("latency_ms", 2), 2)
	assert.Nil(t, tester.History("nope", 0))

	tr := tester.Trend("latency_ms")
	assert.Equal(t, TrendIncreasing, tr.Direction)
	assert.InDelta(t, 1.0, tr.Slope, 1e-9)
	assert.InDelta(t, 1.0, tr.Confidence, 1e-9)
}

func TestAnalyzeTrend(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		dir     TrendDirection
	}{
		{"empty", nil, TrendStable},
		{"single", []float64{5}, TrendStable},
		{"flat", []float64{3, 3, 3, 3}, TrendStable},
		{"rising", []float64{1, 2, 3, 4, 5}, TrendIncreasing},
		{"falling", []float64{10, 8, 6, 4}, TrendDecreasing},
		{"drift under epsilon", []float64{1, 1.001, 1.002, 1.003}, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.dir, AnalyzeTrend(tt.samples, 0.01).Direction)
		})
	}

	flat := AnalyzeTrend([]float64{3, 3, 3}, 0.01)
	assert.Equal(t, 1.0, flat.Confidence)
	assert.InDelta(t, 3.0, flat.Intercept, 1e-9)

	noisy := AnalyzeTrend([]float64{1, 5, 2, 6, 3, 7}, 0.01)
	assert.Greater(t, noisy.Confidence, 0.0)
	assert.Less(t, noisy.Confidence, 1.0)

	falling := AnalyzeTrend([]float64{10, 8, 6, 4}, 0.01)
	assert.InDelta(t, -2.0, falling.Slope, 1e-9)
	assert.InDelta(t, 10.0, falling.Intercept, 1e-9)
	assert.Equal(t, 4, falling.Samples)
}

func TestExportImport_RoundTrip(t *testing.T) {
	src, clock := newTester(t)
	require.NoError(t, src.RegisterTest(Test{ID: "p99", Metric: "latency_p99_ms", Direction: HigherIsWorse, ThresholdPercent: 10}))
	_, err := src.CaptureBaseline(map[string]float64{"latency_p99_ms": 40, "cache_hit_ratio": 0.9}, "v1")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = src.CaptureBaseline(map[string]float64{"latency_p99_ms": 35}, "v2")
	require.NoError(t, err)

	data, err := src.ExportBaselines()
	require.NoError(t, err)
	assert.True(t, json.Valid(data))

	dst, _ := newTester(t)
	require.NoError(t, dst.ImportBaselines(data))

	assert.Equal(t, src.Tests(), dst.Tests())
	assert.Equal(t, len(src.Baselines()), len(dst.Baselines()))
	for i, b := range src.Baselines() {
		got := dst.Baselines()[i]
		assert.Equal(t, b.ID, got.ID)
		assert.Equal(t, b.Value, got.Value)
		assert.True(t, b.RecordedAt.Equal(got.RecordedAt))
	}
	again, err := dst.ExportBaselines()
	require.NoError(t, err)
	var a, b Snapshot
	require.NoError(t, json.Unmarshal(data, &a))
	require.NoError(t, json.Unmarshal(again, &b))
	assert.Equal(t, a.Tests, b.Tests)
	assert.Equal(t, a.Baselines, b.Baselines)

	results := dst.Evaluate(map[string]float64{"latency_p99_ms": 40})
	require.Len(t, results, 1)
	assert.Equal(t, "p99", results[0].TestID)
	assert.False(t, results[0].Passed, "v2 baseline of 35 is current")
}

func TestImportBaselines_Invalid(t *testing.T) {
	tester, _ := newTester(t)
	_, err := tester.CaptureBaseline(map[string]float64{"latency_ms": 1}, "")
	require.NoError(t, err)

	assert.ErrorIs(t, tester.ImportBaselines([]byte("{")), ErrInvalidSnapshot)
	assert.ErrorIs(t, tester.ImportBaselines([]byte(`{"version":99}`)), ErrInvalidSnapshot)
	assert.ErrorIs(t, tester.ImportBaselines([]byte(`{"version":1,"tests":[{"id":"x","metric":"x","direction":"up","threshold_percent":5}]}`)), ErrInvalidSnapshot)

	_, ok := tester.Baseline("latency_ms", "")
	assert.True(t, ok, "failed import leaves state untouched")
}

func TestStores(t *testing.T) {
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	stores := map[string]BaselineStore{
		"memory": &MemoryStore{},
		"badger": NewBadgerStore(db),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dst, _ := newTester(t)
			ok, err := dst.LoadFrom(ctx, store)
			require.NoError(t, err)
			assert.False(t, ok)

			src, clock := newTester(t)
			_, err = src.CaptureBaseline(map[string]float64{"latency_ms": 20, "cache_hit_ratio": 0.8}, "a")
			require.NoError(t, err)
			clock.Advance(time.Second)
			_, err = src.CaptureBaseline(map[string]float64{"latency_ms": 25}, "b")
			require.NoError(t, err)
			require.NoError(t, src.Persist(ctx, store))

			ok, err = dst.LoadFrom(ctx, store)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, src.Tests(), dst.Tests())
			require.Len(t, dst.Baselines(), 3)

			b, ok := dst.Baseline("latency_ms", "")
			require.True(t, ok)
			assert.Equal(t, 25.0, b.Value)

			// A second save replaces the first.
			fresh, _ := newTester(t)
			_, err = fresh.CaptureBaseline(map[string]float64{"only": 1}, "")
			require.NoError(t, err)
			require.NoError(t, fresh.Persist(ctx, store))
			ok, err = dst.LoadFrom(ctx, store)
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, dst.Baselines(), 1)
			assert.Equal(t, "only", dst.Baselines()[0].Metric)
		})
	}
}

func TestEvaluation_Helpers(t *testing.T) {
	ev := Evaluation{Results: []RegressionResult{
		{TestID: "a", Passed: true, Severity: SeverityNone},
		{TestID: "b", Passed: false, Severity: SeverityMedium},
		{TestID: "c", Passed: false, Severity: SeverityLow},
	}}
	assert.Len(t, ev.Regressions(), 2)
	assert.Equal(t, SeverityMedium, ev.WorstSeverity())
	assert.Equal(t, SeverityNone, Evaluation{}.WorstSeverity())
}
