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
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPerf/pkg/validation"
	"github.com/AleutianAI/AleutianPerf/services/perf/accel"
	"github.com/AleutianAI/AleutianPerf/services/perf/benchmark"
	"github.com/AleutianAI/AleutianPerf/services/perf/cache"
	"github.com/AleutianAI/AleutianPerf/services/perf/mempool"
	"github.com/AleutianAI/AleutianPerf/services/perf/regression"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func idleSystem() SystemSampler {
	return SystemSamplerFunc(func() SystemSample {
		return SystemSample{HeapUsed: 100 << 20, HeapTotal: 1 << 30, Goroutines: 20, CPUs: 4}
	})
}

// growingHeap returns a sampler whose heap grows by step on every read.
func growingHeap(step uint64) mempool.HeapSampler {
	var n atomic.Uint64
	return mempool.HeapSamplerFunc(func() mempool.MemorySnapshot {
		i := n.Add(1) - 1
		return mempool.MemorySnapshot{HeapUsed: 100*mempool.MiB + i*step, HeapTotal: 4 << 30}
	})
}

type recordingSink struct {
	mu      sync.Mutex
	reports []HealthReport
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, r HealthReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func newCacheWithClock(t *testing.T, clock func() time.Time) *cache.Cache {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.Clock = clock
	cfg.Logger = quietLogger()
	c, err := cache.New(cfg)
	require.NoError(t, err)
	return c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BuiltinProbes = false
	cfg.Logger = quietLogger()
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithSystemSampler(idleSystem()),
	}
	o, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 0
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Weights = Weights{ComponentCache: -1}
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.BenchmarkSchedule = "whenever"
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RegistersJobs(t *testing.T) {
	cfg := testConfig()
	cfg.BenchmarkSchedule = "@every 24h"
	o := newTestOrchestrator(t, cfg)
	assert.Equal(t,
		[]string{JobBenchmark, JobCacheMaintenance, JobCollect, JobMemorySnapshot},
		o.Scheduler().Names())

	o2 := newTestOrchestrator(t, testConfig())
	assert.False(t, o2.Scheduler().Has(JobBenchmark))
}

func TestNew_BuiltinProbes(t *testing.T) {
	cfg := testConfig()
	cfg.BuiltinProbes = true
	cfg.ProbeRuns = 5
	o := newTestOrchestrator(t, cfg)
	assert.Equal(t, []string{ProbeCacheRoundTrip, ProbePoolCycle, ProbeCompress}, o.Runner().Names())

	results, err := o.RunBenchmarks(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Zero(t, r.ErrorCount, r.Name)
		assert.Positive(t, r.OpsPerSecond, r.Name)
	}
	assert.Zero(t, o.Cache().Stats().Hits, "probes use a scratch cache")
}

func TestCollect_Healthy(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	r := o.Collect(context.Background())

	assert.Equal(t, testNow, r.Timestamp)
	for _, c := range Components {
		assert.Equal(t, 100.0, r.ComponentScores[c], c)
	}
	assert.Equal(t, 100.0, r.OverallScore)
	assert.Equal(t, GradeA, r.Grade)
	assert.Equal(t, StatusExcellent, r.Status)
	assert.Empty(t, r.Alerts)
	assert.Empty(t, r.Recommendations)
	assert.Equal(t, 100.0, r.Metrics[MetricOverallScore])
	assert.Equal(t, 20.0, r.Metrics[MetricGoroutines])
}

func TestGetHealthReport_Deterministic(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()

	first := o.GetHealthReport(ctx)
	second := o.GetHealthReport(ctx)
	assert.Equal(t, first.OverallScore, second.OverallScore)
	assert.Equal(t, first.Grade, second.Grade)
	assert.Len(t, o.GetMetricsHistory(0), 1, "second call reuses the stored report")

	again := o.Collect(ctx)
	assert.Equal(t, first.OverallScore, again.OverallScore)
	assert.Equal(t, first.Grade, again.Grade)
	assert.Equal(t, first.Recommendations, again.Recommendations)
}

func TestGetHealthReport_ReturnsCopy(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	collected := o.Collect(ctx)

	r := o.GetHealthReport(ctx)
	r.ComponentScores[ComponentCache] = -1
	r.Metrics[MetricCacheHitRatio] = -1
	r.Alerts = append(r.Alerts, Alert{Message: "injected"})
	collected.Metrics[MetricGoroutines] = -1

	again := o.GetHealthReport(ctx)
	assert.Equal(t, 100.0, again.ComponentScores[ComponentCache])
	assert.NotEqual(t, -1.0, again.Metrics[MetricCacheHitRatio])
	assert.Equal(t, 20.0, again.Metrics[MetricGoroutines])
	assert.Empty(t, again.Alerts)

	hist := o.GetMetricsHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, 20.0, hist[0].Metrics[MetricGoroutines])
}

func TestCollect_DegradesFailingComponent(t *testing.T) {
	panicky := SystemSamplerFunc(func() SystemSample { panic("sensor unavailable") })
	o := newTestOrchestrator(t, testConfig(), WithSystemSampler(panicky))

	r := o.Collect(context.Background())
	assert.Zero(t, r.ComponentScores[ComponentSystem])
	assert.Equal(t, 100.0, r.ComponentScores[ComponentCache])
	assert.Equal(t, 70.0, r.OverallScore)
	assert.Equal(t, GradeC, r.Grade)
	assert.Equal(t, StatusGood, r.Status)
	require.Len(t, r.Alerts, 1)
	assert.Equal(t, AlertCritical, r.Alerts[0].Level)
	assert.Equal(t, ComponentSystem, r.Alerts[0].Component)
	assert.Contains(t, r.Alerts[0].Message, "sensor unavailable")
}

func TestCollect_CacheSignals(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	c := o.Cache()
	c.Set("hot", []byte("v"), time.Minute)
	for range 5 {
		c.Get("hot")
	}
	for i := range 25 {
		c.Get("cold-" + string(rune('a'+i)))
	}

	r := o.Collect(context.Background())
	assert.InDelta(t, 5.0/30.0, r.Metrics[MetricCacheHitRatio], 1e-9)
	assert.Less(t, r.ComponentScores[ComponentCache], 20.0)
	require.NotEmpty(t, r.Recommendations)
	var found bool
	for _, rec := range r.Recommendations {
		if rec.Component == ComponentCache {
			found = true
			assert.Contains(t, rec.Message, "hit ratio")
		}
	}
	assert.True(t, found)
	assert.NotEmpty(t, r.Alerts)
}

func TestCollect_LeakAlertAndRecommendation(t *testing.T) {
	pc := mempool.DefaultConfig()
	pc.SnapshotWindow = 3
	pc.LeakThresholdBytes = 10 * mempool.MiB
	pc.Sampler = growingHeap(30 * mempool.MiB)
	pc.Logger = quietLogger()
	pool, err := mempool.New(pc)
	require.NoError(t, err)

	o := newTestOrchestrator(t, testConfig(), WithPool(pool))
	ctx := context.Background()
	for range 3 {
		require.NoError(t, o.Scheduler().Tick(ctx, JobMemorySnapshot))
	}
	leaks := pool.ActiveLeaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, mempool.SeverityHigh, leaks[0].Severity)

	r := o.Collect(ctx)
	assert.Equal(t, 90.0, r.ComponentScores[ComponentMemory])
	require.Len(t, r.Alerts, 1)
	assert.Equal(t, AlertCritical, r.Alerts[0].Level)
	require.NotEmpty(t, r.Recommendations)
	assert.Equal(t, PriorityHigh, r.Recommendations[0].Priority)
	assert.Contains(t, r.Recommendations[0].Message, leaks[0].ID)
	assert.Equal(t, 1.0, r.Metrics[MetricActiveLeaks])

	require.True(t, pool.AcknowledgeLeak(leaks[0].ID))
	r = o.Collect(ctx)
	assert.Empty(t, r.Alerts)
}

func TestCollect_RegressionEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineTag = "release"
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	require.NoError(t, o.SetMetric("latency_ms", 20))
	id, err := o.CaptureBaseline(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	base, ok := o.Tester().Baseline("latency_ms", "release")
	require.True(t, ok)
	assert.Equal(t, 20.0, base.Value)

	r := o.Collect(ctx)
	assert.Empty(t, r.Regressions)
	assert.Equal(t, StatusExcellent, r.Status)

	require.NoError(t, o.SetMetric("latency_ms", 30))
	r = o.Collect(ctx)
	require.Len(t, r.Regressions, 1)
	reg := r.Regressions[0]
	assert.Equal(t, "latency_ms", reg.Metric)
	assert.False(t, reg.Passed)
	assert.InDelta(t, 50.0, reg.DeviationPercent, 1e-9)
	assert.Equal(t, regression.SeverityHigh, reg.Severity)
	assert.Equal(t, StatusWarning, r.Status)
	assert.Equal(t, 100.0, r.OverallScore, "regressions change status, not score")

	var named bool
	for _, rec := range r.Recommendations {
		if rec.Component == ComponentComputation && rec.Priority == PriorityHigh {
			named = true
			assert.Contains(t, rec.Message, "latency_ms")
		}
	}
	assert.True(t, named)
}

func TestCollect_CriticalRegression(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	require.NoError(t, o.SetMetric("agent_spawn_time", 10))
	_, err := o.CaptureBaseline(ctx, "")
	require.NoError(t, err)

	require.NoError(t, o.SetMetric("agent_spawn_time", 30))
	r := o.Collect(ctx)
	require.Len(t, r.Regressions, 1)
	assert.Equal(t, regression.SeverityCritical, r.Regressions[0].Severity)
	assert.Equal(t, StatusCritical, r.Status)
}

func TestCollect_AutoRegressionCheckDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRegressionCheck = false
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	require.NoError(t, o.SetMetric("latency_ms", 20))
	_, err := o.CaptureBaseline(ctx, "")
	require.NoError(t, err)
	require.NoError(t, o.SetMetric("latency_ms", 200))
	assert.Empty(t, o.Collect(ctx).Regressions)
}

func TestCollect_CacheWarmupIsNotARegression(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	_, err := o.CaptureBaseline(ctx, "")
	require.NoError(t, err)

	c := o.Cache()
	for i := range 50 {
		key := fmt.Sprintf("artifact-%d", i)
		require.True(t, c.Set(key, []byte("value"), time.Minute))
		_, ok := c.Get(key)
		require.True(t, ok)
	}

	r := o.Collect(ctx)
	assert.Equal(t, 50.0, r.Metrics[MetricCacheEntries])
	assert.Positive(t, r.Metrics[MetricCacheSizeBytes])
	assert.Empty(t, r.Regressions)
	assert.Equal(t, 100.0, r.OverallScore)
	assert.Equal(t, StatusExcellent, r.Status)
}

func TestCollect_HitRatioRegression(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	c := o.Cache()
	c.Set("hot", []byte("v"), time.Minute)
	for range 10 {
		c.Get("hot")
	}
	_, err := o.CaptureBaseline(ctx, "")
	require.NoError(t, err)

	for range 20 {
		c.Get("cold")
	}
	r := o.Collect(ctx)
	require.NotEmpty(t, r.Regressions)
	var metrics []string
	for _, reg := range r.Regressions {
		metrics = append(metrics, reg.Metric)
	}
	assert.Contains(t, metrics, MetricCacheHitRatio)
	assert.NotContains(t, metrics, MetricCacheEntries)
	assert.NotContains(t, metrics, MetricCacheAvgAccessMs)
}

func TestCollect_RegressionMetricsOverride(t *testing.T) {
	cfg := testConfig()
	cfg.RegressionMetrics = []string{MetricCacheEntries}
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	_, err := o.CaptureBaseline(ctx, "")
	require.NoError(t, err)

	o.Cache().Set("k", []byte("v"), time.Minute)
	r := o.Collect(ctx)
	require.Len(t, r.Regressions, 1)
	assert.Equal(t, MetricCacheEntries, r.Regressions[0].Metric)

	cfg.RegressionMetrics = []string{"Not Snake"}
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSetMetric_Invalid(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	assert.ErrorIs(t, o.SetMetric("", 1), ErrInvalidMetric)
	assert.ErrorIs(t, o.SetMetric("Latency MS", 1), ErrInvalidMetric)
	assert.ErrorIs(t, o.SetMetric("cpu,host=x", 1), validation.ErrInvalidName)
	assert.ErrorIs(t, o.SetMetric("x", math.NaN()), ErrInvalidMetric)
	assert.ErrorIs(t, o.SetMetric("x", math.Inf(1)), ErrInvalidMetric)
}

func TestSetMetric_DoesNotOverrideBuiltins(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	require.NoError(t, o.SetMetric(MetricGoroutines, 99999))
	r := o.Collect(context.Background())
	assert.Equal(t, 20.0, r.Metrics[MetricGoroutines])
}

func TestRunBenchmarks_FeedsComputationScore(t *testing.T) {
	cfg := testConfig()
	cfg.TargetOpsPerSecond = math.MaxFloat64
	o := newTestOrchestrator(t, cfg)
	require.NoError(t, o.Runner().Register(benchmark.Test{
		Name:         "noop",
		MeasuredRuns: 5,
		Timeout:      time.Second,
		Operation:    func(context.Context) error { return nil },
	}))

	results, err := o.RunBenchmarks(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, o.BenchmarkResults(), 1)

	r := o.Collect(context.Background())
	assert.Less(t, r.ComponentScores[ComponentComputation], 60.0)
	assert.Contains(t, r.Metrics, MetricOpsPerSecond)
	assert.Zero(t, r.Metrics[MetricBenchmarkErrorRate])
}

func TestRunBenchmarks_Failures(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	require.NoError(t, o.Runner().Register(benchmark.Test{
		Name:         "broken",
		MeasuredRuns: 4,
		Timeout:      time.Second,
		Operation:    func(context.Context) error { return errors.New("nope") },
	}))
	_, err := o.RunBenchmarks(context.Background())
	require.NoError(t, err)

	r := o.Collect(context.Background())
	assert.Equal(t, 1.0, r.Metrics[MetricBenchmarkErrorRate])
	require.NotEmpty(t, r.Alerts)
	assert.Equal(t, ComponentComputation, r.Alerts[0].Component)
}

func TestGetMetricsHistory(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	for range 5 {
		require.NoError(t, o.Scheduler().Tick(ctx, JobCollect))
	}
	assert.Len(t, o.GetMetricsHistory(0), 3)
	assert.Len(t, o.GetMetricsHistory(2), 2)
	assert.Len(t, o.GetMetricsHistory(10), 3)
	assert.Equal(t, 100.0, o.GetMetricsHistory(1)[0].OverallScore)
}

func TestSinks(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("unreachable")}
	o := newTestOrchestrator(t, testConfig(), WithSinks(bad, good))

	o.Collect(context.Background())
	o.Collect(context.Background())
	assert.Equal(t, 2, good.count())
	assert.Equal(t, 2, bad.count(), "a failing sink keeps receiving reports")
}

func TestJobs_MaintenanceAndSnapshot(t *testing.T) {
	now := testNow
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	cc := newCacheWithClock(t, clock)
	o := newTestOrchestrator(t, testConfig(), WithCache(cc))
	ctx := context.Background()

	cc.Set("short", []byte("v"), 100*time.Millisecond)
	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()
	require.NoError(t, o.Scheduler().Tick(ctx, JobCacheMaintenance))
	assert.Equal(t, int64(1), cc.Stats().Expirations)
	assert.Zero(t, cc.Len())

	require.NoError(t, o.Scheduler().Tick(ctx, JobMemorySnapshot))
	assert.Equal(t, int64(1), o.Pool().Statistics().Snapshots)
}

func TestShutdownAndRestart(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 5 * time.Millisecond
	sink := &recordingSink{}
	o := newTestOrchestrator(t, cfg, WithSinks(sink))
	ctx := context.Background()

	buf := o.Pool().Allocate(1024)
	o.Pool().Deallocate(buf)
	o.Cache().Set("k", []byte("v"), 0)

	require.NoError(t, o.Start(ctx))
	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Shutdown(ctx))
	assert.False(t, o.Scheduler().Running())
	assert.Zero(t, o.Pool().Statistics().TotalFree)
	assert.Zero(t, o.Cache().Len())
	published := sink.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, published, sink.count(), "no ticks after shutdown")

	require.NoError(t, o.Start(ctx))
	require.Eventually(t, func() bool { return sink.count() > published }, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Shutdown(ctx))
}

func newTestLoader(t *testing.T, engine *accel.FuncEngine) *accel.Loader {
	t.Helper()
	cfg := accel.DefaultConfig()
	cfg.PreferredModule = "fast"
	cfg.Capabilities = accel.NewCapabilitySet(accel.CapabilitySIMD)
	cfg.Logger = quietLogger()
	fetcher := accel.NewMapFetcher(map[string][]byte{"fast.wasm": []byte("f"), "safe.wasm": []byte("s")})
	l, err := accel.NewLoader(cfg, fetcher, engine)
	require.NoError(t, err)
	require.NoError(t, l.Register(accel.ModuleDescriptor{
		Name: "fast", Variant: accel.VariantVectorized,
		Capabilities: []accel.Capability{accel.CapabilitySIMD}, LoadPriority: 10,
	}))
	require.NoError(t, l.Register(accel.ModuleDescriptor{Name: "safe", Variant: accel.VariantStandard, LoadPriority: 5}))
	return l
}

func TestCollect_AcceleratorIdleIsNeutral(t *testing.T) {
	engine := &accel.FuncEngine{}
	o := newTestOrchestrator(t, testConfig(), WithLoader(newTestLoader(t, engine)))

	r := o.Collect(context.Background())
	assert.Equal(t, 100.0, r.ComponentScores[ComponentAccelerator])
	assert.Empty(t, r.Alerts)
	assert.Equal(t, StatusExcellent, r.Status)
}

func TestStart_PreloadsAccelerator(t *testing.T) {
	engine := &accel.FuncEngine{}
	l := newTestLoader(t, engine)
	o := newTestOrchestrator(t, testConfig(), WithLoader(l))
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	assert.Equal(t, 2, engine.Live(), "every eligible module compiled")
	assert.Nil(t, l.Active())
	assert.Equal(t, 100.0, o.Collect(ctx).ComponentScores[ComponentAccelerator])

	inst, err := l.LoadPreferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fast", inst.Name())
	assert.Equal(t, accel.StrategyPreload, l.Status().Strategy)
	assert.Equal(t, 1, engine.Compiles("fast"))

	require.NoError(t, o.Shutdown(ctx))
	assert.Zero(t, engine.Live())
}

func TestStart_LoadModuleOnStart(t *testing.T) {
	engine := &accel.FuncEngine{}
	l := newTestLoader(t, engine)
	cfg := testConfig()
	cfg.LoadModuleOnStart = true
	o := newTestOrchestrator(t, cfg, WithLoader(l))
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.NotNil(t, l.Active())
	assert.Equal(t, accel.StrategyPreload, l.Status().Strategy)

	r := o.Collect(ctx)
	assert.Greater(t, r.ComponentScores[ComponentAccelerator], 90.0)
	assert.Empty(t, r.Alerts)
}

func TestCollect_AcceleratorFailedLoadIsCritical(t *testing.T) {
	engine := &accel.FuncEngine{CompileHook: func(context.Context, accel.ModuleDescriptor, []byte) error {
		return errors.New("bad module")
	}}
	l := newTestLoader(t, engine)
	cfg := testConfig()
	cfg.LoadModuleOnStart = true
	o := newTestOrchestrator(t, cfg, WithLoader(l))
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	r := o.Collect(ctx)
	assert.Zero(t, r.ComponentScores[ComponentAccelerator])
	require.NotEmpty(t, r.Alerts)
	assert.Equal(t, ComponentAccelerator, r.Alerts[0].Component)
	assert.Equal(t, AlertCritical, r.Alerts[0].Level)
}
