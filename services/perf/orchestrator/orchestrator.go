// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs the performance components on a schedule and
// merges their state into a HealthReport.
//
// The Orchestrator owns one cache, one memory pool, one benchmark runner
// and one regression tester, plus an optional accelerator loader. Periodic
// work is expressed as Scheduler jobs so tests can drive every tick by
// hand with Scheduler().Tick.
//
// # Thread Safety
//
// All Orchestrator methods are safe for concurrent use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPerf/pkg/validation"
	"github.com/AleutianAI/AleutianPerf/services/perf/accel"
	"github.com/AleutianAI/AleutianPerf/services/perf/benchmark"
	"github.com/AleutianAI/AleutianPerf/services/perf/cache"
	"github.com/AleutianAI/AleutianPerf/services/perf/history"
	"github.com/AleutianAI/AleutianPerf/services/perf/mempool"
	"github.com/AleutianAI/AleutianPerf/services/perf/regression"
)

var tracer = otel.Tracer("aleutian.perf.orchestrator")

var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("orchestrator: invalid config")

	// ErrInvalidMetric is returned by SetMetric for a name that is not
	// snake_case or a non-finite value.
	ErrInvalidMetric = errors.New("orchestrator: invalid metric")
)

// Job names registered by New.
const (
	JobCacheMaintenance = "cache-maintenance"
	JobMemorySnapshot   = "memory-snapshot"
	JobCollect          = "collect"
	JobBenchmark        = "benchmark"
)

// Metric names published in every report.
const (
	MetricCacheHitRatio       = "cache_hit_ratio"
	MetricCacheAvgAccessMs    = "cache_avg_access_ms"
	MetricCacheSizeBytes      = "cache_size_bytes"
	MetricCacheEntries        = "cache_entries"
	MetricHeapUsedBytes       = "memory_heap_used_bytes"
	MetricPoolUsedBytes       = "memory_pool_used_bytes"
	MetricActiveLeaks         = "memory_active_leaks"
	MetricWindowGrowthBytes   = "memory_window_growth_bytes"
	MetricAccelErrorRate      = "accelerator_error_rate"
	MetricAccelMemoryBytes    = "accelerator_memory_bytes"
	MetricOpsPerSecond        = "computation_ops_per_second"
	MetricBenchmarkErrorRate  = "computation_error_rate"
	MetricGoroutines          = "system_goroutines"
	MetricSystemHeapUsedBytes = "system_heap_used_bytes"
	MetricOverallScore        = "overall_health_score"
)

// DefaultRegressionMetrics are the built-in metrics the automatic
// regression check evaluates. Sizes, counts and goroutine figures track
// load rather than degradation and are left to the component scores.
func DefaultRegressionMetrics() []string {
	return []string{MetricCacheHitRatio, MetricOpsPerSecond, MetricOverallScore}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures an Orchestrator.
type Config struct {
	// TickInterval spaces the collect job. Default: 5s.
	TickInterval time.Duration

	// CacheMaintenanceInterval spaces expiry sweeps. Default: 30s.
	CacheMaintenanceInterval time.Duration

	// SnapshotInterval spaces memory snapshots and pool optimisation.
	// Default: 30s.
	SnapshotInterval time.Duration

	// BenchmarkSchedule is a cron expression for the benchmark job, for
	// example "@every 24h". Empty disables automatic benchmarks.
	BenchmarkSchedule string

	// AutoRegressionCheck evaluates every collection against baselines.
	AutoRegressionCheck bool

	// RegressionMetrics lists the built-in metrics the automatic check
	// evaluates. Metrics recorded with SetMetric are always evaluated.
	// Default: DefaultRegressionMetrics().
	RegressionMetrics []string

	// HistorySize bounds GetMetricsHistory. Default: 100.
	HistorySize int

	// BaselineTag selects the baselines used by the automatic check and
	// stamps CaptureBaseline calls without a tag. Empty matches any tag.
	BaselineTag string

	// Weights of each component in the overall score.
	// Default: DefaultWeights().
	Weights Weights

	// TargetOpsPerSecond is the benchmark throughput worth a computation
	// score of 100. Default: 10000.
	TargetOpsPerSecond float64

	// LoadModuleOnStart loads the preferred accelerator module in Start.
	LoadModuleOnStart bool

	// BuiltinProbes registers the scratch cache, pool and compression
	// benchmarks with the runner.
	BuiltinProbes bool

	// ProbeRuns is the measured run count of each builtin probe.
	// Default: 100.
	ProbeRuns int

	// Logger receives lifecycle and failure events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a 5s collection tick, 30s maintenance and
// snapshot intervals, automatic regression checks and builtin probes.
func DefaultConfig() Config {
	return Config{
		TickInterval:             5 * time.Second,
		CacheMaintenanceInterval: 30 * time.Second,
		SnapshotInterval:         30 * time.Second,
		AutoRegressionCheck:      true,
		RegressionMetrics:        DefaultRegressionMetrics(),
		HistorySize:              history.DefaultCapacity,
		Weights:                  DefaultWeights(),
		TargetOpsPerSecond:       10_000,
		BuiltinProbes:            true,
		ProbeRuns:                100,
	}
}

// Validate checks intervals and weights.
func (c Config) Validate() error {
	if c.TickInterval <= 0 || c.CacheMaintenanceInterval <= 0 || c.SnapshotInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("%w: HistorySize must be positive", ErrInvalidConfig)
	}
	var total float64
	for comp, w := range c.Weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("%w: weight for %s must not be negative", ErrInvalidConfig, comp)
		}
		total += w
	}
	if total == 0 {
		return fmt.Errorf("%w: weights sum to zero", ErrInvalidConfig)
	}
	if err := validation.ValidateMetricNames(c.RegressionMetrics); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Option supplies a collaborator to New.
type Option func(*Orchestrator)

// WithCache uses c instead of a default cache.
func WithCache(c *cache.Cache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithPool uses p instead of a default memory pool.
func WithPool(p *mempool.Pool) Option { return func(o *Orchestrator) { o.pool = p } }

// WithLoader attaches an accelerator loader. Without one the accelerator
// score is neutral.
func WithLoader(l *accel.Loader) Option { return func(o *Orchestrator) { o.loader = l } }

// WithRunner uses r instead of a default benchmark runner.
func WithRunner(r *benchmark.Runner) Option { return func(o *Orchestrator) { o.runner = r } }

// WithTester uses t instead of a default regression tester.
func WithTester(t *regression.Tester) Option { return func(o *Orchestrator) { o.tester = t } }

// WithSinks publishes every report to sinks.
func WithSinks(sinks ...ReportSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithSystemSampler replaces the Go runtime as the source of host figures.
func WithSystemSampler(s SystemSampler) Option { return func(o *Orchestrator) { o.system = s } }

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator merges the components into health reports.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	cache  *cache.Cache
	pool   *mempool.Pool
	loader *accel.Loader
	runner *benchmark.Runner
	tester *regression.Tester
	system SystemSampler
	sinks  []ReportSink

	scheduler *Scheduler

	mu      sync.RWMutex
	last    *HealthReport
	history *history.Ring[MetricsSample]
	bench   []*benchmark.Result
	custom  map[string]float64

	// collectMu serialises collections so history stays in time order.
	collectMu sync.Mutex
}

// New builds an Orchestrator and registers its jobs.
//
// # Description
//
// Collaborators not supplied through options are created from their
// package defaults. The scheduler is created stopped; call Start to run
// jobs on timers.
//
// # Outputs
//
//   - *Orchestrator: Ready for Collect and Start.
//   - error: ErrInvalidConfig, or a collaborator construction failure.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.TargetOpsPerSecond <= 0 {
		cfg.TargetOpsPerSecond = DefaultConfig().TargetOpsPerSecond
	}
	if cfg.RegressionMetrics == nil {
		cfg.RegressionMetrics = DefaultRegressionMetrics()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "orchestrator"))

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		system:  RuntimeSystemSampler{},
		history: history.NewRing[MetricsSample](cfg.HistorySize),
		custom:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	if o.cache == nil {
		cc := cache.DefaultConfig()
		cc.Logger = logger
		if o.cache, err = cache.New(cc); err != nil {
			return nil, fmt.Errorf("default cache: %w", err)
		}
	}
	if o.pool == nil {
		pc := mempool.DefaultConfig()
		pc.Logger = logger
		if o.pool, err = mempool.New(pc); err != nil {
			return nil, fmt.Errorf("default pool: %w", err)
		}
	}
	if o.runner == nil {
		rc := benchmark.DefaultConfig()
		rc.Logger = logger
		o.runner = benchmark.NewRunner(rc)
	}
	if o.tester == nil {
		tc := regression.DefaultConfig()
		tc.Logger = logger
		tc.Clock = o.now
		o.tester = regression.New(tc)
	}

	if cfg.BuiltinProbes {
		probes, err := BuiltinProbes(cfg.ProbeRuns)
		if err != nil {
			return nil, err
		}
		for _, p := range probes {
			if err := o.runner.Register(p); err != nil && !errors.Is(err, benchmark.ErrAlreadyRegistered) {
				return nil, fmt.Errorf("register probe %s: %w", p.Name, err)
			}
		}
	}

	o.scheduler = NewScheduler(logger)
	jobs := []Job{
		{Name: JobCacheMaintenance, Interval: cfg.CacheMaintenanceInterval, Run: o.cache.Maintain},
		{Name: JobMemorySnapshot, Interval: cfg.SnapshotInterval, Run: o.pool.Tick},
		{Name: JobCollect, Interval: cfg.TickInterval, Run: func(ctx context.Context) error {
			o.Collect(ctx)
			return nil
		}},
	}
	if cfg.BenchmarkSchedule != "" {
		jobs = append(jobs, Job{Name: JobBenchmark, Schedule: cfg.BenchmarkSchedule, Run: func(ctx context.Context) error {
			_, err := o.RunBenchmarks(ctx)
			return err
		}})
	}
	for _, j := range jobs {
		if err := o.scheduler.Add(j); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return o, nil
}

// Cache returns the owned cache.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Pool returns the owned memory pool.
func (o *Orchestrator) Pool() *mempool.Pool { return o.pool }

// Loader returns the accelerator loader, or nil.
func (o *Orchestrator) Loader() *accel.Loader { return o.loader }

// Runner returns the benchmark runner.
func (o *Orchestrator) Runner() *benchmark.Runner { return o.runner }

// Tester returns the regression tester.
func (o *Orchestrator) Tester() *regression.Tester { return o.tester }

// Scheduler returns the job scheduler.
func (o *Orchestrator) Scheduler() *Scheduler { return o.scheduler }

// Config returns the configuration in use.
func (o *Orchestrator) Config() Config { return o.cfg }

// =============================================================================
// Lifecycle
// =============================================================================

// Start prepares the accelerator, then starts the job timers.
//
// When the loader's strategies include preload, every eligible module is
// compiled first. With LoadModuleOnStart the preferred module is then
// loaded. Failures are logged and do not stop the orchestrator; the
// accelerator score reflects them instead.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.loader != nil && len(o.loader.Descriptors()) > 0 {
		if o.loader.PreloadEnabled() {
			if err := o.loader.Preload(ctx); err != nil {
				o.logger.Warn("accelerator preload incomplete", slog.String("error", err.Error()))
			}
		}
		if o.cfg.LoadModuleOnStart {
			if inst, err := o.loader.LoadPreferred(ctx); err != nil {
				o.logger.Warn("accelerator load failed", slog.String("error", err.Error()))
			} else {
				o.logger.Info("accelerator loaded", slog.String("module", inst.Name()))
			}
		}
	}
	return o.scheduler.Start(ctx)
}

// Shutdown stops every job, releases pooled buffers, unloads accelerator
// modules and clears the cache. Start may be called again afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.scheduler.Stop()
	o.pool.Shutdown()
	if o.loader != nil {
		o.loader.Reset(ctx)
	}
	o.cache.Clear()

	o.mu.Lock()
	o.last = nil
	o.bench = nil
	o.mu.Unlock()

	o.logger.Info("orchestrator shut down")
	return nil
}

// =============================================================================
// Metrics and Benchmarks
// =============================================================================

// SetMetric records an externally measured metric, such as
// agent_spawn_time, for inclusion in every later report.
func (o *Orchestrator) SetMetric(name string, value float64) error {
	if err := validation.ValidateMetricName(name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMetric, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidMetric, name, value)
	}
	o.mu.Lock()
	o.custom[name] = value
	o.mu.Unlock()
	return nil
}

// RunBenchmarks runs every registered benchmark and keeps the results for
// the computation score.
func (o *Orchestrator) RunBenchmarks(ctx context.Context) ([]*benchmark.Result, error) {
	results, err := o.runner.RunAll(ctx)
	if len(results) > 0 {
		o.mu.Lock()
		o.bench = results
		o.mu.Unlock()
	}
	o.logger.Info("benchmarks complete",
		slog.Int("results", len(results)),
		slog.Float64("mean_ops_per_second", MeanOpsPerSecond(results)))
	return results, err
}

// BenchmarkResults returns the results of the last RunBenchmarks.
func (o *Orchestrator) BenchmarkResults() []*benchmark.Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*benchmark.Result, len(o.bench))
	copy(out, o.bench)
	return out
}

// CaptureBaseline collects a fresh report and records its metrics as
// baselines. An empty tag uses the configured BaselineTag.
func (o *Orchestrator) CaptureBaseline(ctx context.Context, tag string) (string, error) {
	if tag == "" {
		tag = o.cfg.BaselineTag
	}
	report := o.Collect(ctx)
	return o.tester.CaptureBaseline(report.Metrics, tag)
}

// =============================================================================
// Reports
// =============================================================================

// GetHealthReport returns a copy of the latest report, collecting one
// first when none exists.
func (o *Orchestrator) GetHealthReport(ctx context.Context) HealthReport {
	o.mu.RLock()
	last := o.last
	o.mu.RUnlock()
	if last != nil {
		return last.clone()
	}
	return o.Collect(ctx)
}

// GetMetricsHistory returns up to limit samples, oldest first. A limit of
// zero or less returns everything retained.
func (o *Orchestrator) GetMetricsHistory(limit int) []MetricsSample {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if limit <= 0 {
		return o.history.Items()
	}
	return o.history.Tail(limit)
}

// collection gathers component outputs from concurrent collectors.
type collection struct {
	mu      sync.Mutex
	scores  map[Component]float64
	metrics map[string]float64
	alerts  []Alert
	signals Signals
}

func (c *collection) record(comp Component, score float64, metrics map[string]float64, alerts ...Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scores[comp] = clampScore(score)
	maps.Copy(c.metrics, metrics)
	c.alerts = append(c.alerts, alerts...)
}

func (c *collection) signal(fn func(*Signals)) {
	c.mu.Lock()
	fn(&c.signals)
	c.mu.Unlock()
}

type collector struct {
	component Component
	run       func(ctx context.Context, c *collection) error
}

// Collect rebuilds the health report from every component.
//
// # Description
//
// Components are read concurrently. A collector that fails or panics
// scores 0 and adds a critical alert; Collect itself never fails. With
// AutoRegressionCheck the RegressionMetrics and every SetMetric value are
// evaluated against the configured baseline tag. The report is stored, appended to the history
// and published to every sink.
func (o *Orchestrator) Collect(ctx context.Context) HealthReport {
	o.collectMu.Lock()
	defer o.collectMu.Unlock()

	ctx, span := tracer.Start(ctx, "orchestrator.Collect")
	defer span.End()

	started := time.Now()
	col := &collection{
		scores:  make(map[Component]float64, len(Components)),
		metrics: make(map[string]float64),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range o.collectors() {
		g.Go(func() error {
			if err := safeCollect(gctx, c, col); err != nil {
				o.logger.Warn("component check failed",
					slog.String("check", string(c.component)),
					slog.String("error", err.Error()))
				col.record(c.component, 0, nil, Alert{
					Component: c.component,
					Level:     AlertCritical,
					Message:   fmt.Sprintf("%s check failed: %v", c.component, err),
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	overall := OverallScore(col.scores, o.cfg.Weights)
	col.metrics[MetricOverallScore] = overall

	tracked := make(map[string]float64, len(o.cfg.RegressionMetrics))
	for _, name := range o.cfg.RegressionMetrics {
		if v, ok := col.metrics[name]; ok {
			tracked[name] = v
		}
	}
	o.mu.RLock()
	for name, v := range o.custom {
		if _, builtin := col.metrics[name]; !builtin {
			col.metrics[name] = v
			tracked[name] = v
		}
	}
	o.mu.RUnlock()

	var regressions []regression.RegressionResult
	if o.cfg.AutoRegressionCheck && len(tracked) > 0 && len(o.tester.Baselines()) > 0 {
		regressions = o.tester.EvaluateTag(tracked, o.cfg.BaselineTag).Regressions()
	}
	critical := false
	for _, r := range regressions {
		if r.Severity == regression.SeverityCritical {
			critical = true
		}
	}

	col.signals.ComponentScores = col.scores
	col.signals.Regressions = regressions
	sortAlerts(col.alerts)

	report := HealthReport{
		Timestamp:       o.now(),
		ComponentScores: col.scores,
		OverallScore:    overall,
		Grade:           GradeFor(overall),
		Status:          StatusFor(overall, len(col.alerts), len(regressions), critical),
		Alerts:          col.alerts,
		Recommendations: Recommend(col.signals),
		Regressions:     regressions,
		Metrics:         col.metrics,
		Duration:        time.Since(started),
	}
	if report.Alerts == nil {
		report.Alerts = []Alert{}
	}
	if report.Recommendations == nil {
		report.Recommendations = []Recommendation{}
	}

	stored := report.clone()
	o.mu.Lock()
	o.last = &stored
	o.history.Push(report.Sample())
	o.mu.Unlock()

	span.SetAttributes(
		attribute.Float64("overall_score", overall),
		attribute.String("status", string(report.Status)),
		attribute.Int("alerts", len(report.Alerts)),
		attribute.Int("regressions", len(regressions)),
	)
	recordCollect(ctx, report)

	for _, s := range o.sinks {
		if err := s.Publish(ctx, report); err != nil {
			o.logger.Warn("report sink failed",
				slog.String("sink", s.Name()),
				slog.String("error", err.Error()))
		}
	}
	return report
}

func safeCollect(ctx context.Context, c collector, col *collection) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.run(ctx, col)
}

func (o *Orchestrator) collectors() []collector {
	return []collector{
		{ComponentSystem, o.collectSystem},
		{ComponentCache, o.collectCache},
		{ComponentMemory, o.collectMemory},
		{ComponentAccelerator, o.collectAccelerator},
		{ComponentComputation, o.collectComputation},
	}
}

func (o *Orchestrator) collectSystem(_ context.Context, c *collection) error {
	s := o.system.SampleSystem()
	score := SystemScore(s)
	var alerts []Alert
	if score < 70 {
		alerts = append(alerts, Alert{
			Component: ComponentSystem,
			Level:     AlertWarning,
			Message:   fmt.Sprintf("host under pressure: %d goroutines, heap %d of %d bytes", s.Goroutines, s.HeapUsed, s.HeapTotal),
		})
	}
	c.record(ComponentSystem, score, map[string]float64{
		MetricGoroutines:          float64(s.Goroutines),
		MetricSystemHeapUsedBytes: float64(s.HeapUsed),
	}, alerts...)
	return nil
}

func (o *Orchestrator) collectCache(_ context.Context, c *collection) error {
	st := o.cache.Stats()
	var alerts []Alert
	if st.Hits+st.Misses >= minLookupsForRatio && st.HitRatio < 0.5 {
		alerts = append(alerts, Alert{
			Component: ComponentCache,
			Level:     AlertWarning,
			Message:   fmt.Sprintf("cache hit ratio %.0f%%", st.HitRatio*100),
		})
	}
	c.record(ComponentCache, o.cache.HealthScore(), map[string]float64{
		MetricCacheHitRatio:    st.HitRatio,
		MetricCacheAvgAccessMs: st.AvgAccessTimeMs(),
		MetricCacheSizeBytes:   float64(st.TotalSize),
		MetricCacheEntries:     float64(st.EntryCount),
	}, alerts...)
	c.signal(func(s *Signals) { s.Cache = &st })
	return nil
}

func (o *Orchestrator) collectMemory(_ context.Context, c *collection) error {
	st := o.pool.Statistics()
	score := o.pool.HealthScore()
	metrics := map[string]float64{
		MetricPoolUsedBytes:     float64(st.TotalUsed),
		MetricActiveLeaks:       float64(len(st.ActiveLeaks)),
		MetricWindowGrowthBytes: float64(o.pool.WindowGrowth()),
	}
	if st.Latest != nil {
		metrics[MetricHeapUsedBytes] = float64(st.Latest.HeapUsed)
	}
	var alerts []Alert
	for _, l := range st.ActiveLeaks {
		level := AlertWarning
		if l.Severity == mempool.SeverityHigh {
			level = AlertCritical
		}
		alerts = append(alerts, Alert{
			Component: ComponentMemory,
			Level:     level,
			Message:   fmt.Sprintf("suspected leak %s: heap grew %d bytes", l.ID, l.GrowthBytes),
		})
	}
	c.record(ComponentMemory, score, metrics, alerts...)
	c.signal(func(s *Signals) {
		s.MemoryScore = score
		s.ActiveLeaks = st.ActiveLeaks
	})
	return nil
}

func (o *Orchestrator) collectAccelerator(_ context.Context, c *collection) error {
	if o.loader == nil || len(o.loader.Descriptors()) == 0 {
		c.record(ComponentAccelerator, 100, nil)
		return nil
	}
	h := o.loader.HealthCheck()
	var alerts []Alert
	switch h.Status {
	case accel.HealthError:
		alerts = append(alerts, Alert{Component: ComponentAccelerator, Level: AlertCritical, Message: strings.Join(h.Issues, "; ")})
	case accel.HealthWarning:
		alerts = append(alerts, Alert{Component: ComponentAccelerator, Level: AlertWarning, Message: strings.Join(h.Issues, "; ")})
	}
	c.record(ComponentAccelerator, h.Score, map[string]float64{
		MetricAccelErrorRate:   h.ErrorRate,
		MetricAccelMemoryBytes: float64(h.MemoryBytes),
	}, alerts...)
	idle := o.loader.VectorizedAvailable()
	c.signal(func(s *Signals) {
		s.Accelerator = &h
		s.VectorizedIdle = idle
	})
	return nil
}

func (o *Orchestrator) collectComputation(_ context.Context, c *collection) error {
	o.mu.RLock()
	results := o.bench
	o.mu.RUnlock()

	score := ComputationScore(results, o.cfg.TargetOpsPerSecond)
	metrics := map[string]float64{}
	var errRate float64
	if len(results) > 0 {
		for _, r := range results {
			errRate += r.ErrorRate()
		}
		errRate /= float64(len(results))
		metrics[MetricOpsPerSecond] = MeanOpsPerSecond(results)
		metrics[MetricBenchmarkErrorRate] = errRate
	}
	var alerts []Alert
	if errRate > 0.05 {
		alerts = append(alerts, Alert{
			Component: ComponentComputation,
			Level:     AlertWarning,
			Message:   fmt.Sprintf("benchmark error rate %.0f%%", errRate*100),
		})
	}
	c.record(ComponentComputation, score, metrics, alerts...)
	c.signal(func(s *Signals) {
		s.ComputationScore = score
		s.BenchmarkErrorRate = errRate
	})
	return nil
}
