// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package benchmark times named operations and summarises their latency.
//
// # Description
//
// A Test runs WarmupRuns untimed invocations followed by MeasuredRuns timed
// ones. Each invocation is bounded by the test's Timeout; failures and
// timeouts are counted and left out of the statistics.
//
// # Thread Safety
//
// Runner is safe for concurrent use. Concurrent runs of the same Test
// share its Operation, which must then be safe for concurrent use.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.perf.benchmark")

var (
	// ErrInvalidTest indicates a malformed Test.
	ErrInvalidTest = errors.New("benchmark: invalid test")

	// ErrTestNotFound indicates no test is registered under a name.
	ErrTestNotFound = errors.New("benchmark: test not found")

	// ErrAlreadyRegistered indicates a duplicate test name.
	ErrAlreadyRegistered = errors.New("benchmark: test already registered")

	// ErrOperationTimeout marks an invocation that exceeded its Timeout.
	ErrOperationTimeout = errors.New("benchmark: operation timed out")

	// ErrNoSamples indicates statistics were requested over nothing.
	ErrNoSamples = errors.New("benchmark: no samples")
)

// =============================================================================
// Test
// =============================================================================

// Operation is the code under measurement. It should honour ctx.
type Operation func(ctx context.Context) error

// Test describes one benchmark.
type Test struct {
	// Name identifies the test in results and the registry.
	Name string

	// WarmupRuns are executed first and never timed.
	WarmupRuns int

	// MeasuredRuns are timed.
	MeasuredRuns int

	// Timeout bounds each invocation. An invocation that has not returned
	// by then counts as a timeout.
	Timeout time.Duration

	// Operation is invoked once per run.
	Operation Operation

	// Setup runs untimed before every invocation. A Setup error counts the
	// run as failed without invoking Operation.
	//
	// Setup never overlaps an earlier invocation: after a timeout the runner
	// waits up to Timeout again for the abandoned Operation and its Teardown
	// to finish. A run that finds it still going counts as a timeout and
	// calls neither Setup nor Operation.
	Setup func(ctx context.Context) error

	// Teardown runs after every invocation whose Setup succeeded, after
	// Operation has returned, even when it failed or timed out.
	Teardown func()
}

// Validate checks the test definition.
func (t Test) Validate() error {
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTest)
	case t.Operation == nil:
		return fmt.Errorf("%w: %s has no operation", ErrInvalidTest, t.Name)
	case t.MeasuredRuns <= 0:
		return fmt.Errorf("%w: %s needs at least one measured run", ErrInvalidTest, t.Name)
	case t.WarmupRuns < 0:
		return fmt.Errorf("%w: %s has negative warmup runs", ErrInvalidTest, t.Name)
	case t.Timeout <= 0:
		return fmt.Errorf("%w: %s needs a positive timeout", ErrInvalidTest, t.Name)
	}
	return nil
}

// =============================================================================
// Result
// =============================================================================

// MemoryStats records heap movement across a run.
type MemoryStats struct {
	HeapAllocBefore uint64 `json:"heap_alloc_before"`
	HeapAllocAfter  uint64 `json:"heap_alloc_after"`
	HeapAllocDelta  int64  `json:"heap_alloc_delta"`
	Mallocs         uint64 `json:"mallocs"`
	GCCycles        uint32 `json:"gc_cycles"`
}

// Result is the outcome of one Test run.
type Result struct {
	Name string `json:"name"`

	LatencyStats

	// OpsPerSecond is 1000 / average milliseconds, or 0 without samples.
	OpsPerSecond float64 `json:"ops_per_second"`

	// ErrorCount counts failed invocations, timeouts included.
	ErrorCount int `json:"error_count"`

	// TimeoutCount counts invocations that exceeded Timeout.
	TimeoutCount int `json:"timeout_count"`

	// Runs is the number of measured invocations attempted.
	Runs int `json:"runs"`

	// Samples are the durations used for the statistics.
	Samples []time.Duration `json:"-"`

	// OutliersRemoved counts successful samples dropped by outlier removal.
	OutliersRemoved int `json:"outliers_removed"`

	Memory    *MemoryStats  `json:"memory,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ns"`
}

// AverageMs is the average latency in milliseconds.
func (r *Result) AverageMs() float64 {
	return float64(r.Average) / float64(time.Millisecond)
}

// ErrorRate is ErrorCount / Runs.
func (r *Result) ErrorRate() float64 {
	if r.Runs == 0 {
		return 0
	}
	return float64(r.ErrorCount) / float64(r.Runs)
}

// =============================================================================
// Runner Configuration
// =============================================================================

// Config configures a Runner.
type Config struct {
	// RemoveOutliers applies IQR filtering before computing statistics.
	RemoveOutliers bool

	// OutlierThreshold is the IQR multiplier. Default: 1.5.
	OutlierThreshold float64

	// CollectMemory records heap statistics around each run.
	CollectMemory bool

	// Logger receives run summaries. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig collects memory statistics and keeps every sample.
func DefaultConfig() Config {
	return Config{
		OutlierThreshold: 1.5,
		CollectMemory:    true,
	}
}

// RunOption adjusts the runner configuration for a single run.
type RunOption func(*Config)

// WithOutlierRemoval enables or disables IQR outlier removal.
func WithOutlierRemoval(enabled bool) RunOption {
	return func(c *Config) { c.RemoveOutliers = enabled }
}

// WithOutlierThreshold sets the IQR multiplier. Non-positive values are
// ignored.
func WithOutlierThreshold(k float64) RunOption {
	return func(c *Config) {
		if k > 0 {
			c.OutlierThreshold = k
		}
	}
}

// WithMemoryCollection enables or disables heap statistics.
func WithMemoryCollection(enabled bool) RunOption {
	return func(c *Config) { c.CollectMemory = enabled }
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes tests and keeps a registry of named tests.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	tests map[string]Test
	order []string
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.OutlierThreshold <= 0 {
		cfg.OutlierThreshold = 1.5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger, tests: make(map[string]Test)}
}

// Register adds a named test.
func (r *Runner) Register(t Test) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tests[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Name)
	}
	r.tests[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Names returns registered test names in registration order.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Run executes a test.
//
// # Description
//
// Warmup invocations run first and are discarded. Each measured
// invocation runs with its own deadline of test.Timeout. An invocation
// that fails increments ErrorCount; one that times out also increments
// TimeoutCount. Neither contributes a sample. A run where every
// invocation failed is still a Result, with zero statistics.
//
// # Inputs
//
//   - ctx: Cancels the run between invocations.
//   - t: The test.
//   - opts: Per-run configuration overrides.
//
// # Outputs
//
//   - *Result: Statistics for the run.
//   - error: ErrInvalidTest, or the context error when ctx ends first.
//
// # Example
//
//	res, err := runner.Run(ctx, benchmark.Test{
//	    Name:         "cache_get",
//	    WarmupRuns:   10,
//	    MeasuredRuns: 100,
//	    Timeout:      time.Second,
//	    Operation:    func(ctx context.Context) error { c.Get("k"); return nil },
//	})
func (r *Runner) Run(ctx context.Context, t Test, opts ...RunOption) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cfg := r.cfg
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := tracer.Start(ctx, "benchmark.Runner.Run",
		trace.WithAttributes(
			attribute.String("benchmark.test", t.Name),
			attribute.Int("benchmark.warmup_runs", t.WarmupRuns),
			attribute.Int("benchmark.measured_runs", t.MeasuredRuns),
		))
	defer span.End()

	started := time.Now()
	var before runtime.MemStats
	if cfg.CollectMemory {
		runtime.GC()
		runtime.ReadMemStats(&before)
	}

	var pending <-chan struct{}
	attempt := func() (time.Duration, error) {
		if !settle(ctx, pending, t.Timeout) {
			return 0, fmt.Errorf("%w: previous invocation still running", ErrOperationTimeout)
		}
		d, abandoned, err := invoke(ctx, t)
		pending = abandoned
		return d, err
	}

	for i := 0; i < t.WarmupRuns; i++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("warmup %s: %w", t.Name, err)
		}
		_, _ = attempt()
	}

	res := &Result{Name: t.Name, Runs: t.MeasuredRuns, Timestamp: started}
	samples := make([]time.Duration, 0, t.MeasuredRuns)
	for i := 0; i < t.MeasuredRuns; i++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("measure %s: %w", t.Name, err)
		}
		d, err := attempt()
		if err != nil {
			res.ErrorCount++
			if errors.Is(err, ErrOperationTimeout) {
				res.TimeoutCount++
			}
			continue
		}
		samples = append(samples, d)
	}

	if cfg.CollectMemory {
		var after runtime.MemStats
		runtime.ReadMemStats(&after)
		res.Memory = &MemoryStats{
			HeapAllocBefore: before.HeapAlloc,
			HeapAllocAfter:  after.HeapAlloc,
			HeapAllocDelta:  int64(after.HeapAlloc) - int64(before.HeapAlloc),
			Mallocs:         after.Mallocs - before.Mallocs,
			GCCycles:        after.NumGC - before.NumGC,
		}
	}

	res.Samples = samples
	if cfg.RemoveOutliers {
		res.Samples = RemoveOutliers(samples, cfg.OutlierThreshold)
		res.OutliersRemoved = len(samples) - len(res.Samples)
	}
	if stats, err := CalculateLatencyStats(res.Samples); err == nil {
		res.LatencyStats = stats
		res.OpsPerSecond = OpsPerSecond(stats.Average)
	}
	res.Duration = time.Since(started)

	recordRun(ctx, t.Name, res)
	span.SetAttributes(
		attribute.Int("benchmark.errors", res.ErrorCount),
		attribute.Int("benchmark.timeouts", res.TimeoutCount),
		attribute.Float64("benchmark.ops_per_second", res.OpsPerSecond),
	)
	if res.ErrorCount == res.Runs {
		span.SetStatus(codes.Error, "every invocation failed")
	}
	r.logger.Debug("benchmark completed",
		slog.String("test", t.Name),
		slog.Float64("average_ms", res.AverageMs()),
		slog.Float64("ops_per_second", res.OpsPerSecond),
		slog.Int("errors", res.ErrorCount),
		slog.Int("timeouts", res.TimeoutCount))
	return res, nil
}

// RunNamed runs a registered test.
func (r *Runner) RunNamed(ctx context.Context, name string, opts ...RunOption) (*Result, error) {
	r.mu.RLock()
	t, ok := r.tests[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, name)
	}
	return r.Run(ctx, t, opts...)
}

// RunSuite runs tests sequentially.
//
// A test that cannot run is logged and skipped. The returned error is
// non-nil only when ctx ends, alongside the results gathered so far.
func (r *Runner) RunSuite(ctx context.Context, tests []Test, opts ...RunOption) ([]*Result, error) {
	results := make([]*Result, 0, len(tests))
	for _, t := range tests {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.Run(ctx, t, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			r.logger.Warn("benchmark skipped",
				slog.String("test", t.Name),
				slog.String("error", err.Error()))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// RunAll runs every registered test in registration order.
func (r *Runner) RunAll(ctx context.Context, opts ...RunOption) ([]*Result, error) {
	r.mu.RLock()
	tests := make([]Test, 0, len(r.order))
	for _, name := range r.order {
		tests = append(tests, r.tests[name])
	}
	r.mu.RUnlock()
	return r.RunSuite(ctx, tests, opts...)
}

// invoke performs one bounded invocation.
//
// The operation runs on its own goroutine so a stuck operation cannot hold
// the runner past the deadline; Teardown follows the operation on that
// goroutine so nothing it allocated is released while still in use. When
// the invocation is abandoned the returned channel closes once that
// goroutine is done.
func invoke(ctx context.Context, t Test) (time.Duration, <-chan struct{}, error) {
	ictx, cancel := context.WithTimeout(ctx, t.Timeout)

	if t.Setup != nil {
		if err := t.Setup(ictx); err != nil {
			cancel()
			return 0, nil, fmt.Errorf("setup: %w", err)
		}
	}

	type outcome struct {
		elapsed time.Duration
		err     error
	}
	done := make(chan outcome, 1)
	settled := make(chan struct{})
	go func() {
		defer close(settled)
		defer cancel()
		start := time.Now()
		err := runGuarded(ictx, t.Operation)
		elapsed := time.Since(start)
		if t.Teardown != nil {
			t.Teardown()
		}
		done <- outcome{elapsed, err}
	}()

	timer := time.NewTimer(t.Timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		switch {
		case o.elapsed > t.Timeout, errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil:
			return 0, nil, fmt.Errorf("%w after %s", ErrOperationTimeout, t.Timeout)
		case o.err != nil:
			return 0, nil, o.err
		}
		return o.elapsed, nil, nil
	case <-timer.C:
		return 0, settled, fmt.Errorf("%w after %s", ErrOperationTimeout, t.Timeout)
	case <-ctx.Done():
		return 0, settled, ctx.Err()
	}
}

// settle waits for an abandoned invocation. It reports false when the
// invocation is still running after grace or ctx ends first.
func settle(ctx context.Context, pending <-chan struct{}, grace time.Duration) bool {
	if pending == nil {
		return true
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-pending:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// runGuarded converts a panicking operation into an error.
func runGuarded(ctx context.Context, op Operation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("operation panicked: %v", p)
		}
	}()
	return op(ctx)
}

// =============================================================================
// Metrics
// =============================================================================

var (
	runCounter   metric.Int64Counter
	errorCounter metric.Int64Counter
	metricsOnce  sync.Once
)

func recordRun(ctx context.Context, name string, res *Result) {
	metricsOnce.Do(func() {
		meter := otel.Meter("aleutian.perf.benchmark")
		runCounter, _ = meter.Int64Counter("perf_benchmark_invocations_total",
			metric.WithDescription("Measured benchmark invocations"))
		errorCounter, _ = meter.Int64Counter("perf_benchmark_errors_total",
			metric.WithDescription("Measured benchmark invocations that failed or timed out"))
	})
	attrs := metric.WithAttributes(attribute.String("test", name))
	if runCounter != nil {
		runCounter.Add(ctx, int64(res.Runs), attrs)
	}
	if errorCounter != nil && res.ErrorCount > 0 {
		errorCounter.Add(ctx, int64(res.ErrorCount), attrs)
	}
}
