// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package regression compares live metrics against recorded baselines.
//
// # Description
//
// A Test binds a metric name to a direction: for latency-like metrics a
// higher value is worse, for ratio- and throughput-like metrics a lower
// value is. Baselines are captured explicitly and never mutated; a newer
// capture for the same metric supersedes the older one but does not
// delete it.
//
// Evaluating a metric map produces one RegressionResult per metric that
// has both a test and a baseline. Metrics without a baseline are skipped
// with a warning.
//
// # Thread Safety
//
// Tester is safe for concurrent use.
package regression

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPerf/services/perf/history"
	"github.com/google/uuid"
)

var (
	// ErrInvalidTest indicates a malformed test definition.
	ErrInvalidTest = errors.New("regression: invalid test")

	// ErrNoMetrics indicates an empty metric map was captured.
	ErrNoMetrics = errors.New("regression: no metrics")

	// ErrInvalidSnapshot indicates import data that cannot be applied.
	ErrInvalidSnapshot = errors.New("regression: invalid snapshot")
)

// =============================================================================
// Types
// =============================================================================

// Direction says which way a metric degrades.
type Direction string

const (
	// HigherIsWorse applies to latency, memory and error rates.
	HigherIsWorse Direction = "higher_is_worse"

	// LowerIsWorse applies to hit ratios and throughput.
	LowerIsWorse Direction = "lower_is_worse"
)

// Severity classifies a regression.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, none lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Test binds a metric to a regression policy.
type Test struct {
	// ID identifies the test. Defaults to the metric name.
	ID string `json:"id"`

	// Metric is the metric name the test evaluates.
	Metric string `json:"metric"`

	Direction Direction `json:"direction"`

	// ThresholdPercent is the tolerated deviation before a regression.
	ThresholdPercent float64 `json:"threshold_percent"`
}

// Validate checks the test definition.
func (t Test) Validate() error {
	if t.Metric == "" {
		return fmt.Errorf("%w: metric is required", ErrInvalidTest)
	}
	if t.Direction != HigherIsWorse && t.Direction != LowerIsWorse {
		return fmt.Errorf("%w: %s has unknown direction %q", ErrInvalidTest, t.Metric, t.Direction)
	}
	if t.ThresholdPercent <= 0 || math.IsNaN(t.ThresholdPercent) || math.IsInf(t.ThresholdPercent, 0) {
		return fmt.Errorf("%w: %s needs a positive threshold", ErrInvalidTest, t.Metric)
	}
	return nil
}

// Baseline is a recorded reference value.
type Baseline struct {
	ID         string    `json:"id"`
	CaptureID  string    `json:"capture_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
	Tag        string    `json:"tag"`
}

// RegressionResult is the outcome of evaluating one metric.
type RegressionResult struct {
	ID               string    `json:"id"`
	TestID           string    `json:"test_id"`
	Metric           string    `json:"metric"`
	Timestamp        time.Time `json:"timestamp"`
	CurrentValue     float64   `json:"current_value"`
	BaselineValue    float64   `json:"baseline_value"`
	BaselineTag      string    `json:"baseline_tag"`
	DeviationPercent float64   `json:"deviation_percent"`
	ThresholdPercent float64   `json:"threshold_percent"`
	Severity         Severity  `json:"severity"`
	Passed           bool      `json:"passed"`
}

// Evaluation is the full outcome of Evaluate.
type Evaluation struct {
	Results []RegressionResult `json:"results"`

	// Skipped lists metrics with a test but no baseline, sorted.
	Skipped []string `json:"skipped,omitempty"`
}

// Regressions returns the failed results.
func (e Evaluation) Regressions() []RegressionResult {
	var out []RegressionResult
	for _, r := range e.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// WorstSeverity is the highest severity among the results.
func (e Evaluation) WorstSeverity() Severity {
	worst := SeverityNone
	for _, r := range e.Results {
		if r.Severity.Rank() > worst.Rank() {
			worst = r.Severity
		}
	}
	return worst
}

// =============================================================================
// Classification
// =============================================================================

// DeviationPercent is (current - baseline) / |baseline| * 100.
//
// A zero baseline yields 0 when current is also zero and ±100 otherwise,
// signed by the direction of change.
func DeviationPercent(current, baseline float64) float64 {
	if baseline == 0 {
		switch {
		case current > 0:
			return 100
		case current < 0:
			return -100
		default:
			return 0
		}
	}
	return (current - baseline) / math.Abs(baseline) * 100
}

// Classify decides pass or fail and severity for a deviation.
//
// # Description
//
// A HigherIsWorse metric regresses when the deviation exceeds
// +threshold; a LowerIsWorse metric when it falls below -threshold.
// Severity is graded by how many thresholds the deviation overshoots the
// threshold by: at least 3 critical, 2 high, 1.5 medium, else low.
//
// # Example
//
//	Classify(HigherIsWorse, 50, 15) // false, high: (50-15)/15 = 2.33
//	Classify(HigherIsWorse, 10, 15) // true, none
func Classify(dir Direction, deviation, threshold float64) (passed bool, sev Severity) {
	worse := deviation
	if dir == LowerIsWorse {
		worse = -deviation
	}
	if worse <= threshold {
		return true, SeverityNone
	}
	excess := (worse - threshold) / threshold
	switch {
	case excess >= 3:
		return false, SeverityCritical
	case excess >= 2:
		return false, SeverityHigh
	case excess >= 1.5:
		return false, SeverityMedium
	default:
		return false, SeverityLow
	}
}

// lowerIsWorseHints mark metrics where a drop is a degradation.
var lowerIsWorseHints = []string{"hit_ratio", "hit_rate", "throughput", "ops_per_second", "qps", "score"}

// DirectionFor guesses a direction from a metric name. Names mentioning a
// hit ratio, throughput or score are LowerIsWorse; everything else
// (latencies, sizes, error rates, times) is HigherIsWorse.
func DirectionFor(metric string) Direction {
	m := strings.ToLower(metric)
	for _, hint := range lowerIsWorseHints {
		if strings.Contains(m, hint) {
			return LowerIsWorse
		}
	}
	return HigherIsWorse
}

// =============================================================================
// Tester
// =============================================================================

// Config configures a Tester.
type Config struct {
	// DefaultThresholdPercent applies to auto-registered tests.
	// Default: 15.
	DefaultThresholdPercent float64

	// HistorySize bounds each test's result history. Default: 100.
	HistorySize int

	// TrendEpsilon is the slope magnitude below which a trend is stable.
	// Default: 0.01.
	TrendEpsilon float64

	// AutoRegister creates a default test for metrics without one.
	AutoRegister bool

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger receives skip warnings and regression notices.
	Logger *slog.Logger
}

// DefaultConfig returns a 15% threshold, 100 results of history per test
// and auto-registration.
func DefaultConfig() Config {
	return Config{
		DefaultThresholdPercent: 15,
		HistorySize:             history.DefaultCapacity,
		TrendEpsilon:            0.01,
		AutoRegister:            true,
	}
}

// Tester holds tests, baselines and result history.
type Tester struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	tests     map[string]Test
	byMetric  map[string]string
	baselines map[string][]Baseline
	history   map[string]*history.Ring[RegressionResult]
}

// New creates a Tester with the well-known default tests registered.
func New(cfg Config) *Tester {
	def := DefaultConfig()
	if cfg.DefaultThresholdPercent <= 0 {
		cfg.DefaultThresholdPercent = def.DefaultThresholdPercent
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.TrendEpsilon <= 0 {
		cfg.TrendEpsilon = def.TrendEpsilon
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tester{
		cfg:       cfg,
		now:       now,
		logger:    logger,
		tests:     make(map[string]Test),
		byMetric:  make(map[string]string),
		baselines: make(map[string][]Baseline),
		history:   make(map[string]*history.Ring[RegressionResult]),
	}
	for _, test := range DefaultTests(cfg.DefaultThresholdPercent) {
		_ = t.RegisterTest(test)
	}
	return t
}

// DefaultTests returns tests for the metrics the orchestrator publishes.
func DefaultTests(threshold float64) []Test {
	names := []string{
		"agent_spawn_time",
		"latency_ms",
		"cache_hit_ratio",
		"cache_avg_access_ms",
		"memory_heap_used_bytes",
		"accelerator_error_rate",
		"computation_ops_per_second",
		"overall_health_score",
	}
	out := make([]Test, len(names))
	for i, n := range names {
		out[i] = Test{ID: n, Metric: n, Direction: DirectionFor(n), ThresholdPercent: threshold}
	}
	return out
}

// RegisterTest adds or replaces a test. A test replaces any previous test
// with the same ID or for the same metric.
func (t *Tester) RegisterTest(test Test) error {
	if test.ID == "" {
		test.ID = test.Metric
	}
	if err := test.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerLocked(test)
	return nil
}

func (t *Tester) registerLocked(test Test) {
	if old, ok := t.tests[test.ID]; ok && old.Metric != test.Metric {
		delete(t.byMetric, old.Metric)
	}
	if oldID, ok := t.byMetric[test.Metric]; ok && oldID != test.ID {
		delete(t.tests, oldID)
	}
	t.tests[test.ID] = test
	t.byMetric[test.Metric] = test.ID
}

// Tests returns registered tests sorted by ID.
func (t *Tester) Tests() []Test {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.testsLocked()
}

func (t *Tester) testsLocked() []Test {
	out := make([]Test, 0, len(t.tests))
	for _, test := range t.tests {
		out = append(out, test)
	}
	slices.SortFunc(out, func(a, b Test) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Test returns the test for a metric.
func (t *Tester) Test(metric string) (Test, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byMetric[metric]
	if !ok {
		return Test{}, false
	}
	return t.tests[id], true
}

// CaptureBaseline records one baseline per metric.
//
// # Outputs
//
//   - string: The capture ID shared by the new baselines.
//   - error: ErrNoMetrics for an empty map.
func (t *Tester) CaptureBaseline(metrics map[string]float64, tag string) (string, error) {
	if len(metrics) == 0 {
		return "", ErrNoMetrics
	}
	captureID := uuid.NewString()
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range sortedKeys(metrics) {
		t.baselines[name] = append(t.baselines[name], Baseline{
			ID:         uuid.NewString(),
			CaptureID:  captureID,
			Metric:     name,
			Value:      metrics[name],
			RecordedAt: now,
			Tag:        tag,
		})
	}
	t.logger.Info("baseline captured",
		slog.String("capture_id", captureID),
		slog.String("tag", tag),
		slog.Int("metrics", len(metrics)))
	return captureID, nil
}

// Baseline returns the current baseline for a metric: the newest one with
// the given tag, or the newest of any tag when tag is empty.
func (t *Tester) Baseline(metric, tag string) (Baseline, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.baselineLocked(metric, tag)
}

func (t *Tester) baselineLocked(metric, tag string) (Baseline, bool) {
	list := t.baselines[metric]
	for i := len(list) - 1; i >= 0; i-- {
		if tag == "" || list[i].Tag == tag {
			return list[i], true
		}
	}
	return Baseline{}, false
}

// Baselines returns every baseline, superseded ones included, ordered by
// metric then recording order.
func (t *Tester) Baselines() []Baseline {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.baselinesLocked()
}

func (t *Tester) baselinesLocked() []Baseline {
	var out []Baseline
	for _, name := range sortedKeys(t.baselines) {
		out = append(out, t.baselines[name]...)
	}
	return out
}

// Evaluate compares metrics with their current baselines.
//
// Results are ordered by test ID. See EvaluateTag for details.
func (t *Tester) Evaluate(metrics map[string]float64) []RegressionResult {
	return t.EvaluateTag(metrics, "").Results
}

// EvaluateTag compares metrics with the current baseline for tag (any tag
// when empty).
//
// # Description
//
// Each metric is matched to its test. With AutoRegister, a metric
// without a test gets a default one whose direction is guessed from its
// name. A metric with a test but no baseline is skipped and logged.
// Every result is appended to its test's history.
func (t *Tester) EvaluateTag(metrics map[string]float64, tag string) Evaluation {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var ev Evaluation
	for _, name := range sortedKeys(metrics) {
		id, ok := t.byMetric[name]
		if !ok {
			if !t.cfg.AutoRegister {
				continue
			}
			test := Test{ID: name, Metric: name, Direction: DirectionFor(name), ThresholdPercent: t.cfg.DefaultThresholdPercent}
			t.registerLocked(test)
			id = test.ID
		}
		test := t.tests[id]

		base, ok := t.baselineLocked(name, tag)
		if !ok {
			ev.Skipped = append(ev.Skipped, name)
			t.logger.Warn("regression test skipped: no baseline",
				slog.String("test", id), slog.String("tag", tag))
			continue
		}

		current := metrics[name]
		dev := DeviationPercent(current, base.Value)
		passed, sev := Classify(test.Direction, dev, test.ThresholdPercent)
		res := RegressionResult{
			ID:               uuid.NewString(),
			TestID:           id,
			Metric:           name,
			Timestamp:        now,
			CurrentValue:     current,
			BaselineValue:    base.Value,
			BaselineTag:      base.Tag,
			DeviationPercent: dev,
			ThresholdPercent: test.ThresholdPercent,
			Severity:         sev,
			Passed:           passed,
		}
		t.historyLocked(id).Push(res)
		ev.Results = append(ev.Results, res)

		if !passed {
			t.logger.Warn("performance regression detected",
				slog.String("test", id),
				slog.Float64("baseline", base.Value),
				slog.Float64("current", current),
				slog.Float64("deviation_percent", dev),
				slog.String("severity", string(sev)))
		}
	}
	slices.SortStableFunc(ev.Results, func(a, b RegressionResult) int { return strings.Compare(a.TestID, b.TestID) })
	return ev
}

func (t *Tester) historyLocked(id string) *history.Ring[RegressionResult] {
	h, ok := t.history[id]
	if !ok {
		h = history.NewRing[RegressionResult](t.cfg.HistorySize)
		t.history[id] = h
	}
	return h
}

// History returns up to limit of a test's most recent results, oldest
// first. A non-positive limit returns all of them.
func (t *Tester) History(testID string, limit int) []RegressionResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.history[testID]
	if !ok {
		return nil
	}
	if limit <= 0 {
		return h.Items()
	}
	return h.Tail(limit)
}

// Trend fits a trend over a test's recorded current values.
func (t *Tester) Trend(testID string) Trend {
	results := t.History(testID, 0)
	values := make([]float64, len(results))
	for i, r := range results {
		values[i] = r.CurrentValue
	}
	return AnalyzeTrend(values, t.cfg.TrendEpsilon)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
