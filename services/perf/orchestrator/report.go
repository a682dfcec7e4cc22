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
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianPerf/services/perf/accel"
	"github.com/AleutianAI/AleutianPerf/services/perf/cache"
	"github.com/AleutianAI/AleutianPerf/services/perf/mempool"
	"github.com/AleutianAI/AleutianPerf/services/perf/regression"
)

// AlertLevel grades an alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is a condition needing attention.
type Alert struct {
	Component Component  `json:"component"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
}

// Priority orders recommendations, highest first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "high":
		*p = PriorityHigh
	case "medium":
		*p = PriorityMedium
	case "low":
		*p = PriorityLow
	default:
		return fmt.Errorf("unknown priority %q", b)
	}
	return nil
}

// Recommendation is an actionable suggestion.
type Recommendation struct {
	Component Component `json:"component"`
	Priority  Priority  `json:"priority"`
	Message   string    `json:"message"`
}

// HealthReport is the merged state of every component. It is rebuilt from
// scratch on every collection.
type HealthReport struct {
	Timestamp       time.Time                     `json:"timestamp"`
	ComponentScores map[Component]float64         `json:"component_scores"`
	OverallScore    float64                       `json:"overall_score"`
	Grade           Grade                         `json:"grade"`
	Status          Status                        `json:"status"`
	Alerts          []Alert                       `json:"alerts"`
	Recommendations []Recommendation              `json:"recommendations"`
	Regressions     []regression.RegressionResult `json:"regressions,omitempty"`
	Metrics         map[string]float64            `json:"metrics"`
	Duration        time.Duration                 `json:"duration_ns"`
}

// MetricsSample is one point of the metrics history.
type MetricsSample struct {
	Timestamp    time.Time          `json:"timestamp"`
	OverallScore float64            `json:"overall_score"`
	Grade        Grade              `json:"grade"`
	Status       Status             `json:"status"`
	Metrics      map[string]float64 `json:"metrics"`
}

// Sample reduces a report to a history point.
func (r HealthReport) Sample() MetricsSample {
	return MetricsSample{
		Timestamp:    r.Timestamp,
		OverallScore: r.OverallScore,
		Grade:        r.Grade,
		Status:       r.Status,
		Metrics:      maps.Clone(r.Metrics),
	}
}

// clone copies r so the copy shares no maps or slices with it.
func (r HealthReport) clone() HealthReport {
	r.ComponentScores = maps.Clone(r.ComponentScores)
	r.Metrics = maps.Clone(r.Metrics)
	r.Alerts = slices.Clone(r.Alerts)
	r.Recommendations = slices.Clone(r.Recommendations)
	r.Regressions = slices.Clone(r.Regressions)
	return r
}

// =============================================================================
// Recommendations
// =============================================================================

// Signals is everything the recommendation rules look at.
type Signals struct {
	Cache              *cache.Stats
	MemoryScore        float64
	ActiveLeaks        []mempool.LeakRecord
	Accelerator        *accel.Health
	VectorizedIdle     bool
	Regressions        []regression.RegressionResult
	ComputationScore   float64
	ComponentScores    map[Component]float64
	BenchmarkErrorRate float64
}

const (
	lowHitRatio        = 0.7
	minLookupsForRatio = 20
)

// Recommend applies the rule list to signals. The output is sorted by
// priority then message, so equal inputs give equal output.
func Recommend(s Signals) []Recommendation {
	var out []Recommendation
	add := func(c Component, p Priority, format string, args ...any) {
		out = append(out, Recommendation{Component: c, Priority: p, Message: fmt.Sprintf(format, args...)})
	}

	if cs := s.Cache; cs != nil {
		if cs.Hits+cs.Misses >= minLookupsForRatio && cs.HitRatio < lowHitRatio {
			add(ComponentCache, PriorityMedium,
				"Cache hit ratio is %.0f%%: raise the default TTL or the cache size", cs.HitRatio*100)
		}
		if cs.Evictions > cs.Hits && cs.Evictions > 0 {
			add(ComponentCache, PriorityMedium,
				"Cache evicted %d entries against %d hits: increase maxSizeBytes or maxEntries", cs.Evictions, cs.Hits)
		}
		if cs.Rejected > 0 {
			add(ComponentCache, PriorityLow,
				"%d values were larger than the whole cache: cache them elsewhere or raise maxSizeBytes", cs.Rejected)
		}
	}

	if n := len(s.ActiveLeaks); n > 0 {
		ids := make([]string, n)
		var worst mempool.Severity = mempool.SeverityLow
		for i, l := range s.ActiveLeaks {
			ids[i] = l.ID
			if severityRank(l.Severity) > severityRank(worst) {
				worst = l.Severity
			}
		}
		slices.Sort(ids)
		p := PriorityMedium
		if worst == mempool.SeverityHigh {
			p = PriorityHigh
		}
		add(ComponentMemory, p, "Investigate %d suspected memory leak(s): %s", n, strings.Join(ids, ", "))
	}
	if s.MemoryScore < 70 {
		add(ComponentMemory, PriorityMedium,
			"Memory health is %.0f: review buffer retention and heap growth", s.MemoryScore)
	}

	if s.VectorizedIdle {
		add(ComponentAccelerator, PriorityMedium,
			"A vectorized accelerator module is eligible but not active: switch to it for SIMD throughput")
	}
	if h := s.Accelerator; h != nil && h.Module != "" && h.ErrorRate > 0.01 {
		add(ComponentAccelerator, PriorityHigh,
			"Accelerator module %s fails %.1f%% of calls: check its inputs or fall back", h.Module, h.ErrorRate*100)
	}

	if n := len(s.Regressions); n > 0 {
		p := PriorityMedium
		for _, r := range s.Regressions {
			if r.Severity == regression.SeverityCritical || r.Severity == regression.SeverityHigh {
				p = PriorityHigh
				break
			}
		}
		tests := make([]string, n)
		for i, r := range s.Regressions {
			tests[i] = r.TestID
		}
		slices.Sort(tests)
		add(ComponentComputation, p, "%d performance regression(s) detected: %s", n, strings.Join(tests, ", "))
	}
	if s.BenchmarkErrorRate > 0.05 {
		add(ComponentComputation, PriorityHigh,
			"Benchmarks fail %.0f%% of invocations: inspect the failing operations", s.BenchmarkErrorRate*100)
	} else if s.ComputationScore < 60 {
		add(ComponentComputation, PriorityLow,
			"Benchmark throughput is below target: consider the vectorized module or larger batches")
	}

	slices.SortFunc(out, func(a, b Recommendation) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.Message, b.Message)
	})
	return out
}

func severityRank(s mempool.Severity) int {
	switch s {
	case mempool.SeverityHigh:
		return 3
	case mempool.SeverityMedium:
		return 2
	case mempool.SeverityLow:
		return 1
	default:
		return 0
	}
}

func sortAlerts(alerts []Alert) {
	slices.SortStableFunc(alerts, func(a, b Alert) int {
		if a.Level != b.Level {
			if a.Level == AlertCritical {
				return -1
			}
			return 1
		}
		if c := strings.Compare(string(a.Component), string(b.Component)); c != 0 {
			return c
		}
		return strings.Compare(a.Message, b.Message)
	})
}
