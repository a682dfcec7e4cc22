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
	"math"
	"runtime"

	"github.com/AleutianAI/AleutianPerf/services/perf/benchmark"
)

// =============================================================================
// Components and Weights
// =============================================================================

// Component names a scored subsystem.
type Component string

const (
	ComponentSystem      Component = "system"
	ComponentCache       Component = "cache"
	ComponentMemory      Component = "memory"
	ComponentAccelerator Component = "accelerator"
	ComponentComputation Component = "computation"
)

// Components lists every component in report order.
var Components = []Component{
	ComponentSystem,
	ComponentCache,
	ComponentMemory,
	ComponentAccelerator,
	ComponentComputation,
}

// Weights maps components to their share of the overall score.
type Weights map[Component]float64

// DefaultWeights returns system 0.3, cache 0.2, memory 0.2, accelerator
// 0.15 and computation 0.15.
func DefaultWeights() Weights {
	return Weights{
		ComponentSystem:      0.30,
		ComponentCache:       0.20,
		ComponentMemory:      0.20,
		ComponentAccelerator: 0.15,
		ComponentComputation: 0.15,
	}
}

// OverallScore is the weighted sum of component scores, normalised by the
// total weight and rounded to two decimals. A component missing from
// scores counts as 0.
func OverallScore(scores map[Component]float64, w Weights) float64 {
	var sum, total float64
	for _, c := range Components {
		weight, ok := w[c]
		if !ok || weight <= 0 {
			continue
		}
		total += weight
		sum += weight * clampScore(scores[c])
	}
	if total == 0 {
		return 0
	}
	return round2(sum / total)
}

// =============================================================================
// Grade and Status
// =============================================================================

// Grade is the letter form of the overall score.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// GradeFor maps a score to A (>=90), B (>=80), C (>=70), D (>=60) or F.
func GradeFor(score float64) Grade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 80:
		return GradeB
	case score >= 70:
		return GradeC
	case score >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// Status classifies the whole subsystem.
type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusWarning   Status = "warning"
	StatusCritical  Status = "critical"
)

// StatusFor combines score, alert count and regressions.
//
// # Description
//
//   - critical: score < 50, 5 or more alerts, or any critical regression
//   - warning: score < 70, 2 or more alerts, or any regression
//   - good: score < 90 or any alert
//   - excellent: otherwise
func StatusFor(score float64, alerts, regressions int, criticalRegression bool) Status {
	switch {
	case score < 50 || alerts >= 5 || criticalRegression:
		return StatusCritical
	case score < 70 || alerts >= 2 || regressions >= 1:
		return StatusWarning
	case score < 90 || alerts >= 1:
		return StatusGood
	default:
		return StatusExcellent
	}
}

// =============================================================================
// System and Computation Scores
// =============================================================================

// SystemSample is a reading of host process figures.
type SystemSample struct {
	HeapUsed   uint64 `json:"heap_used"`
	HeapTotal  uint64 `json:"heap_total"`
	Goroutines int    `json:"goroutines"`
	CPUs       int    `json:"cpus"`
	GCPauseNs  uint64 `json:"gc_pause_ns"`
}

// SystemSampler reads host process figures.
type SystemSampler interface {
	SampleSystem() SystemSample
}

// SystemSamplerFunc adapts a function to SystemSampler.
type SystemSamplerFunc func() SystemSample

// SampleSystem implements SystemSampler.
func (f SystemSamplerFunc) SampleSystem() SystemSample { return f() }

// RuntimeSystemSampler reads the Go runtime.
type RuntimeSystemSampler struct{}

// SampleSystem implements SystemSampler.
func (RuntimeSystemSampler) SampleSystem() SystemSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemSample{
		HeapUsed:   ms.HeapAlloc,
		HeapTotal:  ms.HeapSys,
		Goroutines: runtime.NumGoroutine(),
		CPUs:       runtime.NumCPU(),
		GCPauseNs:  ms.PauseNs[(ms.NumGC+255)%256],
	}
}

// SystemScore rates host pressure from 0 to 100.
//
// Heap utilisation above 0.9 costs 30 and above 0.75 costs 15. More than
// 1000 goroutines per CPU costs 20 and more than 250 costs 10. A last GC
// pause above 50ms costs 10.
func SystemScore(s SystemSample) float64 {
	score := 100.0
	if s.HeapTotal > 0 {
		ratio := float64(s.HeapUsed) / float64(s.HeapTotal)
		switch {
		case ratio > 0.9:
			score -= 30
		case ratio > 0.75:
			score -= 15
		}
	}
	cpus := max(1, s.CPUs)
	switch perCPU := s.Goroutines / cpus; {
	case perCPU > 1000:
		score -= 20
	case perCPU > 250:
		score -= 10
	}
	if s.GCPauseNs > 50e6 {
		score -= 10
	}
	return clampScore(score)
}

// ComputationScore rates benchmark throughput against a target.
//
// # Description
//
// The score is 100 * mean(opsPerSecond) / target, capped at 100, minus
// 50 times the mean error rate. Without results the score is 100: no
// measurement is not a degradation.
func ComputationScore(results []*benchmark.Result, targetOpsPerSecond float64) float64 {
	if len(results) == 0 {
		return 100
	}
	var ops, errRate float64
	for _, r := range results {
		ops += r.OpsPerSecond
		errRate += r.ErrorRate()
	}
	ops /= float64(len(results))
	errRate /= float64(len(results))

	score := 100.0
	if targetOpsPerSecond > 0 {
		score = math.Min(100, 100*ops/targetOpsPerSecond)
	}
	return clampScore(score - 50*errRate)
}

// MeanOpsPerSecond averages throughput across results, or 0 without any.
func MeanOpsPerSecond(results []*benchmark.Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.OpsPerSecond
	}
	return sum / float64(len(results))
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
