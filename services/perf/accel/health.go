// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package accel

import (
	"fmt"
	"math"
)

// HealthStatus classifies the active module.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"

	// HealthIdle means no load has been attempted yet.
	HealthIdle HealthStatus = "idle"
)

// Thresholds used by HealthCheck.
const (
	memoryRatioWarning = 0.80
	memoryRatioError   = 0.95
	errorRateWarning   = 0.01
	errorRateError     = 0.10
	perfScoreWarning   = 60
	perfScoreError     = 30
)

// Health is the result of HealthCheck.
type Health struct {
	Status           HealthStatus  `json:"status"`
	Module           string        `json:"module,omitempty"`
	Variant          Variant       `json:"variant,omitempty"`
	MemoryBytes      uint64        `json:"memory_bytes"`
	MemoryRatio      float64       `json:"memory_ratio"`
	ErrorRate        float64       `json:"error_rate"`
	PerformanceScore float64       `json:"performance_score"`
	Score            float64       `json:"score"`
	Calls            InstanceStats `json:"calls"`
	Issues           []string      `json:"issues,omitempty"`
}

// HealthCheck classifies the active module. It has no side effects.
//
// # Description
//
// The memory ratio is linear memory over MemoryLimitBytes. The error rate
// is failed calls over calls. The performance score is 100 while the mean
// latency of recent calls is within TargetCallLatency and falls in
// proportion beyond it. Status is error when any figure crosses its error
// threshold (ratio 0.95, rate 0.10, score 30) and warning at the warning
// thresholds (0.80, 0.01, 60). Without an active module the status is
// idle with a neutral score of 100 until a load has been attempted, and
// error with a score of 0 once one has failed.
//
// Score combines the three figures for the orchestrator:
//
//	0.5*performance + 30*(1 - min(1, 10*errorRate)) + 20*(1 - min(1, memoryRatio))
func (l *Loader) HealthCheck() Health {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()

	if active == nil || active.Closed() {
		if !l.attempted() {
			return Health{Status: HealthIdle, Score: 100, Issues: []string{"no accelerator module loaded yet"}}
		}
		return Health{Status: HealthError, Issues: []string{"no accelerator module loaded"}}
	}

	stats := active.Stats()
	h := Health{
		Status:           HealthHealthy,
		Module:           active.Name(),
		Variant:          active.desc.Variant,
		MemoryBytes:      active.MemoryBytes(),
		ErrorRate:        stats.ErrorRate(),
		PerformanceScore: 100,
		Calls:            stats,
	}
	if l.cfg.MemoryLimitBytes > 0 {
		h.MemoryRatio = float64(h.MemoryBytes) / float64(l.cfg.MemoryLimitBytes)
	}
	if stats.Samples > 0 && l.cfg.TargetCallLatency > 0 && stats.AvgLatency > l.cfg.TargetCallLatency {
		h.PerformanceScore = 100 * float64(l.cfg.TargetCallLatency) / float64(stats.AvgLatency)
	}

	escalate := func(s HealthStatus, issue string) {
		h.Issues = append(h.Issues, issue)
		if s == HealthError || h.Status == HealthHealthy {
			h.Status = s
		}
	}
	switch {
	case h.MemoryRatio > memoryRatioError:
		escalate(HealthError, fmt.Sprintf("memory at %.0f%% of limit", h.MemoryRatio*100))
	case h.MemoryRatio > memoryRatioWarning:
		escalate(HealthWarning, fmt.Sprintf("memory at %.0f%% of limit", h.MemoryRatio*100))
	}
	switch {
	case h.ErrorRate > errorRateError:
		escalate(HealthError, fmt.Sprintf("call error rate %.1f%%", h.ErrorRate*100))
	case h.ErrorRate > errorRateWarning:
		escalate(HealthWarning, fmt.Sprintf("call error rate %.1f%%", h.ErrorRate*100))
	}
	switch {
	case h.PerformanceScore < perfScoreError:
		escalate(HealthError, fmt.Sprintf("performance score %.0f", h.PerformanceScore))
	case h.PerformanceScore < perfScoreWarning:
		escalate(HealthWarning, fmt.Sprintf("performance score %.0f", h.PerformanceScore))
	}

	score := 0.5*h.PerformanceScore +
		30*(1-math.Min(1, 10*h.ErrorRate)) +
		20*(1-math.Min(1, h.MemoryRatio))
	h.Score = math.Max(0, math.Min(100, score))
	return h
}

// attempted reports whether LoadPreferred or SwitchTo ran since the loader
// was created or last Reset.
func (l *Loader) attempted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tried
}
