// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mempool

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

const leakHistorySize = 100

// Severity classifies a LeakRecord by growth.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityFor classifies growth: above 50 MiB high, above 20 MiB medium,
// otherwise low.
func SeverityFor(growthBytes int64) Severity {
	switch {
	case growthBytes > 50*MiB:
		return SeverityHigh
	case growthBytes > 20*MiB:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// MemorySnapshot is an immutable point-in-time heap reading.
type MemorySnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapUsed      uint64    `json:"heap_used"`
	HeapTotal     uint64    `json:"heap_total"`
	ExternalBytes uint64    `json:"external_bytes"`
}

// HeapRatio is HeapUsed / HeapTotal, or 0 when HeapTotal is unknown.
func (s MemorySnapshot) HeapRatio() float64 {
	if s.HeapTotal == 0 {
		return 0
	}
	return float64(s.HeapUsed) / float64(s.HeapTotal)
}

// LeakRecord describes one heap growth episode.
type LeakRecord struct {
	ID                  string    `json:"id"`
	DetectedAt          time.Time `json:"detected_at"`
	GrowthBytes         int64     `json:"growth_bytes"`
	GrowthRatePerSecond float64   `json:"growth_rate_per_second"`
	Severity            Severity  `json:"severity"`
}

// HeapSampler reads current heap figures.
type HeapSampler interface {
	Sample() MemorySnapshot
}

// HeapSamplerFunc adapts a function to HeapSampler.
type HeapSamplerFunc func() MemorySnapshot

// Sample implements HeapSampler.
func (f HeapSamplerFunc) Sample() MemorySnapshot { return f() }

// RuntimeSampler reads the Go runtime's memory statistics.
//
// HeapUsed is HeapAlloc, HeapTotal is HeapSys, and ExternalBytes is the
// memory obtained from the OS outside the heap.
type RuntimeSampler struct{}

// Sample implements HeapSampler.
func (RuntimeSampler) Sample() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemorySnapshot{
		Timestamp:     time.Now(),
		HeapUsed:      ms.HeapAlloc,
		HeapTotal:     ms.HeapSys,
		ExternalBytes: ms.Sys - ms.HeapSys,
	}
}

// LimitSampler reports a fixed heap budget as HeapTotal, so the heap ratio
// reflects a configured limit rather than what the runtime has reserved.
type LimitSampler struct {
	Sampler HeapSampler
	Limit   uint64
}

// Sample implements HeapSampler.
func (l LimitSampler) Sample() MemorySnapshot {
	inner := l.Sampler
	if inner == nil {
		inner = RuntimeSampler{}
	}
	s := inner.Sample()
	if l.Limit > 0 {
		s.HeapTotal = l.Limit
	}
	return s
}

// GCHinter asks the host runtime to return memory.
type GCHinter interface {
	FreeOSMemory()
}

// RuntimeGCHinter forces a collection and returns memory to the OS.
type RuntimeGCHinter struct{}

// FreeOSMemory implements GCHinter.
func (RuntimeGCHinter) FreeOSMemory() { debug.FreeOSMemory() }

// Snapshot samples the heap and runs the leak heuristic.
//
// # Description
//
// The snapshot joins a window of the last SnapshotWindow readings. Once the
// window is full, growth from its oldest to its newest reading above
// LeakThresholdBytes creates a LeakRecord. The window then restarts from
// the newest reading, so one growth episode yields one record.
//
// # Outputs
//
//   - MemorySnapshot: The reading taken. A zero Timestamp from the
//     sampler is replaced with the pool clock.
//   - *LeakRecord: Non-nil when this snapshot detected a leak.
func (p *Pool) Snapshot() (MemorySnapshot, *LeakRecord) {
	snap := p.sampler.Sample()

	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Timestamp.IsZero() {
		snap.Timestamp = p.now()
	}
	p.window.Push(snap)
	p.snapshots++

	if !p.window.Full() {
		return snap, nil
	}
	oldest, _ := p.window.Oldest()
	growth := int64(snap.HeapUsed) - int64(oldest.HeapUsed)
	if growth <= 0 || uint64(growth) <= p.cfg.LeakThresholdBytes {
		return snap, nil
	}

	rec := LeakRecord{
		ID:          uuid.NewString(),
		DetectedAt:  snap.Timestamp,
		GrowthBytes: growth,
		Severity:    SeverityFor(growth),
	}
	if secs := snap.Timestamp.Sub(oldest.Timestamp).Seconds(); secs > 0 {
		rec.GrowthRatePerSecond = float64(growth) / secs
	}
	p.leaks.Push(rec)
	p.window.Reset()
	p.window.Push(snap)

	recordLeak(rec.Severity)
	p.logger.Warn("memory leak suspected",
		slog.String("leak_id", rec.ID),
		slog.Int64("growth_bytes", rec.GrowthBytes),
		slog.Float64("growth_rate_per_second", rec.GrowthRatePerSecond),
		slog.String("severity", string(rec.Severity)))
	return snap, &rec
}

// ActiveLeaks returns leak records that are neither expired nor
// acknowledged, oldest first.
func (p *Pool) ActiveLeaks() []LeakRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLeaksLocked(p.now())
}

func (p *Pool) activeLeaksLocked(now time.Time) []LeakRecord {
	var active []LeakRecord
	for _, rec := range p.leaks.Items() {
		if p.acknowledged[rec.ID] {
			continue
		}
		if p.cfg.LeakCooldown > 0 && now.Sub(rec.DetectedAt) >= p.cfg.LeakCooldown {
			continue
		}
		active = append(active, rec)
	}
	return active
}

// AcknowledgeLeak removes a leak from the active set. The record stays in
// history. It reports whether id names a known record.
func (p *Pool) AcknowledgeLeak(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.leaks.Items() {
		if rec.ID == id {
			p.acknowledged[id] = true
			return true
		}
	}
	return false
}

// WindowGrowth returns heap growth across the current snapshot window in
// bytes. Shrinking heaps report negative growth.
func (p *Pool) WindowGrowth() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windowGrowthLocked()
}

func (p *Pool) windowGrowthLocked() int64 {
	oldest, ok := p.window.Oldest()
	if !ok {
		return 0
	}
	newest, _ := p.window.Newest()
	return int64(newest.HeapUsed) - int64(oldest.HeapUsed)
}

// HealthScore rates memory health from 0 to 100.
//
// # Description
//
// Starting at 100:
//
//   - minus min(30, growth in MiB) for positive growth across the window,
//   - minus 20 when the newest heap ratio exceeds 0.8,
//   - minus 10 per active leak, at most 40.
//
// The result is clamped to [0, 100].
func (p *Pool) HealthScore() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	score := 100.0
	if growth := p.windowGrowthLocked(); growth > 0 {
		score -= min(30, float64(growth)/MiB)
	}
	if newest, ok := p.window.Newest(); ok && newest.HeapRatio() > 0.8 {
		score -= 20
	}
	score -= min(40, 10*float64(len(p.activeLeaksLocked(p.now()))))
	return max(0, min(100, score))
}
