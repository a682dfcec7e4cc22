// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"log/slog"
	"time"
)

// Eviction score weights. See EvictionScore.
const (
	ageWeight      = 0.3
	idleWeight     = 0.4
	hitRatioWeight = 1000.0
	sizeWeight     = 0.001
)

// EvictionScore computes the eviction priority of an entry at now.
//
// # Description
//
//	score = 0.3*ageMs + 0.4*idleMs - 1000*hitRatio + 0.001*sizeBytes
//
// where hitRatio = HitCount / max(AccessCount, 1). Old, idle, rarely hit
// and large entries score high; the highest score is evicted first.
func EvictionScore(e Entry, now time.Time) float64 {
	ageMs := float64(now.Sub(e.CreatedAt)) / float64(time.Millisecond)
	idleMs := float64(now.Sub(e.LastAccessedAt)) / float64(time.Millisecond)
	accesses := e.AccessCount
	if accesses < 1 {
		accesses = 1
	}
	hitRatio := float64(e.HitCount) / float64(accesses)
	return ageWeight*ageMs + idleWeight*idleMs - hitRatioWeight*hitRatio + sizeWeight*float64(e.SizeBytes)
}

func (e *entry) score(now time.Time) float64 {
	return EvictionScore(Entry{
		CreatedAt:      e.createdAt,
		AccessCount:    e.accessCount,
		HitCount:       e.hitCount,
		LastAccessedAt: e.lastAccessedAt,
		SizeBytes:      e.size,
	}, now)
}

// makeRoomLocked frees space for an incoming entry of the given size.
// Expired entries go first and count as expirations; live entries are
// then evicted by policy. Caller holds c.mu.
func (c *Cache) makeRoomLocked(size int64, now time.Time) {
	if c.fitsLocked(size) {
		return
	}
	if n := c.sweepLocked(now); n > 0 {
		recordExpiration(n)
	}
	evicted := 0
	for !c.fitsLocked(size) && len(c.entries) > 0 {
		victim := c.victimLocked(now)
		c.removeLocked(victim)
		c.evictions++
		evicted++
		c.logger.Debug("cache entry evicted",
			slog.String("key", victim.key),
			slog.Int64("size_bytes", victim.size))
	}
	if evicted > 0 {
		recordEviction(evicted)
	}
}

func (c *Cache) fitsLocked(size int64) bool {
	return c.size+size <= c.cfg.MaxSizeBytes && len(c.entries)+1 <= c.cfg.MaxEntries
}

// victimLocked picks the next entry to evict. Caller holds c.mu and
// guarantees the cache is not empty.
func (c *Cache) victimLocked(now time.Time) *entry {
	if !c.cfg.IntelligentEviction {
		return c.recency.Back().Value.(*entry)
	}
	var (
		victim *entry
		best   float64
	)
	// Walk from least to most recent so ties resolve toward the LRU entry.
	for el := c.recency.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if s := e.score(now); victim == nil || s > best {
			victim, best = e, s
		}
	}
	return victim
}
