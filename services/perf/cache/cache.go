// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the artifact cache of the performance subsystem.
//
// The cache stores byte values under string keys with size accounting,
// optional per-entry expiry, transparent compression of large values and a
// scored eviction policy that prefers to drop old, idle, rarely-hit and
// large entries. A least-recently-used mode is available for workloads
// where the scored policy is not wanted.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Concurrent Set calls on the same
// key resolve last-writer-wins under a single lock.
package cache

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidConfig is returned by New when the configuration is unusable.
	ErrInvalidConfig = errors.New("cache: invalid config")

	// ErrNilLoader is returned by GetOrLoad when no loader is supplied.
	ErrNilLoader = errors.New("cache: nil loader")
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Cache.
type Config struct {
	// MaxSizeBytes bounds the summed stored size of all live entries.
	MaxSizeBytes int64

	// MaxEntries bounds the number of live entries.
	MaxEntries int

	// DefaultTTL applies when Set is called with ttl == 0. Zero means
	// entries do not expire by default.
	DefaultTTL time.Duration

	// IntelligentEviction selects scored eviction. When false the cache
	// evicts least-recently-used entries.
	IntelligentEviction bool

	// CompressionThreshold is the value size at or above which the
	// Compressor is applied. Zero or negative disables compression.
	CompressionThreshold int

	// Compressor transforms large values. Nil disables compression.
	Compressor Compressor

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger receives eviction and rejection events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a 64 MiB, 10k entry cache with scored eviction,
// a one hour default TTL and snappy compression above 4 KiB.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes:         64 << 20,
		MaxEntries:           10_000,
		DefaultTTL:           time.Hour,
		IntelligentEviction:  true,
		CompressionThreshold: 4 << 10,
		Compressor:           SnappyCompressor{},
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxSizeBytes <= 0 {
		return fmt.Errorf("%w: MaxSizeBytes must be positive, got %d", ErrInvalidConfig, c.MaxSizeBytes)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("%w: MaxEntries must be positive, got %d", ErrInvalidConfig, c.MaxEntries)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("%w: DefaultTTL must not be negative", ErrInvalidConfig)
	}
	return nil
}

// =============================================================================
// Entry and Stats
// =============================================================================

// Entry is a snapshot of one cache entry's bookkeeping, as returned by
// Inspect. Value holds the stored (possibly compressed) bytes.
type Entry struct {
	Key            string    `json:"key"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
	AccessCount    int64     `json:"access_count"`
	HitCount       int64     `json:"hit_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	SizeBytes      int64     `json:"size_bytes"`
	OriginalSize   int64     `json:"original_size"`
	Compressed     bool      `json:"compressed"`
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	Evictions     int64         `json:"evictions"`
	Expirations   int64         `json:"expirations"`
	Rejected      int64         `json:"rejected"`
	HitRatio      float64       `json:"hit_ratio"`
	AvgAccessTime time.Duration `json:"avg_access_time_ns"`
	TotalSize     int64         `json:"total_size"`
	EntryCount    int           `json:"entry_count"`
	MaxSizeBytes  int64         `json:"max_size_bytes"`
	MaxEntries    int           `json:"max_entries"`
	Compressed    int           `json:"compressed_entries"`
	BytesSaved    int64         `json:"bytes_saved"`
}

// AvgAccessTimeMs reports AvgAccessTime in milliseconds.
func (s Stats) AvgAccessTimeMs() float64 {
	return float64(s.AvgAccessTime) / float64(time.Millisecond)
}

// Utilization is TotalSize relative to MaxSizeBytes.
func (s Stats) Utilization() float64 {
	if s.MaxSizeBytes <= 0 {
		return 0
	}
	return float64(s.TotalSize) / float64(s.MaxSizeBytes)
}

type entry struct {
	key            string
	value          []byte
	createdAt      time.Time
	expiresAt      time.Time
	accessCount    int64
	hitCount       int64
	lastAccessedAt time.Time
	size           int64
	originalSize   int64
	compressed     bool
	elem           *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// =============================================================================
// Cache
// =============================================================================

// Cache is a size-bounded key/value store for computed artifacts.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	recency *list.List // front = most recently used
	size    int64

	hits, misses, evictions, expirations, rejected int64
	accessTotal                                    time.Duration
	accessCount                                    int64
}

// New creates a Cache.
//
// # Outputs
//
//   - *Cache: Ready to use.
//   - error: ErrInvalidConfig if limits are not positive.
func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     cfg.Clock,
		entries: make(map[string]*entry),
		recency: list.New(),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Config returns the configuration the cache was built with.
func (c *Cache) Config() Config { return c.cfg }

// Set stores value under key.
//
// # Description
//
// ttl == 0 applies DefaultTTL; ttl < 0 stores without expiry. The value is
// copied. Values at or above CompressionThreshold are compressed when that
// makes them smaller. If the stored size exceeds MaxSizeBytes the value is
// rejected and any previous value for key is dropped, since it is stale.
// Otherwise entries are evicted until the new one fits.
//
// # Outputs
//
//   - bool: True if the value was stored.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) bool {
	stored, compressed := c.encode(value)
	size := int64(len(stored))

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var accessCount, hitCount int64
	if old, ok := c.entries[key]; ok {
		accessCount, hitCount = old.accessCount+1, old.hitCount
		c.removeLocked(old)
	}

	if size > c.cfg.MaxSizeBytes {
		c.rejected++
		c.logger.Warn("cache value exceeds capacity",
			slog.String("key", key),
			slog.Int64("size_bytes", size),
			slog.Int64("max_size_bytes", c.cfg.MaxSizeBytes))
		return false
	}

	c.makeRoomLocked(size, now)

	e := &entry{
		key:            key,
		value:          stored,
		createdAt:      now,
		accessCount:    accessCount,
		hitCount:       hitCount,
		lastAccessedAt: now,
		size:           size,
		originalSize:   int64(len(value)),
		compressed:     compressed,
	}
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	e.elem = c.recency.PushFront(e)
	c.entries[key] = e
	c.size += size
	return true
}

// Get returns a copy of the value for key.
//
// Expired entries are removed on access and reported as a miss; they count
// as expirations, never as evictions.
func (c *Cache) Get(key string) ([]byte, bool) {
	start := time.Now()
	defer func() { c.recordAccess(time.Since(start)) }()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		recordMiss()
		return nil, false
	}
	now := c.now()
	if e.expired(now) {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		c.mu.Unlock()
		recordMiss()
		recordExpiration(1)
		return nil, false
	}
	e.accessCount++
	e.hitCount++
	e.lastAccessedAt = now
	c.recency.MoveToFront(e.elem)
	c.hits++
	stored, compressed := e.value, e.compressed
	c.mu.Unlock()

	recordHit()
	value, err := c.decode(stored, compressed)
	if err != nil {
		c.logger.Error("cache value could not be decompressed",
			slog.String("key", key), slog.String("error", err.Error()))
		c.Delete(key)
		return nil, false
	}
	return value, true
}

// Delete removes key. It reports whether the key was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		c.removeLocked(e)
	}
	return ok
}

// Clear removes all entries. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.recency.Init()
	c.size = 0
}

// Len returns the number of stored entries, including expired entries not
// yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns stored keys, most recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for el := c.recency.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Inspect returns bookkeeping for key without counting as an access.
func (c *Cache) Inspect(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Key:            e.key,
		CreatedAt:      e.createdAt,
		ExpiresAt:      e.expiresAt,
		AccessCount:    e.accessCount,
		HitCount:       e.hitCount,
		LastAccessedAt: e.lastAccessedAt,
		SizeBytes:      e.size,
		OriginalSize:   e.originalSize,
		Compressed:     e.compressed,
	}, true
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Expirations:  c.expirations,
		Rejected:     c.rejected,
		TotalSize:    c.size,
		EntryCount:   len(c.entries),
		MaxSizeBytes: c.cfg.MaxSizeBytes,
		MaxEntries:   c.cfg.MaxEntries,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	if c.accessCount > 0 {
		s.AvgAccessTime = c.accessTotal / time.Duration(c.accessCount)
	}
	for _, e := range c.entries {
		if e.compressed {
			s.Compressed++
			s.BytesSaved += e.originalSize - e.size
		}
	}
	return s
}

// HealthScore rates the cache from 0 to 100.
//
// The score is the hit ratio as a percentage (100 before any lookup),
// reduced by 10 when the cache is above 90% of its byte capacity and by
// up to 20 more when evictions outnumber hits.
func (c *Cache) HealthScore() float64 {
	s := c.Stats()
	score := 100.0
	if s.Hits+s.Misses > 0 {
		score = s.HitRatio * 100
	}
	if s.Utilization() > 0.9 {
		score -= 10
	}
	if s.Evictions > s.Hits && s.Evictions > 0 {
		penalty := float64(s.Evictions-s.Hits) / float64(s.Evictions) * 20
		score -= penalty
	}
	return clamp(score, 0, 100)
}

// removeLocked drops e from the index. Caller holds c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.recency.Remove(e.elem)
	c.size -= e.size
}

func (c *Cache) recordAccess(d time.Duration) {
	c.mu.Lock()
	c.accessTotal += d
	c.accessCount++
	c.mu.Unlock()
}

func (c *Cache) encode(value []byte) ([]byte, bool) {
	if c.cfg.Compressor != nil && c.cfg.CompressionThreshold > 0 && len(value) >= c.cfg.CompressionThreshold {
		out, err := c.cfg.Compressor.Compress(value)
		if err == nil && len(out) < len(value) {
			return out, true
		}
	}
	return bytes.Clone(value), false
}

func (c *Cache) decode(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return bytes.Clone(stored), nil
	}
	return c.cfg.Compressor.Decompress(stored)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
