// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mempool provides size-class buffer pools and a heap growth leak
// detector.
//
// Buffers are handed out from one pool per size class. Every buffer a pool
// creates has exactly the class size as its capacity, so Deallocate can
// route a buffer back to its class by cap alone. Heap snapshots are kept in
// a bounded window; growth across a full window beyond a threshold produces
// a LeakRecord.
package mempool

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPerf/services/perf/history"
	"golang.org/x/time/rate"
)

// MiB is one mebibyte. Leak severities are expressed in it.
const MiB = 1 << 20

var (
	// ErrInvalidConfig is returned by New when the configuration is unusable.
	ErrInvalidConfig = errors.New("mempool: invalid config")
)

// Config configures a Pool.
type Config struct {
	// SizeClasses are the buffer sizes served. Must be positive and unique;
	// New sorts them ascending.
	SizeClasses []int

	// MaxFreePerClass caps each class's free list. Released buffers beyond
	// the cap are dropped for the garbage collector.
	MaxFreePerClass int

	// LeakThresholdBytes is the heap growth across a full snapshot window
	// above which a LeakRecord is created.
	LeakThresholdBytes uint64

	// SnapshotWindow is the number of snapshots compared by the leak
	// heuristic (W). Must be at least 2.
	SnapshotWindow int

	// LeakCooldown is how long a LeakRecord stays active. Zero keeps
	// records active until acknowledged.
	LeakCooldown time.Duration

	// GCHintInterval is the minimum spacing between GC hints.
	GCHintInterval time.Duration

	// Sampler reads heap figures. Default: RuntimeSampler.
	Sampler HeapSampler

	// GCHinter receives GC hints. Default: RuntimeGCHinter.
	GCHinter GCHinter

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger receives leak and optimisation events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns classes from 1 KiB to 1 MiB, a 20 buffer free-list
// cap, a 10 MiB leak threshold over 10 snapshots and a 10 minute leak
// cooldown.
func DefaultConfig() Config {
	return Config{
		SizeClasses:        []int{1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20},
		MaxFreePerClass:    20,
		LeakThresholdBytes: 10 * MiB,
		SnapshotWindow:     10,
		LeakCooldown:       10 * time.Minute,
		GCHintInterval:     30 * time.Second,
	}
}

// Validate checks classes and limits.
func (c Config) Validate() error {
	if len(c.SizeClasses) == 0 {
		return fmt.Errorf("%w: at least one size class is required", ErrInvalidConfig)
	}
	seen := make(map[int]bool, len(c.SizeClasses))
	for _, sc := range c.SizeClasses {
		if sc <= 0 {
			return fmt.Errorf("%w: size class must be positive, got %d", ErrInvalidConfig, sc)
		}
		if seen[sc] {
			return fmt.Errorf("%w: duplicate size class %d", ErrInvalidConfig, sc)
		}
		seen[sc] = true
	}
	if c.MaxFreePerClass < 0 {
		return fmt.Errorf("%w: MaxFreePerClass must not be negative", ErrInvalidConfig)
	}
	if c.SnapshotWindow < 2 {
		return fmt.Errorf("%w: SnapshotWindow must be at least 2, got %d", ErrInvalidConfig, c.SnapshotWindow)
	}
	return nil
}

// ClassStats reports one size class.
type ClassStats struct {
	SizeClass     int   `json:"size_class"`
	Free          int   `json:"free"`
	Used          int64 `json:"used"`
	Allocations   int64 `json:"allocations"`
	Deallocations int64 `json:"deallocations"`
	Reused        int64 `json:"reused"`
	Dropped       int64 `json:"dropped"`
}

// Outstanding is the number of buffers handed out and not yet returned.
func (s ClassStats) Outstanding() int64 { return s.Allocations - s.Deallocations }

// Statistics is a point-in-time view of the pool and the leak detector.
type Statistics struct {
	Pools           []ClassStats    `json:"pools"`
	Leaks           []LeakRecord    `json:"leaks"`
	ActiveLeaks     []LeakRecord    `json:"active_leaks"`
	GCRequests      int64           `json:"gc_requests"`
	ForeignReleases int64           `json:"foreign_releases"`
	Snapshots       int64           `json:"snapshots"`
	Latest          *MemorySnapshot `json:"latest,omitempty"`
	TotalUsed       int64           `json:"total_used"`
	TotalFree       int64           `json:"total_free"`
}

type classPool struct {
	size          int
	free          [][]byte
	outstanding   map[*byte]struct{}
	allocations   int64
	deallocations int64
	reused        int64
	dropped       int64

	// Optimisation pass bookkeeping.
	prevAllocs, prevDeallocs int64
	starvedPasses            int
}

func (p *classPool) used() int64 {
	return (p.allocations - p.deallocations) * int64(p.size)
}

func (p *classPool) stats() ClassStats {
	return ClassStats{
		SizeClass:     p.size,
		Free:          len(p.free),
		Used:          p.used(),
		Allocations:   p.allocations,
		Deallocations: p.deallocations,
		Reused:        p.reused,
		Dropped:       p.dropped,
	}
}

// Pool serves fixed-size buffers and tracks heap growth.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	sampler HeapSampler
	hinter  GCHinter
	limiter *rate.Limiter

	mu              sync.Mutex
	classes         []*classPool // ascending by size
	bySize          map[int]*classPool
	window          *history.Ring[MemorySnapshot]
	leaks           *history.Ring[LeakRecord]
	acknowledged    map[string]bool
	gcRequests      int64
	foreignReleases int64
	snapshots       int64
}

// New creates a Pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SizeClasses = slices.Clone(cfg.SizeClasses)
	slices.Sort(cfg.SizeClasses)

	p := &Pool{
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     cfg.Clock,
		sampler: cfg.Sampler,
		hinter:  cfg.GCHinter,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sampler == nil {
		p.sampler = RuntimeSampler{}
	}
	if p.hinter == nil {
		p.hinter = RuntimeGCHinter{}
	}
	every := rate.Inf
	if cfg.GCHintInterval > 0 {
		every = rate.Every(cfg.GCHintInterval)
	}
	p.limiter = rate.NewLimiter(every, 1)
	p.reset()
	return p, nil
}

// reset rebuilds all mutable state. Caller holds p.mu or has exclusive access.
func (p *Pool) reset() {
	p.classes = make([]*classPool, len(p.cfg.SizeClasses))
	p.bySize = make(map[int]*classPool, len(p.cfg.SizeClasses))
	for i, sc := range p.cfg.SizeClasses {
		cp := &classPool{size: sc, outstanding: make(map[*byte]struct{})}
		p.classes[i] = cp
		p.bySize[sc] = cp
	}
	p.window = history.NewRing[MemorySnapshot](p.cfg.SnapshotWindow)
	p.leaks = history.NewRing[LeakRecord](leakHistorySize)
	p.acknowledged = make(map[string]bool)
	p.gcRequests = 0
	p.foreignReleases = 0
	p.snapshots = 0
}

// SizeClasses returns the configured classes, ascending.
func (p *Pool) SizeClasses() []int {
	return slices.Clone(p.cfg.SizeClasses)
}

// Allocate returns a buffer of length size from the smallest class that
// can hold it.
//
// # Description
//
// A free buffer is reused when available, otherwise a new one with the
// class size as capacity is created. Reused buffers are zeroed. Both paths
// count as an allocation.
//
// # Outputs
//
//   - []byte: len == size, cap == class size. Nil if size is not positive
//     or larger than the largest class.
func (p *Pool) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	p.mu.Lock()
	cp := p.classFor(size)
	if cp == nil {
		p.mu.Unlock()
		return nil
	}
	cp.allocations++
	var buf []byte
	reused := false
	if n := len(cp.free); n > 0 {
		buf = cp.free[n-1][:cp.size]
		cp.free[n-1] = nil
		cp.free = cp.free[:n-1]
		cp.reused++
		reused = true
	} else {
		buf = make([]byte, cp.size)
	}
	cp.outstanding[bufferKey(buf)] = struct{}{}
	p.mu.Unlock()

	recordAllocation(reused)
	if reused {
		clear(buf)
	}
	return buf[:size]
}

// Deallocate returns buf to its size class.
//
// # Description
//
// The class is identified by cap(buf). Only buffers handed out by
// Allocate and not yet released are accepted; anything else, including a
// second release of the same buffer, is ignored and counted as a foreign
// release. The buffer is kept on the free list while the list is under
// MaxFreePerClass and dropped otherwise.
func (p *Pool) Deallocate(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cp, ok := p.bySize[cap(buf)]
	if !ok {
		p.foreignReleases++
		return
	}
	key := bufferKey(buf)
	if _, out := cp.outstanding[key]; !out {
		p.foreignReleases++
		return
	}
	delete(cp.outstanding, key)
	cp.deallocations++
	if len(cp.free) < p.cfg.MaxFreePerClass {
		cp.free = append(cp.free, buf[:0])
		return
	}
	cp.dropped++
}

// bufferKey identifies a buffer by the first byte of its backing array.
func bufferKey(buf []byte) *byte {
	return &buf[:cap(buf)][0]
}

// classFor returns the smallest class holding size. Caller holds p.mu.
func (p *Pool) classFor(size int) *classPool {
	i, _ := slices.BinarySearch(p.cfg.SizeClasses, size)
	if i >= len(p.classes) {
		return nil
	}
	return p.classes[i]
}

// Statistics returns counters for every class and the leak detector.
func (p *Pool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := Statistics{
		Pools:           make([]ClassStats, len(p.classes)),
		Leaks:           p.leaks.Items(),
		ActiveLeaks:     p.activeLeaksLocked(now),
		GCRequests:      p.gcRequests,
		ForeignReleases: p.foreignReleases,
		Snapshots:       p.snapshots,
	}
	for i, cp := range p.classes {
		s.Pools[i] = cp.stats()
		s.TotalUsed += cp.used()
		s.TotalFree += int64(len(cp.free) * cp.size)
	}
	if latest, ok := p.window.Newest(); ok {
		s.Latest = &latest
	}
	return s
}

// Shutdown releases every pooled buffer, clears the leak detector and
// resets all counters. The pool remains usable afterwards.
//
// Buffers handed out before Shutdown and returned after it are counted as
// foreign releases.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	p.logger.Info("memory pool shut down")
}
