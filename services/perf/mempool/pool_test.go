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
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSampler struct {
	mu    sync.Mutex
	snaps []MemorySnapshot
	next  int
}

func (s *scriptedSampler) Sample() MemorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.snaps) {
		return s.snaps[len(s.snaps)-1]
	}
	snap := s.snaps[s.next]
	s.next++
	return snap
}

type countingHinter struct{ calls atomic.Int32 }

func (h *countingHinter) FreeOSMemory() { h.calls.Add(1) }

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func growthSnapshots(n int, startMiB, stepMiB float64, totalMiB uint64) []MemorySnapshot {
	out := make([]MemorySnapshot, n)
	for i := range out {
		out[i] = MemorySnapshot{
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			HeapUsed:  uint64((startMiB + stepMiB*float64(i)) * MiB),
			HeapTotal: totalMiB * MiB,
		}
	}
	return out
}

func newTestPool(t *testing.T, mutate func(*Config)) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SizeClasses = []int{64, 256, 1024}
	cfg.Sampler = &scriptedSampler{snaps: []MemorySnapshot{{Timestamp: t0}}}
	cfg.GCHinter = &countingHinter{}
	cfg.Clock = func() time.Time { return t0 }
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no classes", func(c *Config) { c.SizeClasses = nil }},
		{"zero class", func(c *Config) { c.SizeClasses = []int{0, 64} }},
		{"duplicate class", func(c *Config) { c.SizeClasses = []int{64, 64} }},
		{"negative free cap", func(c *Config) { c.MaxFreePerClass = -1 }},
		{"window too small", func(c *Config) { c.SnapshotWindow = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestPool_AllocatePicksSmallestFittingClass(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.SizeClasses = []int{1024, 64, 256} })
	assert.Equal(t, []int{64, 256, 1024}, p.SizeClasses())

	tests := []struct {
		size    int
		wantCap int
	}{
		{1, 64},
		{64, 64},
		{65, 256},
		{1000, 1024},
	}
	for _, tt := range tests {
		buf := p.Allocate(tt.size)
		require.NotNil(t, buf)
		assert.Len(t, buf, tt.size)
		assert.Equal(t, tt.wantCap, cap(buf))
	}

	assert.Nil(t, p.Allocate(0))
	assert.Nil(t, p.Allocate(2048))
}

func TestPool_ReuseFromFreeList(t *testing.T) {
	p := newTestPool(t, nil)
	buf := p.Allocate(10)
	buf[0] = 0xFF
	p.Deallocate(buf)

	again := p.Allocate(20)
	require.Len(t, again, 20)
	assert.Equal(t, byte(0), again[0], "reused buffers are zeroed")

	s := p.Statistics().Pools[0]
	assert.EqualValues(t, 2, s.Allocations)
	assert.EqualValues(t, 1, s.Deallocations)
	assert.EqualValues(t, 1, s.Reused)
	assert.Equal(t, 0, s.Free)
}

func TestPool_FreeListCap(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MaxFreePerClass = 2 })
	bufs := make([][]byte, 5)
	for i := range bufs {
		bufs[i] = p.Allocate(32)
	}
	for _, b := range bufs {
		p.Deallocate(b)
	}

	s := p.Statistics().Pools[0]
	assert.Equal(t, 2, s.Free)
	assert.EqualValues(t, 3, s.Dropped)
	assert.EqualValues(t, 0, s.Used)
}

func TestPool_ForeignRelease(t *testing.T) {
	p := newTestPool(t, nil)
	p.Deallocate(make([]byte, 10, 100))
	p.Deallocate(make([]byte, 10, 64)) // right class, nothing outstanding
	p.Deallocate(nil)

	s := p.Statistics()
	assert.EqualValues(t, 2, s.ForeignReleases)
	assert.EqualValues(t, 0, s.Pools[0].Deallocations)
}

func TestPool_DoubleReleaseIgnored(t *testing.T) {
	p := newTestPool(t, nil)
	x := p.Allocate(10)
	y := p.Allocate(10)

	p.Deallocate(x)
	p.Deallocate(x)

	s := p.Statistics()
	assert.EqualValues(t, 1, s.ForeignReleases)
	assert.EqualValues(t, 1, s.Pools[0].Deallocations)
	assert.Equal(t, 1, s.Pools[0].Free)
	assert.EqualValues(t, 64, s.Pools[0].Used, "only y is outstanding")

	a := p.Allocate(10)
	b := p.Allocate(10)
	a[0], b[0], y[0] = 1, 2, 3
	assert.NotSame(t, &a[:cap(a)][0], &b[:cap(b)][0])
	assert.Equal(t, byte(3), y[0])
	assert.EqualValues(t, 192, p.Statistics().Pools[0].Used)

	// Releasing a resliced buffer still matches by backing array.
	p.Deallocate(a[:0])
	assert.EqualValues(t, 128, p.Statistics().Pools[0].Used)
}

func TestPool_AccountingInvariant(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MaxFreePerClass = 3 })
	rng := rand.New(rand.NewSource(7))
	var held [][]byte

	check := func(step int) {
		for _, s := range p.Statistics().Pools {
			require.Equal(t, (s.Allocations-s.Deallocations)*int64(s.SizeClass), s.Used, "step %d class %d", step, s.SizeClass)
			require.GreaterOrEqual(t, s.Used, int64(0), "step %d", step)
		}
	}

	for step := 0; step < 1000; step++ {
		switch {
		case rng.Intn(2) == 0 || len(held) == 0:
			if b := p.Allocate(rng.Intn(1100) + 1); b != nil {
				held = append(held, b)
			}
		case rng.Intn(10) == 0:
			// Stray release of a buffer the pool never issued.
			p.Deallocate(make([]byte, 1, 256))
		default:
			i := rng.Intn(len(held))
			p.Deallocate(held[i])
			held = append(held[:i], held[i+1:]...)
		}
		if step%50 == 0 {
			p.Optimize()
		}
		check(step)
	}
}

func TestPool_LeakDetection_SingleHighRecord(t *testing.T) {
	sampler := &scriptedSampler{snaps: growthSnapshots(5, 100, 15, 1024)}
	p := newTestPool(t, func(c *Config) {
		c.Sampler = sampler
		c.SnapshotWindow = 5
		c.LeakThresholdBytes = 10 * MiB
	})

	var detected []*LeakRecord
	for i := 0; i < 5; i++ {
		if _, rec := p.Snapshot(); rec != nil {
			detected = append(detected, rec)
		}
	}

	require.Len(t, detected, 1)
	rec := detected[0]
	assert.Equal(t, SeverityHigh, rec.Severity)
	assert.EqualValues(t, 60*MiB, rec.GrowthBytes)
	assert.InDelta(t, float64(60*MiB)/4, rec.GrowthRatePerSecond, 1)
	assert.NotEmpty(t, rec.ID)

	stats := p.Statistics()
	assert.Len(t, stats.Leaks, 1)
	assert.Len(t, stats.ActiveLeaks, 1)
}

func TestPool_LeakWindowRestartsAfterDetection(t *testing.T) {
	// Flat after the growth episode: no second record.
	snaps := growthSnapshots(5, 100, 15, 1024)
	for i := 0; i < 10; i++ {
		last := snaps[len(snaps)-1]
		last.Timestamp = last.Timestamp.Add(time.Second)
		snaps = append(snaps, last)
	}
	p := newTestPool(t, func(c *Config) {
		c.Sampler = &scriptedSampler{snaps: snaps}
		c.SnapshotWindow = 5
	})
	for range snaps {
		p.Snapshot()
	}
	assert.Len(t, p.Statistics().Leaks, 1)
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityHigh, SeverityFor(51*MiB))
	assert.Equal(t, SeverityMedium, SeverityFor(50*MiB))
	assert.Equal(t, SeverityMedium, SeverityFor(21*MiB))
	assert.Equal(t, SeverityLow, SeverityFor(20*MiB))
}

func TestPool_NoLeakBelowThreshold(t *testing.T) {
	p := newTestPool(t, func(c *Config) {
		c.Sampler = &scriptedSampler{snaps: growthSnapshots(5, 100, 2, 1024)}
		c.SnapshotWindow = 5
	})
	for i := 0; i < 5; i++ {
		_, rec := p.Snapshot()
		assert.Nil(t, rec)
	}
}

func TestPool_LeakCooldownAndAcknowledge(t *testing.T) {
	now := t0
	p := newTestPool(t, func(c *Config) {
		c.Sampler = &scriptedSampler{snaps: growthSnapshots(10, 100, 15, 1024)}
		c.SnapshotWindow = 5
		c.LeakCooldown = time.Minute
		c.Clock = func() time.Time { return now }
	})
	var ids []string
	for i := 0; i < 10; i++ {
		if _, rec := p.Snapshot(); rec != nil {
			ids = append(ids, rec.ID)
		}
	}
	require.Len(t, ids, 2)
	assert.Len(t, p.ActiveLeaks(), 2)

	assert.True(t, p.AcknowledgeLeak(ids[0]))
	assert.False(t, p.AcknowledgeLeak("nope"))
	active := p.ActiveLeaks()
	require.Len(t, active, 1)
	assert.Equal(t, ids[1], active[0].ID)

	now = now.Add(2 * time.Minute)
	assert.Empty(t, p.ActiveLeaks())
	assert.Len(t, p.Statistics().Leaks, 2, "history keeps expired records")
}

func TestPool_HealthScore(t *testing.T) {
	t.Run("fresh pool", func(t *testing.T) {
		p := newTestPool(t, nil)
		assert.Equal(t, 100.0, p.HealthScore())
	})

	t.Run("growth and high heap ratio", func(t *testing.T) {
		// 100 -> 112 MiB of a 130 MiB heap: -12 growth, -20 ratio.
		p := newTestPool(t, func(c *Config) {
			c.Sampler = &scriptedSampler{snaps: growthSnapshots(3, 100, 6, 130)}
			c.LeakThresholdBytes = 100 * MiB
		})
		for i := 0; i < 3; i++ {
			p.Snapshot()
		}
		assert.InDelta(t, 68.0, p.HealthScore(), 1e-9)
	})

	t.Run("growth penalty caps at 30", func(t *testing.T) {
		p := newTestPool(t, func(c *Config) {
			c.Sampler = &scriptedSampler{snaps: growthSnapshots(2, 100, 80, 4096)}
			c.LeakThresholdBytes = 1 << 40
		})
		p.Snapshot()
		p.Snapshot()
		assert.InDelta(t, 70.0, p.HealthScore(), 1e-9)
	})

	t.Run("leak penalty", func(t *testing.T) {
		p := newTestPool(t, func(c *Config) {
			c.Sampler = &scriptedSampler{snaps: growthSnapshots(2, 100, 15, 4096)}
			c.SnapshotWindow = 2
		})
		p.Snapshot()
		p.Snapshot()
		// Window restarted at the newest snapshot, so only the leak counts.
		assert.InDelta(t, 90.0, p.HealthScore(), 1e-9)
	})
}

func TestPool_OptimizeTrimsIdleClasses(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MaxFreePerClass = 10 })
	bufs := make([][]byte, 8)
	for i := range bufs {
		bufs[i] = p.Allocate(10)
	}
	for _, b := range bufs {
		p.Deallocate(b)
	}
	p.Optimize() // allocations seen this pass: no trim
	assert.Equal(t, 8, p.Statistics().Pools[0].Free)

	res := p.Optimize()
	assert.Equal(t, 3, res.Trimmed)
	assert.Equal(t, 5, p.Statistics().Pools[0].Free)
}

func TestPool_OptimizePrewarmsStarvedClasses(t *testing.T) {
	p := newTestPool(t, nil)
	p.Allocate(100)
	p.Optimize()
	p.Allocate(100)
	res := p.Optimize()

	assert.Equal(t, prewarmBatch, res.Prewarmed)
	s := p.Statistics().Pools[1]
	assert.Equal(t, prewarmBatch, s.Free)
	assert.EqualValues(t, 2*256, s.Used)

	buf := p.Allocate(100)
	assert.Equal(t, 256, cap(buf))
	assert.EqualValues(t, 1, p.Statistics().Pools[1].Reused)
}

func TestPool_OptimizeRequestsGCHint(t *testing.T) {
	hinter := &countingHinter{}
	p := newTestPool(t, func(c *Config) {
		c.GCHinter = hinter
		c.GCHintInterval = time.Hour
		c.Sampler = &scriptedSampler{snaps: []MemorySnapshot{{Timestamp: t0, HeapUsed: 90, HeapTotal: 100}}}
	})
	p.Snapshot()

	assert.True(t, p.Optimize().GCRequested)
	assert.False(t, p.Optimize().GCRequested, "rate limited")
	assert.EqualValues(t, 1, hinter.calls.Load())
	assert.EqualValues(t, 1, p.Statistics().GCRequests)
}

func TestPool_ShutdownReleasesAndIsReusable(t *testing.T) {
	p := newTestPool(t, nil)
	held := p.Allocate(10)
	p.Deallocate(p.Allocate(10))
	p.Snapshot()

	p.Shutdown()
	s := p.Statistics()
	for _, cs := range s.Pools {
		assert.Zero(t, cs.Free)
		assert.Zero(t, cs.Allocations)
	}
	assert.Zero(t, s.Snapshots)

	p.Deallocate(held)
	assert.EqualValues(t, 1, p.Statistics().ForeignReleases)

	buf := p.Allocate(10)
	require.NotNil(t, buf)
	assert.EqualValues(t, 64, p.Statistics().TotalUsed)
}

func TestPool_Tick(t *testing.T) {
	p := newTestPool(t, nil)
	require.NoError(t, p.Tick(context.Background()))
	assert.EqualValues(t, 1, p.Statistics().Snapshots)
}

func TestPool_ConcurrentUse(t *testing.T) {
	p := newTestPool(t, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b := p.Allocate(i%1000 + 1)
				p.Deallocate(b)
			}
		}()
	}
	wg.Wait()
	for _, s := range p.Statistics().Pools {
		assert.EqualValues(t, 0, s.Used)
	}
}

func TestLimitSampler(t *testing.T) {
	inner := HeapSamplerFunc(func() MemorySnapshot {
		return MemorySnapshot{HeapUsed: 50 * MiB, HeapTotal: 400 * MiB}
	})
	s := LimitSampler{Sampler: inner, Limit: 100 * MiB}.Sample()
	assert.Equal(t, uint64(100*MiB), s.HeapTotal)
	assert.InDelta(t, 0.5, s.HeapRatio(), 1e-9)

	unlimited := LimitSampler{Sampler: inner}.Sample()
	assert.Equal(t, uint64(400*MiB), unlimited.HeapTotal)
}
