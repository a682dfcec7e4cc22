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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianPerf/services/perf/benchmark"
	"github.com/AleutianAI/AleutianPerf/services/perf/cache"
	"github.com/AleutianAI/AleutianPerf/services/perf/mempool"
)

// Probe names registered by BuiltinProbes.
const (
	ProbeCacheRoundTrip = "cache_roundtrip"
	ProbePoolCycle      = "pool_cycle"
	ProbeCompress       = "compress_snappy"
)

// BuiltinProbes returns benchmarks that exercise private scratch instances
// of the cache and the pool, so measuring never disturbs live counters.
//
// # Inputs
//
//   - measuredRuns: Timed invocations per probe. Values below 1 become 100.
//
// # Outputs
//
//   - []benchmark.Test: Tests ready for Runner.Register.
//   - error: Non-nil if a scratch instance cannot be built.
func BuiltinProbes(measuredRuns int) ([]benchmark.Test, error) {
	if measuredRuns < 1 {
		measuredRuns = 100
	}
	quiet := slog.New(slog.DiscardHandler)

	scratchCfg := cache.DefaultConfig()
	scratchCfg.MaxSizeBytes = 4 << 20
	scratchCfg.MaxEntries = 1024
	scratchCfg.Logger = quiet
	scratch, err := cache.New(scratchCfg)
	if err != nil {
		return nil, fmt.Errorf("scratch cache: %w", err)
	}

	poolCfg := mempool.DefaultConfig()
	poolCfg.SizeClasses = []int{4 << 10, 64 << 10}
	poolCfg.Logger = quiet
	pool, err := mempool.New(poolCfg)
	if err != nil {
		return nil, fmt.Errorf("scratch pool: %w", err)
	}

	payload := bytes.Repeat([]byte("aleutian-perf-probe "), 512)
	var seq atomic.Int64

	cacheProbe := benchmark.Test{
		Name:         ProbeCacheRoundTrip,
		WarmupRuns:   10,
		MeasuredRuns: measuredRuns,
		Timeout:      time.Second,
		Operation: func(context.Context) error {
			key := "probe-" + strconv.FormatInt(seq.Add(1)%256, 10)
			scratch.Set(key, payload, time.Minute)
			if _, ok := scratch.Get(key); !ok {
				return fmt.Errorf("probe key %s missing after set", key)
			}
			return nil
		},
	}

	poolProbe := benchmark.Test{
		Name:         ProbePoolCycle,
		WarmupRuns:   10,
		MeasuredRuns: measuredRuns,
		Timeout:      time.Second,
		Operation: func(context.Context) error {
			buf := pool.Allocate(16 << 10)
			if buf == nil {
				return fmt.Errorf("pool refused a 16 KiB buffer")
			}
			buf[0] = 1
			pool.Deallocate(buf)
			return nil
		},
	}

	var snappy cache.SnappyCompressor
	compressProbe := benchmark.Test{
		Name:         ProbeCompress,
		WarmupRuns:   10,
		MeasuredRuns: measuredRuns,
		Timeout:      time.Second,
		Operation: func(context.Context) error {
			enc, err := snappy.Compress(payload)
			if err != nil {
				return err
			}
			dec, err := snappy.Decompress(enc)
			if err != nil {
				return err
			}
			if len(dec) != len(payload) {
				return fmt.Errorf("round trip returned %d bytes, want %d", len(dec), len(payload))
			}
			return nil
		},
	}

	return []benchmark.Test{cacheProbe, poolProbe, compressProbe}, nil
}
