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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianPerf/services/perf/history"
)

// Instance is a loaded module. It is instantiated on first Call.
type Instance struct {
	loader   *Loader
	desc     ModuleDescriptor
	compiled Compiled

	callMu sync.Mutex
	module Module
	closed atomic.Bool

	statsMu   sync.Mutex
	calls     int64
	failures  int64
	latencies *history.Ring[time.Duration]

	memBytes atomic.Uint64
}

func newInstance(l *Loader, desc ModuleDescriptor, compiled Compiled) *Instance {
	return &Instance{
		loader:    l,
		desc:      desc.clone(),
		compiled:  compiled,
		latencies: history.NewRing[time.Duration](l.cfg.LatencyWindow),
	}
}

// Name returns the module name.
func (i *Instance) Name() string { return i.desc.Name }

// Descriptor returns the module descriptor.
func (i *Instance) Descriptor() ModuleDescriptor { return i.desc.clone() }

// Call invokes an exported function.
//
// # Description
//
// The first call instantiates the module, moving it from Loaded to
// Instantiated. Calls are serialised. Failures count toward the module's
// error rate.
func (i *Instance) Call(ctx context.Context, fn string, args ...uint64) ([]uint64, error) {
	i.callMu.Lock()
	if i.closed.Load() {
		i.callMu.Unlock()
		return nil, ErrInstanceClosed
	}
	instantiated := false
	if i.module == nil {
		m, err := i.compiled.Instantiate(ctx)
		if err != nil {
			i.callMu.Unlock()
			i.record(0, err)
			i.loader.recordCallError(i, err)
			return nil, fmt.Errorf("instantiate %s: %w", i.desc.Name, err)
		}
		i.module = m
		instantiated = true
	}
	start := time.Now()
	res, err := i.module.Call(ctx, fn, args...)
	elapsed := time.Since(start)
	i.memBytes.Store(i.module.MemoryBytes())
	i.callMu.Unlock()

	i.record(elapsed, err)
	if instantiated {
		i.loader.markInstantiated(i)
	}
	if err != nil {
		i.loader.recordCallError(i, err)
		return nil, fmt.Errorf("call %s.%s: %w", i.desc.Name, fn, err)
	}
	return res, nil
}

func (i *Instance) record(latency time.Duration, err error) {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	i.calls++
	if err != nil {
		i.failures++
		return
	}
	i.latencies.Push(latency)
}

// InstanceStats summarises an instance's calls.
type InstanceStats struct {
	Calls      int64         `json:"calls"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
	Samples    int           `json:"samples"`
}

// ErrorRate is Errors / Calls, or 0 before any call.
func (s InstanceStats) ErrorRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Calls)
}

// Stats returns call statistics over the latency window.
func (i *Instance) Stats() InstanceStats {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	s := InstanceStats{Calls: i.calls, Errors: i.failures, Samples: i.latencies.Len()}
	if s.Samples > 0 {
		var total time.Duration
		for _, d := range i.latencies.Items() {
			total += d
		}
		s.AvgLatency = total / time.Duration(s.Samples)
	}
	return s
}

// MemoryBytes reports the module's linear memory after the last call.
// It is zero until the first call.
func (i *Instance) MemoryBytes() uint64 { return i.memBytes.Load() }

// Closed reports whether Close has run.
func (i *Instance) Closed() bool { return i.closed.Load() }

// Close releases the module. It waits for an in-flight call and is
// idempotent.
func (i *Instance) Close(ctx context.Context) error {
	i.callMu.Lock()
	defer i.callMu.Unlock()
	if i.closed.Load() {
		return nil
	}
	i.closed.Store(true)
	var err error
	if i.module != nil {
		err = i.module.Close(ctx)
		i.module = nil
	}
	if cerr := i.compiled.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
