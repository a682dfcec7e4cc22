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
	"log/slog"
)

const (
	// starvedPassesBeforePrewarm is how many consecutive passes a class
	// must be starved before it is pre-warmed.
	starvedPassesBeforePrewarm = 2

	// prewarmBatch is the most buffers added to one class per pass.
	prewarmBatch = 4

	// gcHintHeapRatio triggers a GC hint when exceeded.
	gcHintHeapRatio = 0.8
)

// OptimizeResult summarises one optimisation pass.
type OptimizeResult struct {
	Trimmed     int  `json:"trimmed"`
	Prewarmed   int  `json:"prewarmed"`
	GCRequested bool `json:"gc_requested"`
}

// Optimize trims idle pools, pre-warms starved ones and may request a GC.
//
// # Description
//
// A class is idle when it saw no allocations since the previous pass; its
// free list is then trimmed to half of MaxFreePerClass. A class is starved
// when allocations outpaced deallocations and its free list is empty; after
// two consecutive starved passes up to four buffers are added to its free
// list. A GC hint is requested, at most once per GCHintInterval, when the
// latest heap ratio is above 0.8 or a leak is active.
func (p *Pool) Optimize() OptimizeResult {
	var res OptimizeResult

	p.mu.Lock()
	keep := p.cfg.MaxFreePerClass / 2
	for _, cp := range p.classes {
		allocs := cp.allocations - cp.prevAllocs
		deallocs := cp.deallocations - cp.prevDeallocs
		cp.prevAllocs, cp.prevDeallocs = cp.allocations, cp.deallocations

		if allocs == 0 && len(cp.free) > keep {
			clear(cp.free[keep:])
			res.Trimmed += len(cp.free) - keep
			cp.free = cp.free[:keep]
		}

		if allocs > deallocs && len(cp.free) == 0 {
			cp.starvedPasses++
		} else {
			cp.starvedPasses = 0
		}
		if cp.starvedPasses >= starvedPassesBeforePrewarm {
			n := min(prewarmBatch, p.cfg.MaxFreePerClass-len(cp.free))
			for i := 0; i < n; i++ {
				cp.free = append(cp.free, make([]byte, 0, cp.size))
			}
			res.Prewarmed += n
			cp.starvedPasses = 0
		}
	}

	wantGC := len(p.activeLeaksLocked(p.now())) > 0
	if newest, ok := p.window.Newest(); ok && newest.HeapRatio() > gcHintHeapRatio {
		wantGC = true
	}
	if wantGC && p.limiter.Allow() {
		p.gcRequests++
		res.GCRequested = true
	}
	p.mu.Unlock()

	if res.GCRequested {
		p.hinter.FreeOSMemory()
	}
	if res.Trimmed > 0 || res.Prewarmed > 0 || res.GCRequested {
		p.logger.Debug("memory pool optimised",
			slog.Int("trimmed", res.Trimmed),
			slog.Int("prewarmed", res.Prewarmed),
			slog.Bool("gc_requested", res.GCRequested))
	}
	return res
}

// Tick is the scheduler hook: take a snapshot, then optimise.
func (p *Pool) Tick(_ context.Context) error {
	p.Snapshot()
	p.Optimize()
	return nil
}
