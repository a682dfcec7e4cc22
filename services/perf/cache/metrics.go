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
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.perf.cache")

var (
	hitCounter        metric.Int64Counter
	missCounter       metric.Int64Counter
	evictionCounter   metric.Int64Counter
	expirationCounter metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		counters := []struct {
			dst  *metric.Int64Counter
			name string
			desc string
		}{
			{&hitCounter, "perf_cache_hits_total", "Cache lookups that found a live entry"},
			{&missCounter, "perf_cache_misses_total", "Cache lookups that found nothing or an expired entry"},
			{&evictionCounter, "perf_cache_evictions_total", "Live entries removed to make room"},
			{&expirationCounter, "perf_cache_expirations_total", "Expired entries removed"},
		}
		for _, c := range counters {
			var err error
			*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
			if err != nil {
				metricsErr = err
				return
			}
		}
	})
	return metricsErr
}

func recordHit() {
	if initMetrics() == nil {
		hitCounter.Add(context.Background(), 1)
	}
}

func recordMiss() {
	if initMetrics() == nil {
		missCounter.Add(context.Background(), 1)
	}
}

func recordEviction(n int) {
	if initMetrics() == nil {
		evictionCounter.Add(context.Background(), int64(n))
	}
}

func recordExpiration(n int) {
	if initMetrics() == nil {
		expirationCounter.Add(context.Background(), int64(n))
	}
}
