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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.perf.mempool")

var (
	allocCounter metric.Int64Counter
	leakCounter  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		allocCounter, metricsErr = meter.Int64Counter("perf_pool_allocations_total",
			metric.WithDescription("Buffers handed out by the memory pool"))
		if metricsErr != nil {
			return
		}
		leakCounter, metricsErr = meter.Int64Counter("perf_pool_leaks_total",
			metric.WithDescription("Leak records created by the heap growth detector"))
	})
	return metricsErr
}

func recordAllocation(reused bool) {
	if initMetrics() != nil {
		return
	}
	allocCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("reused", reused)))
}

func recordLeak(sev Severity) {
	if initMetrics() != nil {
		return
	}
	leakCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("severity", string(sev))))
}
