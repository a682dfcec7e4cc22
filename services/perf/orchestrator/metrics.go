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
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.perf.orchestrator")

var (
	collectCounter  metric.Int64Counter
	collectDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		collectCounter, metricsErr = meter.Int64Counter("perf_orchestrator_collections_total",
			metric.WithDescription("Health reports built, by resulting status"))
		if metricsErr != nil {
			return
		}
		collectDuration, metricsErr = meter.Float64Histogram("perf_orchestrator_collect_duration_seconds",
			metric.WithDescription("Time to build one health report"),
			metric.WithUnit("s"))
	})
	return metricsErr
}

func recordCollect(ctx context.Context, r HealthReport) {
	if initMetrics() != nil {
		return
	}
	collectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(r.Status))))
	collectDuration.Record(ctx, r.Duration.Seconds())
}
