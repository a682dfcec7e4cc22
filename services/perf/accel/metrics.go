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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	loadCounter metric.Int64Counter
	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		loadCounter, metricsErr = otel.Meter("aleutian.perf.accel").Int64Counter(
			"perf_accel_loads_total",
			metric.WithDescription("Accelerator module load attempts by outcome"),
		)
	})
	return metricsErr
}

func recordLoad(module string, ok bool) {
	if initMetrics() != nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	loadCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("outcome", outcome),
	))
}
