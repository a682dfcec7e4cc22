// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package regression

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TrendDirection is the sign of a fitted slope.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Trend is a least-squares line over sample index.
type Trend struct {
	Direction TrendDirection `json:"direction"`
	Slope     float64        `json:"slope"`
	Intercept float64        `json:"intercept"`

	// Confidence is the coefficient of determination R² in [0, 1].
	Confidence float64 `json:"confidence"`

	Samples int `json:"samples"`
}

// AnalyzeTrend fits value = intercept + slope*index over samples.
//
// # Description
//
// The direction is increasing or decreasing when |slope| > epsilon and
// stable otherwise. Fewer than two samples are stable with zero
// confidence. A constant series fits perfectly and has confidence 1.
func AnalyzeTrend(samples []float64, epsilon float64) Trend {
	tr := Trend{Direction: TrendStable, Samples: len(samples)}
	if len(samples) == 0 {
		return tr
	}
	if len(samples) < 2 {
		tr.Intercept = samples[0]
		return tr
	}

	x := make([]float64, len(samples))
	for i := range x {
		x[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(x, samples, nil, false)
	tr.Intercept, tr.Slope = alpha, beta

	r2 := stat.RSquared(x, samples, nil, alpha, beta)
	switch {
	case math.IsNaN(r2) || math.IsInf(r2, 0):
		// Zero total variance: the line passes through every point.
		tr.Confidence = 1
	default:
		tr.Confidence = math.Max(0, math.Min(1, r2))
	}

	switch {
	case beta > epsilon:
		tr.Direction = TrendIncreasing
	case beta < -epsilon:
		tr.Direction = TrendDecreasing
	}
	return tr
}
