// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package benchmark

import (
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// =============================================================================
// Latency Statistics
// =============================================================================

// LatencyStats summarises a set of duration samples.
type LatencyStats struct {
	Average time.Duration `json:"average_ns"`
	Min     time.Duration `json:"min_ns"`
	Max     time.Duration `json:"max_ns"`
	Median  time.Duration `json:"median_ns"`
	P95     time.Duration `json:"p95_ns"`
	P99     time.Duration `json:"p99_ns"`

	// StdDev is the population standard deviation.
	StdDev time.Duration `json:"stddev_ns"`
}

// CalculateLatencyStats computes statistics over samples.
//
// # Description
//
// Percentiles use linear interpolation between the closest ranks of the
// sorted sample, so P50 of {1, 2, 3, 4} is 2.5. The input is not modified.
//
// # Outputs
//
//   - LatencyStats: The statistics.
//   - error: ErrNoSamples when samples is empty.
func CalculateLatencyStats(samples []time.Duration) (LatencyStats, error) {
	if len(samples) == 0 {
		return LatencyStats{}, ErrNoSamples
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	values := toFloat(samples)
	mean, std := stat.PopMeanStdDev(values, nil)

	return LatencyStats{
		Average: time.Duration(mean),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Median:  percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		StdDev:  time.Duration(std),
	}, nil
}

// percentile returns the p-th quantile of an ascending sample.
func percentile(sorted []time.Duration, p float64) time.Duration {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return time.Duration(float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac)
}

// OpsPerSecond converts an average latency to throughput, 1000/averageMs.
// A non-positive average yields 0.
func OpsPerSecond(avg time.Duration) float64 {
	if avg <= 0 {
		return 0
	}
	return float64(time.Second) / float64(avg)
}

// RemoveOutliers drops samples outside [Q1 - k*IQR, Q3 + k*IQR].
//
// Fewer than four samples are returned unchanged, as is the input when
// filtering would discard more than half of it.
func RemoveOutliers(samples []time.Duration, k float64) []time.Duration {
	if len(samples) < 4 {
		return samples
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	spread := time.Duration(k * float64(q3-q1))
	lower, upper := q1-spread, q3+spread

	filtered := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s >= lower && s <= upper {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) < len(samples)/2 {
		return samples
	}
	return filtered
}

// =============================================================================
// Comparison
// =============================================================================

// WelchTTest runs Welch's unequal-variance t-test on two samples.
//
// # Outputs
//
//   - t: Negative when a is faster than b.
//   - p: Two-tailed p-value from Student's t distribution with
//     Welch-Satterthwaite degrees of freedom. 1 when either sample has
//     fewer than two values or both have zero variance.
func WelchTTest(a, b []time.Duration) (t, p float64) {
	if len(a) < 2 || len(b) < 2 {
		return 0, 1
	}
	xa, xb := toFloat(a), toFloat(b)
	ma, va := stat.MeanVariance(xa, nil)
	mb, vb := stat.MeanVariance(xb, nil)
	na, nb := float64(len(a)), float64(len(b))

	sa, sb := va/na, vb/nb
	se := math.Sqrt(sa + sb)
	if se == 0 {
		return 0, 1
	}
	t = (ma - mb) / se

	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))
	if math.IsNaN(df) || df <= 0 {
		return t, 1
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p = 2 * dist.CDF(-math.Abs(t))
	return t, p
}

// CohensD is the standardised mean difference of a and b using the pooled
// sample standard deviation. Zero when undefined.
func CohensD(a, b []time.Duration) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	ma, va := stat.MeanVariance(toFloat(a), nil)
	mb, vb := stat.MeanVariance(toFloat(b), nil)
	na, nb := float64(len(a)), float64(len(b))
	pooled := math.Sqrt(((na-1)*va + (nb-1)*vb) / (na + nb - 2))
	if pooled == 0 {
		return 0
	}
	return (ma - mb) / pooled
}

// Comparison is the outcome of comparing two benchmark results.
type Comparison struct {
	// Faster is the name with the lower average, Slower the other.
	Faster string `json:"faster"`
	Slower string `json:"slower"`

	// Speedup is slower average / faster average.
	Speedup float64 `json:"speedup"`

	PValue      float64 `json:"p_value"`
	EffectSize  float64 `json:"effect_size"`
	Significant bool    `json:"significant"`
}

// Compare tests whether two results differ at the given significance
// level (for example 0.05).
func Compare(a, b *Result, alpha float64) Comparison {
	fast, slow := a, b
	if b.Average < a.Average {
		fast, slow = b, a
	}
	c := Comparison{Faster: fast.Name, Slower: slow.Name}
	if fast.Average > 0 {
		c.Speedup = float64(slow.Average) / float64(fast.Average)
	}
	_, c.PValue = WelchTTest(fast.Samples, slow.Samples)
	c.EffectSize = CohensD(fast.Samples, slow.Samples)
	c.Significant = c.PValue < alpha
	return c
}

func toFloat(samples []time.Duration) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s)
	}
	return out
}
