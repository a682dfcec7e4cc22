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
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestTest_Validate(t *testing.T) {
	valid := Test{Name: "x", MeasuredRuns: 1, Timeout: time.Second, Operation: noop}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Test)
	}{
		{"no name", func(t *Test) { t.Name = "" }},
		{"no operation", func(t *Test) { t.Operation = nil }},
		{"no measured runs", func(t *Test) { t.MeasuredRuns = 0 }},
		{"negative warmup", func(t *Test) { t.WarmupRuns = -1 }},
		{"no timeout", func(t *Test) { t.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := valid
			tt.mutate(&bad)
			assert.ErrorIs(t, bad.Validate(), ErrInvalidTest)
		})
	}
}

func TestRunner_Run_CountsWarmupSeparately(t *testing.T) {
	var calls atomic.Int32
	r := NewRunner(DefaultConfig())

	res, err := r.Run(context.Background(), Test{
		Name:         "count",
		WarmupRuns:   3,
		MeasuredRuns: 7,
		Timeout:      time.Second,
		Operation: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 10, calls.Load())
	assert.Equal(t, 7, res.Runs)
	assert.Len(t, res.Samples, 7)
	assert.Zero(t, res.ErrorCount)
	assert.NotNil(t, res.Memory)
	assert.LessOrEqual(t, res.Min, res.Median)
	assert.LessOrEqual(t, res.Median, res.P95)
	assert.LessOrEqual(t, res.P95, res.P99)
	assert.LessOrEqual(t, res.P99, res.Max)
}

func TestRunner_Run_ErrorsExcludedFromStats(t *testing.T) {
	var n atomic.Int32
	r := NewRunner(Config{})

	res, err := r.Run(context.Background(), Test{
		Name:         "flaky",
		MeasuredRuns: 10,
		Timeout:      time.Second,
		Operation: func(context.Context) error {
			if n.Add(1)%2 == 0 {
				return errors.New("boom")
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.ErrorCount)
	assert.Zero(t, res.TimeoutCount)
	assert.Len(t, res.Samples, 5)
	assert.InDelta(t, 0.5, res.ErrorRate(), 1e-9)
	assert.Nil(t, res.Memory)
}

func TestRunner_Run_Timeouts(t *testing.T) {
	r := NewRunner(Config{})

	t.Run("operation honouring context", func(t *testing.T) {
		var n atomic.Int32
		res, err := r.Run(context.Background(), Test{
			Name:         "slow-every-third",
			MeasuredRuns: 6,
			Timeout:      20 * time.Millisecond,
			Operation: func(ctx context.Context) error {
				if n.Add(1)%3 == 0 {
					<-ctx.Done()
					return ctx.Err()
				}
				return nil
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, res.TimeoutCount)
		assert.Equal(t, 2, res.ErrorCount)
		assert.Len(t, res.Samples, 4)
		for _, s := range res.Samples {
			assert.Less(t, s, 20*time.Millisecond)
		}
	})

	t.Run("operation ignoring context", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		var tornDown atomic.Int32
		start := time.Now()
		res, err := r.Run(context.Background(), Test{
			Name:         "stuck",
			MeasuredRuns: 2,
			Timeout:      10 * time.Millisecond,
			Operation: func(context.Context) error {
				<-release
				return nil
			},
			Teardown: func() { tornDown.Add(1) },
		})
		require.NoError(t, err)
		assert.Equal(t, 2, res.TimeoutCount)
		assert.Zero(t, res.OpsPerSecond)
		assert.Zero(t, res.Average)
		assert.Less(t, time.Since(start), time.Second)
		assert.Zero(t, tornDown.Load(), "teardown waits for the operation")
		assert.Equal(t, 2, res.ErrorCount)
	})
}

func TestRunner_Run_SetupAndTeardown(t *testing.T) {
	var live, maxLive, teardowns atomic.Int32
	r := NewRunner(Config{})

	res, err := r.Run(context.Background(), Test{
		Name:         "dispose",
		WarmupRuns:   2,
		MeasuredRuns: 5,
		Timeout:      time.Second,
		Setup: func(context.Context) error {
			if v := live.Add(1); v > maxLive.Load() {
				maxLive.Store(v)
			}
			return nil
		},
		Operation: func(context.Context) error { return errors.New("always") },
		Teardown: func() {
			live.Add(-1)
			teardowns.Add(1)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.ErrorCount)
	assert.EqualValues(t, 7, teardowns.Load(), "teardown runs even on failure")
	assert.EqualValues(t, 0, live.Load())
	assert.EqualValues(t, 1, maxLive.Load())
}

func TestRunner_Run_TimeoutDoesNotOverlapNextSetup(t *testing.T) {
	var n, live, maxLive, teardowns atomic.Int32
	r := NewRunner(Config{})

	res, err := r.Run(context.Background(), Test{
		Name:         "late-teardown",
		MeasuredRuns: 3,
		Timeout:      50 * time.Millisecond,
		Setup: func(context.Context) error {
			if v := live.Add(1); v > maxLive.Load() {
				maxLive.Store(v)
			}
			return nil
		},
		Operation: func(context.Context) error {
			if n.Add(1) == 1 {
				time.Sleep(70 * time.Millisecond)
			}
			return nil
		},
		Teardown: func() {
			live.Add(-1)
			teardowns.Add(1)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimeoutCount)
	assert.Len(t, res.Samples, 2)
	assert.EqualValues(t, 3, n.Load())
	assert.EqualValues(t, 3, teardowns.Load())
	assert.EqualValues(t, 1, maxLive.Load(), "setup waited for the abandoned teardown")
}

func TestRunner_Run_SetupFailure(t *testing.T) {
	var ops atomic.Int32
	r := NewRunner(Config{})
	res, err := r.Run(context.Background(), Test{
		Name:         "setup",
		MeasuredRuns: 3,
		Timeout:      time.Second,
		Setup:        func(context.Context) error { return errors.New("no fixture") },
		Operation:    func(context.Context) error { ops.Add(1); return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ErrorCount)
	assert.Zero(t, ops.Load())
}

func TestRunner_Run_Panic(t *testing.T) {
	r := NewRunner(Config{})
	res, err := r.Run(context.Background(), Test{
		Name:         "panic",
		MeasuredRuns: 2,
		Timeout:      time.Second,
		Operation:    func(context.Context) error { panic("bad") },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ErrorCount)
}

func TestRunner_Run_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(Config{})
	_, err := r.Run(ctx, Test{Name: "c", MeasuredRuns: 3, Timeout: time.Second, Operation: noop})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_Run_Rerunnable(t *testing.T) {
	r := NewRunner(Config{})
	test := Test{Name: "again", MeasuredRuns: 20, Timeout: time.Second, Operation: noop}
	first, err := r.Run(context.Background(), test)
	require.NoError(t, err)
	second, err := r.Run(context.Background(), test)
	require.NoError(t, err)
	assert.Len(t, first.Samples, 20)
	assert.Len(t, second.Samples, 20)
	assert.NotSame(t, first, second)
}

func TestRunner_Registry(t *testing.T) {
	r := NewRunner(Config{})
	require.NoError(t, r.Register(Test{Name: "b", MeasuredRuns: 1, Timeout: time.Second, Operation: noop}))
	require.NoError(t, r.Register(Test{Name: "a", MeasuredRuns: 1, Timeout: time.Second, Operation: noop}))
	assert.ErrorIs(t, r.Register(Test{Name: "a", MeasuredRuns: 1, Timeout: time.Second, Operation: noop}), ErrAlreadyRegistered)
	assert.ErrorIs(t, r.Register(Test{Name: "bad"}), ErrInvalidTest)
	assert.Equal(t, []string{"b", "a"}, r.Names())

	res, err := r.RunNamed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", res.Name)

	_, err = r.RunNamed(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTestNotFound)

	all, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Name)
	assert.Equal(t, "a", all[1].Name)
}

func TestRunner_RunSuite_SkipsInvalid(t *testing.T) {
	r := NewRunner(Config{})
	results, err := r.RunSuite(context.Background(), []Test{
		{Name: "ok", MeasuredRuns: 1, Timeout: time.Second, Operation: noop},
		{Name: "broken"},
		{Name: "ok2", MeasuredRuns: 1, Timeout: time.Second, Operation: noop},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ok2", results[1].Name)
}

func TestRunner_OutlierRemoval(t *testing.T) {
	var n atomic.Int32
	r := NewRunner(Config{})
	res, err := r.Run(context.Background(), Test{
		Name:         "spiky",
		MeasuredRuns: 12,
		Timeout:      time.Second,
		Operation: func(context.Context) error {
			if n.Add(1) == 6 {
				time.Sleep(50 * time.Millisecond)
			}
			return nil
		},
	}, WithOutlierRemoval(true), WithOutlierThreshold(1.5))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.OutliersRemoved, 1)
	assert.Less(t, res.Max, 50*time.Millisecond)
}
