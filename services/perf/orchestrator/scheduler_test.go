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
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func noop(context.Context) error { return nil }

func TestScheduler_AddValidation(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want error
	}{
		{"valid interval", Job{Name: "a", Interval: time.Second, Run: noop}, nil},
		{"valid schedule", Job{Name: "b", Schedule: "@every 24h", Run: noop}, nil},
		{"valid cron", Job{Name: "c", Schedule: "0 3 * * *", Run: noop}, nil},
		{"missing name", Job{Interval: time.Second, Run: noop}, ErrInvalidJob},
		{"missing body", Job{Name: "d", Interval: time.Second}, ErrInvalidJob},
		{"neither", Job{Name: "e", Run: noop}, ErrInvalidJob},
		{"both", Job{Name: "f", Interval: time.Second, Schedule: "@hourly", Run: noop}, ErrInvalidJob},
		{"bad schedule", Job{Name: "g", Schedule: "every day", Run: noop}, ErrInvalidJob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(quietLogger())
			err := s.Add(tt.job)
			if tt.want == nil {
				require.NoError(t, err)
				assert.True(t, s.Has(tt.job.Name))
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		s := NewScheduler(quietLogger())
		require.NoError(t, s.Add(Job{Name: "x", Interval: time.Second, Run: noop}))
		assert.ErrorIs(t, s.Add(Job{Name: "x", Interval: time.Minute, Run: noop}), ErrJobExists)
	})
}

func TestScheduler_Tick(t *testing.T) {
	s := NewScheduler(quietLogger())
	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: "ok", Interval: time.Hour, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(Job{Name: "fails", Interval: time.Hour, Run: func(context.Context) error { return boom }}))
	require.NoError(t, s.Add(Job{Name: "panics", Interval: time.Hour, Run: func(context.Context) error { panic("kaboom") }}))

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx, "ok"))
	require.NoError(t, s.Tick(ctx, "ok"))
	assert.ErrorIs(t, s.Tick(ctx, "fails"), boom)
	err := s.Tick(ctx, "panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.ErrorIs(t, s.Tick(ctx, "missing"), ErrUnknownJob)

	assert.Equal(t, int32(2), calls.Load())

	byName := map[string]JobStatus{}
	for _, st := range s.Statuses() {
		byName[st.Name] = st
	}
	assert.Equal(t, int64(2), byName["ok"].Runs)
	assert.Zero(t, byName["ok"].Failures)
	assert.Equal(t, int64(1), byName["fails"].Failures)
	assert.Equal(t, "boom", byName["fails"].LastError)
	assert.Equal(t, int64(1), byName["panics"].Failures)
	assert.Equal(t, []string{"fails", "ok", "panics"}, s.Names())
}

func TestScheduler_FireSkipsWhileRunning(t *testing.T) {
	s := NewScheduler(quietLogger())
	require.NoError(t, s.Add(Job{Name: "slow", Interval: time.Hour, Run: noop}))
	js := s.jobs["slow"]

	js.runMu.Lock()
	s.fire(context.Background(), js)
	js.runMu.Unlock()
	s.fire(context.Background(), js)

	st := s.Statuses()[0]
	assert.Equal(t, int64(1), st.Skipped)
	assert.Equal(t, int64(1), st.Runs)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(quietLogger())
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(Job{Name: "daily", Schedule: "@every 24h", Run: noop}))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(ctx), ErrSchedulerRunning)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no runs after Stop")

	s.Stop()

	require.NoError(t, s.Start(ctx), "scheduler restarts after Stop")
	require.Eventually(t, func() bool { return calls.Load() > after }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestScheduler_StopsWithContext(t *testing.T) {
	s := NewScheduler(quietLogger())
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Stop()
	assert.False(t, s.Running())
}
