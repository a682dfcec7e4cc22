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
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidJob is returned by Add for malformed jobs.
	ErrInvalidJob = errors.New("orchestrator: invalid job")

	// ErrJobExists is returned by Add when the name is taken.
	ErrJobExists = errors.New("orchestrator: job already exists")

	// ErrUnknownJob is returned by Tick for unregistered names.
	ErrUnknownJob = errors.New("orchestrator: unknown job")

	// ErrSchedulerRunning is returned by Start when already started.
	ErrSchedulerRunning = errors.New("orchestrator: scheduler already running")
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// Job is a named periodic task. Exactly one of Interval and Schedule is
// set: Interval runs the job on a fixed ticker, Schedule is a cron
// expression such as "@every 24h" or "0 3 * * *".
type Job struct {
	Name     string
	Interval time.Duration
	Schedule string
	Run      JobFunc
}

// JobStatus reports a job's run history.
type JobStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval_ns,omitempty"`
	Schedule     string        `json:"schedule,omitempty"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastError    string        `json:"last_error,omitempty"`
}

type jobState struct {
	job Job

	// runMu serialises runs of one job. Timer-driven runs skip when it is
	// held; Tick waits for it.
	runMu sync.Mutex

	mu     sync.Mutex
	status JobStatus
}

// Scheduler runs named jobs on independent timers.
//
// # Description
//
// Jobs never overlap with themselves but different jobs run concurrently.
// Tests drive jobs with Tick instead of waiting on real time. Stop cancels
// every timer and waits for in-flight runs; Start may be called again
// afterwards.
//
// # Thread Safety
//
// Safe for concurrent use.
type Scheduler struct {
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*jobState
	order  []string
	cancel context.CancelFunc
	cron   *cron.Cron
	wg     sync.WaitGroup
}

// NewScheduler creates an empty, stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, jobs: make(map[string]*jobState)}
}

// Add registers a job. Jobs added while running start at the next Start.
func (s *Scheduler) Add(job Job) error {
	switch {
	case job.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	case job.Run == nil:
		return fmt.Errorf("%w: %s has no body", ErrInvalidJob, job.Name)
	case (job.Interval > 0) == (job.Schedule != ""):
		return fmt.Errorf("%w: %s needs exactly one of interval and schedule", ErrInvalidJob, job.Name)
	case job.Interval < 0:
		return fmt.Errorf("%w: %s has negative interval", ErrInvalidJob, job.Name)
	}
	if job.Schedule != "" {
		if _, err := cron.ParseStandard(job.Schedule); err != nil {
			return fmt.Errorf("%w: %s schedule %q: %v", ErrInvalidJob, job.Name, job.Schedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	s.jobs[job.Name] = &jobState{
		job:    job,
		status: JobStatus{Name: job.Name, Interval: job.Interval, Schedule: job.Schedule},
	}
	s.order = append(s.order, job.Name)
	return nil
}

// Has reports whether a job is registered.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Tick runs a job now on the caller's goroutine, waiting for any
// in-flight run of the same job first.
func (s *Scheduler) Tick(ctx context.Context, name string) error {
	s.mu.Lock()
	js, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	js.runMu.Lock()
	defer js.runMu.Unlock()
	return s.execute(ctx, js)
}

// fire is the timer path: it skips when the job is still running.
func (s *Scheduler) fire(ctx context.Context, js *jobState) {
	if !js.runMu.TryLock() {
		js.mu.Lock()
		js.status.Skipped++
		js.mu.Unlock()
		s.logger.Debug("job still running, tick skipped", slog.String("job", js.job.Name))
		return
	}
	defer js.runMu.Unlock()
	_ = s.execute(ctx, js)
}

func (s *Scheduler) execute(ctx context.Context, js *jobState) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", js.job.Name, p)
		}
		elapsed := time.Since(start)
		js.mu.Lock()
		js.status.Runs++
		js.status.LastRun = start
		js.status.LastDuration = elapsed
		js.status.LastError = ""
		if err != nil {
			js.status.Failures++
			js.status.LastError = err.Error()
		}
		js.mu.Unlock()
		if err != nil {
			s.logger.Warn("scheduled job failed",
				slog.String("job", js.job.Name),
				slog.String("error", err.Error()))
		}
	}()
	return js.job.Run(ctx)
}

// Start launches a timer per interval job and a cron runner for scheduled
// jobs. Jobs stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	var scheduled []*jobState
	for _, name := range s.order {
		js := s.jobs[name]
		if js.job.Schedule != "" {
			scheduled = append(scheduled, js)
			continue
		}
		s.wg.Add(1)
		go s.loop(runCtx, js)
	}

	if len(scheduled) > 0 {
		c := cron.New()
		for _, js := range scheduled {
			if _, err := c.AddFunc(js.job.Schedule, func() { s.fire(runCtx, js) }); err != nil {
				s.logger.Warn("job schedule rejected",
					slog.String("job", js.job.Name), slog.String("error", err.Error()))
			}
		}
		c.Start()
		s.cron = c
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.order)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	defer s.wg.Done()
	ticker := time.NewTicker(js.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, js)
		}
	}
}

// Stop cancels every timer and waits for in-flight runs. It is a no-op
// when stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, c := s.cancel, s.cron
	s.cancel, s.cron = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Statuses returns every job's status in registration order.
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	states := make([]*jobState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.jobs[name])
	}
	s.mu.Unlock()

	out := make([]JobStatus, len(states))
	for i, js := range states {
		js.mu.Lock()
		out[i] = js.status
		js.mu.Unlock()
	}
	return out
}

// Names returns the registered job names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.order)
	slices.Sort(out)
	return out
}
