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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig is returned by NewLoader for unusable configuration.
	ErrInvalidConfig = errors.New("accel: invalid config")

	// ErrInvalidDescriptor is returned by Register for malformed descriptors.
	ErrInvalidDescriptor = errors.New("accel: invalid module descriptor")

	// ErrAlreadyRegistered is returned when a module name is reused.
	ErrAlreadyRegistered = errors.New("accel: module already registered")

	// ErrModuleNotRegistered is returned for unknown module names.
	ErrModuleNotRegistered = errors.New("accel: module not registered")

	// ErrNoEligibleModule means no registered module fits the host's
	// capabilities and memory limit.
	ErrNoEligibleModule = errors.New("accel: no eligible module")

	// ErrModuleLoadFailed marks every per-module load failure.
	ErrModuleLoadFailed = errors.New("accel: module load failed")

	// ErrModuleLoadTimeout marks a load attempt that exceeded LoadTimeout.
	// It counts as a load failure and is not retried.
	ErrModuleLoadTimeout = errors.New("accel: module load timed out")

	// ErrArtifactNotFound is returned by fetchers when no artifact exists.
	ErrArtifactNotFound = errors.New("accel: artifact not found")

	// ErrFetchFailed wraps transient fetch failures. Only these are retried.
	ErrFetchFailed = errors.New("accel: artifact fetch failed")

	// ErrArtifactTooLarge is returned when an artifact exceeds the byte cap.
	ErrArtifactTooLarge = errors.New("accel: artifact too large")

	// ErrCompileFailed wraps engine compilation failures.
	ErrCompileFailed = errors.New("accel: module compile failed")

	// ErrFunctionNotFound is returned by Call for unknown exports.
	ErrFunctionNotFound = errors.New("accel: exported function not found")

	// ErrInstanceClosed is returned by Call after the instance is closed,
	// e.g. because the loader switched modules.
	ErrInstanceClosed = errors.New("accel: instance closed")
)

// LoadError describes the failure of one candidate module.
type LoadError struct {
	Module   string
	Strategy Strategy
	Attempts int
	Err      error
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load module %q (%s, %d attempt(s)): %v", e.Module, e.Strategy, e.Attempts, e.Err)
}

// Unwrap exposes both ErrModuleLoadFailed and the cause.
func (e *LoadError) Unwrap() []error {
	return []error{ErrModuleLoadFailed, e.Err}
}

// AggregateLoadError is returned when every candidate failed.
type AggregateLoadError struct {
	Failures []*LoadError
}

// Error implements error.
func (e *AggregateLoadError) Error() string {
	if len(e.Failures) == 0 {
		return ErrNoEligibleModule.Error()
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("all %d accelerator candidate(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes each failure. An aggregate with no failures unwraps to
// ErrNoEligibleModule.
func (e *AggregateLoadError) Unwrap() []error {
	if len(e.Failures) == 0 {
		return []error{ErrNoEligibleModule}
	}
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Modules returns the names of the failed candidates, in attempt order.
func (e *AggregateLoadError) Modules() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Module
	}
	return names
}
