// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers supplied by callers before they
// become InfluxDB field keys, Prometheus label values or store keys.
//
// Accepting arbitrary strings there would allow line-protocol injection
// and unbounded label cardinality from malformed names.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidName is wrapped by every validation failure.
var ErrInvalidName = errors.New("validation: invalid name")

// MaxMetricNameLength bounds metric names.
const MaxMetricNameLength = 128

// metricPattern matches snake_case metric names: a lowercase letter
// followed by lowercase letters, digits and underscores.
var metricPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// tagPattern matches baseline tags such as "v1.2.0", "nightly" or
// "release-2026_03".
var tagPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateMetricName validates a metric name.
//
// Valid names:
//   - 1-128 characters
//   - Start with a lowercase letter
//   - Contain only lowercase letters, digits and underscores
//
// Example:
//
//	if err := validation.ValidateMetricName(name); err != nil {
//	    return fmt.Errorf("record metric: %w", err)
//	}
func ValidateMetricName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: metric name cannot be empty", ErrInvalidName)
	}
	if len(name) > MaxMetricNameLength {
		return fmt.Errorf("%w: metric name longer than %d characters", ErrInvalidName, MaxMetricNameLength)
	}
	if !metricPattern.MatchString(name) {
		return fmt.Errorf("%w: metric name %q must be snake_case (a-z, 0-9, _)", ErrInvalidName, name)
	}
	return nil
}

// ValidateMetricNames validates every name and lists all invalid ones,
// sorted, in a single error.
func ValidateMetricNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateMetricName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		slices.Sort(invalid)
		return fmt.Errorf("%w: invalid metric names: %q", ErrInvalidName, invalid)
	}
	return nil
}

// SanitizeMetricName normalizes a name and validates the result.
// Surrounding space is trimmed, letters are lowercased and runs of space,
// '-', '.' or '/' become a single underscore.
//
//	validation.SanitizeMetricName("Agent Spawn-Time") // "agent_spawn_time"
func SanitizeMetricName(name string) (string, error) {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch r {
		case ' ', '-', '.', '/':
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('_')
		}
		sep = false
		b.WriteRune(r)
	}
	out := b.String()
	if err := ValidateMetricName(out); err != nil {
		return "", err
	}
	return out, nil
}

// ValidateTag validates a baseline tag. The empty tag is valid and means
// "untagged".
func ValidateTag(tag string) error {
	if tag == "" {
		return nil
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("%w: tag %q must be 1-64 characters of letters, digits, '.', '_' or '-'", ErrInvalidName, tag)
	}
	return nil
}
