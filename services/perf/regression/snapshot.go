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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// SnapshotVersion is the current export format version.
const SnapshotVersion = 1

// Snapshot is the serialisable baseline table and test configuration.
type Snapshot struct {
	Version    int        `json:"version"`
	ExportedAt time.Time  `json:"exported_at"`
	Tests      []Test     `json:"tests"`
	Baselines  []Baseline `json:"baselines"`
}

// Validate checks every test and baseline.
func (s Snapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, s.Version)
	}
	for _, t := range s.Tests {
		if t.ID == "" {
			return fmt.Errorf("%w: test for %q has no id", ErrInvalidSnapshot, t.Metric)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
	}
	for _, b := range s.Baselines {
		if b.Metric == "" || b.ID == "" {
			return fmt.Errorf("%w: baseline without metric or id", ErrInvalidSnapshot)
		}
	}
	return nil
}

// Snapshot returns the current tests and baselines.
func (t *Tester) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: t.now().UTC(),
		Tests:      t.testsLocked(),
		Baselines:  t.baselinesLocked(),
	}
}

// Restore replaces tests and baselines with the snapshot's. Result
// history is kept. Nothing changes when the snapshot is invalid.
func (t *Tester) Restore(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	baselines := slices.Clone(s.Baselines)
	slices.SortStableFunc(baselines, func(a, b Baseline) int {
		if c := strings.Compare(a.Metric, b.Metric); c != 0 {
			return c
		}
		return a.RecordedAt.Compare(b.RecordedAt)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tests = make(map[string]Test, len(s.Tests))
	t.byMetric = make(map[string]string, len(s.Tests))
	for _, test := range s.Tests {
		t.registerLocked(test)
	}
	t.baselines = make(map[string][]Baseline)
	for _, b := range baselines {
		t.baselines[b.Metric] = append(t.baselines[b.Metric], b)
	}
	t.logger.Info("baselines restored",
		slog.Int("tests", len(s.Tests)),
		slog.Int("baselines", len(baselines)))
	return nil
}

// ExportBaselines encodes the snapshot as JSON.
func (t *Tester) ExportBaselines() ([]byte, error) {
	data, err := json.MarshalIndent(t.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode baselines: %w", err)
	}
	return data, nil
}

// ImportBaselines decodes JSON produced by ExportBaselines and restores it.
func (t *Tester) ImportBaselines(data []byte) error {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return t.Restore(s)
}

// =============================================================================
// Stores
// =============================================================================

// BaselineStore persists snapshots on behalf of the caller.
type BaselineStore interface {
	Save(ctx context.Context, s Snapshot) error

	// Load returns the stored snapshot. ok is false when nothing has been
	// saved yet.
	Load(ctx context.Context) (s Snapshot, ok bool, err error)
}

// Persist saves the current snapshot to store.
func (t *Tester) Persist(ctx context.Context, store BaselineStore) error {
	if err := store.Save(ctx, t.Snapshot()); err != nil {
		return fmt.Errorf("persist baselines: %w", err)
	}
	return nil
}

// LoadFrom restores from store. It reports false, changing nothing, when
// the store is empty.
func (t *Tester) LoadFrom(ctx context.Context, store BaselineStore) (bool, error) {
	s, ok, err := store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load baselines: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, t.Restore(s)
}

// MemoryStore keeps a snapshot in memory as JSON, so stored data is
// isolated from later mutation.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// Save implements BaselineStore.
func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Load implements BaselineStore.
func (m *MemoryStore) Load(context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return Snapshot{}, false, nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}
