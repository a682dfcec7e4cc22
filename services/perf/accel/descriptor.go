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
	"fmt"
	"slices"
	"sort"
	"time"

	"golang.org/x/mod/semver"
)

// =============================================================================
// Variants and Capabilities
// =============================================================================

// Variant is the build flavour of an accelerator module.
type Variant string

const (
	// VariantStandard is the portable build.
	VariantStandard Variant = "standard"

	// VariantVectorized requires SIMD support on the host.
	VariantVectorized Variant = "vectorized"

	// VariantReduced trades features for a small memory footprint.
	VariantReduced Variant = "reduced"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantStandard, VariantVectorized, VariantReduced:
		return true
	}
	return false
}

// Capability names a host feature a module may require.
type Capability string

const (
	CapabilitySIMD        Capability = "simd"
	CapabilityBulkMemory  Capability = "bulk-memory"
	CapabilityThreads     Capability = "threads"
	CapabilityMultiValue  Capability = "multi-value"
	CapabilitySignExtend  Capability = "sign-extension"
	CapabilityNonTrapping Capability = "nontrapping-float-to-int"
)

// CapabilitySet is a set of capabilities.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from a list.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Missing returns the members of required that are absent from s, sorted.
func (s CapabilitySet) Missing(required []Capability) []Capability {
	var out []Capability
	for _, c := range required {
		if !s[c] {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// List returns the set's members, sorted.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c, ok := range s {
		if ok {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// =============================================================================
// Descriptor
// =============================================================================

// ModuleDescriptor describes one registered accelerator module. It is
// immutable after registration.
type ModuleDescriptor struct {
	// Name is the unique module name and the artifact base name.
	Name string `json:"name"`

	// Variant is the build flavour.
	Variant Variant `json:"variant"`

	// Capabilities are host features the module requires.
	Capabilities []Capability `json:"capabilities,omitempty"`

	// MemoryRequirementBytes is the linear memory the module needs.
	MemoryRequirementBytes uint64 `json:"memory_requirement_bytes"`

	// LoadPriority orders fallback candidates, highest first.
	LoadPriority int `json:"load_priority"`

	// Version selects the artifact. Empty or "latest" resolves to the
	// highest semantic version the fetcher can list.
	Version string `json:"version,omitempty"`
}

// Validate checks required fields.
func (d ModuleDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if !d.Variant.Valid() {
		return fmt.Errorf("%w: module %q has unknown variant %q", ErrInvalidDescriptor, d.Name, d.Variant)
	}
	if d.Version != "" && d.Version != LatestVersionTag && !semver.IsValid(canonicalVersion(d.Version)) {
		return fmt.Errorf("%w: module %q has invalid version %q", ErrInvalidDescriptor, d.Name, d.Version)
	}
	return nil
}

func (d ModuleDescriptor) clone() ModuleDescriptor {
	d.Capabilities = slices.Clone(d.Capabilities)
	return d
}

// =============================================================================
// Runtime State
// =============================================================================

// Phase is a module slot's lifecycle position.
//
//	Unregistered -> Registered -> Loading -> {Loaded, Failed}
//	Loaded -> Instantiated (first call)
//	Failed -> Loading (retry through fallback or SwitchTo)
type Phase string

const (
	PhaseUnregistered Phase = "unregistered"
	PhaseRegistered   Phase = "registered"
	PhaseLoading      Phase = "loading"
	PhaseLoaded       Phase = "loaded"
	PhaseInstantiated Phase = "instantiated"
	PhaseFailed       Phase = "failed"
)

// Strategy is how a module's bytes become a compiled module. Strategies
// differ in latency only.
type Strategy string

const (
	// StrategySync fetches and compiles on the caller's goroutine.
	StrategySync Strategy = "sync"

	// StrategyStreaming reads the artifact progressively from a
	// StreamFetcher, enforcing the memory limit while reading.
	StrategyStreaming Strategy = "streaming"

	// StrategyPreload uses a module compiled by Preload.
	StrategyPreload Strategy = "preload"

	// StrategyBackground compiles on a separate goroutine so the caller
	// is released as soon as the load timeout passes.
	StrategyBackground Strategy = "background"
)

// ModuleRuntimeState is the observable state of one module slot.
type ModuleRuntimeState struct {
	Module       string           `json:"module"`
	Descriptor   ModuleDescriptor `json:"descriptor"`
	Phase        Phase            `json:"phase"`
	Active       bool             `json:"active"`
	Loaded       bool             `json:"loaded"`
	Instantiated bool             `json:"instantiated"`
	Strategy     Strategy         `json:"strategy,omitempty"`
	LoadTime     time.Duration    `json:"load_time_ns"`
	LoadedAt     time.Time        `json:"loaded_at,omitempty"`
	ErrorCount   int64            `json:"error_count"`
	LastError    string           `json:"last_error,omitempty"`
}

// LoadTimeMs reports LoadTime in milliseconds.
func (s ModuleRuntimeState) LoadTimeMs() float64 {
	return float64(s.LoadTime) / float64(time.Millisecond)
}

// sortByPriority orders descriptors by descending priority, then name.
func sortByPriority(ds []ModuleDescriptor) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].LoadPriority != ds[j].LoadPriority {
			return ds[i].LoadPriority > ds[j].LoadPriority
		}
		return ds[i].Name < ds[j].Name
	})
}
