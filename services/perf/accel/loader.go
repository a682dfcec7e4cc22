// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package accel loads accelerator modules and falls back across variants.
//
// # Description
//
// Modules are registered from a static catalog of descriptors. The loader
// picks the preferred module when the host can run it, and otherwise (or
// on failure, with auto-fallback) walks the remaining eligible modules by
// descending priority. Binaries come from a Fetcher and are compiled by an
// Engine, normally the wazero WebAssembly runtime.
//
// # Thread Safety
//
// Loader and Instance are safe for concurrent use.
package accel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.perf.accel")

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Loader.
type Config struct {
	// PreferredModule is tried first when the host can run it.
	PreferredModule string

	// MemoryLimitBytes excludes modules needing more memory and is the
	// denominator of the health check's memory ratio. Zero means no limit.
	MemoryLimitBytes uint64

	// LoadTimeout bounds each load attempt. Exceeding it fails the
	// candidate without retry.
	LoadTimeout time.Duration

	// RetryAttempts is how many times a transient fetch failure is
	// retried per candidate.
	RetryAttempts int

	// RetryBackoff is the first retry delay; later delays grow
	// exponentially.
	RetryBackoff time.Duration

	// AutoFallback tries the remaining eligible modules when the first
	// candidate fails.
	AutoFallback bool

	// Strategies is the ordered strategy preference. The first strategy
	// applicable to a module is used.
	Strategies []Strategy

	// TargetCallLatency is the mean call latency that scores 100.
	TargetCallLatency time.Duration

	// LatencyWindow is how many recent calls the performance score uses.
	LatencyWindow int

	// MaxArtifactBytes caps streamed artifacts. Default: 64 MiB.
	MaxArtifactBytes int64

	// Capabilities overrides host detection.
	Capabilities CapabilitySet

	// Logger receives load and fallback events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a 256 MiB limit, 10 s load timeout, two retries and
// auto-fallback, preferring preloaded then streamed modules.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes:  256 << 20,
		LoadTimeout:       10 * time.Second,
		RetryAttempts:     2,
		RetryBackoff:      100 * time.Millisecond,
		AutoFallback:      true,
		Strategies:        []Strategy{StrategyPreload, StrategyStreaming, StrategySync},
		TargetCallLatency: time.Millisecond,
		LatencyWindow:     100,
		MaxArtifactBytes:  DefaultMaxArtifactBytes,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.LoadTimeout <= 0 {
		return fmt.Errorf("%w: LoadTimeout must be positive", ErrInvalidConfig)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("%w: RetryAttempts must not be negative", ErrInvalidConfig)
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("%w: at least one strategy is required", ErrInvalidConfig)
	}
	for _, s := range c.Strategies {
		switch s {
		case StrategySync, StrategyStreaming, StrategyPreload, StrategyBackground:
		default:
			return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, s)
		}
	}
	return nil
}

// =============================================================================
// Loader
// =============================================================================

type slot struct {
	desc        ModuleDescriptor
	state       ModuleRuntimeState
	precompiled Compiled
}

// Loader owns the module catalog and the single active instance.
type Loader struct {
	cfg     Config
	fetcher Fetcher
	engine  Engine
	caps    CapabilitySet
	logger  *slog.Logger

	mu     sync.RWMutex
	slots  map[string]*slot
	active *Instance
	tried  bool
}

// NewLoader creates a Loader.
//
// # Inputs
//
//   - cfg: Loader configuration.
//   - fetcher: Source of module binaries.
//   - engine: Compiler for module binaries.
//
// # Outputs
//
//   - *Loader: Ready for Register.
//   - error: ErrInvalidConfig for bad configuration or nil collaborators.
func NewLoader(cfg Config, fetcher Fetcher, engine Engine) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil || engine == nil {
		return nil, fmt.Errorf("%w: fetcher and engine are required", ErrInvalidConfig)
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 100
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = DetectCapabilities()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cfg:     cfg,
		fetcher: fetcher,
		engine:  engine,
		caps:    caps,
		logger:  logger,
		slots:   make(map[string]*slot),
	}, nil
}

// Capabilities returns the capabilities the loader negotiates against.
func (l *Loader) Capabilities() CapabilitySet {
	out := make(CapabilitySet, len(l.caps))
	for c, ok := range l.caps {
		out[c] = ok
	}
	return out
}

// Config returns the loader configuration.
func (l *Loader) Config() Config { return l.cfg }

// Register adds a module to the catalog.
func (l *Loader) Register(desc ModuleDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.slots[desc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, desc.Name)
	}
	desc = desc.clone()
	l.slots[desc.Name] = &slot{
		desc: desc,
		state: ModuleRuntimeState{
			Module:     desc.Name,
			Descriptor: desc,
			Phase:      PhaseRegistered,
		},
	}
	return nil
}

// Descriptors returns registered descriptors by descending priority.
func (l *Loader) Descriptors() []ModuleDescriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ModuleDescriptor, 0, len(l.slots))
	for _, s := range l.slots {
		out = append(out, s.desc.clone())
	}
	sortByPriority(out)
	return out
}

// eligible reports whether the host can run desc, and why not.
func (l *Loader) eligible(desc ModuleDescriptor) (bool, string) {
	if missing := l.caps.Missing(desc.Capabilities); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, c := range missing {
			names[i] = string(c)
		}
		return false, "missing capabilities: " + strings.Join(names, ",")
	}
	if l.cfg.MemoryLimitBytes > 0 && desc.MemoryRequirementBytes > l.cfg.MemoryLimitBytes {
		return false, fmt.Sprintf("needs %d bytes, limit %d", desc.MemoryRequirementBytes, l.cfg.MemoryLimitBytes)
	}
	return true, ""
}

// Candidates returns the modules LoadPreferred would try, in order.
//
// # Description
//
// The preferred module comes first when registered and eligible. The
// other eligible modules follow by descending priority. Without
// AutoFallback only the first candidate is returned.
func (l *Loader) Candidates() []ModuleDescriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	slots := l.candidatesLocked()
	out := make([]ModuleDescriptor, len(slots))
	for i, s := range slots {
		out[i] = s.desc.clone()
	}
	return out
}

func (l *Loader) candidatesLocked() []*slot {
	var preferred *slot
	if s, ok := l.slots[l.cfg.PreferredModule]; ok {
		if ok, reason := l.eligible(s.desc); ok {
			preferred = s
		} else {
			l.logger.Info("preferred accelerator module skipped",
				slog.String("module", s.desc.Name),
				slog.String("reason", reason))
		}
	}

	rest := make([]ModuleDescriptor, 0, len(l.slots))
	for _, s := range l.slots {
		if s == preferred {
			continue
		}
		if ok, _ := l.eligible(s.desc); ok {
			rest = append(rest, s.desc)
		}
	}
	sortByPriority(rest)

	var out []*slot
	if preferred != nil {
		out = append(out, preferred)
	}
	for _, d := range rest {
		out = append(out, l.slots[d.Name])
	}
	if !l.cfg.AutoFallback && len(out) > 1 {
		out = out[:1]
	}
	return out
}

// LoadPreferred loads the best module the host can run.
//
// # Description
//
// Candidates are tried in Candidates order. The first success becomes the
// active instance, replacing any previous one. When the first candidate
// is already active it is returned without reloading.
//
// # Outputs
//
//   - *Instance: The active instance.
//   - error: *AggregateLoadError when every candidate failed or none is
//     eligible.
func (l *Loader) LoadPreferred(ctx context.Context) (*Instance, error) {
	ctx, span := tracer.Start(ctx, "accel.Loader.LoadPreferred",
		trace.WithAttributes(attribute.String("accel.preferred", l.cfg.PreferredModule)))
	defer span.End()

	l.mu.Lock()
	l.tried = true
	cands := l.candidatesLocked()
	active := l.active
	l.mu.Unlock()

	if len(cands) == 0 {
		err := &AggregateLoadError{}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no eligible module")
		return nil, err
	}
	if active != nil && active.Name() == cands[0].desc.Name && !active.Closed() {
		return active, nil
	}

	var failures []*LoadError
	for i, s := range cands {
		inst, lerr := l.load(ctx, s)
		if lerr != nil {
			failures = append(failures, lerr)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if i > 0 {
			l.logger.Warn("accelerator fell back",
				slog.String("preferred", cands[0].desc.Name),
				slog.String("module", s.desc.Name),
				slog.Int("failed_candidates", i))
		}
		l.activate(ctx, inst)
		span.SetAttributes(attribute.String("accel.module", s.desc.Name))
		return inst, nil
	}

	err := &AggregateLoadError{Failures: failures}
	span.RecordError(err)
	span.SetStatus(codes.Error, "all candidates failed")
	l.logger.Error("no accelerator module could be loaded",
		slog.Any("modules", err.Modules()))
	return nil, err
}

// SwitchTo loads name and makes it active.
//
// It reports false, leaving the current module active, when name is
// unknown, ineligible on this host, or fails to load.
func (l *Loader) SwitchTo(ctx context.Context, name string) bool {
	l.mu.Lock()
	s, ok := l.slots[name]
	active := l.active
	if ok {
		l.tried = true
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	if ok, reason := l.eligible(s.desc); !ok {
		l.logger.Warn("accelerator switch refused",
			slog.String("module", name), slog.String("reason", reason))
		return false
	}
	if active != nil && active.Name() == name && !active.Closed() {
		return true
	}
	inst, lerr := l.load(ctx, s)
	if lerr != nil {
		return false
	}
	l.activate(ctx, inst)
	return true
}

// load runs one candidate through its strategy with retries.
func (l *Loader) load(ctx context.Context, s *slot) (*Instance, *LoadError) {
	name := s.desc.Name
	ctx, span := tracer.Start(ctx, "accel.Loader.load", trace.WithAttributes(attribute.String("accel.module", name)))
	defer span.End()

	l.mu.Lock()
	strategy := l.pickStrategyLocked(s)
	var pre Compiled
	if strategy == StrategyPreload {
		pre, s.precompiled = s.precompiled, nil
	}
	s.state.Phase = PhaseLoading
	s.state.Strategy = strategy
	l.mu.Unlock()
	span.SetAttributes(attribute.String("accel.strategy", string(strategy)))

	start := time.Now()
	attempts := 0
	var (
		compiled Compiled
		err      error
	)
	if pre != nil {
		compiled, attempts = pre, 1
	} else {
		bo := backoff.NewExponentialBackOff()
		if l.cfg.RetryBackoff > 0 {
			bo.InitialInterval = l.cfg.RetryBackoff
		}
		compiled, err = backoff.Retry(ctx, func() (Compiled, error) {
			attempts++
			c, err := l.attempt(ctx, s.desc, strategy)
			if err != nil && !errors.Is(err, ErrFetchFailed) {
				return nil, backoff.Permanent(err)
			}
			return c, err
		}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(l.cfg.RetryAttempts)+1))
	}
	elapsed := time.Since(start)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		s.state.Phase = PhaseFailed
		s.state.Loaded = false
		s.state.Instantiated = false
		s.state.ErrorCount++
		s.state.LastError = err.Error()
		recordLoad(name, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		l.logger.Warn("accelerator module load failed",
			slog.String("module", name),
			slog.String("strategy", string(strategy)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return nil, &LoadError{Module: name, Strategy: strategy, Attempts: attempts, Err: err}
	}
	s.state.Phase = PhaseLoaded
	s.state.Loaded = true
	s.state.Instantiated = false
	s.state.LoadTime = elapsed
	s.state.LoadedAt = time.Now()
	recordLoad(name, true)
	l.logger.Info("accelerator module loaded",
		slog.String("module", name),
		slog.String("strategy", string(strategy)),
		slog.Duration("load_time", elapsed))
	return newInstance(l, s.desc, compiled), nil
}

func (l *Loader) pickStrategyLocked(s *slot) Strategy {
	for _, st := range l.cfg.Strategies {
		switch st {
		case StrategyPreload:
			if s.precompiled != nil {
				return st
			}
		case StrategyStreaming:
			if _, ok := l.fetcher.(StreamFetcher); ok {
				return st
			}
		default:
			return st
		}
	}
	return StrategySync
}

// attempt performs one bounded fetch and compile.
func (l *Loader) attempt(ctx context.Context, desc ModuleDescriptor, strategy Strategy) (Compiled, error) {
	actx, cancel := context.WithTimeout(ctx, l.cfg.LoadTimeout)
	defer cancel()

	if strategy == StrategyBackground {
		type result struct {
			c   Compiled
			err error
		}
		ch := make(chan result, 1)
		go func() {
			c, err := l.fetchAndCompile(actx, desc, false)
			ch <- result{c, err}
		}()
		select {
		case r := <-ch:
			return r.c, l.classify(ctx, actx, r.err)
		case <-actx.Done():
			go func() {
				if r := <-ch; r.c != nil {
					_ = r.c.Close(context.Background())
				}
			}()
			return nil, l.classify(ctx, actx, actx.Err())
		}
	}

	c, err := l.fetchAndCompile(actx, desc, strategy == StrategyStreaming)
	if err == nil && actx.Err() != nil {
		_ = c.Close(context.Background())
		c, err = nil, actx.Err()
	}
	return c, l.classify(ctx, actx, err)
}

// classify turns a deadline on the attempt context into ErrModuleLoadTimeout.
func (l *Loader) classify(parent, actx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrModuleLoadTimeout, l.cfg.LoadTimeout, err)
	}
	return err
}

func (l *Loader) fetchAndCompile(ctx context.Context, desc ModuleDescriptor, stream bool) (Compiled, error) {
	ref := l.resolve(ctx, desc)
	var (
		bin []byte
		err error
	)
	if sf, ok := l.fetcher.(StreamFetcher); ok && stream {
		var rc io.ReadCloser
		rc, err = sf.Open(ctx, ref)
		if err == nil {
			bin, err = readLimited(rc, l.cfg.MaxArtifactBytes, ref)
			_ = rc.Close()
		}
	} else {
		bin, err = l.fetcher.Fetch(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	return l.engine.Compile(ctx, desc, bin)
}

// resolve maps an unpinned version to the newest listed one.
func (l *Loader) resolve(ctx context.Context, desc ModuleDescriptor) ArtifactRef {
	ref := ArtifactRef{Name: desc.Name, Version: desc.Version}
	if desc.Version != "" && desc.Version != LatestVersionTag {
		return ref
	}
	ref.Version = ""
	if lister, ok := l.fetcher.(VersionLister); ok {
		versions, err := lister.Versions(ctx, desc.Name)
		if err != nil {
			l.logger.Debug("accelerator version listing failed",
				slog.String("module", desc.Name), slog.String("error", err.Error()))
			return ref
		}
		ref.Version = LatestVersion(versions)
	}
	return ref
}

// activate makes inst the active instance and retires the previous one.
func (l *Loader) activate(ctx context.Context, inst *Instance) {
	l.mu.Lock()
	prev := l.active
	l.active = inst
	if s, ok := l.slots[inst.Name()]; ok {
		s.state.Active = true
	}
	if prev != nil && prev.Name() != inst.Name() {
		if ps, ok := l.slots[prev.Name()]; ok {
			ps.state.Active = false
			ps.state.Loaded = false
			ps.state.Instantiated = false
			if ps.state.Phase != PhaseFailed {
				ps.state.Phase = PhaseRegistered
			}
		}
	}
	l.mu.Unlock()

	if prev != nil && prev != inst {
		_ = prev.Close(ctx)
	}
}

// Active returns the active instance, or nil.
func (l *Loader) Active() *Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Status returns the active module's state. Without an active module it
// returns the preferred module's state, or an unregistered placeholder.
func (l *Loader) Status() ModuleRuntimeState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active != nil {
		if s, ok := l.slots[l.active.Name()]; ok {
			return s.state
		}
	}
	if s, ok := l.slots[l.cfg.PreferredModule]; ok {
		return s.state
	}
	return ModuleRuntimeState{Module: l.cfg.PreferredModule, Phase: PhaseUnregistered}
}

// Statuses returns every registered module's state by descending priority.
func (l *Loader) Statuses() []ModuleRuntimeState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ModuleRuntimeState, 0, len(l.slots))
	for _, s := range l.slots {
		out = append(out, s.state)
	}
	slices.SortStableFunc(out, func(a, b ModuleRuntimeState) int {
		if a.Descriptor.LoadPriority != b.Descriptor.LoadPriority {
			return b.Descriptor.LoadPriority - a.Descriptor.LoadPriority
		}
		return strings.Compare(a.Module, b.Module)
	})
	return out
}

// VectorizedAvailable reports whether an eligible vectorized module is
// registered while a different variant is active (or nothing is).
func (l *Loader) VectorizedAvailable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active != nil && l.active.Descriptor().Variant == VariantVectorized {
		return false
	}
	for _, s := range l.slots {
		if s.desc.Variant != VariantVectorized {
			continue
		}
		if ok, _ := l.eligible(s.desc); ok {
			return true
		}
	}
	return false
}

// PreloadEnabled reports whether the preload strategy is configured.
func (l *Loader) PreloadEnabled() bool {
	return slices.Contains(l.cfg.Strategies, StrategyPreload)
}

// Preload compiles every eligible module so later loads can use the
// preload strategy.
//
// Failures are logged, joined and returned; modules that compiled remain
// available.
func (l *Loader) Preload(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "accel.Loader.Preload")
	defer span.End()

	l.mu.RLock()
	var todo []ModuleDescriptor
	for _, s := range l.slots {
		if s.precompiled != nil {
			continue
		}
		if ok, _ := l.eligible(s.desc); ok {
			todo = append(todo, s.desc)
		}
	}
	l.mu.RUnlock()
	sortByPriority(todo)

	var errs []error
	for _, desc := range todo {
		c, err := l.attempt(ctx, desc, StrategySync)
		if err != nil {
			errs = append(errs, fmt.Errorf("preload %s: %w", desc.Name, err))
			l.logger.Warn("accelerator preload failed",
				slog.String("module", desc.Name), slog.String("error", err.Error()))
			continue
		}
		l.mu.Lock()
		if s := l.slots[desc.Name]; s.precompiled == nil {
			s.precompiled = c
		} else {
			_ = c.Close(ctx)
		}
		l.mu.Unlock()
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Reset closes the active instance and every preloaded module and returns
// all slots to Registered. Error counts are kept; HealthCheck reports idle
// until the next load. The loader stays usable.
func (l *Loader) Reset(ctx context.Context) {
	l.mu.Lock()
	active := l.active
	l.active = nil
	l.tried = false
	var pre []Compiled
	for _, s := range l.slots {
		if s.precompiled != nil {
			pre = append(pre, s.precompiled)
			s.precompiled = nil
		}
		s.state.Active = false
		s.state.Loaded = false
		s.state.Instantiated = false
		s.state.Phase = PhaseRegistered
	}
	l.mu.Unlock()

	if active != nil {
		_ = active.Close(ctx)
	}
	for _, c := range pre {
		_ = c.Close(ctx)
	}
}

// Close resets the loader and closes the engine. The loader cannot load
// modules afterwards.
func (l *Loader) Close(ctx context.Context) error {
	l.Reset(ctx)
	return l.engine.Close(ctx)
}

func (l *Loader) markInstantiated(inst *Instance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != inst {
		return
	}
	if s, ok := l.slots[inst.Name()]; ok {
		s.state.Phase = PhaseInstantiated
		s.state.Instantiated = true
	}
}

func (l *Loader) recordCallError(inst *Instance, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[inst.Name()]; ok {
		s.state.ErrorCount++
		s.state.LastError = err.Error()
	}
}
