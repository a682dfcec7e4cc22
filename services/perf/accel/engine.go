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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// wasmPageSize is the WebAssembly linear memory page size.
const wasmPageSize = 64 << 10

// maxWasmPages is the most pages a 32-bit linear memory can address.
const maxWasmPages = 65536

// Engine compiles module binaries.
type Engine interface {
	Compile(ctx context.Context, desc ModuleDescriptor, binary []byte) (Compiled, error)
	Close(ctx context.Context) error
}

// Compiled is a compiled, not yet instantiated, module.
type Compiled interface {
	Instantiate(ctx context.Context) (Module, error)
	Close(ctx context.Context) error
}

// Module is an instantiated module.
//
// Calls on one Module are not safe for concurrent use; Instance serialises
// them.
type Module interface {
	Call(ctx context.Context, fn string, args ...uint64) ([]uint64, error)
	MemoryBytes() uint64
	Close(ctx context.Context) error
}

// =============================================================================
// Wazero
// =============================================================================

// WazeroConfig configures a WazeroEngine.
type WazeroConfig struct {
	// MemoryLimitBytes caps each module's linear memory. Zero leaves the
	// runtime default (4 GiB).
	MemoryLimitBytes uint64

	// Capabilities gates optional WebAssembly features. SIMD is enabled
	// only when present.
	Capabilities CapabilitySet
}

// WazeroEngine runs WebAssembly modules in the wazero runtime.
type WazeroEngine struct {
	runtime wazero.Runtime
	seq     atomic.Uint64
}

// NewWazeroEngine creates an engine with its own runtime.
func NewWazeroEngine(ctx context.Context, cfg WazeroConfig) *WazeroEngine {
	features := api.CoreFeaturesV2
	if !cfg.Capabilities.Has(CapabilitySIMD) {
		features = features.SetEnabled(api.CoreFeatureSIMD, false)
	}
	rc := wazero.NewRuntimeConfig().WithCoreFeatures(features)
	if cfg.MemoryLimitBytes > 0 {
		pages := cfg.MemoryLimitBytes / wasmPageSize
		if pages == 0 {
			pages = 1
		}
		if pages > maxWasmPages {
			pages = maxWasmPages
		}
		rc = rc.WithMemoryLimitPages(uint32(pages))
	}
	return &WazeroEngine{runtime: wazero.NewRuntimeWithConfig(ctx, rc)}
}

// Compile implements Engine.
func (w *WazeroEngine) Compile(ctx context.Context, desc ModuleDescriptor, binary []byte) (Compiled, error) {
	cm, err := w.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompileFailed, desc.Name, err)
	}
	return &wazeroCompiled{engine: w, name: desc.Name, compiled: cm}, nil
}

// Close implements Engine. It closes every module the runtime created.
func (w *WazeroEngine) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

type wazeroCompiled struct {
	engine   *WazeroEngine
	name     string
	compiled wazero.CompiledModule
}

func (c *wazeroCompiled) Instantiate(ctx context.Context) (Module, error) {
	// Instance names must be unique within a runtime.
	name := fmt.Sprintf("%s#%d", c.name, c.engine.seq.Add(1))
	mod, err := c.engine.runtime.InstantiateModule(ctx, c.compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", c.name, err)
	}
	return &wazeroModule{mod: mod}, nil
}

func (c *wazeroCompiled) Close(ctx context.Context) error {
	return c.compiled.Close(ctx)
}

type wazeroModule struct {
	mod api.Module
}

func (m *wazeroModule) Call(ctx context.Context, fn string, args ...uint64) ([]uint64, error) {
	f := m.mod.ExportedFunction(fn)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, fn)
	}
	return f.Call(ctx, args...)
}

func (m *wazeroModule) MemoryBytes() uint64 {
	mem := m.mod.Memory()
	if mem == nil {
		return 0
	}
	return uint64(mem.Size())
}

func (m *wazeroModule) Close(ctx context.Context) error {
	return m.mod.Close(ctx)
}

// =============================================================================
// Func (test double)
// =============================================================================

// HostFunc is a Go function standing in for a module export.
type HostFunc func(ctx context.Context, args ...uint64) ([]uint64, error)

// FuncEngine is a test double that "compiles" any binary into a module
// whose exports are Go functions. It lets loader behaviour be exercised
// without WebAssembly artifacts.
type FuncEngine struct {
	// CompileHook runs before every compile. A non-nil error fails it.
	CompileHook func(ctx context.Context, desc ModuleDescriptor, binary []byte) error

	// Exports are the functions every instantiated module exposes.
	Exports map[string]HostFunc

	// Memory is reported by every module's MemoryBytes.
	Memory uint64

	mu       sync.Mutex
	compiles map[string]int
	live     int
}

// Compile implements Engine.
func (f *FuncEngine) Compile(ctx context.Context, desc ModuleDescriptor, binary []byte) (Compiled, error) {
	f.mu.Lock()
	if f.compiles == nil {
		f.compiles = make(map[string]int)
	}
	f.compiles[desc.Name]++
	f.mu.Unlock()

	if f.CompileHook != nil {
		if err := f.CompileHook(ctx, desc, binary); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCompileFailed, desc.Name, err)
		}
	}
	f.mu.Lock()
	f.live++
	f.mu.Unlock()
	return &funcCompiled{engine: f}, nil
}

// Compiles reports how many times name was compiled.
func (f *FuncEngine) Compiles(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compiles[name]
}

// Live reports compiled modules not yet closed.
func (f *FuncEngine) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// Close implements Engine.
func (f *FuncEngine) Close(context.Context) error { return nil }

type funcCompiled struct {
	engine *FuncEngine
	once   sync.Once
}

func (c *funcCompiled) Instantiate(context.Context) (Module, error) {
	return &funcModule{engine: c.engine}, nil
}

func (c *funcCompiled) Close(context.Context) error {
	c.once.Do(func() {
		c.engine.mu.Lock()
		c.engine.live--
		c.engine.mu.Unlock()
	})
	return nil
}

type funcModule struct {
	engine *FuncEngine
}

func (m *funcModule) Call(ctx context.Context, fn string, args ...uint64) ([]uint64, error) {
	h, ok := m.engine.Exports[fn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, fn)
	}
	return h(ctx, args...)
}

func (m *funcModule) MemoryBytes() uint64         { return m.engine.Memory }
func (m *funcModule) Close(context.Context) error { return nil }
