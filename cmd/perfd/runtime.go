// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianPerf/services/perf/accel"
	"github.com/AleutianAI/AleutianPerf/services/perf/cache"
	"github.com/AleutianAI/AleutianPerf/services/perf/config"
	"github.com/AleutianAI/AleutianPerf/services/perf/mempool"
	"github.com/AleutianAI/AleutianPerf/services/perf/orchestrator"
	"github.com/AleutianAI/AleutianPerf/services/perf/regression"
	badgerdb "github.com/AleutianAI/AleutianPerf/services/perf/storage/badger"
)

// perfRuntime owns every component built from one configuration.
type perfRuntime struct {
	orch    *orchestrator.Orchestrator
	store   regression.BaselineStore
	loaded  bool
	closers []func(context.Context) error
}

// runtimeOptions selects the optional pieces a command needs.
type runtimeOptions struct {
	// Sinks enables the Prometheus, InfluxDB and log report sinks.
	Sinks bool

	// Registerer receives the Prometheus sink. Default:
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Probes registers the builtin benchmark probes.
	Probes bool

	// ProbeRuns overrides the measured runs of each probe when positive.
	ProbeRuns int
}

// buildRuntime wires the cache, pool, loader, tester and orchestrator.
//
// # Description
//
// The loader is created only when modules are declared. Baselines are
// restored from the badger store when Storage.BaselinePath is set. On
// error every resource opened so far is released.
func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, opts runtimeOptions) (_ *perfRuntime, err error) {
	rt := &perfRuntime{}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	cacheCfg, err := cfg.Cache.ToCacheConfig(logger)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	pool, err := mempool.New(cfg.Memory.ToPoolConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("create memory pool: %w", err)
	}

	tester := regression.New(cfg.Orchestrator.ToRegressionConfig(logger))
	if path := cfg.Storage.BaselinePath; path != "" {
		dbCfg := badgerdb.DefaultConfig()
		dbCfg.Path = path
		dbCfg.Logger = logger
		db, err := badgerdb.Open(dbCfg)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
		rt.store = regression.NewBadgerStore(db)
		found, err := tester.LoadFrom(ctx, rt.store)
		if err != nil {
			return nil, fmt.Errorf("restore baselines: %w", err)
		}
		rt.loaded = found
	}

	options := []orchestrator.Option{
		orchestrator.WithCache(c),
		orchestrator.WithPool(pool),
		orchestrator.WithTester(tester),
	}

	loader, err := buildLoader(ctx, cfg.Accelerator, logger, rt)
	if err != nil {
		return nil, err
	}
	if loader != nil {
		options = append(options, orchestrator.WithLoader(loader))
	}

	if opts.Sinks {
		sinks, err := buildSinks(cfg, logger, opts.Registerer, rt)
		if err != nil {
			return nil, err
		}
		options = append(options, orchestrator.WithSinks(sinks...))
	}

	orchCfg := cfg.ToOrchestratorConfig(logger)
	orchCfg.BuiltinProbes = opts.Probes
	if opts.ProbeRuns > 0 {
		orchCfg.ProbeRuns = opts.ProbeRuns
	}
	rt.orch, err = orchestrator.New(orchCfg, options...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func buildLoader(ctx context.Context, cfg config.AcceleratorConfig, logger *slog.Logger, rt *perfRuntime) (*accel.Loader, error) {
	if len(cfg.Modules) == 0 {
		return nil, nil
	}
	fetcher, closeFetcher, err := cfg.NewFetcher(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create artifact fetcher: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return closeFetcher() })
	if fetcher == nil {
		logger.Warn("accelerator modules declared without an artifact source; loader disabled",
			slog.Int("modules", len(cfg.Modules)))
		return nil, nil
	}

	loaderCfg := cfg.ToLoaderConfig(logger)
	caps := accel.DetectCapabilities()
	engine := accel.NewWazeroEngine(ctx, accel.WazeroConfig{
		MemoryLimitBytes: cfg.MemoryLimitBytes,
		Capabilities:     caps,
	})
	loaderCfg.Capabilities = caps
	loader, err := accel.NewLoader(loaderCfg, fetcher, engine)
	if err != nil {
		_ = engine.Close(ctx)
		return nil, err
	}
	rt.closers = append(rt.closers, loader.Close)
	for _, desc := range cfg.Descriptors() {
		if err := loader.Register(desc); err != nil {
			return nil, fmt.Errorf("register module %s: %w", desc.Name, err)
		}
	}
	return loader, nil
}

func buildSinks(cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, rt *perfRuntime) ([]orchestrator.ReportSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	sinks := []orchestrator.ReportSink{
		orchestrator.NewPrometheusSink(reg),
		orchestrator.LogSink{Logger: logger},
	}
	if influxCfg, ok := cfg.Storage.Influx.ToSinkConfig(); ok {
		influx, err := orchestrator.NewInfluxSink(influxCfg)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error { influx.Close(); return nil })
		sinks = append(sinks, influx)
	}
	return sinks, nil
}

// Close shuts the orchestrator down and releases resources in reverse
// order of acquisition.
func (rt *perfRuntime) Close(ctx context.Context) error {
	var errs []error
	if rt.orch != nil {
		errs = append(errs, rt.orch.Shutdown(ctx))
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// persist saves baselines when a store is configured.
func (rt *perfRuntime) persist(ctx context.Context) error {
	if rt.store == nil {
		return nil
	}
	return rt.orch.Tester().Persist(ctx, rt.store)
}
