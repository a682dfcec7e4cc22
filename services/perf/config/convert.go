// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianPerf/pkg/logging"
	"github.com/AleutianAI/AleutianPerf/services/perf/accel"
	"github.com/AleutianAI/AleutianPerf/services/perf/cache"
	"github.com/AleutianAI/AleutianPerf/services/perf/mempool"
	"github.com/AleutianAI/AleutianPerf/services/perf/orchestrator"
	"github.com/AleutianAI/AleutianPerf/services/perf/regression"
	"github.com/AleutianAI/AleutianPerf/services/perf/telemetry"
)

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// DefaultTTL returns the cache default TTL.
func (c CacheConfig) DefaultTTL() time.Duration { return ms(c.DefaultTTLMs) }

// SweepInterval returns the cache sweep period.
func (c CacheConfig) SweepInterval() time.Duration { return ms(c.SweepIntervalMs) }

// ToCacheConfig builds the cache configuration, constructing the
// compressor.
func (c CacheConfig) ToCacheConfig(logger *slog.Logger) (cache.Config, error) {
	comp, err := cache.NewCompressor(c.Compression)
	if err != nil {
		return cache.Config{}, err
	}
	return cache.Config{
		MaxSizeBytes:         c.MaxSizeBytes,
		MaxEntries:           c.MaxEntries,
		DefaultTTL:           c.DefaultTTL(),
		IntelligentEviction:  c.IntelligentEviction,
		CompressionThreshold: c.CompressionThresholdBytes,
		Compressor:           comp,
		Logger:               logger,
	}, nil
}

// SnapshotInterval returns the memory snapshot period.
func (c MemoryConfig) SnapshotInterval() time.Duration { return ms(c.SnapshotIntervalMs) }

// ToPoolConfig builds the memory pool configuration.
func (c MemoryConfig) ToPoolConfig(logger *slog.Logger) mempool.Config {
	base := mempool.DefaultConfig()
	base.SizeClasses = append([]int(nil), c.PoolSizeClasses...)
	base.MaxFreePerClass = c.MaxFreePerClass
	base.LeakThresholdBytes = c.LeakThresholdBytes
	base.SnapshotWindow = c.SnapshotWindow
	base.LeakCooldown = ms(c.LeakCooldownMs)
	if c.HeapLimitBytes > 0 {
		base.Sampler = mempool.LimitSampler{Limit: c.HeapLimitBytes}
	}
	base.Logger = logger
	return base
}

// ToLoaderConfig builds the module loader configuration.
func (c AcceleratorConfig) ToLoaderConfig(logger *slog.Logger) accel.Config {
	base := accel.DefaultConfig()
	base.PreferredModule = c.PreferredModule
	base.MemoryLimitBytes = c.MemoryLimitBytes
	base.LoadTimeout = ms(c.LoadTimeoutMs)
	base.RetryAttempts = c.RetryAttempts
	base.AutoFallback = c.AutoFallback
	base.Strategies = make([]accel.Strategy, len(c.Strategies))
	for i, s := range c.Strategies {
		base.Strategies[i] = accel.Strategy(s)
	}
	base.Logger = logger
	return base
}

// Descriptors converts the declared modules.
func (c AcceleratorConfig) Descriptors() []accel.ModuleDescriptor {
	out := make([]accel.ModuleDescriptor, len(c.Modules))
	for i, m := range c.Modules {
		caps := make([]accel.Capability, len(m.Capabilities))
		for j, cp := range m.Capabilities {
			caps[j] = accel.Capability(cp)
		}
		out[i] = accel.ModuleDescriptor{
			Name:                   m.Name,
			Variant:                accel.Variant(m.Variant),
			Capabilities:           caps,
			MemoryRequirementBytes: m.MemoryRequirementBytes,
			LoadPriority:           m.LoadPriority,
			Version:                m.Version,
		}
	}
	return out
}

// NewFetcher constructs the artifact fetcher for Source.
//
// # Inputs
//
//   - embedded: Served for the embedded source. Nil falls back to the
//     SourceURI directory.
//
// # Outputs
//
//   - accel.Fetcher: Nil for source "none".
//   - func() error: Releases fetcher resources. Never nil.
//   - error: Non-nil if the fetcher cannot be created.
func (c AcceleratorConfig) NewFetcher(ctx context.Context, embedded fs.FS) (accel.Fetcher, func() error, error) {
	noop := func() error { return nil }
	switch c.Source {
	case "none", "":
		return nil, noop, nil
	case "file":
		return accel.FileFetcher{Root: c.SourceURI}, noop, nil
	case "embedded":
		fsys := embedded
		if fsys == nil {
			fsys = os.DirFS(c.SourceURI)
		}
		return accel.EmbeddedFetcher{FS: fsys}, noop, nil
	case "http":
		return accel.HTTPFetcher{BaseURL: c.SourceURI}, noop, nil
	case "gcs":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(c.SourceURI, "gs://"), "/")
		f, err := accel.NewGCSFetcher(ctx, bucket, prefix, c.CredentialsFile)
		if err != nil {
			return nil, noop, err
		}
		return f, f.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: unknown artifact source %q", ErrInvalidConfig, c.Source)
	}
}

// TickInterval returns the collection period.
func (c OrchestratorConfig) TickInterval() time.Duration { return ms(c.TickIntervalMs) }

// BenchmarkSchedule returns the cron spec for the automatic benchmark, or
// "" when disabled.
func (c OrchestratorConfig) BenchmarkSchedule() string {
	if c.AutoBenchmarkIntervalHours <= 0 {
		return ""
	}
	return fmt.Sprintf("@every %dh", c.AutoBenchmarkIntervalHours)
}

// ToRegressionConfig builds the regression tester configuration.
func (c OrchestratorConfig) ToRegressionConfig(logger *slog.Logger) regression.Config {
	base := regression.DefaultConfig()
	base.DefaultThresholdPercent = c.RegressionThresholdPercent
	base.HistorySize = c.HistorySize
	base.Logger = logger
	return base
}

// ToOrchestratorConfig builds the orchestrator configuration. Cache sweeps
// and memory snapshots keep the intervals of their own sections.
func (c Config) ToOrchestratorConfig(logger *slog.Logger) orchestrator.Config {
	base := orchestrator.DefaultConfig()
	base.TickInterval = c.Orchestrator.TickInterval()
	base.CacheMaintenanceInterval = c.Cache.SweepInterval()
	base.SnapshotInterval = c.Memory.SnapshotInterval()
	base.BenchmarkSchedule = c.Orchestrator.BenchmarkSchedule()
	base.AutoRegressionCheck = c.Orchestrator.AutoRegressionCheck
	base.HistorySize = c.Orchestrator.HistorySize
	base.BaselineTag = c.Orchestrator.BaselineTag
	if len(c.Orchestrator.RegressionMetrics) > 0 {
		base.RegressionMetrics = slices.Clone(c.Orchestrator.RegressionMetrics)
	}
	base.LoadModuleOnStart = c.Accelerator.LoadOnStart
	base.Logger = logger
	return base
}

// ToSinkConfig builds the InfluxDB sink configuration. ok is false when
// no URL is configured.
func (c InfluxConfig) ToSinkConfig() (cfg orchestrator.InfluxConfig, ok bool) {
	if c.URL == "" {
		return orchestrator.InfluxConfig{}, false
	}
	return orchestrator.InfluxConfig{URL: c.URL, Token: c.Token, Org: c.Org, Bucket: c.Bucket}, true
}

// ToTelemetryConfig builds the telemetry configuration.
func (c TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	base := telemetry.DefaultConfig()
	base.ServiceName = c.ServiceName
	base.TraceExporter = c.TraceExporter
	base.MetricExporter = c.MetricExporter
	base.OTLPEndpoint = c.OTLPEndpoint
	base.OTLPInsecure = c.OTLPInsecure
	return base
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c ServerConfig) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMs) }

// ToLoggingConfig builds the logger configuration.
func (c LoggingConfig) ToLoggingConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: service,
		Format:  logging.Format(c.Format),
	}
}
