// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the perfd configuration file format.
//
// # Description
//
// Config is loaded with priority env > file > defaults. Durations are
// expressed in milliseconds (or hours for the benchmark schedule) so the
// YAML stays flat. Each section converts to the configuration struct of
// the component it drives.
//
// # Thread Safety
//
// Config values are plain data. Safe to read concurrently; copy with With
// before modifying a shared value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("config: invalid")

	// ErrParse indicates a file that is not valid YAML for Config.
	ErrParse = errors.New("config: parse failed")
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PERF_"

// =============================================================================
// Types
// =============================================================================

// Config is the complete perfd configuration.
type Config struct {
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
	Memory       MemoryConfig       `yaml:"memory" json:"memory"`
	Accelerator  AcceleratorConfig  `yaml:"accelerator" json:"accelerator"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// CacheConfig configures the artifact cache.
type CacheConfig struct {
	MaxSizeBytes        int64 `yaml:"maxSizeBytes" json:"maxSizeBytes" validate:"gt=0"`
	MaxEntries          int   `yaml:"maxEntries" json:"maxEntries" validate:"gt=0"`
	DefaultTTLMs        int64 `yaml:"defaultTtlMs" json:"defaultTtlMs" validate:"gte=0"`
	IntelligentEviction bool  `yaml:"intelligentEviction" json:"intelligentEviction"`

	// CompressionThresholdBytes is the value size at which Compression
	// applies. Zero disables compression.
	CompressionThresholdBytes int    `yaml:"compressionThresholdBytes" json:"compressionThresholdBytes" validate:"gte=0"`
	Compression               string `yaml:"compression" json:"compression" validate:"oneof=snappy zstd none"`

	// SweepIntervalMs is the expired-entry sweep period.
	SweepIntervalMs int64 `yaml:"sweepIntervalMs" json:"sweepIntervalMs" validate:"gt=0"`
}

// MemoryConfig configures the buffer pool and leak detector.
type MemoryConfig struct {
	PoolSizeClasses    []int  `yaml:"poolSizeClasses" json:"poolSizeClasses" validate:"required,min=1,unique,dive,gt=0"`
	MaxFreePerClass    int    `yaml:"maxFreePerClass" json:"maxFreePerClass" validate:"gte=0"`
	LeakThresholdBytes uint64 `yaml:"leakThresholdBytes" json:"leakThresholdBytes" validate:"gt=0"`
	SnapshotIntervalMs int64  `yaml:"snapshotIntervalMs" json:"snapshotIntervalMs" validate:"gt=0"`
	SnapshotWindow     int    `yaml:"snapshotWindow" json:"snapshotWindow" validate:"gte=2"`
	LeakCooldownMs     int64  `yaml:"leakCooldownMs" json:"leakCooldownMs" validate:"gte=0"`

	// HeapLimitBytes replaces the runtime's reserved heap as the
	// denominator of the heap ratio. Zero uses the runtime figure.
	HeapLimitBytes uint64 `yaml:"heapLimitBytes" json:"heapLimitBytes"`
}

// ModuleConfig declares one accelerator module.
type ModuleConfig struct {
	Name                   string   `yaml:"name" json:"name" validate:"required"`
	Variant                string   `yaml:"variant" json:"variant" validate:"oneof=standard vectorized reduced"`
	Capabilities           []string `yaml:"capabilities" json:"capabilities,omitempty"`
	MemoryRequirementBytes uint64   `yaml:"memoryRequirementBytes" json:"memoryRequirementBytes"`
	LoadPriority           int      `yaml:"loadPriority" json:"loadPriority"`
	Version                string   `yaml:"version" json:"version,omitempty"`
}

// AcceleratorConfig configures the module loader and its artifact source.
type AcceleratorConfig struct {
	PreferredModule  string   `yaml:"preferredModule" json:"preferredModule"`
	MemoryLimitBytes uint64   `yaml:"memoryLimitBytes" json:"memoryLimitBytes"`
	LoadTimeoutMs    int64    `yaml:"loadTimeoutMs" json:"loadTimeoutMs" validate:"gt=0"`
	RetryAttempts    int      `yaml:"retryAttempts" json:"retryAttempts" validate:"gte=0,lte=10"`
	AutoFallback     bool     `yaml:"autoFallback" json:"autoFallback"`
	Strategies       []string `yaml:"strategies" json:"strategies" validate:"required,min=1,dive,oneof=sync streaming preload background"`

	// Source selects the artifact fetcher. SourceURI is a directory for
	// file and embedded, a base URL for http and gs://bucket/prefix for gcs.
	Source          string `yaml:"source" json:"source" validate:"oneof=file http gcs embedded none"`
	SourceURI       string `yaml:"sourceURI" json:"sourceURI"`
	CredentialsFile string `yaml:"credentialsFile" json:"credentialsFile,omitempty"`

	// LoadOnStart loads the preferred module when perfd starts.
	LoadOnStart bool `yaml:"loadOnStart" json:"loadOnStart"`

	Modules []ModuleConfig `yaml:"modules" json:"modules" validate:"dive"`
}

// OrchestratorConfig configures the periodic jobs and health history.
type OrchestratorConfig struct {
	TickIntervalMs             int64   `yaml:"tickIntervalMs" json:"tickIntervalMs" validate:"gt=0"`
	AutoRegressionCheck        bool    `yaml:"autoRegressionCheck" json:"autoRegressionCheck"`
	AutoBenchmarkIntervalHours int     `yaml:"autoBenchmarkIntervalHours" json:"autoBenchmarkIntervalHours" validate:"gte=0"`
	HistorySize                int     `yaml:"historySize" json:"historySize" validate:"gt=0"`
	RegressionThresholdPercent float64 `yaml:"regressionThresholdPercent" json:"regressionThresholdPercent" validate:"gt=0"`
	BaselineTag                string  `yaml:"baselineTag" json:"baselineTag"`

	// RegressionMetrics overrides the built-in metrics the automatic
	// regression check evaluates. Empty keeps the orchestrator default.
	RegressionMetrics []string `yaml:"regressionMetrics,omitempty" json:"regressionMetrics,omitempty" validate:"dive,required"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName    string `yaml:"serviceName" json:"serviceName" validate:"required"`
	TraceExporter  string `yaml:"traceExporter" json:"traceExporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metricExporter" json:"metricExporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	OTLPInsecure   bool   `yaml:"otlpInsecure" json:"otlpInsecure"`
}

// ServerConfig configures the dashboard HTTP server.
type ServerConfig struct {
	Addr              string `yaml:"addr" json:"addr" validate:"required,hostname_port"`
	ShutdownTimeoutMs int64  `yaml:"shutdownTimeoutMs" json:"shutdownTimeoutMs" validate:"gt=0"`
}

// StorageConfig configures optional persistence adapters.
type StorageConfig struct {
	// BaselinePath is a badger directory for regression baselines. Empty
	// keeps baselines in memory only.
	BaselinePath string       `yaml:"baselinePath" json:"baselinePath"`
	Influx       InfluxConfig `yaml:"influx" json:"influx"`
}

// InfluxConfig enables the InfluxDB report sink when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" json:"url" validate:"omitempty,url"`
	Token  string `yaml:"token" json:"-"`
	Org    string `yaml:"org" json:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" json:"bucket" validate:"required_with=URL"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
	Dir    string `yaml:"dir" json:"dir"`
}

// =============================================================================
// Defaults and Builder
// =============================================================================

// Default returns the configuration perfd runs with when no file is given.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			MaxSizeBytes:              64 << 20,
			MaxEntries:                10_000,
			DefaultTTLMs:              3_600_000,
			IntelligentEviction:       true,
			CompressionThresholdBytes: 4 << 10,
			Compression:               "snappy",
			SweepIntervalMs:           60_000,
		},
		Memory: MemoryConfig{
			PoolSizeClasses:    []int{1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20},
			MaxFreePerClass:    20,
			LeakThresholdBytes: 10 << 20,
			SnapshotIntervalMs: 30_000,
			SnapshotWindow:     10,
			LeakCooldownMs:     600_000,
		},
		Accelerator: AcceleratorConfig{
			MemoryLimitBytes: 256 << 20,
			LoadTimeoutMs:    10_000,
			RetryAttempts:    2,
			AutoFallback:     true,
			Strategies:       []string{"preload", "streaming", "sync"},
			Source:           "none",
		},
		Orchestrator: OrchestratorConfig{
			TickIntervalMs:             5_000,
			AutoRegressionCheck:        true,
			AutoBenchmarkIntervalHours: 24,
			HistorySize:                100,
			RegressionThresholdPercent: 15,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "perfd",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8089",
			ShutdownTimeoutMs: 10_000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Option modifies a Config.
type Option func(*Config)

// With returns a copy of c with opts applied. c is not modified.
//
// # Example
//
//	cfg := config.Default().With(config.WithServerAddr(":9000"))
func (c Config) With(opts ...Option) Config {
	out := c.clone()
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

func (c Config) clone() Config {
	out := c
	out.Memory.PoolSizeClasses = slices.Clone(c.Memory.PoolSizeClasses)
	out.Accelerator.Strategies = slices.Clone(c.Accelerator.Strategies)
	out.Orchestrator.RegressionMetrics = slices.Clone(c.Orchestrator.RegressionMetrics)
	out.Accelerator.Modules = make([]ModuleConfig, len(c.Accelerator.Modules))
	for i, m := range c.Accelerator.Modules {
		m.Capabilities = slices.Clone(m.Capabilities)
		out.Accelerator.Modules[i] = m
	}
	if c.Accelerator.Modules == nil {
		out.Accelerator.Modules = nil
	}
	return out
}

// WithCacheLimits sets the cache size and entry limits.
func WithCacheLimits(maxBytes int64, maxEntries int) Option {
	return func(c *Config) {
		c.Cache.MaxSizeBytes = maxBytes
		c.Cache.MaxEntries = maxEntries
	}
}

// WithPoolSizeClasses replaces the buffer size classes.
func WithPoolSizeClasses(classes ...int) Option {
	return func(c *Config) { c.Memory.PoolSizeClasses = slices.Clone(classes) }
}

// WithModules replaces the accelerator catalog and preferred module.
func WithModules(preferred string, modules ...ModuleConfig) Option {
	return func(c *Config) {
		c.Accelerator.PreferredModule = preferred
		c.Accelerator.Modules = slices.Clone(modules)
	}
}

// WithArtifactSource sets where module binaries come from.
func WithArtifactSource(source, uri string) Option {
	return func(c *Config) {
		c.Accelerator.Source = source
		c.Accelerator.SourceURI = uri
	}
}

// WithTickInterval sets the collection period in milliseconds.
func WithTickInterval(ms int64) Option {
	return func(c *Config) { c.Orchestrator.TickIntervalMs = ms }
}

// WithServerAddr sets the dashboard listen address.
func WithServerAddr(addr string) Option {
	return func(c *Config) { c.Server.Addr = addr }
}

// WithBaselinePath enables badger baseline persistence.
func WithBaselinePath(path string) Option {
	return func(c *Config) { c.Storage.BaselinePath = path }
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.Logging.Level = level }
}

// =============================================================================
// Validation
// =============================================================================

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and cross-field rules.
//
// # Outputs
//
//   - error: Wraps ErrInvalidConfig and names every offending field.
func (c Config) Validate() error {
	var problems []string
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	acc := c.Accelerator
	names := make(map[string]bool, len(acc.Modules))
	for _, m := range acc.Modules {
		if names[m.Name] {
			problems = append(problems, fmt.Sprintf("accelerator.modules: duplicate module %q", m.Name))
		}
		names[m.Name] = true
	}
	if acc.PreferredModule != "" && !names[acc.PreferredModule] {
		problems = append(problems, fmt.Sprintf("accelerator.preferredModule: %q is not a declared module", acc.PreferredModule))
	}
	if acc.Source != "none" && acc.SourceURI == "" {
		problems = append(problems, fmt.Sprintf("accelerator.sourceURI: required for source %q", acc.Source))
	}
	if acc.Source == "gcs" && !strings.HasPrefix(acc.SourceURI, "gs://") {
		problems = append(problems, "accelerator.sourceURI: gcs source needs a gs://bucket/prefix URI")
	}
	if len(acc.Modules) > 0 && acc.Source == "none" {
		problems = append(problems, "accelerator.source: modules are declared but no artifact source is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value())
}

// =============================================================================
// Loading
// =============================================================================

// Load reads configuration with priority env > file > defaults.
//
// # Inputs
//
//   - path: YAML file. Empty or missing uses defaults.
//
// # Outputs
//
//   - Config: The merged, validated configuration.
//   - error: ErrParse for malformed YAML or unknown keys, ErrInvalidConfig
//     when validation fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if cfg, err = Parse(data); err != nil {
				return cfg, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without validating. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Default(), fmt.Errorf("%w: %v", ErrParse, err)
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// applyEnv overrides selected fields from PERF_* variables. Malformed
// numbers are ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	i64 := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	i64("CACHE_MAX_SIZE_BYTES", &cfg.Cache.MaxSizeBytes)
	i64("CACHE_DEFAULT_TTL_MS", &cfg.Cache.DefaultTTLMs)
	str("CACHE_COMPRESSION", &cfg.Cache.Compression)
	i64("MEMORY_SNAPSHOT_INTERVAL_MS", &cfg.Memory.SnapshotIntervalMs)
	str("ACCELERATOR_PREFERRED_MODULE", &cfg.Accelerator.PreferredModule)
	str("ACCELERATOR_SOURCE", &cfg.Accelerator.Source)
	str("ACCELERATOR_SOURCE_URI", &cfg.Accelerator.SourceURI)
	str("ACCELERATOR_CREDENTIALS_FILE", &cfg.Accelerator.CredentialsFile)
	i64("ACCELERATOR_LOAD_TIMEOUT_MS", &cfg.Accelerator.LoadTimeoutMs)
	flag("ACCELERATOR_AUTO_FALLBACK", &cfg.Accelerator.AutoFallback)
	i64("ORCHESTRATOR_TICK_INTERVAL_MS", &cfg.Orchestrator.TickIntervalMs)
	flag("ORCHESTRATOR_AUTO_REGRESSION_CHECK", &cfg.Orchestrator.AutoRegressionCheck)
	str("TELEMETRY_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("TELEMETRY_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("TELEMETRY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("SERVER_ADDR", &cfg.Server.Addr)
	str("STORAGE_BASELINE_PATH", &cfg.Storage.BaselinePath)
	str("STORAGE_INFLUX_URL", &cfg.Storage.Influx.URL)
	str("STORAGE_INFLUX_TOKEN", &cfg.Storage.Influx.Token)
	str("STORAGE_INFLUX_ORG", &cfg.Storage.Influx.Org)
	str("STORAGE_INFLUX_BUCKET", &cfg.Storage.Influx.Bucket)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_DIR", &cfg.Logging.Dir)
}
