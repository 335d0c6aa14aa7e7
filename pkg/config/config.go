// Package config provides the unified configuration system for Comet.
// It defines a single CopyConfig structure that every copy operation uses,
// organized into logical sections:
//
//   - Performance: batch sizing and worker concurrency
//   - Memory: reservation sizing for unflushed data
//   - Sink: output format, compression, temp-file handoff
//   - Observability: logging, metrics and tracing toggles
//
// Example usage:
//
//	cfg := config.NewCopyConfig("orders-export")
//	cfg.Performance.BatchSize = 5000
//	cfg.Sink.Compression = "zstd"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// CopyConfig is the configuration for a single copy-to-file operation.
type CopyConfig struct {
	// Name identifies the operation in logs and metrics
	Name string `yaml:"name" json:"name"`

	// Performance settings control throughput and parallelism
	Performance PerformanceConfig `yaml:"performance" json:"performance"`

	// Memory settings bound the engine's unflushed footprint
	Memory MemoryConfig `yaml:"memory" json:"memory"`

	// Sink settings select and tune the output format
	Sink SinkConfig `yaml:"sink" json:"sink"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// PerformanceConfig contains all performance-related settings.
type PerformanceConfig struct {
	// BatchSize overrides the sink's desired rows per flushed batch (0 = ask the sink)
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Workers defines the number of concurrent producer threads
	Workers int `yaml:"workers" json:"workers"`
	// FlushTimeout is carried in the configuration only; the engine does not
	// read it and does not bound flush callbacks by time
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout"`
}

// MemoryConfig bounds memory held by yet-unflushed batches.
type MemoryConfig struct {
	// QueryMaxMemoryMB caps total memory for the operation (0 = detect from system)
	QueryMaxMemoryMB int64 `yaml:"query_max_memory_mb" json:"query_max_memory_mb"`
	// MinimumPerColumnPerThreadMB is the per-column cache heuristic used when
	// sizing the initial reservation and capping worker concurrency
	MinimumPerColumnPerThreadMB int64 `yaml:"minimum_per_column_per_thread_mb" json:"minimum_per_column_per_thread_mb"`
}

// SinkConfig selects the output format and its options.
type SinkConfig struct {
	// Format names the registered sink ("csv", "jsonl")
	Format string `yaml:"format" json:"format"`
	// Compression selects writer-side compression ("none", "gzip", "zstd", "snappy", "lz4")
	Compression string `yaml:"compression" json:"compression"`
	// UseTmpFile writes to <path>.tmp and renames at finalize
	UseTmpFile bool `yaml:"use_tmp_file" json:"use_tmp_file"`
	// Header controls header emission for formats that support one
	Header bool `yaml:"header" json:"header"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	// LogLevel sets the zap level (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// EnableMetrics registers Prometheus collectors for the operation
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing opens an OpenTelemetry span per copy run
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
}

// NewCopyConfig returns a CopyConfig with production defaults.
func NewCopyConfig(name string) *CopyConfig {
	return &CopyConfig{
		Name: name,
		Performance: PerformanceConfig{
			BatchSize:    0, // defer to the sink
			Workers:      runtime.NumCPU(),
			FlushTimeout: 5 * time.Minute,
		},
		Memory: MemoryConfig{
			QueryMaxMemoryMB:            0, // detect
			MinimumPerColumnPerThreadMB: 4,
		},
		Sink: SinkConfig{
			Format:      "csv",
			Compression: "none",
			UseTmpFile:  true,
			Header:      true,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			EnableMetrics: true,
			EnableTracing: false,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *CopyConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.Performance.BatchSize < 0 {
		return fmt.Errorf("config: batch_size must be >= 0, got %d", c.Performance.BatchSize)
	}
	if c.Performance.Workers <= 0 {
		return fmt.Errorf("config: workers must be > 0, got %d", c.Performance.Workers)
	}
	if c.Memory.QueryMaxMemoryMB < 0 {
		return fmt.Errorf("config: query_max_memory_mb must be >= 0, got %d", c.Memory.QueryMaxMemoryMB)
	}
	if c.Memory.MinimumPerColumnPerThreadMB <= 0 {
		return fmt.Errorf("config: minimum_per_column_per_thread_mb must be > 0, got %d",
			c.Memory.MinimumPerColumnPerThreadMB)
	}
	switch c.Sink.Format {
	case "csv", "jsonl":
	default:
		return fmt.Errorf("config: unknown sink format %q", c.Sink.Format)
	}
	switch c.Sink.Compression {
	case "", "none", "gzip", "zstd", "snappy", "lz4":
	default:
		return fmt.Errorf("config: unknown compression %q", c.Sink.Compression)
	}
	return nil
}
