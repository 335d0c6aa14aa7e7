package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := NewCopyConfig("test")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "csv", cfg.Sink.Format)
	assert.Greater(t, cfg.Performance.Workers, 0)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CopyConfig)
	}{
		{"empty name", func(c *CopyConfig) { c.Name = "" }},
		{"negative batch size", func(c *CopyConfig) { c.Performance.BatchSize = -1 }},
		{"zero workers", func(c *CopyConfig) { c.Performance.Workers = 0 }},
		{"negative memory", func(c *CopyConfig) { c.Memory.QueryMaxMemoryMB = -1 }},
		{"zero per-thread memory", func(c *CopyConfig) { c.Memory.MinimumPerColumnPerThreadMB = 0 }},
		{"unknown format", func(c *CopyConfig) { c.Sink.Format = "parquet" }},
		{"unknown compression", func(c *CopyConfig) { c.Sink.Compression = "brotli" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewCopyConfig("test")
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
