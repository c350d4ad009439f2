package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.95, cfg.ConfidenceThreshold)
	assert.Equal(t, 200, cfg.MaxFileSizeMB)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, "bulk-processing/source/", cfg.SweepPrefix)
	assert.Equal(t, 2*time.Minute, cfg.SingleTimeout())
	assert.Equal(t, 4*time.Minute, cfg.BatchChildTimeout())
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval())
	assert.Equal(t, 10*time.Minute, cfg.ReanalysisTTL())
	assert.Equal(t, int64(200)*1024*1024, cfg.MaxFileSizeBytes())
}

func TestLoadFromFile(t *testing.T) {
	raw, err := yaml.Marshal(map[string]any{
		"confidence_threshold": 0.9,
		"worker_concurrency":   8,
		"object_store_root":    "/var/lib/faxpipe",
		"supported_mime":       []string{"application/pdf"},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "faxpipe.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.ConfidenceThreshold)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, "/var/lib/faxpipe", cfg.ObjectStoreRoot)
	// Unset keys keep their defaults.
	assert.Equal(t, 256, cfg.QueueHighWater)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FAXPIPE_WORKER_CONCURRENCY", "16")
	t.Setenv("FAXPIPE_SWEEP_INTERVAL_S", "60")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.WorkerConcurrency)
	assert.Equal(t, time.Minute, cfg.SweepInterval())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.ConfidenceThreshold = 0 }},
		{"threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }},
		{"negative size cap", func(c *Config) { c.MaxFileSizeMB = -1 }},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }},
		{"inverted watermarks", func(c *Config) { c.QueueLowWater = 500 }},
		{"no mime types", func(c *Config) { c.SupportedMime = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMimeSupported(t *testing.T) {
	cfg := Defaults()
	assert.True(t, cfg.MimeSupported("application/pdf"))
	assert.True(t, cfg.MimeSupported("IMAGE/PNG"))
	assert.True(t, cfg.MimeSupported("image/jpg"), "image/jpg normalizes to image/jpeg")
	assert.False(t, cfg.MimeSupported("text/html"))
	assert.False(t, cfg.MimeSupported(""))
}
