// Package config loads faxpipe service configuration from a YAML file plus
// FAXPIPE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable consumed by the pipeline and its workers.
type Config struct {
	// Confidence thresholds.
	ConfidenceThreshold   float64 `mapstructure:"confidence_threshold"`
	LowConfFieldThreshold float64 `mapstructure:"low_conf_field_threshold"`

	// Ingest limits.
	MaxFileSizeMB int      `mapstructure:"max_file_size_mb"`
	SupportedMime []string `mapstructure:"supported_mime"`

	// Worker pool.
	WorkerConcurrency  int `mapstructure:"worker_concurrency"`
	SingleTimeoutS     int `mapstructure:"single_timeout_s"`
	BatchChildTimeoutS int `mapstructure:"batch_child_timeout_s"`

	// Queue backpressure.
	QueueHighWater int `mapstructure:"queue_high_water"`
	QueueLowWater  int `mapstructure:"queue_low_water"`

	// Bulk sweep.
	SweepPrefix    string `mapstructure:"sweep_prefix"`
	SweepIntervalS int    `mapstructure:"sweep_interval_s"`

	// Storage.
	ObjectStoreRoot   string `mapstructure:"object_store_root"`
	StorageConnection string `mapstructure:"storage_connection"`

	// External capability providers.
	OCREndpoint      string `mapstructure:"ocr_endpoint"`
	OCRAPIKey        string `mapstructure:"ocr_api_key"`
	ExtractorAPIKey  string `mapstructure:"extractor_api_key"`
	ExtractorModel   string `mapstructure:"extractor_model"`
	FHIREndpoint     string `mapstructure:"fhir_endpoint"`
	FHIRAuthToken    string `mapstructure:"fhir_auth_token"`
	ReanalysisTTLMin int    `mapstructure:"reanalysis_ttl_min"`
}

// Defaults returns a Config with every documented default applied.
func Defaults() *Config {
	return &Config{
		ConfidenceThreshold:   0.95,
		LowConfFieldThreshold: 0.95,
		MaxFileSizeMB:         200,
		SupportedMime: []string{
			"application/pdf",
			"image/png",
			"image/jpeg",
			"image/tiff",
		},
		WorkerConcurrency:  4,
		SingleTimeoutS:     120,
		BatchChildTimeoutS: 240,
		QueueHighWater:     256,
		QueueLowWater:      64,
		SweepPrefix:        "bulk-processing/source/",
		SweepIntervalS:     300,
		ObjectStoreRoot:    "faxpipe-store",
		StorageConnection:  "faxpipe.db",
		ExtractorModel:     "claude-3-5-sonnet-latest",
		ReanalysisTTLMin:   10,
	}
}

// Load reads configuration from the given file (optional; empty path skips
// the file) and the environment. Env vars use the FAXPIPE_ prefix with
// underscores, e.g. FAXPIPE_WORKER_CONCURRENCY=8.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FAXPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("confidence_threshold", d.ConfidenceThreshold)
	v.SetDefault("low_conf_field_threshold", d.LowConfFieldThreshold)
	v.SetDefault("max_file_size_mb", d.MaxFileSizeMB)
	v.SetDefault("supported_mime", d.SupportedMime)
	v.SetDefault("worker_concurrency", d.WorkerConcurrency)
	v.SetDefault("single_timeout_s", d.SingleTimeoutS)
	v.SetDefault("batch_child_timeout_s", d.BatchChildTimeoutS)
	v.SetDefault("queue_high_water", d.QueueHighWater)
	v.SetDefault("queue_low_water", d.QueueLowWater)
	v.SetDefault("sweep_prefix", d.SweepPrefix)
	v.SetDefault("sweep_interval_s", d.SweepIntervalS)
	v.SetDefault("object_store_root", d.ObjectStoreRoot)
	v.SetDefault("storage_connection", d.StorageConnection)
	v.SetDefault("extractor_model", d.ExtractorModel)
	v.SetDefault("reanalysis_ttl_min", d.ReanalysisTTLMin)
}

// Validate checks cross-field consistency. Called by Load; exported so tests
// and embedders can validate hand-built configs.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0,1], got %v", c.ConfidenceThreshold)
	}
	if c.LowConfFieldThreshold <= 0 || c.LowConfFieldThreshold > 1 {
		return fmt.Errorf("low_conf_field_threshold must be in (0,1], got %v", c.LowConfFieldThreshold)
	}
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max_file_size_mb must be positive, got %d", c.MaxFileSizeMB)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be positive, got %d", c.WorkerConcurrency)
	}
	if c.QueueLowWater > c.QueueHighWater {
		return fmt.Errorf("queue_low_water (%d) must not exceed queue_high_water (%d)",
			c.QueueLowWater, c.QueueHighWater)
	}
	if c.SweepIntervalS <= 0 {
		return fmt.Errorf("sweep_interval_s must be positive, got %d", c.SweepIntervalS)
	}
	if len(c.SupportedMime) == 0 {
		return fmt.Errorf("supported_mime must list at least one type")
	}
	return nil
}

// MimeSupported reports whether the given MIME type is accepted for ingest.
func (c *Config) MimeSupported(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	// image/jpg shows up in the wild even though image/jpeg is the
	// registered type.
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}
	for _, m := range c.SupportedMime {
		if strings.EqualFold(m, mime) {
			return true
		}
	}
	return false
}

// MaxFileSizeBytes returns the ingest size cap in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// SingleTimeout is the soft deadline for a synchronous single-document run.
func (c *Config) SingleTimeout() time.Duration {
	return time.Duration(c.SingleTimeoutS) * time.Second
}

// BatchChildTimeout is the soft deadline for one batch child.
func (c *Config) BatchChildTimeout() time.Duration {
	return time.Duration(c.BatchChildTimeoutS) * time.Second
}

// SweepInterval is the period of the bulk sweep job.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalS) * time.Second
}

// ReanalysisTTL is how long source bytes stay cached for re-analysis.
func (c *Config) ReanalysisTTL() time.Duration {
	return time.Duration(c.ReanalysisTTLMin) * time.Minute
}
