// Package config loads operator configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/atomstore/ai"
	"github.com/poiesic/atomstore/core"
	"gopkg.in/yaml.v3"
)

// Blob backends.
const (
	BlobBadger = "badger"
	BlobMinIO  = "minio"
)

// EnvPrefix prefixes every environment variable ApplyEnv reads.
const EnvPrefix = "ATOMSTORE_"

type SearchConfig struct {
	CandidateMultiplier int `yaml:"candidate_multiplier"`
	RerankBatchSize     int `yaml:"rerank_batch_size"`
	RerankWorkers       int `yaml:"rerank_workers"`
}

type DedupConfig struct {
	// SemanticThreshold of 0 disables near-duplicate detection.
	SemanticThreshold float64  `yaml:"semantic_threshold"`
	SpatialThreshold  *float64 `yaml:"spatial_threshold,omitempty"`
	MaxCandidates     int      `yaml:"max_candidates"`
}

type LandmarkConfig struct {
	Count      int    `yaml:"count"`
	SampleSize int    `yaml:"sample_size"`
	Metric     string `yaml:"metric"`
	// AutoBuild builds a model's first landmark set once it has more
	// embeddings than landmarks.
	AutoBuild bool `yaml:"auto_build"`
}

type GCConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Workers       int           `yaml:"workers"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Secure    bool   `yaml:"secure"`
}

type BlobConfig struct {
	Backend string      `yaml:"backend"`
	MinIO   MinIOConfig `yaml:"minio,omitempty"`
}

type AIConfig struct {
	EmbeddingHost  string `yaml:"embedding_host"`
	EmbeddingModel string `yaml:"embedding_model"`
	APIKey         string `yaml:"api_key,omitempty"`
	BatchSize      int    `yaml:"batch_size"`
}

type ReprojectConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Config is the operator configuration of a store.
type Config struct {
	DataDir          string          `yaml:"data_dir"`
	IngestionWorkers int             `yaml:"ingestion_workers"`
	Search           SearchConfig    `yaml:"search"`
	Dedup            DedupConfig     `yaml:"dedup"`
	Landmarks        LandmarkConfig  `yaml:"landmarks"`
	GC               GCConfig        `yaml:"gc"`
	Blob             BlobConfig      `yaml:"blob"`
	AI               AIConfig        `yaml:"ai"`
	Reproject        ReprojectConfig `yaml:"reproject"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	aiDefaults := ai.DefaultConfig()
	return &Config{
		DataDir:          "atomstore.db",
		IngestionWorkers: 2,
		Search: SearchConfig{
			CandidateMultiplier: 10,
			RerankBatchSize:     256,
			RerankWorkers:       4,
		},
		Dedup: DedupConfig{
			SemanticThreshold: 0.95,
			MaxCandidates:     10,
		},
		Landmarks: LandmarkConfig{
			Count:      3,
			SampleSize: 10000,
			Metric:     core.MetricCosine.String(),
			AutoBuild:  true,
		},
		GC: GCConfig{
			Enabled:       true,
			Interval:      5 * time.Minute,
			GracePeriod:   time.Minute,
			RatePerSecond: 500,
			Workers:       2,
		},
		Blob: BlobConfig{Backend: BlobBadger},
		AI: AIConfig{
			EmbeddingHost:  aiDefaults.EmbeddingHost,
			EmbeddingModel: aiDefaults.EmbeddingModel,
			BatchSize:      aiDefaults.BatchSize,
		},
		Reproject: ReprojectConfig{
			BatchSize:  256,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from ATOMSTORE_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DATA_DIR", &c.DataDir)
	integer("INGESTION_WORKERS", &c.IngestionWorkers)
	integer("CANDIDATE_MULTIPLIER", &c.Search.CandidateMultiplier)
	float("SEMANTIC_THRESHOLD", &c.Dedup.SemanticThreshold)
	if v, ok := lookup(EnvPrefix + "SPATIAL_THRESHOLD"); ok {
		// empty disables the spatial threshold
		if v = strings.TrimSpace(v); v == "" {
			c.Dedup.SpatialThreshold = nil
		} else if f, err := strconv.ParseFloat(v, 64); err != nil {
			errs = append(errs, fmt.Errorf("%sSPATIAL_THRESHOLD: %w", EnvPrefix, err))
		} else {
			c.Dedup.SpatialThreshold = &f
		}
	}
	integer("LANDMARK_COUNT", &c.Landmarks.Count)
	integer("LANDMARK_SAMPLE_SIZE", &c.Landmarks.SampleSize)
	str("METRIC", &c.Landmarks.Metric)
	boolean("LANDMARK_AUTO_BUILD", &c.Landmarks.AutoBuild)
	boolean("GC_ENABLED", &c.GC.Enabled)
	duration("GC_INTERVAL", &c.GC.Interval)
	duration("GC_GRACE_PERIOD", &c.GC.GracePeriod)
	float("GC_RATE_PER_SECOND", &c.GC.RatePerSecond)
	integer("GC_WORKERS", &c.GC.Workers)
	str("BLOB_BACKEND", &c.Blob.Backend)
	str("MINIO_ENDPOINT", &c.Blob.MinIO.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Blob.MinIO.AccessKey)
	str("MINIO_SECRET_KEY", &c.Blob.MinIO.SecretKey)
	str("MINIO_BUCKET", &c.Blob.MinIO.Bucket)
	str("MINIO_PREFIX", &c.Blob.MinIO.Prefix)
	str("MINIO_REGION", &c.Blob.MinIO.Region)
	boolean("MINIO_SECURE", &c.Blob.MinIO.Secure)
	str("EMBEDDING_HOST", &c.AI.EmbeddingHost)
	str("EMBEDDING_MODEL", &c.AI.EmbeddingModel)
	str("API_KEY", &c.AI.APIKey)
	integer("EMBEDDING_BATCH_SIZE", &c.AI.BatchSize)

	return errors.Join(errs...)
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.DataDir == "" {
		fail("data_dir is required")
	}
	if c.Search.CandidateMultiplier < 1 {
		fail("search.candidate_multiplier must be at least 1, got %d", c.Search.CandidateMultiplier)
	}
	if c.Dedup.SemanticThreshold < 0 || c.Dedup.SemanticThreshold > 1 {
		fail("dedup.semantic_threshold must be within [0, 1], got %v", c.Dedup.SemanticThreshold)
	}
	if c.Dedup.SpatialThreshold != nil && *c.Dedup.SpatialThreshold < 0 {
		fail("dedup.spatial_threshold cannot be negative, got %v", *c.Dedup.SpatialThreshold)
	}
	if c.Landmarks.Count < 1 || c.Landmarks.Count > 8 {
		fail("landmarks.count must be within [1, 8], got %d", c.Landmarks.Count)
	}
	if c.Landmarks.SampleSize <= c.Landmarks.Count {
		fail("landmarks.sample_size must exceed landmarks.count, got %d", c.Landmarks.SampleSize)
	}
	if _, err := core.ParseMetric(c.Landmarks.Metric); err != nil {
		fail("landmarks.metric: %v", err)
	}
	if c.GC.Interval <= 0 {
		fail("gc.interval must be positive, got %v", c.GC.Interval)
	}
	if c.GC.GracePeriod < 0 {
		fail("gc.grace_period cannot be negative, got %v", c.GC.GracePeriod)
	}
	if c.GC.RatePerSecond <= 0 {
		fail("gc.rate_per_second must be positive, got %v", c.GC.RatePerSecond)
	}
	switch c.Blob.Backend {
	case BlobBadger:
	case BlobMinIO:
		if c.Blob.MinIO.Endpoint == "" || c.Blob.MinIO.Bucket == "" {
			fail("blob.minio requires endpoint and bucket")
		}
	default:
		fail("blob.backend must be %q or %q, got %q", BlobBadger, BlobMinIO, c.Blob.Backend)
	}
	if c.Reproject.BatchSize < 1 {
		fail("reproject.batch_size must be at least 1, got %d", c.Reproject.BatchSize)
	}
	return errors.Join(errs...)
}

// Metric returns the parsed landmark metric.
func (c *Config) Metric() core.Metric {
	m, err := core.ParseMetric(c.Landmarks.Metric)
	if err != nil {
		return core.MetricCosine
	}
	return m
}

// AIConfig converts the ai section to an ai.Config.
func (c *Config) AIConfig() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.AI.EmbeddingHost),
		ai.WithEmbeddingModel(c.AI.EmbeddingModel),
		ai.WithAPIKey(c.AI.APIKey),
		ai.WithBatchSize(c.AI.BatchSize),
	)
}
