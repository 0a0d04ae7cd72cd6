package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poiesic/atomstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Search.CandidateMultiplier)
	assert.Equal(t, 0.95, cfg.Dedup.SemanticThreshold)
	assert.Nil(t, cfg.Dedup.SpatialThreshold)
	assert.Equal(t, 3, cfg.Landmarks.Count)
	assert.True(t, cfg.Landmarks.AutoBuild)
	assert.Equal(t, core.MetricCosine, cfg.Metric())
	assert.Equal(t, 5*time.Minute, cfg.GC.Interval)
	assert.Equal(t, BlobBadger, cfg.Blob.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomstore.yaml")
	data := `
data_dir: /var/lib/atomstore
search:
  candidate_multiplier: 20
dedup:
  semantic_threshold: 0.9
  spatial_threshold: 0.05
landmarks:
  metric: euclidean
gc:
  interval: 30s
  grace_period: 2h
blob:
  backend: minio
  minio:
    endpoint: localhost:9000
    bucket: atoms
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/atomstore", cfg.DataDir)
	assert.Equal(t, 20, cfg.Search.CandidateMultiplier)
	assert.Equal(t, 256, cfg.Search.RerankBatchSize, "unset fields keep their defaults")
	assert.Equal(t, 0.9, cfg.Dedup.SemanticThreshold)
	require.NotNil(t, cfg.Dedup.SpatialThreshold)
	assert.Equal(t, 0.05, *cfg.Dedup.SpatialThreshold)
	assert.Equal(t, core.MetricEuclidean, cfg.Metric())
	assert.Equal(t, 30*time.Second, cfg.GC.Interval)
	assert.Equal(t, 2*time.Hour, cfg.GC.GracePeriod)
	assert.Equal(t, "atoms", cfg.Blob.MinIO.Bucket)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search: [unclosed"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomstore.yaml")
	cfg := Default()
	threshold := 0.1
	cfg.Dedup.SpatialThreshold = &threshold
	cfg.GC.Interval = 90 * time.Second
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ATOMSTORE_DATA_DIR":             "/tmp/store",
		"ATOMSTORE_CANDIDATE_MULTIPLIER": "15",
		"ATOMSTORE_SEMANTIC_THRESHOLD":   "0",
		"ATOMSTORE_SPATIAL_THRESHOLD":    "0.2",
		"ATOMSTORE_GC_ENABLED":           "false",
		"ATOMSTORE_GC_GRACE_PERIOD":      "10m",
		"ATOMSTORE_EMBEDDING_MODEL":      "nomic-embed-text",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, "/tmp/store", cfg.DataDir)
	assert.Equal(t, 15, cfg.Search.CandidateMultiplier)
	assert.Equal(t, 0.0, cfg.Dedup.SemanticThreshold)
	require.NotNil(t, cfg.Dedup.SpatialThreshold)
	assert.Equal(t, 0.2, *cfg.Dedup.SpatialThreshold)
	assert.False(t, cfg.GC.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.GC.GracePeriod)
	assert.Equal(t, "nomic-embed-text", cfg.AIConfig().EmbeddingModel)

	env = map[string]string{"ATOMSTORE_SPATIAL_THRESHOLD": ""}
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Nil(t, cfg.Dedup.SpatialThreshold)
}

func TestApplyEnv_Invalid(t *testing.T) {
	env := map[string]string{
		"ATOMSTORE_CANDIDATE_MULTIPLIER": "many",
		"ATOMSTORE_GC_INTERVAL":          "often",
	}
	cfg := Default()
	err := cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ATOMSTORE_CANDIDATE_MULTIPLIER")
	assert.Contains(t, err.Error(), "ATOMSTORE_GC_INTERVAL")
	assert.Equal(t, 10, cfg.Search.CandidateMultiplier)
}

func TestApplyEnv_Process(t *testing.T) {
	t.Setenv("ATOMSTORE_LANDMARK_COUNT", "5")
	t.Setenv("ATOMSTORE_LANDMARK_AUTO_BUILD", "false")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 5, cfg.Landmarks.Count)
	assert.False(t, cfg.Landmarks.AutoBuild)
}

func TestValidate(t *testing.T) {
	negative := -1.0
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"zero multiplier", func(c *Config) { c.Search.CandidateMultiplier = 0 }},
		{"threshold above one", func(c *Config) { c.Dedup.SemanticThreshold = 1.5 }},
		{"negative spatial threshold", func(c *Config) { c.Dedup.SpatialThreshold = &negative }},
		{"too many landmarks", func(c *Config) { c.Landmarks.Count = 9 }},
		{"sample too small", func(c *Config) { c.Landmarks.SampleSize = 3 }},
		{"unknown metric", func(c *Config) { c.Landmarks.Metric = "manhattan" }},
		{"zero gc interval", func(c *Config) { c.GC.Interval = 0 }},
		{"zero gc rate", func(c *Config) { c.GC.RatePerSecond = 0 }},
		{"unknown blob backend", func(c *Config) { c.Blob.Backend = "s3" }},
		{"minio without bucket", func(c *Config) {
			c.Blob.Backend = BlobMinIO
			c.Blob.MinIO.Endpoint = "localhost:9000"
		}},
		{"zero reproject batch", func(c *Config) { c.Reproject.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
