package openai

import (
	"testing"

	"github.com/poiesic/atomstore/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	cfg := ai.NewConfig(ai.WithEmbeddingHost("http://localhost:11434"))
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	defer p.Close()

	assert.NotNil(t, p.Embedder())
	assert.Equal(t, "http://localhost:11434/v1", cfg.EmbeddingHost)
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	_, err := NewProvider(&ai.Config{EmbeddingHost: "http://localhost:11434"})
	assert.Error(t, err)

	_, err = NewEmbedder(&ai.Config{EmbeddingModel: "m", BatchSize: 1})
	assert.Error(t, err)
}
