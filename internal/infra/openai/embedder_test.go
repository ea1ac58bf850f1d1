package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderRequiresAPIKey(t *testing.T) {
	_, err := NewProvider("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestNewProviderDefaults(t *testing.T) {
	provider, err := NewProvider("test-key")
	require.NoError(t, err)

	assert.Equal(t, ProviderName, provider.Name())
	assert.Equal(t, DefaultEmbeddingModel, provider.Model())
	// デフォルト次元は chunks.embedding 列（vector(1024)）と一致する
	assert.Equal(t, 1024, provider.Dimension())
}

func TestNewProviderOptionsOverrideDefaults(t *testing.T) {
	provider, err := NewProvider("test-key",
		WithEmbeddingModel("text-embedding-3-large"),
		WithEmbeddingDimension(3072),
	)
	require.NoError(t, err)

	assert.Equal(t, "text-embedding-3-large", provider.Model())
	assert.Equal(t, 3072, provider.Dimension())
}
