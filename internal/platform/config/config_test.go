package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaultDimensionsMatch は両プロバイダのデフォルト次元が
// chunks.embedding 列の次元（1024）に揃っていることを確認します。
// フォールバック側の次元がずれていると保存時にトランザクションが失敗します
func TestLoadDefaultDimensionsMatch(t *testing.T) {
	t.Setenv("VOYAGE_EMBEDDING_DIMENSION", "")
	t.Setenv("OPENAI_EMBEDDING_DIMENSION", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Voyage.Dimension)
	assert.Equal(t, 1024, cfg.OpenAI.Dimension)
	assert.Equal(t, cfg.Voyage.Dimension, cfg.OpenAI.Dimension)
}

// TestLoadRateLimitDefaults はレート制限のデフォルト値と上書きを確認します
func TestLoadRateLimitDefaults(t *testing.T) {
	t.Setenv("AI_REQUESTS_PER_MINUTE", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)

	t.Setenv("AI_REQUESTS_PER_MINUTE", "10")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerMinute)
}
