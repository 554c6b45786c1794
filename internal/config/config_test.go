package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"research-rag/internal/models"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, BackendChromem, cfg.VectorStore.Backend)
	assert.Equal(t, models.DefaultIndexName, cfg.VectorStore.IndexName)
	assert.Equal(t, 5, cfg.Retrieval.Limit)
	assert.Equal(t, 0.5, *cfg.Retrieval.MinScore)
	assert.Equal(t, "GOOGLE_API_KEY", cfg.LLM.GeminiAPIKeyEnv)
	assert.Equal(t, ScoreCosineDistance, cfg.Retrieval.Score)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
embedding:
  provider: ollama
  base_url: http://localhost:11434
vector_store:
  backend: postgres
  index_name: Papers
  postgres:
    dsn: postgres://rag@localhost:5432/rag
    driver: pq
    dimensions: 768
retrieval:
  limit: 8
  min_score: 0.7
  score: cosine_similarity
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ProviderOllama, cfg.Embedding.Provider)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Empty(t, cfg.Embedding.APIKeyEnv)
	assert.Equal(t, BackendPostgres, cfg.VectorStore.Backend)
	assert.Equal(t, "Papers", cfg.VectorStore.IndexName)
	assert.Equal(t, DriverPQ, cfg.VectorStore.Postgres.Driver)
	assert.Equal(t, 768, cfg.VectorStore.Postgres.Dimensions)
	assert.Equal(t, 8, cfg.Retrieval.Limit)
	assert.Equal(t, 0.7, *cfg.Retrieval.MinScore)
	assert.Equal(t, ScoreCosineSimilarity, cfg.Retrieval.Score)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vector_store:\n  backend: redis\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestLoadConfigKeepsZeroMinScore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  min_score: 0\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Retrieval.MinScore)
	assert.Zero(t, *cfg.Retrieval.MinScore)
}

func TestLoadConfigRejectsUnknownScore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  score: dot\n"), 0o600))

	_, err := LoadConfig(path)
	assert.True(t, models.IsValidation(err))
}

func TestLLMConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, k := range []string{"LLM_MODEL", "OPENAI_MODEL", "FALLBACK_LLM_MODEL", "GEMINI_MODEL", "ENABLE_LLM_FALLBACK"} {
			t.Setenv(k, "")
		}
		got := LLMConfigFromEnv()
		assert.Equal(t, models.LLMConfig{
			PrimaryModel:    models.DefaultPrimaryLLM,
			FallbackModel:   models.DefaultFallbackLLM,
			FallbackEnabled: true,
		}, got)
	})

	t.Run("precedence", func(t *testing.T) {
		t.Setenv("LLM_MODEL", "gpt-4o-mini")
		t.Setenv("OPENAI_MODEL", "ignored")
		t.Setenv("FALLBACK_LLM_MODEL", "")
		t.Setenv("GEMINI_MODEL", "gemini-1.5-pro")
		t.Setenv("ENABLE_LLM_FALLBACK", "false")

		got := LLMConfigFromEnv()
		assert.Equal(t, "gpt-4o-mini", got.PrimaryModel)
		assert.Equal(t, "gemini-1.5-pro", got.FallbackModel)
		assert.False(t, got.FallbackEnabled)
	})

	t.Run("only exact false disables", func(t *testing.T) {
		t.Setenv("ENABLE_LLM_FALLBACK", "0")
		assert.True(t, LLMConfigFromEnv().FallbackEnabled)
	})
}
