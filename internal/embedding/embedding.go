package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"research-rag/internal/config"
	"research-rag/internal/models"
)

// Embedder turns texts into vectors, one per text, in input order.
type Embedder struct {
	client   embeddings.Embedder
	provider string
}

func New(provider string, client embeddings.Embedder) *Embedder {
	return &Embedder{client: client, provider: provider}
}

// NewFromConfig builds the embedder selected by cfg.Provider.
func NewFromConfig(cfg config.ProviderConfig) (*Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		return NewOllama(cfg.BaseURL, cfg.Model)
	case config.ProviderOpenAI, "":
		return NewOpenAI(cfg.APIKey(), cfg.BaseURL, cfg.Model)
	default:
		return nil, &models.ValidationError{Field: "embedding.provider", Reason: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
}

// NewOpenAI creates an embedder for any OpenAI-compatible endpoint.
func NewOpenAI(apiKey, baseURL, model string) (*Embedder, error) {
	log.Debug().Str("base_url", baseURL).Str("embedding_model", model).Msg("Creating OpenAI embedder")

	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(apiKey, "Bearer ")),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, &models.EmbeddingProviderError{Provider: config.ProviderOpenAI, Err: err}
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, &models.EmbeddingProviderError{Provider: config.ProviderOpenAI, Err: err}
	}
	return New(config.ProviderOpenAI, embedder), nil
}

func NewOllama(serverURL, model string) (*Embedder, error) {
	log.Debug().Str("base_url", serverURL).Str("embedding_model", model).Msg("Creating Ollama embedder")

	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, &models.EmbeddingProviderError{Provider: config.ProviderOllama, Err: err}
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, &models.EmbeddingProviderError{Provider: config.ProviderOllama, Err: err}
	}
	return New(config.ProviderOllama, embedder), nil
}

// Embed returns one vector per text. A response of the wrong length or with an
// empty vector is treated as a provider failure.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := e.client.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, &models.EmbeddingProviderError{Provider: e.provider, Err: err}
	}
	if len(vectors) != len(texts) {
		return nil, &models.EmbeddingProviderError{
			Provider: e.provider,
			Err:      fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)),
		}
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, &models.EmbeddingProviderError{Provider: e.provider, Err: fmt.Errorf("empty vector at position %d", i)}
		}
	}

	log.Debug().Str("provider", e.provider).Int("texts", len(texts)).Int("dimensions", len(vectors[0])).Msg("Embedded texts")
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, &models.EmbeddingProviderError{Provider: e.provider, Err: errors.New("no vector returned")}
	}
	return vectors[0], nil
}
