package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"research-rag/internal/llmservice"
	"research-rag/internal/models"
	"research-rag/internal/vectorstore"
)

// ErrNoContext is returned by Ask when retrieval finds nothing to answer from.
var ErrNoContext = errors.New("no relevant context found")

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type ChunkStore interface {
	AddChunks(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error
	Search(ctx context.Context, req vectorstore.SearchRequest) ([]models.SearchResult, error)
	DeleteBySourceID(ctx context.Context, sourceID string) error
}

type Completer interface {
	Complete(ctx context.Context, messages []models.ChatMessage, opts llmservice.Options) (*models.CompletionResult, error)
}

// Options narrow a retrieval. Zero Limit and nil fields take the RAG defaults.
type Options struct {
	Limit int
	// MinScore of 0 disables threshold filtering.
	MinScore *float64
	Filters  map[string]string
}

// Score returns a pointer to v for Options.MinScore.
func Score(v float64) *float64 { return &v }

type RAG struct {
	embedder Embedder
	store    ChunkStore
	llm      Completer
	defaults Options
}

// NewRAG wires the pipeline. llm may be nil when only retrieval is used.
func NewRAG(embedder Embedder, store ChunkStore, llm Completer, defaults Options) *RAG {
	return &RAG{embedder: embedder, store: store, llm: llm, defaults: defaults}
}

func (r *RAG) resolve(opts Options) Options {
	if opts.Limit == 0 {
		opts.Limit = r.defaults.Limit
	}
	if opts.MinScore == nil {
		opts.MinScore = r.defaults.MinScore
	}
	if opts.Filters == nil {
		opts.Filters = r.defaults.Filters
	}
	return opts
}

// Retrieve embeds query and returns the stored chunks that pass the score
// threshold, in store order.
func (r *RAG) Retrieve(ctx context.Context, query string, opts Options) (*models.RetrievalContext, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &models.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	opts = r.resolve(opts)

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	req := vectorstore.SearchRequest{
		Query:   query,
		Vector:  vector,
		Limit:   opts.Limit,
		Filters: opts.Filters,
	}
	if opts.MinScore != nil {
		req.MinScore = *opts.MinScore
	}
	results, err := r.store.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	log.Debug().Str("query", query).Int("chunks", len(results)).Msg("Retrieved context")
	return &models.RetrievalContext{Chunks: results, TotalChunks: len(results)}, nil
}

// FormatContext renders chunks as numbered [Source i] blocks for a prompt.
func FormatContext(rc *models.RetrievalContext) string {
	if rc == nil || len(rc.Chunks) == 0 {
		return ""
	}
	blocks := make([]string, len(rc.Chunks))
	for i, c := range rc.Chunks {
		blocks[i] = fmt.Sprintf(models.SourceLabel, i+1, c.Content)
	}
	return strings.Join(blocks, models.ContextSeparator)
}

// Index embeds chunk contents in one call and stores them.
func (r *RAG) Index(ctx context.Context, chunks []models.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	embeddings, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if err := r.store.AddChunks(ctx, chunks, embeddings); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Reindex replaces every stored chunk of sourceID with chunks.
func (r *RAG) Reindex(ctx context.Context, sourceID string, chunks []models.Chunk) (int, error) {
	for i, c := range chunks {
		if c.SourceID != sourceID {
			return 0, &models.ValidationError{
				Field:  "sourceId",
				Reason: fmt.Sprintf("chunk %d belongs to %q, not %q", i, c.SourceID, sourceID),
			}
		}
	}
	if err := r.store.DeleteBySourceID(ctx, sourceID); err != nil {
		return 0, err
	}
	return r.Index(ctx, chunks)
}

type Answer struct {
	Content      string                `json:"content"`
	ModelUsed    string                `json:"model_used"`
	UsedFallback bool                  `json:"used_fallback"`
	Sources      []models.SearchResult `json:"sources"`
}

// Ask answers question from retrieved context. The model is not called when
// nothing is retrieved.
func (r *RAG) Ask(ctx context.Context, question string, opts Options) (*Answer, error) {
	if r.llm == nil {
		return nil, errors.New("no completion provider configured")
	}
	rc, err := r.Retrieve(ctx, question, opts)
	if err != nil {
		return nil, err
	}
	if rc.TotalChunks == 0 {
		return nil, ErrNoContext
	}

	messages := []models.ChatMessage{
		models.SystemMessage(models.AskSystemPrompt),
		models.UserMessage(fmt.Sprintf(models.AskUserPromptTemplate, FormatContext(rc), question)),
	}
	res, err := r.llm.Complete(ctx, messages, llmservice.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	return &Answer{
		Content:      res.Content,
		ModelUsed:    res.ModelUsed,
		UsedFallback: res.UsedFallback,
		Sources:      rc.Chunks,
	}, nil
}
