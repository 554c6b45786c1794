// Package vectorstore persists embedded chunks and answers similarity queries
// over them. Store owns validation, batching, retry and score normalization;
// a Backend only speaks to the database.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"research-rag/internal/models"
	"research-rag/internal/retry"
)

const (
	BatchSize    = 10
	DefaultLimit = 10
)

type Options struct {
	Retry retry.Policy
	Score Calibration
}

type Store struct {
	backend Backend
	policy  retry.Policy
	score   Calibration
}

func NewStore(backend Backend, opts Options) *Store {
	if opts.Retry.IsZero() {
		opts.Retry = retry.Default()
	}
	if opts.Score == nil {
		opts.Score = CosineDistance
	}
	return &Store{backend: backend, policy: opts.Retry, score: opts.Score}
}

func (s *Store) Backend() Backend { return s.backend }

// PartialIngestError reports a batch that failed after earlier batches were
// committed. Written chunks stay in the store.
type PartialIngestError struct {
	Written int
	Batch   int
	Batches int
	Err     error
}

func (e *PartialIngestError) Error() string {
	return fmt.Sprintf("batch %d/%d failed after %d chunks were written: %v", e.Batch, e.Batches, e.Written, e.Err)
}

func (e *PartialIngestError) Unwrap() error { return e.Err }

// EnsureSchema creates the collection unless it exists. It is safe to call
// repeatedly and concurrently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var exists bool
	err := s.policy.Do(ctx, "check collection", func(ctx context.Context) error {
		var err error
		exists, err = s.backend.CollectionExists(ctx)
		return err
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return err
	case err != nil:
		log.Warn().Err(err).Str("backend", s.backend.Name()).Msg("Collection check failed, attempting create")
	case exists:
		log.Debug().Str("backend", s.backend.Name()).Msg("Collection exists")
		return nil
	}

	err = s.policy.Do(ctx, "create collection", func(ctx context.Context) error {
		if err := s.backend.CreateCollection(ctx); err != nil && !isSchemaConflict(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	log.Info().Str("backend", s.backend.Name()).Msg("Collection ready")
	return nil
}

func isSchemaConflict(err error) bool {
	return errors.Is(err, models.ErrSchemaConflict) || strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// AddChunks writes chunks paired positionally with embeddings, in sequential
// batches of BatchSize. The first batch that exhausts its retries aborts the rest.
func (s *Store) AddChunks(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error {
	records, err := toRecords(chunks, embeddings)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	batches := (len(records) + BatchSize - 1) / BatchSize
	written := 0
	for b := 0; b < batches; b++ {
		lo := b * BatchSize
		hi := min(lo+BatchSize, len(records))
		batch := records[lo:hi]

		op := fmt.Sprintf("insert batch %d/%d", b+1, batches)
		if err := s.policy.Do(ctx, op, func(ctx context.Context) error {
			return s.backend.Insert(ctx, batch)
		}); err != nil {
			return &PartialIngestError{Written: written, Batch: b + 1, Batches: batches, Err: err}
		}
		written += len(batch)
		log.Debug().Int("batch", b+1).Int("batches", batches).Int("written", written).Msg("Inserted batch")
	}

	log.Info().Str("backend", s.backend.Name()).Int("chunks", written).Msg("Added chunks")
	return nil
}

func toRecords(chunks []models.Chunk, embeddings [][]float32) ([]Record, error) {
	if len(chunks) != len(embeddings) {
		return nil, &models.ValidationError{
			Field:  "embeddings",
			Reason: fmt.Sprintf("%d chunks but %d embeddings", len(chunks), len(embeddings)),
		}
	}

	records := make([]Record, len(chunks))
	dim := 0
	for i, c := range chunks {
		vec := embeddings[i]
		switch {
		case len(vec) == 0:
			return nil, &models.ValidationError{Field: "embeddings", Reason: fmt.Sprintf("empty embedding at position %d", i)}
		case dim == 0:
			dim = len(vec)
		case len(vec) != dim:
			return nil, &models.ValidationError{Field: "embeddings", Reason: fmt.Sprintf("embedding %d has %d dimensions, expected %d", i, len(vec), dim)}
		}
		if c.SourceID == "" {
			return nil, &models.ValidationError{Field: "sourceId", Reason: fmt.Sprintf("chunk %d has no source id", i)}
		}
		if c.ChunkIndex < 0 {
			return nil, &models.ValidationError{Field: "chunkIndex", Reason: fmt.Sprintf("chunk %d has negative index", i)}
		}

		meta := "{}"
		if len(c.Metadata) > 0 {
			b, err := json.Marshal(c.Metadata)
			if err != nil {
				return nil, &models.ValidationError{Field: "metadata", Reason: err.Error()}
			}
			meta = string(b)
		}

		records[i] = Record{
			ID:         RecordID(c.SourceID, c.ChunkIndex),
			Content:    c.Content,
			SourceID:   c.SourceID,
			ChunkIndex: c.ChunkIndex,
			Section:    c.Section,
			Metadata:   meta,
			Vector:     vec,
		}
	}
	return records, nil
}

type SearchRequest struct {
	// Query is used for keyword search when Vector is empty and the backend supports it.
	Query    string
	Vector   []float32
	Limit    int
	MinScore float64
	Filters  map[string]string
}

func (r SearchRequest) validate() error {
	if r.Limit < 0 {
		return &models.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if r.MinScore < 0 || r.MinScore > 1 {
		return &models.ValidationError{Field: "minScore", Reason: fmt.Sprintf("%v is outside [0, 1]", r.MinScore)}
	}
	for k := range r.Filters {
		if k != models.FilterSourceID && k != models.FilterSection {
			return &models.ValidationError{Field: "filters", Reason: fmt.Sprintf("unsupported filter %q", k)}
		}
	}
	if len(r.Vector) == 0 && strings.TrimSpace(r.Query) == "" {
		return &models.ValidationError{Field: "vector", Reason: "a query vector or query text is required"}
	}
	return nil
}

// Search returns stored chunks nearest to the request, best first, dropping any
// whose score is below MinScore.
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]models.SearchResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}

	var query func(ctx context.Context) ([]Hit, error)
	if len(req.Vector) > 0 {
		query = func(ctx context.Context) ([]Hit, error) {
			return s.backend.Query(ctx, req.Vector, req.Limit, req.Filters)
		}
	} else {
		ks, ok := s.backend.(KeywordSearcher)
		if !ok {
			return nil, &models.ValidationError{
				Field:  "vector",
				Reason: fmt.Sprintf("%s backend has no keyword search, a query vector is required", s.backend.Name()),
			}
		}
		log.Warn().Str("backend", s.backend.Name()).Msg("No query vector, falling back to keyword search; scores are text ranks")
		query = func(ctx context.Context) ([]Hit, error) {
			return ks.KeywordQuery(ctx, req.Query, req.Limit, req.Filters)
		}
	}

	var hits []Hit
	if err := s.policy.Do(ctx, "search", func(ctx context.Context) error {
		var err error
		hits, err = query(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(hits))
	for _, h := range hits {
		score := s.score(h.Distance)
		if score < req.MinScore {
			continue
		}
		results = append(results, toResult(h, score))
	}

	log.Debug().Int("hits", len(hits)).Int("kept", len(results)).Float64("min_score", req.MinScore).Msg("Search complete")
	return results, nil
}

func toResult(h Hit, score float64) models.SearchResult {
	meta := map[string]any{}
	if h.Metadata != "" {
		if err := json.Unmarshal([]byte(h.Metadata), &meta); err != nil {
			log.Debug().Err(err).Str("id", h.ID).Msg("Ignoring undecodable metadata")
			meta = map[string]any{}
		}
	}
	meta[models.MetaChunkIndex] = h.ChunkIndex
	meta[models.MetaSection] = h.Section

	return models.SearchResult{
		ID:       h.ID,
		Content:  h.Content,
		SourceID: h.SourceID,
		Score:    score,
		Metadata: meta,
	}
}

// DeleteBySourceID removes every chunk of a source. Deleting an unknown source succeeds.
func (s *Store) DeleteBySourceID(ctx context.Context, sourceID string) error {
	if strings.TrimSpace(sourceID) == "" {
		return &models.ValidationError{Field: "sourceId", Reason: "must not be empty"}
	}
	if err := s.policy.Do(ctx, "delete source", func(ctx context.Context) error {
		return s.backend.DeleteBySource(ctx, sourceID)
	}); err != nil {
		return fmt.Errorf("delete %s: %w", sourceID, err)
	}
	log.Info().Str("source_id", sourceID).Msg("Deleted source chunks")
	return nil
}

// Count is best effort and reports 0 when the backend cannot be reached.
func (s *Store) Count(ctx context.Context) int {
	var n int
	if err := s.policy.Do(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = s.backend.Count(ctx)
		return err
	}); err != nil {
		log.Error().Err(err).Str("backend", s.backend.Name()).Msg("Error counting chunks")
		return 0
	}
	return n
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	if err := s.backend.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("backend", s.backend.Name()).Msg("Health check failed")
		return false
	}
	return true
}

func (s *Store) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
