package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"research-rag/internal/models"
	"research-rag/internal/retry"
)

type fakeBackend struct {
	mu sync.Mutex

	exists    bool
	existsErr error
	createErr error
	creates   int

	// insertErrs is consumed one error per Insert call.
	insertErrs []error
	inserted   [][]Record

	hits     []Hit
	queryErr error
	queries  int
	limit    int
	filters  map[string]string

	deleted  []string
	count    int
	countErr error
	pingErr  error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) CollectionExists(ctx context.Context) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeBackend) CreateCollection(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return f.createErr
}

func (f *fakeBackend) Insert(ctx context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, records)
	return nil
}

func (f *fakeBackend) Query(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]Hit, error) {
	f.queries++
	f.limit = limit
	f.filters = filters
	return f.hits, f.queryErr
}

func (f *fakeBackend) DeleteBySource(ctx context.Context, sourceID string) error {
	f.deleted = append(f.deleted, sourceID)
	return nil
}

func (f *fakeBackend) Count(ctx context.Context) (int, error) { return f.count, f.countErr }

func (f *fakeBackend) Ping(ctx context.Context) error { return f.pingErr }

type keywordBackend struct {
	fakeBackend
	keywordQuery string
}

func (k *keywordBackend) KeywordQuery(ctx context.Context, query string, limit int, filters map[string]string) ([]Hit, error) {
	k.keywordQuery = query
	return k.hits, nil
}

func fastRetry() retry.Policy {
	p := retry.Default()
	p.InitialInterval = time.Millisecond
	return p
}

func newTestStore(b Backend) *Store {
	return NewStore(b, Options{Retry: fastRetry()})
}

func makeChunks(n int) ([]models.Chunk, [][]float32) {
	chunks := make([]models.Chunk, n)
	vecs := make([][]float32, n)
	for i := range chunks {
		chunks[i] = models.Chunk{Content: fmt.Sprintf("chunk %d", i), SourceID: "paper-1", ChunkIndex: i}
		vecs[i] = []float32{float32(i), 1}
	}
	return chunks, vecs
}

func TestEnsureSchema(t *testing.T) {
	t.Run("existing collection is left alone", func(t *testing.T) {
		b := &fakeBackend{exists: true}
		require.NoError(t, newTestStore(b).EnsureSchema(context.Background()))
		assert.Zero(t, b.creates)
	})

	t.Run("missing collection is created", func(t *testing.T) {
		b := &fakeBackend{}
		require.NoError(t, newTestStore(b).EnsureSchema(context.Background()))
		assert.Equal(t, 1, b.creates)
	})

	t.Run("already exists on create is success", func(t *testing.T) {
		b := &fakeBackend{createErr: errors.New(`class name "PaperChunk" already exists`)}
		require.NoError(t, newTestStore(b).EnsureSchema(context.Background()))

		b = &fakeBackend{createErr: fmt.Errorf("wrapped: %w", models.ErrSchemaConflict)}
		require.NoError(t, newTestStore(b).EnsureSchema(context.Background()))
	})

	t.Run("failed existence check still creates", func(t *testing.T) {
		b := &fakeBackend{existsErr: errors.New("403 forbidden")}
		require.NoError(t, newTestStore(b).EnsureSchema(context.Background()))
		assert.Equal(t, 1, b.creates)
	})

	t.Run("non-transient create failure surfaces", func(t *testing.T) {
		b := &fakeBackend{createErr: errors.New("invalid schema")}
		err := newTestStore(b).EnsureSchema(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, b.creates)
	})
}

func TestAddChunksBatches(t *testing.T) {
	b := &fakeBackend{}
	chunks, vecs := makeChunks(25)

	require.NoError(t, newTestStore(b).AddChunks(context.Background(), chunks, vecs))

	require.Len(t, b.inserted, 3)
	assert.Len(t, b.inserted[0], 10)
	assert.Len(t, b.inserted[1], 10)
	assert.Len(t, b.inserted[2], 5)
	assert.Equal(t, "chunk 20", b.inserted[2][0].Content)
	assert.Equal(t, RecordID("paper-1", 20), b.inserted[2][0].ID)
	assert.Equal(t, "{}", b.inserted[0][0].Metadata)
}

func TestAddChunksValidation(t *testing.T) {
	chunks, vecs := makeChunks(3)

	tests := []struct {
		name   string
		chunks []models.Chunk
		vecs   [][]float32
	}{
		{"length mismatch", chunks, vecs[:2]},
		{"empty embedding", chunks, [][]float32{{1, 0}, {}, {1, 1}}},
		{"dimension mismatch", chunks, [][]float32{{1, 0}, {1, 0, 0}, {1, 1}}},
		{"missing source", []models.Chunk{{Content: "x"}}, [][]float32{{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{}
			err := newTestStore(b).AddChunks(context.Background(), tt.chunks, tt.vecs)
			assert.True(t, models.IsValidation(err), "%v", err)
			assert.Empty(t, b.inserted)
		})
	}
}

func TestAddChunksEmptyIsNoop(t *testing.T) {
	b := &fakeBackend{}
	require.NoError(t, newTestStore(b).AddChunks(context.Background(), nil, nil))
	assert.Empty(t, b.inserted)
}

func TestAddChunksRetriesTransientBatch(t *testing.T) {
	b := &fakeBackend{insertErrs: []error{nil, errors.New("fetch failed"), errors.New("ECONNRESET")}}
	chunks, vecs := makeChunks(25)

	require.NoError(t, newTestStore(b).AddChunks(context.Background(), chunks, vecs))
	assert.Len(t, b.inserted, 3)
}

func TestAddChunksPartialFailure(t *testing.T) {
	transient := errors.New("socket hang up: timeout")
	b := &fakeBackend{insertErrs: []error{nil, transient, transient, transient, transient}}
	chunks, vecs := makeChunks(30)

	err := newTestStore(b).AddChunks(context.Background(), chunks, vecs)

	var perr *PartialIngestError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 10, perr.Written)
	assert.Equal(t, 2, perr.Batch)
	assert.Equal(t, 3, perr.Batches)

	var terr *models.TransientNetworkError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 4, terr.Attempts)

	assert.Len(t, b.inserted, 1, "batch 3 must not be attempted")
}

func TestAddChunksNonTransientFailsFast(t *testing.T) {
	b := &fakeBackend{insertErrs: []error{errors.New("422 invalid vector"), nil}}
	chunks, vecs := makeChunks(5)

	err := newTestStore(b).AddChunks(context.Background(), chunks, vecs)
	var perr *PartialIngestError
	require.ErrorAs(t, err, &perr)
	assert.Zero(t, perr.Written)
	assert.Len(t, b.insertErrs, 1, "no retry for non-transient errors")
}

func TestSearchScoresAndFilters(t *testing.T) {
	b := &fakeBackend{hits: []Hit{
		{ID: "a", Content: "A", SourceID: "p1", ChunkIndex: 0, Section: "Intro", Metadata: `{"title":"Attention"}`, Distance: 0.1},
		{ID: "b", Content: "B", SourceID: "p1", ChunkIndex: 1, Distance: 0.5},
		{ID: "c", Content: "C", SourceID: "p2", ChunkIndex: 0, Distance: 1.8},
	}}
	s := newTestStore(b)

	results, err := s.Search(context.Background(), SearchRequest{
		Vector:   []float32{1, 0},
		MinScore: 0.7,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 0.95, results[0].Score, 1e-9)
	assert.Equal(t, "Attention", results[0].Metadata["title"])
	assert.Equal(t, 0, results[0].Metadata[models.MetaChunkIndex])
	assert.Equal(t, "Intro", results[0].Metadata[models.MetaSection])

	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, 0.75, results[1].Score, 1e-9)

	assert.Equal(t, DefaultLimit, b.limit)

	// without a threshold the far chunk comes back with score 0.1
	all, err := s.Search(context.Background(), SearchRequest{Vector: []float32{1, 0}})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[2].ID)
	assert.InDelta(t, 0.1, all[2].Score, 1e-9)
}

func TestSearchScoreBounds(t *testing.T) {
	b := &fakeBackend{hits: []Hit{{ID: "neg", Distance: -0.2}, {ID: "far", Distance: 2.4}}}
	results, err := newTestStore(b).Search(context.Background(), SearchRequest{Vector: []float32{1}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestSearchMinScoreMonotonic(t *testing.T) {
	b := &fakeBackend{hits: []Hit{{ID: "a", Distance: 0.2}, {ID: "b", Distance: 0.6}, {ID: "c", Distance: 1.2}}}
	s := newTestStore(b)

	low, err := s.Search(context.Background(), SearchRequest{Vector: []float32{1}, MinScore: 0.3})
	require.NoError(t, err)
	high, err := s.Search(context.Background(), SearchRequest{Vector: []float32{1}, MinScore: 0.8})
	require.NoError(t, err)

	lowIDs := map[string]bool{}
	for _, r := range low {
		lowIDs[r.ID] = true
	}
	for _, r := range high {
		assert.True(t, lowIDs[r.ID], "%s passes the higher threshold but not the lower one", r.ID)
	}
	assert.Len(t, low, 3)
	assert.Len(t, high, 1)
}

func TestSearchValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SearchRequest
	}{
		{"min score above one", SearchRequest{Vector: []float32{1}, MinScore: 1.5}},
		{"negative min score", SearchRequest{Vector: []float32{1}, MinScore: -0.1}},
		{"negative limit", SearchRequest{Vector: []float32{1}, Limit: -1}},
		{"unknown filter", SearchRequest{Vector: []float32{1}, Filters: map[string]string{"author": "x"}}},
		{"no vector or query", SearchRequest{}},
		{"keyword search unsupported", SearchRequest{Query: "transformers"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{}
			_, err := newTestStore(b).Search(context.Background(), tt.req)
			assert.True(t, models.IsValidation(err), "%v", err)
			assert.Zero(t, b.queries)
		})
	}
}

func TestSearchPassesFiltersAndLimit(t *testing.T) {
	b := &fakeBackend{}
	filters := map[string]string{models.FilterSourceID: "p1", models.FilterSection: "Methods"}
	_, err := newTestStore(b).Search(context.Background(), SearchRequest{Vector: []float32{1}, Limit: 3, Filters: filters})
	require.NoError(t, err)
	assert.Equal(t, 3, b.limit)
	assert.Equal(t, filters, b.filters)
}

func TestSearchKeywordFallback(t *testing.T) {
	b := &keywordBackend{fakeBackend: fakeBackend{hits: []Hit{{ID: "a", Distance: 1.2}}}}
	results, err := newTestStore(b).Search(context.Background(), SearchRequest{Query: "transformers"})
	require.NoError(t, err)
	assert.Equal(t, "transformers", b.keywordQuery)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.4, results[0].Score, 1e-9)
}

func TestSearchTransientExhaustion(t *testing.T) {
	b := &fakeBackend{queryErr: errors.New("fetch failed")}
	_, err := newTestStore(b).Search(context.Background(), SearchRequest{Vector: []float32{1}})

	var terr *models.TransientNetworkError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "search", terr.Op)
	assert.Equal(t, 4, b.queries)
}

func TestDeleteBySourceID(t *testing.T) {
	b := &fakeBackend{}
	s := newTestStore(b)

	assert.True(t, models.IsValidation(s.DeleteBySourceID(context.Background(), " ")))
	require.NoError(t, s.DeleteBySourceID(context.Background(), "paper-1"))
	require.NoError(t, s.DeleteBySourceID(context.Background(), "paper-1"))
	assert.Equal(t, []string{"paper-1", "paper-1"}, b.deleted)
}

func TestCountAndHealth(t *testing.T) {
	b := &fakeBackend{count: 42}
	s := newTestStore(b)
	assert.Equal(t, 42, s.Count(context.Background()))
	assert.True(t, s.HealthCheck(context.Background()))

	b = &fakeBackend{countErr: errors.New("permission denied"), pingErr: errors.New("connection refused")}
	s = newTestStore(b)
	assert.Zero(t, s.Count(context.Background()))
	assert.False(t, s.HealthCheck(context.Background()))
}

func TestCalibrations(t *testing.T) {
	assert.Equal(t, 1.0, CosineDistance(0))
	assert.Equal(t, 0.5, CosineDistance(1))
	assert.Equal(t, 0.0, CosineDistance(2))
	assert.Equal(t, 1.0, CosineDistance(-1))
	assert.Equal(t, 0.0, CosineSimilarity(1.5))
	assert.InDelta(t, 0.8, CosineSimilarity(0.2), 1e-9)
}

func TestRecordIDStable(t *testing.T) {
	assert.Equal(t, RecordID("p1", 3), RecordID("p1", 3))
	assert.NotEqual(t, RecordID("p1", 3), RecordID("p1", 4))
	assert.NotEqual(t, RecordID("p1", 3), RecordID("p13", 0))
}
