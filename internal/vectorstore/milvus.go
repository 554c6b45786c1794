package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"research-rag/internal/models"
)

const (
	milvusFieldID         = "id"
	milvusFieldContent    = "content"
	milvusFieldSourceID   = "source_id"
	milvusFieldChunkIndex = "chunk_index"
	milvusFieldSection    = "section"
	milvusFieldMetadata   = "metadata"
	milvusFieldVector     = "vector"

	milvusMaxVarChar = "65535"
)

var milvusOutputFields = []string{
	milvusFieldContent, milvusFieldSourceID, milvusFieldChunkIndex, milvusFieldSection, milvusFieldMetadata,
}

// milvusAPI is the subset of *milvusclient.Client the backend calls.
type milvusAPI interface {
	HasCollection(ctx context.Context, option milvusclient.HasCollectionOption, callOptions ...grpc.CallOption) (bool, error)
	CreateCollection(ctx context.Context, option milvusclient.CreateCollectionOption, callOptions ...grpc.CallOption) error
	CreateIndex(ctx context.Context, option milvusclient.CreateIndexOption, callOptions ...grpc.CallOption) (*milvusclient.CreateIndexTask, error)
	LoadCollection(ctx context.Context, option milvusclient.LoadCollectionOption, callOptions ...grpc.CallOption) (milvusclient.LoadTask, error)
	Upsert(ctx context.Context, option milvusclient.UpsertOption, callOptions ...grpc.CallOption) (milvusclient.UpsertResult, error)
	Search(ctx context.Context, option milvusclient.SearchOption, callOptions ...grpc.CallOption) ([]milvusclient.ResultSet, error)
	Query(ctx context.Context, option milvusclient.QueryOption, callOptions ...grpc.CallOption) (milvusclient.ResultSet, error)
	Delete(ctx context.Context, option milvusclient.DeleteOption, callOptions ...grpc.CallOption) (milvusclient.DeleteResult, error)
	Close(ctx context.Context) error
}

// Milvus stores chunks in a Milvus collection with a COSINE HNSW index.
type Milvus struct {
	client     milvusAPI
	name       string
	dimensions int
	loaded     atomic.Bool
}

func NewMilvus(ctx context.Context, address, collectionName string, dimensions int) (*Milvus, error) {
	client, err := milvusclient.New(ctx, &milvusclient.ClientConfig{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus at %s: %w", address, err)
	}
	return newMilvus(client, collectionName, dimensions), nil
}

func newMilvus(client milvusAPI, collectionName string, dimensions int) *Milvus {
	return &Milvus{client: client, name: collectionName, dimensions: dimensions}
}

func (m *Milvus) Name() string { return "milvus" }

func (m *Milvus) CollectionExists(ctx context.Context) (bool, error) {
	exists, err := m.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(m.name))
	if err != nil {
		return false, fmt.Errorf("failed to check if collection exists: %w", err)
	}
	return exists, nil
}

func (m *Milvus) schema() *entity.Schema {
	return &entity.Schema{
		CollectionName: m.name,
		Description:    "Embedded document chunks",
		Fields: []*entity.Field{
			{
				Name:       milvusFieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       milvusFieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": milvusMaxVarChar},
			},
			{
				Name:       milvusFieldSourceID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:     milvusFieldChunkIndex,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       milvusFieldSection,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "1024"},
			},
			{
				Name:       milvusFieldMetadata,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": milvusMaxVarChar},
			},
			{
				Name:       milvusFieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(m.dimensions)},
			},
		},
	}
}

func (m *Milvus) CreateCollection(ctx context.Context) error {
	if err := m.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(m.name, m.schema())); err != nil {
		if strings.Contains(err.Error(), "already exist") {
			return models.ErrSchemaConflict
		}
		return fmt.Errorf("failed to create collection %s: %w", m.name, err)
	}

	idx := index.NewHNSWIndex(entity.COSINE, 16, 200)
	task, err := m.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(m.name, milvusFieldVector, idx))
	if err != nil {
		return fmt.Errorf("failed to create index on vector field: %w", err)
	}
	if err := task.Await(ctx); err != nil {
		return fmt.Errorf("failed waiting for index: %w", err)
	}

	log.Debug().Str("collection", m.name).Int("dimensions", m.dimensions).Msg("Created milvus collection")
	return m.load(ctx)
}

func (m *Milvus) load(ctx context.Context) error {
	if m.loaded.Load() {
		return nil
	}
	task, err := m.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(m.name))
	if err != nil {
		return fmt.Errorf("failed to load collection %s into memory: %w", m.name, err)
	}
	if err := task.Await(ctx); err != nil {
		return fmt.Errorf("failed waiting for collection load: %w", err)
	}
	m.loaded.Store(true)
	return nil
}

func (m *Milvus) Insert(ctx context.Context, records []Record) error {
	n := len(records)
	ids := make([]string, n)
	contents := make([]string, n)
	sources := make([]string, n)
	indexes := make([]int64, n)
	sections := make([]string, n)
	metas := make([]string, n)
	vectors := make([][]float32, n)
	for i, r := range records {
		ids[i] = r.ID
		contents[i] = r.Content
		sources[i] = r.SourceID
		indexes[i] = int64(r.ChunkIndex)
		sections[i] = r.Section
		metas[i] = r.Metadata
		vectors[i] = r.Vector
	}

	opt := milvusclient.NewColumnBasedInsertOption(m.name).
		WithVarcharColumn(milvusFieldID, ids).
		WithVarcharColumn(milvusFieldContent, contents).
		WithVarcharColumn(milvusFieldSourceID, sources).
		WithInt64Column(milvusFieldChunkIndex, indexes).
		WithVarcharColumn(milvusFieldSection, sections).
		WithVarcharColumn(milvusFieldMetadata, metas).
		WithFloatVectorColumn(milvusFieldVector, m.dimensions, vectors)

	// Upsert keeps re-ingestion of the same chunk identity idempotent.
	if _, err := m.client.Upsert(ctx, opt); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

// milvusFilter renders equality filters as a boolean expression.
func milvusFilter(filters map[string]string) string {
	var parts []string
	for _, k := range []string{models.FilterSourceID, models.FilterSection} {
		v, ok := filters[k]
		if !ok {
			continue
		}
		field := milvusFieldSourceID
		if k == models.FilterSection {
			field = milvusFieldSection
		}
		parts = append(parts, fmt.Sprintf("%s == %s", field, strconv.Quote(v)))
	}
	return strings.Join(parts, " && ")
}

func (m *Milvus) Query(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]Hit, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}

	opt := milvusclient.NewSearchOption(m.name, limit, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(milvusFieldVector).
		WithOutputFields(milvusOutputFields...).
		WithConsistencyLevel(entity.ClStrong)
	if expr := milvusFilter(filters); expr != "" {
		opt = opt.WithFilter(expr)
	}

	results, err := m.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to search collection: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	rs := results[0]
	if rs.Err != nil {
		return nil, fmt.Errorf("search result error: %w", rs.Err)
	}

	hits := make([]Hit, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		id, err := rs.IDs.GetAsString(i)
		if err != nil {
			log.Warn().Err(err).Int("index", i).Msg("Skipping milvus hit without id")
			continue
		}
		h := Hit{ID: id, Distance: 1 - float64(rs.Scores[i])}
		h.Content = columnString(rs, milvusFieldContent, i)
		h.SourceID = columnString(rs, milvusFieldSourceID, i)
		h.Section = columnString(rs, milvusFieldSection, i)
		h.Metadata = columnString(rs, milvusFieldMetadata, i)
		if col := rs.GetColumn(milvusFieldChunkIndex); col != nil {
			if v, err := col.GetAsInt64(i); err == nil {
				h.ChunkIndex = int(v)
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func columnString(rs milvusclient.ResultSet, field string, i int) string {
	col := rs.GetColumn(field)
	if col == nil {
		return ""
	}
	s, err := col.GetAsString(i)
	if err != nil {
		return ""
	}
	return s
}

func (m *Milvus) DeleteBySource(ctx context.Context, sourceID string) error {
	expr := fmt.Sprintf("%s == %s", milvusFieldSourceID, strconv.Quote(sourceID))
	if _, err := m.client.Delete(ctx, milvusclient.NewDeleteOption(m.name).WithExpr(expr)); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (m *Milvus) Count(ctx context.Context) (int, error) {
	if err := m.load(ctx); err != nil {
		return 0, err
	}
	rs, err := m.client.Query(ctx, milvusclient.NewQueryOption(m.name).
		WithOutputFields("count(*)").
		WithConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	col := rs.GetColumn("count(*)")
	if col == nil || col.Len() == 0 {
		return 0, nil
	}
	n, err := col.GetAsInt64(0)
	if err != nil {
		return 0, fmt.Errorf("failed to read count: %w", err)
	}
	return int(n), nil
}

func (m *Milvus) Ping(ctx context.Context) error {
	_, err := m.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(m.name))
	return err
}

func (m *Milvus) Close() error {
	return m.client.Close(context.Background())
}
