package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Record is a chunk as it is written to a backend. Metadata is JSON text.
type Record struct {
	ID         string
	Content    string
	SourceID   string
	ChunkIndex int
	Section    string
	Metadata   string
	Vector     []float32
}

// Hit is a raw backend match. Distance follows the cosine distance convention,
// 0 for identical vectors and 2 for opposite ones.
type Hit struct {
	ID         string
	Content    string
	SourceID   string
	ChunkIndex int
	Section    string
	Metadata   string
	Distance   float64
}

// Backend is the wire contract of a vector database. Implementations are safe
// for concurrent use and never retry on their own.
type Backend interface {
	Name() string
	CollectionExists(ctx context.Context) (bool, error)
	// CreateCollection returns models.ErrSchemaConflict when the collection
	// already exists.
	CreateCollection(ctx context.Context) error
	Insert(ctx context.Context, records []Record) error
	// Query returns at most limit hits nearest to vector, best first. Filters are
	// equality matches on the sourceId and section properties.
	Query(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]Hit, error)
	DeleteBySource(ctx context.Context, sourceID string) error
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// KeywordSearcher is implemented by backends that can rank by text alone.
type KeywordSearcher interface {
	KeywordQuery(ctx context.Context, query string, limit int, filters map[string]string) ([]Hit, error)
}

// Exporter is implemented by embedded backends that can snapshot themselves to a file.
type Exporter interface {
	Export(ctx context.Context, path string) error
	Import(ctx context.Context, path string) error
}

var recordNamespace = uuid.MustParse("6f1c3b0e-4a55-4f7e-9d5c-2b1f6a9e8c01")

// RecordID derives a stable id from a chunk's identity.
func RecordID(sourceID string, chunkIndex int) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("%s/%d", sourceID, chunkIndex))).String()
}
