package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"research-rag/internal/models"
)

const (
	metaSourceID   = "sourceId"
	metaChunkIndex = "chunkIndex"
	metaSection    = "section"
	metaBlob       = "metadata"
)

var errNoVectorizer = errors.New("chromem collection has no vectorizer, embeddings must be supplied")

// noVectorizer keeps chromem from calling its default OpenAI embedding function.
func noVectorizer(context.Context, string) ([]float32, error) {
	return nil, errNoVectorizer
}

// Chromem is an embedded backend on chromem-go, in memory or persisted to a directory.
type Chromem struct {
	db            *chromem.DB
	name          string
	compress      bool
	encryptionKey string

	mu sync.Mutex
}

type ChromemOptions struct {
	// Path is the persistence directory. Empty keeps the database in memory.
	Path          string
	Compress      bool
	EncryptionKey string
}

func NewChromem(collectionName string, opts ChromemOptions) (*Chromem, error) {
	var db *chromem.DB
	if opts.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}
	log.Debug().Str("collection", collectionName).Str("path", opts.Path).Bool("compress", opts.Compress).Msg("Opened chromem database")

	return &Chromem{
		db:            db,
		name:          collectionName,
		compress:      opts.Compress,
		encryptionKey: opts.EncryptionKey,
	}, nil
}

func (c *Chromem) Name() string { return "chromem" }

func (c *Chromem) collection() (*chromem.Collection, error) {
	coll := c.db.GetCollection(c.name, noVectorizer)
	if coll == nil {
		return nil, fmt.Errorf("collection %s does not exist", c.name)
	}
	return coll, nil
}

func (c *Chromem) CollectionExists(ctx context.Context) (bool, error) {
	return c.db.GetCollection(c.name, noVectorizer) != nil, nil
}

func (c *Chromem) CreateCollection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db.GetCollection(c.name, noVectorizer) != nil {
		return models.ErrSchemaConflict
	}
	if _, err := c.db.CreateCollection(c.name, nil, noVectorizer); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (c *Chromem) Insert(ctx context.Context, records []Record) error {
	coll, err := c.collection()
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:      r.ID,
			Content: r.Content,
			Metadata: map[string]string{
				metaSourceID:   r.SourceID,
				metaChunkIndex: strconv.Itoa(r.ChunkIndex),
				metaSection:    r.Section,
				metaBlob:       r.Metadata,
			},
			Embedding: r.Vector,
		}
	}
	if err := coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

func (c *Chromem) Query(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]Hit, error) {
	coll, err := c.collection()
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	n := min(limit, coll.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := coll.QueryEmbedding(ctx, vector, n, whereClause(filters), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		idx, _ := strconv.Atoi(r.Metadata[metaChunkIndex])
		hits[i] = Hit{
			ID:         r.ID,
			Content:    r.Content,
			SourceID:   r.Metadata[metaSourceID],
			ChunkIndex: idx,
			Section:    r.Metadata[metaSection],
			Metadata:   r.Metadata[metaBlob],
			Distance:   1 - float64(r.Similarity),
		}
	}
	return hits, nil
}

func whereClause(filters map[string]string) map[string]string {
	if len(filters) == 0 {
		return nil
	}
	where := make(map[string]string, len(filters))
	for k, v := range filters {
		switch k {
		case models.FilterSourceID:
			where[metaSourceID] = v
		case models.FilterSection:
			where[metaSection] = v
		}
	}
	return where
}

func (c *Chromem) DeleteBySource(ctx context.Context, sourceID string) error {
	coll := c.db.GetCollection(c.name, noVectorizer)
	if coll == nil {
		return nil
	}
	if err := coll.Delete(ctx, map[string]string{metaSourceID: sourceID}, nil); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

func (c *Chromem) Count(ctx context.Context) (int, error) {
	coll := c.db.GetCollection(c.name, noVectorizer)
	if coll == nil {
		return 0, nil
	}
	return coll.Count(), nil
}

func (c *Chromem) Ping(ctx context.Context) error {
	if c.db == nil {
		return errors.New("chromem database is not open")
	}
	return ctx.Err()
}

// Export writes the collection to path, encrypted when an encryption key is set.
func (c *Chromem) Export(ctx context.Context, path string) error {
	if _, err := c.collection(); err != nil {
		return err
	}
	log.Debug().Str("collection", c.name).Str("path", path).Bool("compress", c.compress).Msg("Exporting collection")
	if err := c.db.ExportToFile(path, c.compress, c.encryptionKey, c.name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import loads the collection from a file written by Export.
func (c *Chromem) Import(ctx context.Context, path string) error {
	log.Debug().Str("collection", c.name).Str("path", path).Msg("Importing collection")
	if err := c.db.ImportFromFile(path, c.encryptionKey, c.name); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	return nil
}
