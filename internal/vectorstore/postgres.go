package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"research-rag/internal/models"
)

type chunkRow struct {
	bun.BaseModel `bun:"table:paper_chunks,alias:pc"`
	ID            string          `bun:"id,pk,type:uuid"`
	Content       string          `bun:"content,notnull"`
	SourceID      string          `bun:"source_id,notnull"`
	ChunkIndex    int             `bun:"chunk_index,notnull"`
	Section       string          `bun:"section,notnull"`
	Metadata      string          `bun:"metadata,type:jsonb,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,type:vector"`
	Distance      float64         `bun:"distance,scanonly"`
}

var filterColumns = map[string]string{
	models.FilterSourceID: "source_id",
	models.FilterSection:  "section",
}

type PostgresOptions struct {
	DSN      string
	Password string
	// Driver is "pgdriver" (default) or "pq".
	Driver string
	Debug  bool
}

// OpenPostgres opens a bun handle over pgdriver or lib/pq. It does not connect.
func OpenPostgres(opts PostgresOptions) (*bun.DB, error) {
	var sqldb *sql.DB
	switch opts.Driver {
	case "pq":
		var err error
		sqldb, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	case "", "pgdriver":
		connOpts := []pgdriver.Option{pgdriver.WithDSN(opts.DSN)}
		if opts.Password != "" {
			connOpts = append(connOpts, pgdriver.WithPassword(opts.Password))
		}
		sqldb = sql.OpenDB(pgdriver.NewConnector(connOpts...))
	default:
		return nil, &models.ValidationError{Field: "driver", Reason: fmt.Sprintf("unknown postgres driver %q", opts.Driver)}
	}

	db := bun.NewDB(sqldb, pgdialect.New())
	if opts.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db, nil
}

// Postgres stores chunks in a pgvector table and ranks them by cosine distance.
type Postgres struct {
	db         *bun.DB
	table      string
	dimensions int
}

func NewPostgres(db *bun.DB, table string, dimensions int) *Postgres {
	return &Postgres{db: db, table: table, dimensions: dimensions}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) tableExpr() (string, bun.Ident) {
	return "? AS pc", bun.Ident(p.table)
}

type pgIndex struct {
	name, using string
}

func (p *Postgres) indexes() []pgIndex {
	return []pgIndex{
		{p.table + "_embedding_idx", "hnsw (embedding vector_cosine_ops)"},
		{p.table + "_content_idx", "gin (to_tsvector('english', content))"},
	}
}

// existsQuery is true only when every named relation exists.
func (p *Postgres) existsQuery(names ...string) *bun.RawQuery {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = strconv.Quote(n)
	}
	return p.db.NewRaw("SELECT bool_and(to_regclass(name) IS NOT NULL) FROM unnest(?::text[]) AS name", pgdialect.Array(quoted))
}

func (p *Postgres) relationsExist(ctx context.Context, names ...string) (bool, error) {
	var exists bool
	if err := p.existsQuery(names...).Scan(ctx, &exists); err != nil {
		return false, fmt.Errorf("check table %s: %w", p.table, err)
	}
	return exists, nil
}

// CollectionExists reports whether the table and all of its indexes exist,
// so a half-built schema is completed by the next CreateCollection.
func (p *Postgres) CollectionExists(ctx context.Context) (bool, error) {
	names := []string{p.table}
	for _, idx := range p.indexes() {
		names = append(names, idx.name)
	}
	return p.relationsExist(ctx, names...)
}

// schemaStatements returns the DDL for the table and its indexes. Every
// statement can be rerun.
func (p *Postgres) schemaStatements() []string {
	f := p.db.Formatter()
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		f.FormatQuery(`CREATE TABLE IF NOT EXISTS ? (
	id uuid PRIMARY KEY,
	content text NOT NULL,
	source_id text NOT NULL,
	chunk_index integer NOT NULL,
	section text NOT NULL DEFAULT '',
	metadata jsonb NOT NULL DEFAULT '{}',
	embedding vector(?) NOT NULL,
	UNIQUE (source_id, chunk_index)
)`, bun.Ident(p.table), p.dimensions),
	}
	for _, idx := range p.indexes() {
		stmts = append(stmts, f.FormatQuery("CREATE INDEX IF NOT EXISTS ? ON ? USING "+idx.using,
			bun.Ident(idx.name), bun.Ident(p.table)))
	}
	return stmts
}

// CreateCollection creates whatever part of the schema is missing. It returns
// ErrSchemaConflict once the indexes are in place if the table already existed.
func (p *Postgres) CreateCollection(ctx context.Context) error {
	existed, err := p.relationsExist(ctx, p.table)
	if err != nil {
		return err
	}
	for _, stmt := range p.schemaStatements() {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema for %s: %w", p.table, err)
		}
	}
	if existed {
		log.Debug().Str("table", p.table).Msg("Table already existed, indexes ensured")
		return models.ErrSchemaConflict
	}
	log.Debug().Str("table", p.table).Int("dimensions", p.dimensions).Msg("Created table")
	return nil
}

func (p *Postgres) insertQuery(records []Record) *bun.InsertQuery {
	rows := make([]chunkRow, len(records))
	for i, r := range records {
		rows[i] = chunkRow{
			ID:         r.ID,
			Content:    r.Content,
			SourceID:   r.SourceID,
			ChunkIndex: r.ChunkIndex,
			Section:    r.Section,
			Metadata:   r.Metadata,
			Embedding:  pgvector.NewVector(r.Vector),
		}
	}
	return p.db.NewInsert().
		Model(&rows).
		ModelTableExpr(p.tableExpr()).
		On("CONFLICT (source_id, chunk_index) DO NOTHING")
}

func (p *Postgres) Insert(ctx context.Context, records []Record) error {
	if _, err := p.insertQuery(records).Exec(ctx); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

func (p *Postgres) selectHits(rows *[]chunkRow, limit int, filters map[string]string) *bun.SelectQuery {
	q := p.db.NewSelect().
		Model(rows).
		ModelTableExpr(p.tableExpr()).
		Column("id", "content", "source_id", "chunk_index", "section", "metadata")
	for k, v := range filters {
		q = q.Where("? = ?", bun.Ident(filterColumns[k]), v)
	}
	return q.OrderExpr("distance ASC").Limit(limit)
}

func (p *Postgres) searchQuery(rows *[]chunkRow, vector []float32, limit int, filters map[string]string) *bun.SelectQuery {
	return p.selectHits(rows, limit, filters).
		ColumnExpr("embedding <=> ?::vector AS distance", pgvector.NewVector(vector))
}

func (p *Postgres) Query(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]Hit, error) {
	var rows []chunkRow
	if err := p.searchQuery(&rows, vector, limit, filters).Scan(ctx); err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return rowsToHits(rows), nil
}

// keywordQuery ranks by ts_rank_cd normalized into [0,1) and reports it as
// distance 2*(1-rank), so CosineDistance maps it back onto the rank.
func (p *Postgres) keywordQuery(rows *[]chunkRow, query string, limit int, filters map[string]string) *bun.SelectQuery {
	return p.selectHits(rows, limit, filters).
		ColumnExpr("2 * (1 - ts_rank_cd(to_tsvector('english', content), plainto_tsquery('english', ?), 32)) AS distance", query).
		Where("to_tsvector('english', content) @@ plainto_tsquery('english', ?)", query)
}

func (p *Postgres) KeywordQuery(ctx context.Context, query string, limit int, filters map[string]string) ([]Hit, error) {
	var rows []chunkRow
	if err := p.keywordQuery(&rows, query, limit, filters).Scan(ctx); err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return rowsToHits(rows), nil
}

func rowsToHits(rows []chunkRow) []Hit {
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{
			ID:         r.ID,
			Content:    r.Content,
			SourceID:   r.SourceID,
			ChunkIndex: r.ChunkIndex,
			Section:    r.Section,
			Metadata:   r.Metadata,
			Distance:   r.Distance,
		}
	}
	return hits
}

func (p *Postgres) DeleteBySource(ctx context.Context, sourceID string) error {
	_, err := p.db.NewDelete().
		Model((*chunkRow)(nil)).
		ModelTableExpr(p.tableExpr()).
		Where("source_id = ?", sourceID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (p *Postgres) Count(ctx context.Context) (int, error) {
	n, err := p.db.NewSelect().
		Model((*chunkRow)(nil)).
		ModelTableExpr(p.tableExpr()).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
