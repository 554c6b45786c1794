package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"

	"research-rag/internal/config"
	"research-rag/internal/embedding"
	"research-rag/internal/helper"
	"research-rag/internal/llmservice"
	"research-rag/internal/loader"
	"research-rag/internal/models"
	"research-rag/internal/rag"
	"research-rag/internal/vectorstore"
)

const configFilePath = "./configs/config.yaml"

type flags struct {
	config    string
	files     string
	dryRun    bool
	query     string
	ask       string
	source    string
	delete    string
	count     bool
	health    bool
	export    string
	importing string
	limit     int
	minScore  float64
	// minScoreSet separates an explicit -min-score 0 from the flag's absence.
	minScoreSet bool
}

func main() {
	helper.SetupLogger("info")

	var f flags
	flag.StringVar(&f.config, "config", configFilePath, "Path to the config file")
	flag.StringVar(&f.files, "file", "", "Comma-separated document files to ingest")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Parse and chunk files without embedding or storing them")
	flag.StringVar(&f.query, "query", "", "Search the store and print matching chunks")
	flag.StringVar(&f.ask, "ask", "", "Answer a question from the indexed documents")
	flag.StringVar(&f.source, "source", "", "Restrict -query and -ask to one source id")
	flag.StringVar(&f.delete, "delete", "", "Delete every chunk of a source id")
	flag.BoolVar(&f.count, "count", false, "Print the number of stored chunks")
	flag.BoolVar(&f.health, "health", false, "Check that the vector store is reachable")
	flag.StringVar(&f.export, "export", "", "Export the embedded collection to a file")
	flag.StringVar(&f.importing, "import", "", "Import the embedded collection from a file")
	flag.IntVar(&f.limit, "limit", 0, "Maximum number of chunks to retrieve (default from config)")
	flag.Float64Var(&f.minScore, "min-score", 0, "Minimum similarity score in [0,1], 0 disables filtering (default from config)")
	flag.Parse()
	flag.Visit(func(fl *flag.Flag) {
		if fl.Name == "min-score" {
			f.minScoreSet = true
		}
	})

	cfg, err := config.LoadConfig(f.config)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	helper.SetupLogger(cfg.LogLevel)
	log.Debug().Str("backend", cfg.VectorStore.Backend).Str("index", cfg.VectorStore.IndexName).Msg("Loaded config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths := splitPaths(f.files)
	if len(paths) > 0 && f.dryRun {
		dryRun(ctx, cfg, paths)
		return
	}

	if !f.any() {
		flag.Usage()
		os.Exit(2)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening vector store")
	}
	defer store.Close()

	if f.health {
		if store.HealthCheck(ctx) {
			color.Green("%s store is healthy", store.Backend().Name())
			return
		}
		color.Red("%s store is unreachable", store.Backend().Name())
		os.Exit(1)
	}

	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error ensuring schema")
	}

	if f.importing != "" {
		exporter := mustExporter(store)
		if err := exporter.Import(ctx, f.importing); err != nil {
			log.Fatal().Err(err).Msg("Error importing collection")
		}
		log.Info().Str("path", f.importing).Msg("Imported collection")
	}

	if f.delete != "" {
		if err := store.DeleteBySourceID(ctx, f.delete); err != nil {
			log.Fatal().Err(err).Msg("Error deleting source")
		}
	}

	var pipeline *rag.RAG
	if len(paths) > 0 || f.query != "" || f.ask != "" {
		pipeline = newPipeline(ctx, cfg, store, f.ask != "")
	}

	if len(paths) > 0 {
		ingest(ctx, cfg, pipeline, paths)
	}

	if f.export != "" {
		exporter := mustExporter(store)
		if err := helper.CreateFolder(filepath.Dir(f.export)); err != nil {
			log.Fatal().Err(err).Msg("Error creating export folder")
		}
		if err := exporter.Export(ctx, f.export); err != nil {
			log.Fatal().Err(err).Msg("Error exporting collection")
		}
		log.Info().Str("path", f.export).Msg("Exported collection")
	}

	opts := rag.Options{Limit: f.limit}
	if f.minScoreSet {
		opts.MinScore = rag.Score(f.minScore)
	}
	if f.source != "" {
		opts.Filters = map[string]string{models.FilterSourceID: f.source}
	}

	if f.query != "" {
		search(ctx, pipeline, f.query, opts)
	}

	if f.ask != "" {
		ask(ctx, pipeline, f.ask, opts)
	}

	if f.count {
		color.Cyan("%d chunks stored", store.Count(ctx))
	}
}

func (f flags) any() bool {
	return f.files != "" || f.query != "" || f.ask != "" || f.delete != "" ||
		f.count || f.health || f.export != "" || f.importing != ""
}

func splitPaths(s string) []string {
	var paths []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func openStore(ctx context.Context, cfg *config.Config) (*vectorstore.Store, error) {
	vs := cfg.VectorStore

	var backend vectorstore.Backend
	switch vs.Backend {
	case config.BackendChromem:
		opts := vectorstore.ChromemOptions{
			Compress:      vs.Chromem.Compress,
			EncryptionKey: vs.Chromem.EncryptionKey(),
		}
		if !vs.Chromem.InMemory {
			if err := helper.CreateFolder(vs.Chromem.Path); err != nil {
				return nil, err
			}
			opts.Path = vs.Chromem.Path
		}
		b, err := vectorstore.NewChromem(vs.IndexName, opts)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.BackendPostgres:
		db, err := vectorstore.OpenPostgres(vectorstore.PostgresOptions{
			DSN:      vs.Postgres.DSN,
			Password: vs.Postgres.Password(),
			Driver:   vs.Postgres.Driver,
			Debug:    vs.Postgres.Debug,
		})
		if err != nil {
			return nil, err
		}
		backend = vectorstore.NewPostgres(db, vs.IndexName, vs.Postgres.Dimensions)
	case config.BackendMilvus:
		b, err := vectorstore.NewMilvus(ctx, vs.Milvus.Address, vs.IndexName, vs.Milvus.Dimensions)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", vs.Backend)
	}

	score := vectorstore.CosineDistance
	if cfg.Retrieval.Score == config.ScoreCosineSimilarity {
		score = vectorstore.CosineSimilarity
	}
	return vectorstore.NewStore(backend, vectorstore.Options{Score: score}), nil
}

func mustExporter(store *vectorstore.Store) vectorstore.Exporter {
	exporter, ok := store.Backend().(vectorstore.Exporter)
	if !ok {
		log.Fatal().Str("backend", store.Backend().Name()).Msg("Backend does not support export and import")
	}
	return exporter
}

func newPipeline(ctx context.Context, cfg *config.Config, store *vectorstore.Store, withLLM bool) *rag.RAG {
	embedder, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedder")
	}

	var completer rag.Completer
	if withLLM {
		completer = newCompleter(ctx, cfg)
	}

	return rag.NewRAG(embedder, store, completer, rag.Options{
		Limit:    cfg.Retrieval.Limit,
		MinScore: cfg.Retrieval.MinScore,
	})
}

func newCompleter(ctx context.Context, cfg *config.Config) *llmservice.Completer {
	llmCfg := cfg.LLM.Models

	primary, err := llmservice.NewPrimary(cfg.LLM.Primary, llmCfg.PrimaryModel)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing LLM")
	}

	var secondary llmservice.Provider
	if llmCfg.FallbackEnabled {
		if key := cfg.LLM.GeminiAPIKey(); key != "" {
			gemini, err := llmservice.NewGemini(ctx, key, llmCfg.FallbackModel)
			if err != nil {
				log.Warn().Err(err).Msg("Fallback model unavailable")
			} else {
				secondary = gemini
			}
		} else {
			log.Warn().Str("env", cfg.LLM.GeminiAPIKeyEnv).Msg("Fallback enabled but no API key set")
		}
	}

	log.Info().
		Str("primary", llmCfg.PrimaryModel).
		Str("fallback", llmCfg.FallbackModel).
		Bool("fallback_enabled", llmCfg.FallbackEnabled && secondary != nil).
		Msg("Completion providers ready")
	return llmservice.NewCompleter(llmCfg, primary, secondary)
}

func dryRun(ctx context.Context, cfg *config.Config, paths []string) {
	docs, err := loader.LoadAll(ctx, paths, cfg.Loader.Workers)
	if err != nil {
		log.Fatal().Err(err).Msg("Error parsing documents")
	}
	splitter := loader.Splitter{Size: cfg.Loader.ChunkSize, Overlap: cfg.Loader.ChunkOverlap}
	for _, doc := range docs {
		chunks := splitter.Chunks(doc)
		color.New(color.FgCyan, color.Bold).Printf("%s: %d sections, %d chunks\n", doc.SourceID, len(doc.Sections), len(chunks))
		helper.PrettyPrint(chunks)
	}
}

func ingest(ctx context.Context, cfg *config.Config, pipeline *rag.RAG, paths []string) {
	docs, err := loader.LoadAll(ctx, paths, cfg.Loader.Workers)
	if err != nil {
		log.Fatal().Err(err).Msg("Error parsing documents")
	}
	splitter := loader.Splitter{Size: cfg.Loader.ChunkSize, Overlap: cfg.Loader.ChunkOverlap}

	for _, doc := range docs {
		chunks := splitter.Chunks(doc)
		if len(chunks) == 0 {
			log.Warn().Str("source_id", doc.SourceID).Msg("No text extracted, skipping")
			continue
		}
		n, err := pipeline.Reindex(ctx, doc.SourceID, chunks)
		if err != nil {
			var perr *vectorstore.PartialIngestError
			if errors.As(err, &perr) {
				log.Fatal().Err(perr.Err).
					Str("source_id", doc.SourceID).
					Int("written", perr.Written).
					Int("batch", perr.Batch).
					Int("batches", perr.Batches).
					Msg("Ingestion stopped part way")
			}
			log.Fatal().Err(err).Str("source_id", doc.SourceID).Msg("Error indexing document")
		}
		color.Green("Indexed %s: %d chunks", doc.SourceID, n)
	}
}

func search(ctx context.Context, pipeline *rag.RAG, query string, opts rag.Options) {
	rc, err := pipeline.Retrieve(ctx, query, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Error searching")
	}

	color.New(color.FgCyan, color.Bold).Printf("Query: %s\n\n", query)
	if rc.TotalChunks == 0 {
		color.Yellow("No matching chunks")
		return
	}
	for i, c := range rc.Chunks {
		color.Yellow("[%d] score %.3f  %s  %v", i+1, c.Score, c.SourceID, c.Metadata[models.MetaSection])
		fmt.Printf("%s\n\n", c.Content)
	}
}

func ask(ctx context.Context, pipeline *rag.RAG, question string, opts rag.Options) {
	answer, err := pipeline.Ask(ctx, question, opts)
	if errors.Is(err, rag.ErrNoContext) {
		color.Yellow("I couldn't find any relevant information in the indexed documents to answer your question.")
		return
	}
	if err != nil {
		var fu *models.FallbackUnavailableError
		if errors.As(err, &fu) {
			log.Fatal().Err(err).Msg("Rate limited with no fallback configured")
		}
		log.Fatal().Err(err).Msg("Error answering")
	}

	bold := color.New(color.FgCyan, color.Bold)
	bold.Printf("Question: %s\n\n", question)
	fmt.Printf("%s\n\n", answer.Content)

	model := answer.ModelUsed
	if answer.UsedFallback {
		model += " (fallback)"
	}
	bold.Println("Model:")
	fmt.Printf("%s\n\n", model)

	bold.Println("Sources:")
	for i, s := range answer.Sources {
		fmt.Printf("[Source %d] %s (score %.3f)\n", i+1, s.SourceID, s.Score)
	}
}
