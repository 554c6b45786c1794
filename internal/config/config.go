package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"research-rag/internal/models"
)

const (
	BackendChromem  = "chromem"
	BackendPostgres = "postgres"
	BackendMilvus   = "milvus"

	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	DriverPgdriver = "pgdriver"
	DriverPQ       = "pq"

	ScoreCosineDistance   = "cosine_distance"
	ScoreCosineSimilarity = "cosine_similarity"
)

type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Embedding   ProviderConfig    `yaml:"embedding"`
	LLM         LLMSettings       `yaml:"llm"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Loader      LoaderConfig      `yaml:"loader"`
}

// ProviderConfig selects a langchaingo provider. The key itself is never stored
// in the file, only the name of the environment variable holding it.
type ProviderConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

type LLMSettings struct {
	Primary         ProviderConfig `yaml:"primary"`
	GeminiAPIKeyEnv string         `yaml:"gemini_api_key_env"`

	// Resolved from the environment by Load.
	Models models.LLMConfig `yaml:"-"`
}

func (l LLMSettings) GeminiAPIKey() string {
	return os.Getenv(l.GeminiAPIKeyEnv)
}

type VectorStoreConfig struct {
	Backend   string         `yaml:"backend"`
	IndexName string         `yaml:"index_name"`
	Chromem   ChromemConfig  `yaml:"chromem"`
	Postgres  PostgresConfig `yaml:"postgres"`
	Milvus    MilvusConfig   `yaml:"milvus"`
}

type ChromemConfig struct {
	Path             string `yaml:"path"`
	InMemory         bool   `yaml:"in_memory"`
	Compress         bool   `yaml:"compress"`
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

func (c ChromemConfig) EncryptionKey() string {
	if c.EncryptionKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.EncryptionKeyEnv)
}

type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	PasswordEnv string `yaml:"password_env"`
	Driver      string `yaml:"driver"`
	Dimensions  int    `yaml:"dimensions"`
	Debug       bool   `yaml:"debug"`
}

func (p PostgresConfig) Password() string {
	if p.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(p.PasswordEnv)
}

type MilvusConfig struct {
	Address    string `yaml:"address"`
	Dimensions int    `yaml:"dimensions"`
}

type RetrievalConfig struct {
	Limit int `yaml:"limit"`
	// MinScore of 0 disables threshold filtering; unset takes the default.
	MinScore *float64 `yaml:"min_score"`
	// Score selects how backend distances become scores: cosine_distance or cosine_similarity.
	Score string `yaml:"score"`
}

type LoaderConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	Workers      int `yaml:"workers"`
}

// LoadConfig reads the yaml file at path, falling back to defaults when it does
// not exist, then resolves model selection from the environment.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Error loading .env")
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("path", path).Msg("Config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.LLM.Models = LLMConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = ProviderOpenAI
	}
	if c.Embedding.Model == "" {
		if c.Embedding.Provider == ProviderOllama {
			c.Embedding.Model = "nomic-embed-text"
		} else {
			c.Embedding.Model = "text-embedding-3-small"
		}
	}
	if c.Embedding.APIKeyEnv == "" && c.Embedding.Provider == ProviderOpenAI {
		c.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.LLM.Primary.Provider == "" {
		c.LLM.Primary.Provider = ProviderOpenAI
	}
	if c.LLM.Primary.APIKeyEnv == "" && c.LLM.Primary.Provider == ProviderOpenAI {
		c.LLM.Primary.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.GeminiAPIKeyEnv == "" {
		c.LLM.GeminiAPIKeyEnv = "GOOGLE_API_KEY"
	}

	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = BackendChromem
	}
	if c.VectorStore.IndexName == "" {
		c.VectorStore.IndexName = models.DefaultIndexName
	}
	if c.VectorStore.Chromem.Path == "" {
		c.VectorStore.Chromem.Path = "./chromemdb"
	}
	if c.VectorStore.Postgres.Driver == "" {
		c.VectorStore.Postgres.Driver = DriverPgdriver
	}
	if c.VectorStore.Postgres.Dimensions == 0 {
		c.VectorStore.Postgres.Dimensions = 1536
	}
	if c.VectorStore.Milvus.Address == "" {
		c.VectorStore.Milvus.Address = "localhost:19530"
	}
	if c.VectorStore.Milvus.Dimensions == 0 {
		c.VectorStore.Milvus.Dimensions = 1536
	}

	if c.Retrieval.Limit == 0 {
		c.Retrieval.Limit = 5
	}
	if c.Retrieval.MinScore == nil {
		minScore := 0.5
		c.Retrieval.MinScore = &minScore
	}
	if c.Retrieval.Score == "" {
		c.Retrieval.Score = ScoreCosineDistance
	}

	if c.Loader.ChunkSize == 0 {
		c.Loader.ChunkSize = 1000
	}
	if c.Loader.ChunkOverlap == 0 {
		c.Loader.ChunkOverlap = 200
	}
	if c.Loader.Workers == 0 {
		c.Loader.Workers = 4
	}
}

func (c *Config) Validate() error {
	switch c.VectorStore.Backend {
	case BackendChromem, BackendPostgres, BackendMilvus:
	default:
		return &models.ValidationError{Field: "vector_store.backend", Reason: fmt.Sprintf("unknown backend %q", c.VectorStore.Backend)}
	}
	for field, p := range map[string]string{
		"embedding.provider":   c.Embedding.Provider,
		"llm.primary.provider": c.LLM.Primary.Provider,
	} {
		if p != ProviderOpenAI && p != ProviderOllama {
			return &models.ValidationError{Field: field, Reason: fmt.Sprintf("unknown provider %q", p)}
		}
	}
	if d := c.VectorStore.Postgres.Driver; d != DriverPgdriver && d != DriverPQ {
		return &models.ValidationError{Field: "vector_store.postgres.driver", Reason: fmt.Sprintf("unknown driver %q", d)}
	}
	if m := c.Retrieval.MinScore; m != nil && (*m < 0 || *m > 1) {
		return &models.ValidationError{Field: "retrieval.min_score", Reason: "must be within [0, 1]"}
	}
	if s := c.Retrieval.Score; s != ScoreCosineDistance && s != ScoreCosineSimilarity {
		return &models.ValidationError{Field: "retrieval.score", Reason: fmt.Sprintf("unknown calibration %q", s)}
	}
	if c.Loader.ChunkOverlap >= c.Loader.ChunkSize {
		return &models.ValidationError{Field: "loader.chunk_overlap", Reason: "must be smaller than chunk_size"}
	}
	return nil
}

// LLMConfigFromEnv resolves model selection once at startup.
// LLM_MODEL wins over OPENAI_MODEL, FALLBACK_LLM_MODEL over GEMINI_MODEL, and the
// fallback is enabled unless ENABLE_LLM_FALLBACK is exactly "false".
func LLMConfigFromEnv() models.LLMConfig {
	return models.LLMConfig{
		PrimaryModel:    firstEnv(models.DefaultPrimaryLLM, "LLM_MODEL", "OPENAI_MODEL"),
		FallbackModel:   firstEnv(models.DefaultFallbackLLM, "FALLBACK_LLM_MODEL", "GEMINI_MODEL"),
		FallbackEnabled: os.Getenv("ENABLE_LLM_FALLBACK") != "false",
	}
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return def
}
