// Package config provides unified configuration loading for knowledge-core.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for knowledge-core.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Reranker      RerankerConfig      `yaml:"reranker"`
	LLM           LLMConfig           `yaml:"llm"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Crawler       CrawlerConfig       `yaml:"crawler"`
	Agent         AgentConfig         `yaml:"agent"`
	Chat          ChatConfig          `yaml:"chat"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EmbeddingConfig holds embedding model settings.
type EmbeddingConfig struct {
	Provider     string `yaml:"provider"` // openrouter, gemini, or mock
	Model        string `yaml:"model"`
	Dimension    int    `yaml:"dimension"`
	BatchSize    int    `yaml:"batch_size"`
	ContextChars int    `yaml:"context_chars"` // character budget for contextual embedding
	CacheSize    int    `yaml:"cache_size"`    // LRU entries; 0 disables the cache
	APIKey       string `yaml:"-"`
}

// RerankerConfig holds cross-encoder settings.
type RerankerConfig struct {
	URL      string        `yaml:"url"`
	Model    string        `yaml:"model"`
	MinScore float64       `yaml:"min_score"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LLMConfig holds chat model settings.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openrouter or gemini
	Model       string        `yaml:"model"`
	VisionModel string        `yaml:"vision_model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	APIKey      string        `yaml:"-"`
	GeminiKey   string        `yaml:"-"`
}

// RetrievalConfig holds retrieval pipeline settings.
type RetrievalConfig struct {
	DefaultLimit      int           `yaml:"default_limit"`
	RetrievalLimit    int           `yaml:"retrieval_limit"` // candidates fetched before reranking
	MinSimilarity     float64       `yaml:"min_similarity"`
	MinBM25Score      float64       `yaml:"min_bm25_score"`
	RRFK              int           `yaml:"rrf_k"`
	DenseWeight       float64       `yaml:"dense_weight"`
	SparseWeight      float64       `yaml:"sparse_weight"`
	RecencyWeight     float64       `yaml:"recency_weight"`
	UseQueryExpansion bool          `yaml:"use_query_expansion"`
	ExpansionStrategy string        `yaml:"expansion_strategy"` // conservative, balanced, aggressive
	UseCRAG           bool          `yaml:"use_crag"`
	CacheResults      bool          `yaml:"cache_results"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

// IngestionConfig holds ingestion pipeline settings.
type IngestionConfig struct {
	MaxConcurrentJobs  int `yaml:"max_concurrent_jobs"`
	ChunkSize          int `yaml:"chunk_size"`
	ChunkOverlap       int `yaml:"chunk_overlap"`
	EmbeddingBatchSize int `yaml:"embedding_batch_size"`
	ProgressBufferSize int `yaml:"progress_buffer_size"`
}

// CrawlerConfig holds scraping engine settings.
type CrawlerConfig struct {
	DefaultEngine    string        `yaml:"default_engine"` // auto, http, headless, managed
	MaxPages         int           `yaml:"max_pages"`
	MaxDepth         int           `yaml:"max_depth"`
	PolitenessDelay  time.Duration `yaml:"politeness_delay"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ManagedAPIBase   string        `yaml:"managed_api_base"`
	ManagedAPIKey    string        `yaml:"-"`
	BrowserBin       string        `yaml:"browser_bin"`
	Headless         bool          `yaml:"headless"`
}

// AgentConfig holds agentic browser settings.
type AgentConfig struct {
	MaxPages        int           `yaml:"max_pages"`
	MaxDepth        int           `yaml:"max_depth"`
	MaxTargetURLs   int           `yaml:"max_target_urls"`
	PolitenessDelay time.Duration `yaml:"politeness_delay"`
	VisionQuota     float64       `yaml:"vision_quota"`
	VisionTolerance float64       `yaml:"vision_tolerance"`
}

// ChatConfig holds RAG chat settings.
type ChatConfig struct {
	MaxContextChunks int     `yaml:"max_context_chunks"`
	MinSimilarity    float64 `yaml:"min_similarity"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
	HistoryLimit     int     `yaml:"history_limit"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BearerToken string `yaml:"-"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			RequestTimeout:   60 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/knowledge-core.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:     "openrouter",
			Model:        "qwen/qwen3-embedding-8b",
			Dimension:    768,
			BatchSize:    75,
			ContextChars: 6000,
			CacheSize:    4096,
		},
		Reranker: RerankerConfig{
			URL:      "http://localhost:8091",
			Model:    "cross-encoder/ms-marco-MiniLM-L-6-v2",
			MinScore: 0.1,
			Timeout:  30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "openrouter",
			Model:       "anthropic/claude-sonnet-4",
			VisionModel: "google/gemini-2.5-flash",
			Temperature: 0.3,
			MaxTokens:   4096,
			Timeout:     120 * time.Second,
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:      10,
			RetrievalLimit:    30,
			MinSimilarity:     0.3,
			MinBM25Score:      0.0,
			RRFK:              60,
			DenseWeight:       0.6,
			SparseWeight:      0.4,
			RecencyWeight:     0.1,
			UseQueryExpansion: true,
			ExpansionStrategy: "balanced",
			UseCRAG:           true,
			CacheResults:      true,
			CacheTTL:          5 * time.Minute,
		},
		Ingestion: IngestionConfig{
			MaxConcurrentJobs:  2,
			ChunkSize:          1000,
			ChunkOverlap:       200,
			EmbeddingBatchSize: 75,
			ProgressBufferSize: 32,
		},
		Crawler: CrawlerConfig{
			DefaultEngine:    "auto",
			MaxPages:         10,
			MaxDepth:         2,
			PolitenessDelay:  1 * time.Second,
			BatchConcurrency: 5,
			RequestTimeout:   30 * time.Second,
			ManagedAPIBase:   "https://api.firecrawl.dev/v1",
			Headless:         true,
		},
		Agent: AgentConfig{
			MaxPages:        10,
			MaxDepth:        2,
			MaxTargetURLs:   5,
			PolitenessDelay: 1 * time.Second,
			VisionQuota:     0.30,
			VisionTolerance: 0.05,
		},
		Chat: ChatConfig{
			MaxContextChunks: 5,
			MinSimilarity:    0.3,
			Temperature:      0.3,
			MaxTokens:        4096,
			HistoryLimit:     20,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding dimension must be positive: %d", c.Embedding.Dimension)
	}

	if c.Retrieval.DenseWeight < 0 || c.Retrieval.SparseWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}

	if c.Retrieval.RRFK < 1 {
		return fmt.Errorf("rrf_k must be positive: %d", c.Retrieval.RRFK)
	}

	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Ingestion.ChunkOverlap, c.Ingestion.ChunkSize)
	}

	switch c.Crawler.DefaultEngine {
	case "auto", "http", "headless", "managed":
	default:
		return fmt.Errorf("invalid crawler engine: %s", c.Crawler.DefaultEngine)
	}

	if c.Agent.VisionQuota < 0 || c.Agent.VisionQuota > 1 {
		return fmt.Errorf("vision_quota must be within [0,1]: %f", c.Agent.VisionQuota)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Database.Driver == "sqlite" || !c.Auth.Enabled
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		// Parse redis://host:port format
		addr := strings.TrimPrefix(v, "redis://")
		cfg.Cache.Redis.Addr = addr
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.LLM.GeminiKey = v
	}

	if v := os.Getenv("FIRECRAWL_API_KEY"); v != "" {
		cfg.Crawler.ManagedAPIKey = v
	}

	if v := os.Getenv("RERANKER_URL"); v != "" {
		cfg.Reranker.URL = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("BROWSER_BIN"); v != "" {
		cfg.Crawler.BrowserBin = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("AUTH_ENABLED"); v == "true" {
		cfg.Auth.Enabled = true
	}

	if v := os.Getenv("AUTH_BEARER_TOKEN"); v != "" {
		cfg.Auth.BearerToken = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
