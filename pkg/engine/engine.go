// Package engine assembles knowledge-core into one embedded facade:
// storage, retrieval, ingestion, crawling and chat constructed from a
// single config. The API server and the CLI both run on it; external
// programs can too, since every wire type it returns is JSON-tagged.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/noetic-labs/knowledge-core/internal/cache"
	"github.com/noetic-labs/knowledge-core/internal/chat"
	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/embedding"
	"github.com/noetic-labs/knowledge-core/internal/ingest"
	"github.com/noetic-labs/knowledge-core/internal/llm"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/pdf"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/internal/scrape"
	"github.com/noetic-labs/knowledge-core/internal/storage"

	"github.com/noetic-labs/knowledge-core/internal/agent"
)

// ErrInvalidRequest tags validation failures so transports can map
// them to client errors instead of internal ones.
var ErrInvalidRequest = errors.New("invalid request")

// Re-exported types so embedders outside this module can name the
// values the facade returns without importing internal packages.
type (
	SearchResponse = retrieval.SearchResponse
	SearchResult   = retrieval.SearchResult
	ProgressEvent  = ingest.ProgressEvent
	ChatEvent      = chat.Event
	ChatSink       = chat.Sink
	ChatRequest    = chat.Request
	AgentRequest   = chat.AgentRequest
)

// languageModel is everything the wired LLM client serves: completion
// for the agent and selector, tempered streaming for chat, image
// transcription for PDF OCR and vision capture.
type languageModel interface {
	chat.Model
	llm.Streamer
	pdf.VisionModel
}

// Engine owns every subsystem. Construct with Open, release with Close.
type Engine struct {
	cfg    *config.Config
	logger *observability.Logger

	db      *sql.DB
	dialect storage.Dialect
	repos   *storage.Repositories

	redis    *cache.RedisClient
	headless *scrape.HeadlessEngine

	coordinator *retrieval.Coordinator
	crawler     *scrape.Crawler
	pipeline    *ingest.Pipeline
	queue       *ingest.Queue
	assembler   *chat.Assembler
	model       languageModel
	embedder    embedding.Embedder
}

// Open connects the database and wires every subsystem from cfg. A
// missing LLM key degrades rather than fails: chat, the agentic
// browser and LLM-backed engine selection are disabled, everything
// else works. A nil logger builds one from the config.
func Open(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Observability.LogLevel,
			Format: cfg.Observability.LogFormat,
		})
	}

	db, dialect, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		dialect: dialect,
		repos:   storage.NewRepositories(db, dialect),
	}

	if err := e.wire(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire(ctx context.Context) error {
	cfg := e.cfg

	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}
	e.embedder = embedder

	model, err := buildModel(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}
	if model == nil {
		e.logger.Warn().Msg("No LLM API key configured; chat, agentic crawling and vision OCR are disabled")
	}
	e.model = model

	var cacheClient cache.Client
	var mirror ingest.Mirror
	if cfg.Cache.Driver == "redis" {
		redisClient, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		e.redis = redisClient
		cacheClient = redisClient
		mirror = redisClient
	} else {
		cacheClient = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	}

	var responseCache *retrieval.ResponseCache
	if cfg.Retrieval.CacheResults {
		responseCache = retrieval.NewResponseCache(cacheClient, cfg.Retrieval.CacheTTL, e.logger)
	}

	// Postgres does vector KNN in the database; other dialects search
	// the warmed in-memory index.
	var memIndex *retrieval.MemoryVectorIndex
	if e.dialect != storage.DialectPostgres {
		memIndex = retrieval.NewMemoryVectorIndex()
	}

	var reranker *retrieval.Reranker
	if cfg.Reranker.URL != "" {
		encoder, err := retrieval.NewHTTPCrossEncoder(retrieval.CrossEncoderConfig{
			URL:     cfg.Reranker.URL,
			Model:   cfg.Reranker.Model,
			Timeout: cfg.Reranker.Timeout,
		})
		if err != nil {
			return fmt.Errorf("build cross-encoder: %w", err)
		}
		reranker = retrieval.NewReranker(encoder, cfg.Reranker.MinScore)
	}

	e.coordinator = retrieval.NewCoordinator(retrieval.CoordinatorDeps{
		Dense:    retrieval.NewDenseRetriever(e.repos.Chunks, embedder, memIndex, e.logger),
		Sparse:   retrieval.NewSparseIndex(),
		Chunks:   e.repos.Chunks,
		Reranker: reranker,
		Cache:    responseCache,
		Logger:   e.logger,
	}, cfg.Retrieval)

	var completer llm.Completer
	if model != nil {
		completer = model
	}
	e.headless = scrape.NewHeadlessEngine(cfg.Crawler.BrowserBin, cfg.Crawler.Headless, cfg.Crawler.RequestTimeout, e.logger)
	engines := map[scrape.EngineName]scrape.Engine{
		scrape.EngineHTTP:     scrape.NewHTTPEngine(cfg.Crawler.RequestTimeout, e.logger),
		scrape.EngineHeadless: e.headless,
		scrape.EngineManaged:  scrape.NewManagedEngine(cfg.Crawler.ManagedAPIBase, cfg.Crawler.ManagedAPIKey, cfg.Crawler.RequestTimeout, e.logger),
	}
	selector := scrape.NewSelector(completer, e.logger)
	e.crawler = scrape.NewCrawler(engines, selector, cfg.Crawler.PolitenessDelay, e.logger)

	var runner *agent.Runner
	if model != nil {
		browsingAgent := agent.New(e.headless, model, agent.Config{
			MaxPages:        cfg.Agent.MaxPages,
			MaxDepth:        cfg.Agent.MaxDepth,
			MaxTargetURLs:   cfg.Agent.MaxTargetURLs,
			PolitenessDelay: cfg.Agent.PolitenessDelay,
			VisionQuota:     cfg.Agent.VisionQuota,
			VisionTolerance: cfg.Agent.VisionTolerance,
		}, e.logger)
		runner = agent.NewRunner(browsingAgent, e.repos.AgentWorkflows, e.logger)
	}

	var vision pdf.VisionModel
	if model != nil {
		vision = model
	}
	e.pipeline = ingest.NewPipeline(ingest.Deps{
		Repos:       e.repos,
		Embedder:    embedder,
		Vision:      vision,
		Crawler:     e.crawler,
		Agent:       runner,
		Transcripts: ingest.NewTranscriptClient(nil),
		Index:       e.coordinator,
		Logger:      e.logger,
	}, cfg.Ingestion)
	e.queue = ingest.NewQueue(cfg.Ingestion, mirror, e.logger)

	chatDeps := chat.Deps{
		Retriever:  e.coordinator,
		Messages:   e.repos.ChatMessages,
		Crawler:    e.crawler,
		Categories: e.repos.Categories,
		Logger:     e.logger,
	}
	if model != nil {
		chatDeps.Model = model
	}
	e.assembler = chat.NewAssembler(chatDeps, cfg.Chat)

	return nil
}

// buildEmbedder constructs the configured embedding client, wrapped in
// the LRU cache when one is sized.
func buildEmbedder(ctx context.Context, cfg *config.Config) (embedding.Embedder, error) {
	ecfg := cfg.Embedding
	var base embedding.Embedder
	switch ecfg.Provider {
	case "mock":
		base = embedding.NewMockClient(ecfg.Dimension)
	case "gemini":
		key := ecfg.APIKey
		if key == "" {
			key = cfg.LLM.GeminiKey
		}
		client, err := embedding.NewGenAIClient(ctx, embedding.GenAIConfig{
			APIKey:       key,
			Model:        ecfg.Model,
			Dimension:    ecfg.Dimension,
			ContextChars: ecfg.ContextChars,
		})
		if err != nil {
			return nil, err
		}
		base = client
	default:
		client, err := embedding.NewClient(embedding.Config{
			APIKey:       ecfg.APIKey,
			Model:        ecfg.Model,
			Dimension:    ecfg.Dimension,
			ContextChars: ecfg.ContextChars,
		})
		if err != nil {
			return nil, err
		}
		base = client
	}
	if ecfg.CacheSize > 0 {
		base = embedding.NewCachedEmbedder(base, ecfg.CacheSize)
	}
	return base, nil
}

// buildModel constructs the configured chat model. A missing API key
// returns nil rather than an error so the rest of the engine still
// comes up.
func buildModel(ctx context.Context, cfg config.LLMConfig) (languageModel, error) {
	switch cfg.Provider {
	case "gemini":
		if cfg.GeminiKey == "" {
			return nil, nil
		}
		return llm.NewGenAIClient(ctx, llm.GenAIConfig{
			APIKey:      cfg.GeminiKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	default:
		if cfg.APIKey == "" {
			return nil, nil
		}
		return llm.NewClient(llm.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			VisionModel: cfg.VisionModel,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	}
}

// Migrate applies the SQL migrations in dir against the open database.
func (e *Engine) Migrate(ctx context.Context, dir string) error {
	return storage.Migrate(ctx, e.db, e.dialect, dir)
}

// Ready reports whether the engine can serve: the database answers.
func (e *Engine) Ready(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Repos exposes the storage layer for callers that manage projects and
// documents directly.
func (e *Engine) Repos() *storage.Repositories { return e.repos }

// Logger returns the engine's root logger.
func (e *Engine) Logger() *observability.Logger { return e.logger }

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// HasModel reports whether a chat model is wired.
func (e *Engine) HasModel() bool { return e.model != nil }

// Close drains the job queue within ctx's budget, then releases the
// browser, cache and database.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.queue != nil {
		if err := e.queue.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue shutdown: %w", err))
		}
	}
	if e.headless != nil {
		if err := e.headless.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := e.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
