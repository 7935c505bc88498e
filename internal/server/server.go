package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/answerdesk/answerdesk/config"
	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/chunking"
	"github.com/answerdesk/answerdesk/internal/embedding"
	"github.com/answerdesk/answerdesk/internal/index"
	"github.com/answerdesk/answerdesk/internal/lexical"
	"github.com/answerdesk/answerdesk/internal/orchestrator"
	"github.com/answerdesk/answerdesk/internal/rerank"
	"github.com/answerdesk/answerdesk/internal/retrieval"
	"github.com/answerdesk/answerdesk/internal/store"
	"github.com/answerdesk/answerdesk/internal/telemetry"
	"github.com/answerdesk/answerdesk/provider/openai"
)

// Run wires the whole pipeline from config and serves the API until the
// listener fails.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })

	ctx := context.Background()

	// Shared cache over Redis, or L1-only when the cache is disabled.
	var backend cache.Backend
	if cfg.Cache.Enabled {
		rb, err := cache.NewRedisBackend(ctx,
			cfg.Storage.Redis.Host, cfg.Storage.Redis.Port,
			cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
		if err != nil {
			// Fail-open policy extends to startup: run on L1 only.
			baseLogger.Printf("redis unavailable, running with in-process cache only: %v", err)
		} else {
			backend = rb
		}
	}
	appCache := cache.New(backend, cache.Options{
		MaxEntries:  cfg.Cache.L1MaxEntries,
		L1TTL:       cfg.Cache.L1TTL,
		BackfillTTL: cfg.Cache.L1BackfillTTL,
	}, log.New(log.Writer(), "[CACHE] ", log.LstdFlags))

	// Durable chunk storage and the vector index share one Postgres pool.
	var (
		chunkStore *store.Store
		vectorIdx  index.VectorIndex
	)
	switch cfg.VectorIndex.Driver {
	case "postgres":
		st, err := store.New(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			return err
		}
		chunkStore = st
		vectorIdx = index.NewPostgres(st.DB)
	case "chromem":
		idx, err := index.NewChromem(cfg.VectorIndex.Path)
		if err != nil {
			return err
		}
		vectorIdx = idx
	case "memory":
		vectorIdx = index.NewMemory()
	default:
		return fmt.Errorf("unknown vector index driver: %q", cfg.VectorIndex.Driver)
	}

	if chunkStore != nil {
		if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
			baseLogger.Printf("migrations not applied: %v", err)
		}
	}

	if cfg.Embedding.APIKey == "" {
		return fmt.Errorf("embedding API key not configured (embedding.api_key)")
	}
	embedClient := openai.NewClient(cfg.Embedding.APIKey,
		openai.WithBaseURL(cfg.Embedding.BaseURL),
		openai.WithTimeout(cfg.Embedding.Timeout))
	embedder := embedding.NewEngine(embedClient, appCache, embedding.Options{
		Model:         cfg.Embedding.Model,
		Dimension:     cfg.Embedding.Dimensions,
		BatchSize:     cfg.Embedding.BatchSize,
		FlushInterval: cfg.Embedding.FlushInterval,
		Normalize:     cfg.Embedding.Normalize,
		Timeout:       cfg.Embedding.Timeout,
		MemoTTL:       cfg.Cache.EmbeddingTTL,
	}, log.New(log.Writer(), "[EMBED] ", log.LstdFlags))
	defer embedder.Close()

	genClient := openai.NewClient(cfg.Generation.APIKey,
		openai.WithBaseURL(cfg.Generation.BaseURL),
		openai.WithCompletionModel(cfg.Generation.Model),
		openai.WithSampling(cfg.Generation.Temperature, cfg.Generation.MaxTokens),
		openai.WithTimeout(cfg.Generation.Timeout))

	lex := lexical.NewCatalog()
	retriever := retrieval.NewEngine(vectorIdx, lex, embedder, genClient, appCache,
		log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags))
	reranker := rerank.New(&rerank.EmbeddingScorer{Embedder: embedder},
		log.New(log.Writer(), "[RERANK] ", log.LstdFlags))

	defaults := orchestrator.Config{
		ChunkSize:           cfg.Retrieval.ChunkSize,
		ChunkOverlap:        cfg.Retrieval.ChunkOverlap,
		ChunkingStrategy:    chunking.Strategy(cfg.Retrieval.ChunkingStrategy),
		SearchMode:          retrieval.Mode(cfg.Retrieval.SearchMode),
		TopK:                cfg.Retrieval.TopK,
		SimilarityThreshold: cfg.Retrieval.SimilarityThreshold,
		UseReranking:        cfg.Retrieval.UseReranking,
		RerankMethod:        rerank.Method(cfg.Retrieval.RerankMethod),
		RerankTopK:          cfg.Retrieval.RerankTopK,
		UseCache:            cfg.Retrieval.UseCache && cfg.Cache.Enabled,
		MaxContextTokens:    cfg.Retrieval.MaxContextTokens,
		CacheTTL:            cfg.Cache.QueryTTL,
		SearchTTL:           cfg.Cache.SearchTTL,
	}

	var orchStore orchestrator.ChunkStore
	if chunkStore != nil {
		orchStore = chunkStore
	}
	orch := orchestrator.New(
		chunking.NewEngine(log.New(log.Writer(), "[CHUNK] ", log.LstdFlags)),
		embedder, orchStore, vectorIdx, lex, retriever, reranker, genClient, appCache,
		defaults, log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	)

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New(
			func() (uint64, uint64, uint64, float64) {
				s := appCache.Stats()
				return uint64(s.Hits), uint64(s.Misses), uint64(s.Errors), s.HitRate
			},
			func() (uint64, uint64, uint64) {
				s := embedder.Stats()
				return s.Batches, s.Texts, s.Fallbacks
			},
		)
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	h := &Handlers{
		Orch:     orch,
		Defaults: defaults,
		Metrics:  metrics,
		Cache:    appCache,
		Embedder: embedder,
		Logger:   baseLogger,
	}
	h.Register(e.Group("/api"))

	if cfg.Maintenance.Enabled {
		sched := &Scheduler{
			Cache:    appCache,
			CronSpec: cfg.Maintenance.CronSpec,
			Stop:     make(chan struct{}),
			Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		}
		if rb, ok := backend.(*cache.RedisBackend); ok {
			sched.Rdb = rb.Client()
		}
		sched.Start()
		defer close(sched.Stop)
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
