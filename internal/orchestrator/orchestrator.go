package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/chunking"
	"github.com/answerdesk/answerdesk/internal/embedding"
	"github.com/answerdesk/answerdesk/internal/generation"
	"github.com/answerdesk/answerdesk/internal/index"
	"github.com/answerdesk/answerdesk/internal/lexical"
	"github.com/answerdesk/answerdesk/internal/rerank"
	"github.com/answerdesk/answerdesk/internal/retrieval"
)

// Config is the per-request tuning surface. The server fills unset fields
// from the application defaults before calling in.
type Config struct {
	ChunkSize           int               `json:"chunk_size"`
	ChunkOverlap        int               `json:"chunk_overlap"`
	ChunkingStrategy    chunking.Strategy `json:"chunking_strategy"`
	SearchMode          retrieval.Mode    `json:"search_mode"`
	TopK                int               `json:"top_k"`
	SimilarityThreshold float64           `json:"similarity_threshold"`
	UseReranking        bool              `json:"use_reranking"`
	RerankMethod        rerank.Method     `json:"rerank_method"`
	RerankTopK          int               `json:"rerank_top_k"`
	UseCache            bool              `json:"use_cache"`
	MaxContextTokens    int               `json:"max_context_tokens"`
	CacheTTL            time.Duration     `json:"-"`
	SearchTTL           time.Duration     `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = 200
	}
	if c.ChunkingStrategy == "" {
		c.ChunkingStrategy = chunking.StrategySemantic
	}
	if c.SearchMode == "" {
		c.SearchMode = retrieval.ModeHybrid
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.RerankMethod == "" {
		c.RerankMethod = rerank.MethodCrossEncoder
	}
	if c.RerankTopK <= 0 {
		c.RerankTopK = 5
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 3000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.SearchTTL <= 0 {
		c.SearchTTL = 10 * time.Minute
	}
	return c
}

// fingerprint distinguishes cache entries produced under different retrieval
// settings so differently configured queries never collide.
func (c Config) fingerprint() string {
	return fmt.Sprintf("%s|%d|%.4f|%t|%s|%d|%d",
		c.SearchMode, c.TopK, c.SimilarityThreshold,
		c.UseReranking, c.RerankMethod, c.RerankTopK, c.MaxContextTokens)
}

// Timing is the per-phase latency breakdown of an answered query.
type Timing struct {
	RetrieveMS int64 `json:"retrieve_ms"`
	RerankMS   int64 `json:"rerank_ms"`
	GenerateMS int64 `json:"generate_ms"`
	TotalMS    int64 `json:"total_ms"`
}

// Answer is the orchestrated query response. An empty Sources list is the
// explicit no-evidence signal; the query still succeeds.
type Answer struct {
	Answer     string          `json:"answer"`
	Sources    []rerank.Source `json:"sources"`
	Confidence float64         `json:"confidence"`
	TokensUsed int             `json:"tokens_used"`
	Timing     Timing          `json:"timing"`
	Cached     bool            `json:"cached"`
}

// ChunkStore persists chunk rows. It is consumed, not owned; nil disables
// durable chunk storage and the pipeline runs index-only.
type ChunkStore interface {
	SaveChunks(ctx context.Context, documentID, workspaceID string, chunks []chunking.Chunk) error
	DeleteChunks(ctx context.Context, documentID, workspaceID string) (int, error)
}

// Orchestrator drives the query state machine: cache check, retrieve,
// rerank, assemble context, delegate to the generator, cache store.
type Orchestrator struct {
	chunker   *chunking.Engine
	embedder  *embedding.Engine
	store     ChunkStore
	index     index.VectorIndex
	lexical   *lexical.Catalog
	retriever *retrieval.Engine
	reranker  *rerank.Reranker
	generator generation.Generator
	cache     *cache.Cache
	defaults  Config
	logger    *log.Logger
}

// New wires the pipeline. store, lexical, generator and responses may be
// nil; each disables its stage rather than failing construction.
func New(
	chunker *chunking.Engine,
	embedder *embedding.Engine,
	store ChunkStore,
	idx index.VectorIndex,
	lex *lexical.Catalog,
	retriever *retrieval.Engine,
	reranker *rerank.Reranker,
	generator generation.Generator,
	responses *cache.Cache,
	defaults Config,
	logger *log.Logger,
) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Orchestrator{
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		index:     idx,
		lexical:   lex,
		retriever: retriever,
		reranker:  reranker,
		generator: generator,
		cache:     responses,
		defaults:  defaults.withDefaults(),
		logger:    logger,
	}
}

// ProcessFile chunks extracted text blocks, supersedes any prior version of
// the document, persists and indexes the new chunks, and invalidates the
// workspace's cached queries. It returns the number of chunks produced.
func (o *Orchestrator) ProcessFile(ctx context.Context, workspaceID, documentID string, blocks []chunking.TextBlock, cfg Config) (int, error) {
	if workspaceID == "" || documentID == "" {
		return 0, fmt.Errorf("workspace_id and document_id required")
	}
	cfg = cfg.withDefaults()

	chunks, err := o.chunker.ChunkBlocks(blocks, chunking.Options{
		Strategy:     cfg.ChunkingStrategy,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	})
	if err != nil {
		return 0, err
	}
	for i := range chunks {
		chunks[i].DocumentID = documentID
		chunks[i].WorkspaceID = workspaceID
	}

	// Reprocessing supersedes: the old version disappears atomically from
	// the caller's point of view before the new chunks land.
	if _, err := o.index.DeleteDocument(ctx, workspaceID, documentID); err != nil {
		return 0, fmt.Errorf("supersede vectors for document %s: %w", documentID, err)
	}
	if o.lexical != nil {
		if _, err := o.lexical.DeleteDocument(workspaceID, documentID); err != nil {
			return 0, fmt.Errorf("supersede keyword index for document %s: %w", documentID, err)
		}
	}
	if o.store != nil {
		if _, err := o.store.DeleteChunks(ctx, documentID, workspaceID); err != nil {
			return 0, fmt.Errorf("supersede chunks for document %s: %w", documentID, err)
		}
		if err := o.store.SaveChunks(ctx, documentID, workspaceID, chunks); err != nil {
			return 0, fmt.Errorf("save chunks for document %s: %w", documentID, err)
		}
	}

	if len(chunks) == 0 {
		o.invalidateWorkspace(ctx, workspaceID)
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	records := make([]index.Record, 0, len(chunks))
	zeroed := 0
	for i, c := range chunks {
		if embedding.IsZero(vectors[i]) {
			zeroed++
			continue
		}
		records = append(records, index.Record{
			ChunkID:     c.ID,
			DocumentID:  documentID,
			WorkspaceID: workspaceID,
			Text:        c.Text,
			Metadata:    c.Metadata,
			Vector:      vectors[i],
		})
	}
	if zeroed > 0 {
		o.logger.Printf("document %s: %d of %d chunks had no embedding and were left out of the vector index", documentID, zeroed, len(chunks))
	}
	if len(records) > 0 {
		if err := o.index.Upsert(ctx, records); err != nil {
			return 0, fmt.Errorf("index vectors for document %s: %w", documentID, err)
		}
	}

	if o.lexical != nil {
		docs := make([]lexical.Doc, len(chunks))
		for i, c := range chunks {
			docs[i] = lexical.Doc{ChunkID: c.ID, DocumentID: documentID, Text: c.Text}
		}
		if err := o.lexical.Index(workspaceID, docs); err != nil {
			return 0, fmt.Errorf("keyword index for document %s: %w", documentID, err)
		}
	}

	o.invalidateWorkspace(ctx, workspaceID)
	return len(chunks), nil
}

// DeleteDocument removes a document from every store and invalidates the
// workspace's cached answers. It reports how many vectors went away.
func (o *Orchestrator) DeleteDocument(ctx context.Context, workspaceID, documentID string) (int, error) {
	if workspaceID == "" || documentID == "" {
		return 0, fmt.Errorf("workspace_id and document_id required")
	}
	removed, err := o.index.DeleteDocument(ctx, workspaceID, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete vectors for document %s: %w", documentID, err)
	}
	if o.lexical != nil {
		if _, err := o.lexical.DeleteDocument(workspaceID, documentID); err != nil {
			return removed, fmt.Errorf("delete keyword entries for document %s: %w", documentID, err)
		}
	}
	if o.store != nil {
		if _, err := o.store.DeleteChunks(ctx, documentID, workspaceID); err != nil {
			return removed, fmt.Errorf("delete chunks for document %s: %w", documentID, err)
		}
	}
	o.invalidateWorkspace(ctx, workspaceID)
	return removed, nil
}

// invalidateWorkspace drops the workspace's cached answers and search
// results after its corpus changed.
func (o *Orchestrator) invalidateWorkspace(ctx context.Context, workspaceID string) {
	if o.cache == nil {
		return
	}
	queries := o.cache.DeletePattern(ctx, cache.NamespaceQuery+":"+workspaceID+":*")
	searches := o.cache.DeletePattern(ctx, cache.NamespaceSearch+":"+workspaceID+":*")
	if queries+searches > 0 {
		o.logger.Printf("workspace %s: invalidated %d cached queries and %d cached searches", workspaceID, queries, searches)
	}
}

// AnswerQuery runs the full pipeline for one query. Component failures
// degrade to partial results; only a generator failure is surfaced, as a
// *generation.Error.
func (o *Orchestrator) AnswerQuery(ctx context.Context, workspaceID, query string, cfg Config) (Answer, error) {
	start := time.Now()
	cfg = o.merged(cfg)

	if cfg.UseReranking {
		switch cfg.RerankMethod {
		case rerank.MethodCrossEncoder, rerank.MethodLexical, rerank.MethodNone:
		default:
			return Answer{}, &rerank.ConfigurationError{Option: "rerank_method", Value: string(cfg.RerankMethod)}
		}
	}

	var key string
	if o.cache != nil && cfg.UseCache {
		key = cache.Key(cache.NamespaceQuery+":"+workspaceID, normalizeQuery(query), cfg.fingerprint())
		if raw, ok := o.cache.Get(ctx, key); ok {
			var cached Answer
			if err := json.Unmarshal(raw, &cached); err == nil {
				cached.Cached = true
				return cached, nil
			}
		}
	}

	retrieveStart := time.Now()
	results, err := o.retriever.Search(ctx, workspaceID, query, retrieval.Options{
		Mode:                cfg.SearchMode,
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
		SkipCache:           !cfg.UseCache,
		CacheTTL:            cfg.SearchTTL,
	})
	if err != nil {
		var cfgErr *retrieval.ConfigurationError
		if errors.As(err, &cfgErr) {
			return Answer{}, err
		}
		o.logger.Printf("retrieval failed, continuing with empty result set: %v", err)
		results = nil
	}
	retrieveMS := time.Since(retrieveStart).Milliseconds()

	rerankStart := time.Now()
	reranked := o.rerankResults(ctx, query, results, cfg)
	if len(reranked) > cfg.RerankTopK {
		reranked = reranked[:cfg.RerankTopK]
	}
	rerankMS := time.Since(rerankStart).Milliseconds()

	contextStr, sources := rerank.BuildContext(reranked, cfg.MaxContextTokens)
	if sources == nil {
		sources = []rerank.Source{}
	}

	answer := Answer{
		Sources:    sources,
		Confidence: confidence(reranked),
	}

	generateStart := time.Now()
	if o.generator != nil {
		completion, err := o.generator.Complete(ctx, contextStr, query, generation.Style{})
		if err != nil {
			return Answer{}, &generation.Error{Err: err}
		}
		answer.Answer = completion.Text
		answer.TokensUsed = completion.TokensUsed
	}
	answer.Timing = Timing{
		RetrieveMS: retrieveMS,
		RerankMS:   rerankMS,
		GenerateMS: time.Since(generateStart).Milliseconds(),
		TotalMS:    time.Since(start).Milliseconds(),
	}

	if key != "" {
		if raw, err := json.Marshal(answer); err == nil {
			o.cache.Set(ctx, key, raw, cfg.CacheTTL)
		}
	}
	return answer, nil
}

// SearchOnly exposes retrieval without generation.
func (o *Orchestrator) SearchOnly(ctx context.Context, workspaceID, query string, cfg Config) ([]retrieval.Result, error) {
	cfg = o.merged(cfg)
	return o.retriever.Search(ctx, workspaceID, query, retrieval.Options{
		Mode:                cfg.SearchMode,
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
		SkipCache:           !cfg.UseCache,
		CacheTTL:            cfg.SearchTTL,
	})
}

func (o *Orchestrator) rerankResults(ctx context.Context, query string, results []retrieval.Result, cfg Config) []rerank.Result {
	method := rerank.MethodNone
	if cfg.UseReranking && o.reranker != nil {
		method = cfg.RerankMethod
	}
	if o.reranker == nil {
		out := make([]rerank.Result, len(results))
		for i, r := range results {
			out[i] = rerank.Result{Result: r, RerankedScore: r.Score}
		}
		return out
	}
	reranked, err := o.reranker.Rerank(ctx, query, results, method)
	if err != nil {
		o.logger.Printf("rerank failed, keeping retrieval order: %v", err)
		out := make([]rerank.Result, len(results))
		for i, r := range results {
			out[i] = rerank.Result{Result: r, RerankedScore: r.Score}
		}
		return out
	}
	return reranked
}

// merged overlays per-request settings on the configured defaults. Zero
// numeric and empty enum fields inherit the defaults; booleans are taken
// as given because the API layer resolves their defaults before calling.
func (o *Orchestrator) merged(cfg Config) Config {
	d := o.defaults
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = d.ChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = d.ChunkOverlap
	}
	if cfg.ChunkingStrategy == "" {
		cfg.ChunkingStrategy = d.ChunkingStrategy
	}
	if cfg.SearchMode == "" {
		cfg.SearchMode = d.SearchMode
	}
	if cfg.TopK <= 0 {
		cfg.TopK = d.TopK
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = d.SimilarityThreshold
	}
	if cfg.RerankMethod == "" {
		cfg.RerankMethod = d.RerankMethod
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = d.RerankTopK
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = d.MaxContextTokens
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = d.SearchTTL
	}
	return cfg
}

// confidence is the mean reranked score of the kept results, clamped to
// [0,1]. No results means zero confidence.
func confidence(results []rerank.Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.RerankedScore
	}
	c := sum / float64(len(results))
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// normalizeQuery lowercases and collapses whitespace so trivially different
// spellings share a cache entry.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
