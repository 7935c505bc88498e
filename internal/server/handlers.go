package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/chunking"
	"github.com/answerdesk/answerdesk/internal/embedding"
	"github.com/answerdesk/answerdesk/internal/generation"
	"github.com/answerdesk/answerdesk/internal/orchestrator"
	"github.com/answerdesk/answerdesk/internal/rerank"
	"github.com/answerdesk/answerdesk/internal/retrieval"
	"github.com/answerdesk/answerdesk/internal/telemetry"
)

// Handlers exposes the pipeline over HTTP. Everything is workspace-scoped;
// the workspace ID comes from the path, never from the body.
type Handlers struct {
	Orch     *orchestrator.Orchestrator
	Defaults orchestrator.Config
	Metrics  *telemetry.Metrics
	Cache    *cache.Cache
	Embedder *embedding.Engine
	Logger   *log.Logger
}

// Register mounts the API routes on the given group.
func (h *Handlers) Register(g *echo.Group) {
	ws := g.Group("/workspaces/:workspace")
	ws.POST("/documents", h.processDocument)
	ws.DELETE("/documents/:document", h.deleteDocument)
	ws.POST("/query", h.answerQuery)
	ws.POST("/search", h.search)
	g.GET("/stats", h.stats)
}

// requestConfig carries per-request overrides of the configured defaults.
// Absent fields inherit the workspace-wide settings.
type requestConfig struct {
	ChunkSize           int     `json:"chunk_size"`
	ChunkOverlap        int     `json:"chunk_overlap"`
	ChunkingStrategy    string  `json:"chunking_strategy"`
	SearchMode          string  `json:"search_mode"`
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	UseReranking        *bool   `json:"use_reranking"`
	RerankMethod        string  `json:"rerank_method"`
	RerankTopK          int     `json:"rerank_top_k"`
	UseCache            *bool   `json:"use_cache"`
	MaxContextTokens    int     `json:"max_context_tokens"`
}

func (h *Handlers) buildConfig(rc requestConfig) orchestrator.Config {
	cfg := h.Defaults
	if rc.ChunkSize > 0 {
		cfg.ChunkSize = rc.ChunkSize
	}
	if rc.ChunkOverlap > 0 {
		cfg.ChunkOverlap = rc.ChunkOverlap
	}
	if rc.ChunkingStrategy != "" {
		cfg.ChunkingStrategy = chunking.Strategy(rc.ChunkingStrategy)
	}
	if rc.SearchMode != "" {
		cfg.SearchMode = retrieval.Mode(rc.SearchMode)
	}
	if rc.TopK > 0 {
		cfg.TopK = rc.TopK
	}
	if rc.SimilarityThreshold > 0 {
		cfg.SimilarityThreshold = rc.SimilarityThreshold
	}
	if rc.UseReranking != nil {
		cfg.UseReranking = *rc.UseReranking
	}
	if rc.RerankMethod != "" {
		cfg.RerankMethod = rerank.Method(rc.RerankMethod)
	}
	if rc.RerankTopK > 0 {
		cfg.RerankTopK = rc.RerankTopK
	}
	if rc.UseCache != nil {
		cfg.UseCache = *rc.UseCache
	}
	if rc.MaxContextTokens > 0 {
		cfg.MaxContextTokens = rc.MaxContextTokens
	}
	return cfg
}

type processDocumentRequest struct {
	DocumentID string               `json:"document_id"`
	Blocks     []chunking.TextBlock `json:"blocks"`
	Text       string               `json:"text"`
	Config     requestConfig        `json:"config"`
}

type processDocumentResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

func (h *Handlers) processDocument(c echo.Context) error {
	workspaceID := c.Param("workspace")
	var req processDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DocumentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document_id is required")
	}
	blocks := req.Blocks
	if len(blocks) == 0 && req.Text != "" {
		blocks = []chunking.TextBlock{{Content: req.Text, Type: chunking.BlockParagraph}}
	}
	if len(blocks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "blocks or text is required")
	}

	start := time.Now()
	n, err := h.Orch.ProcessFile(c.Request().Context(), workspaceID, req.DocumentID, blocks, h.buildConfig(req.Config))
	if err != nil {
		if isConfigError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return fmt.Errorf("process document %s: %w", req.DocumentID, err)
	}
	if h.Metrics != nil {
		h.Metrics.DocumentsProcessed.Inc()
		h.Metrics.ChunksIndexed.Add(float64(n))
	}
	return c.JSON(http.StatusOK, processDocumentResponse{
		DocumentID: req.DocumentID,
		Chunks:     n,
		ElapsedMS:  time.Since(start).Milliseconds(),
	})
}

func (h *Handlers) deleteDocument(c echo.Context) error {
	workspaceID := c.Param("workspace")
	documentID := c.Param("document")
	removed, err := h.Orch.DeleteDocument(c.Request().Context(), workspaceID, documentID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"document_id": documentID,
		"removed":     removed,
	})
}

type queryRequest struct {
	Query  string        `json:"query"`
	Config requestConfig `json:"config"`
}

func (h *Handlers) answerQuery(c echo.Context) error {
	workspaceID := c.Param("workspace")
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	cfg := h.buildConfig(req.Config)
	start := time.Now()
	answer, err := h.Orch.AnswerQuery(c.Request().Context(), workspaceID, req.Query, cfg)
	if err != nil {
		if isConfigError(err) {
			h.observeQuery(cfg, start, "rejected")
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		var genErr *generation.Error
		if errors.As(err, &genErr) {
			h.observeQuery(cfg, start, "generation_failed")
			return echo.NewHTTPError(http.StatusBadGateway, genErr.Error())
		}
		h.observeQuery(cfg, start, "error")
		return fmt.Errorf("answer query: %w", err)
	}
	h.observeQuery(cfg, start, "answered")
	return c.JSON(http.StatusOK, answer)
}

func (h *Handlers) search(c echo.Context) error {
	workspaceID := c.Param("workspace")
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	results, err := h.Orch.SearchOnly(c.Request().Context(), workspaceID, req.Query, h.buildConfig(req.Config))
	if err != nil {
		if isConfigError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return fmt.Errorf("search: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (h *Handlers) stats(c echo.Context) error {
	out := map[string]interface{}{}
	if h.Cache != nil {
		out["cache"] = h.Cache.Stats()
	}
	if h.Embedder != nil {
		out["embedding"] = h.Embedder.Stats()
		out["model"] = h.Embedder.ModelInfo()
	}
	return c.JSON(http.StatusOK, out)
}

// isConfigError reports whether the failure is a rejected setting rather
// than a pipeline fault.
func isConfigError(err error) bool {
	var chunkErr *chunking.ConfigurationError
	var searchErr *retrieval.ConfigurationError
	var rerankErr *rerank.ConfigurationError
	return errors.As(err, &chunkErr) || errors.As(err, &searchErr) || errors.As(err, &rerankErr)
}

func (h *Handlers) observeQuery(cfg orchestrator.Config, start time.Time, outcome string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.QueriesTotal.WithLabelValues(outcome).Inc()
	h.Metrics.QueryLatency.WithLabelValues(string(cfg.SearchMode)).Observe(time.Since(start).Seconds())
}
