package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/embedding"
	"github.com/answerdesk/answerdesk/internal/index"
	"github.com/answerdesk/answerdesk/internal/lexical"
)

// Mode selects the search strategy.
type Mode string

const (
	ModeSimilarity Mode = "similarity"
	ModeHybrid     Mode = "hybrid"
	ModeMultiQuery Mode = "multi_query"
	ModeFusion     Mode = "fusion"
)

// rrfK is the reciprocal-rank-fusion constant.
const rrfK = 60

// Hybrid score weights for the vector and lexical lists.
const (
	vectorWeight  = 0.6
	lexicalWeight = 0.4
)

// Result is one retrieved chunk. Method records which search path produced
// it so downstream consumers can audit ranking behavior.
type Result struct {
	ChunkID     string                 `json:"chunk_id"`
	DocumentID  string                 `json:"document_id"`
	WorkspaceID string                 `json:"workspace_id"`
	Text        string                 `json:"text"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Score       float64                `json:"score"`
	Rank        int                    `json:"rank"`
	Method      Mode                   `json:"retrieval_method"`
}

// Options are the per-search knobs.
type Options struct {
	Mode                Mode
	TopK                int
	SimilarityThreshold float64
	// SkipCache bypasses result caching for freshness-sensitive queries.
	SkipCache bool
	CacheTTL  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeHybrid
	}
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	return o
}

// ConfigurationError reports an unrecognised search mode, rejected before
// any backend call.
type ConfigurationError struct {
	Option string
	Value  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown %s: %q", e.Option, e.Value)
}

// Embedder produces the query vector. A zero vector means embedding was
// unavailable and the search degrades to an empty result.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Paraphraser generates multi-query variants. Implementations may call an
// LLM; a heuristic fallback is used when none is configured.
type Paraphraser interface {
	Paraphrase(ctx context.Context, query string, n int) ([]string, error)
}

// Engine runs workspace-scoped searches across the vector index and the
// keyword catalog.
type Engine struct {
	index       index.VectorIndex
	lexical     *lexical.Catalog
	embedder    Embedder
	paraphraser Paraphraser
	cache       *cache.Cache
	logger      *log.Logger

	// retryBackoff is the pause before the single vector-index retry.
	retryBackoff time.Duration
}

// NewEngine wires the retrieval dependencies. lexical, paraphraser and
// results may be nil; hybrid search without a lexical catalog degrades to
// vector-only scoring, and a nil cache disables result memoization.
func NewEngine(idx index.VectorIndex, lex *lexical.Catalog, embedder Embedder, paraphraser Paraphraser, results *cache.Cache, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags)
	}
	return &Engine{
		index:        idx,
		lexical:      lex,
		embedder:     embedder,
		paraphraser:  paraphraser,
		cache:        results,
		logger:       logger,
		retryBackoff: 250 * time.Millisecond,
	}
}

// Search retrieves up to TopK chunks for the query, pre-filtered to the
// workspace. An empty workspace or a threshold that excludes every candidate
// yields an empty list, not an error.
func (e *Engine) Search(ctx context.Context, workspaceID, query string, opts Options) ([]Result, error) {
	opts = opts.withDefaults()
	switch opts.Mode {
	case ModeSimilarity, ModeHybrid, ModeMultiQuery, ModeFusion:
	default:
		return nil, &ConfigurationError{Option: "search_mode", Value: string(opts.Mode)}
	}

	var key string
	if e.cache != nil && !opts.SkipCache {
		// The workspace stays visible in the key prefix so invalidation can
		// target one workspace's entries by pattern.
		key = cache.Key(cache.NamespaceSearch+":"+workspaceID, query, string(opts.Mode),
			strconv.Itoa(opts.TopK), strconv.FormatFloat(opts.SimilarityThreshold, 'f', -1, 64))
		if raw, ok := e.cache.Get(ctx, key); ok {
			var cached []Result
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var results []Result
	var err error
	switch opts.Mode {
	case ModeSimilarity:
		results, err = e.similarity(ctx, workspaceID, query, opts)
	case ModeHybrid:
		results, err = e.hybrid(ctx, workspaceID, query, opts)
	case ModeMultiQuery:
		results, err = e.multiQuery(ctx, workspaceID, query, opts)
	case ModeFusion:
		results, err = e.fusion(ctx, workspaceID, query, opts)
	}
	if err != nil {
		return nil, err
	}

	results = finalize(results, opts.Mode, opts.TopK)
	if key != "" {
		if raw, err := json.Marshal(results); err == nil {
			e.cache.Set(ctx, key, raw, opts.CacheTTL)
		}
	}
	return results, nil
}

// queryIndex wraps the vector index with the retry-once policy: a backend
// failure is retried after a short backoff, then degrades to an empty set.
func (e *Engine) queryIndex(ctx context.Context, workspaceID string, vector []float32, topK int, threshold float64) []index.Hit {
	hits, err := e.index.Query(ctx, workspaceID, vector, topK, threshold)
	if err == nil {
		return hits
	}
	e.logger.Printf("vector index query failed, retrying once: %v", err)
	select {
	case <-time.After(e.retryBackoff):
	case <-ctx.Done():
		return nil
	}
	hits, err = e.index.Query(ctx, workspaceID, vector, topK, threshold)
	if err != nil {
		e.logger.Printf("vector index retry failed, degrading to empty result: %v", err)
		return nil
	}
	return hits
}

func (e *Engine) similarity(ctx context.Context, workspaceID, query string, opts Options) ([]Result, error) {
	vec, err := e.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	if embedding.IsZero(vec) {
		e.logger.Printf("query embedding unavailable, returning empty result")
		return nil, nil
	}
	hits := e.queryIndex(ctx, workspaceID, vec, opts.TopK, opts.SimilarityThreshold)
	return hitsToResults(hits), nil
}

func (e *Engine) hybrid(ctx context.Context, workspaceID, query string, opts Options) ([]Result, error) {
	wide := opts
	wide.TopK = opts.TopK * 2
	vector, err := e.similarity(ctx, workspaceID, query, wide)
	if err != nil {
		return nil, err
	}

	var keyword []lexical.Hit
	if e.lexical != nil {
		keyword, err = e.lexical.Search(workspaceID, query, opts.TopK*2)
		if err != nil {
			e.logger.Printf("lexical search failed, falling back to vector-only: %v", err)
			keyword = nil
		}
	}

	vMax := maxScore(vector)
	var lMax float64
	for _, h := range keyword {
		if h.Score > lMax {
			lMax = h.Score
		}
	}

	merged := make(map[string]Result, len(vector)+len(keyword))
	for _, r := range vector {
		r.Score = vectorWeight * normalize(r.Score, vMax)
		merged[r.ChunkID] = r
	}
	for _, h := range keyword {
		score := lexicalWeight * normalize(h.Score, lMax)
		if cur, ok := merged[h.ChunkID]; ok {
			cur.Score += score
			merged[h.ChunkID] = cur
			continue
		}
		merged[h.ChunkID] = Result{
			ChunkID:     h.ChunkID,
			DocumentID:  h.DocumentID,
			WorkspaceID: workspaceID,
			Text:        h.Text,
			Score:       score,
		}
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) multiQuery(ctx context.Context, workspaceID, query string, opts Options) ([]Result, error) {
	variants := e.variants(ctx, query)
	best := make(map[string]Result, opts.TopK*len(variants))
	for _, variant := range variants {
		results, err := e.similarity(ctx, workspaceID, variant, opts)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if cur, ok := best[r.ChunkID]; !ok || r.Score > cur.Score {
				best[r.ChunkID] = r
			}
		}
	}
	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) fusion(ctx context.Context, workspaceID, query string, opts Options) ([]Result, error) {
	similarity, err := e.similarity(ctx, workspaceID, query, opts)
	if err != nil {
		return nil, err
	}
	hybrid, err := e.hybrid(ctx, workspaceID, query, opts)
	if err != nil {
		return nil, err
	}
	return fuseRRF(rank(similarity), rank(hybrid)), nil
}

// fuseRRF merges ranked lists by reciprocal-rank fusion: each appearance of
// a chunk contributes 1/(k + rank).
func fuseRRF(lists ...[]Result) []Result {
	type agg struct {
		item  Result
		score float64
	}
	m := map[string]*agg{}
	for _, list := range lists {
		for _, r := range list {
			x, ok := m[r.ChunkID]
			if !ok {
				x = &agg{item: r}
				m[r.ChunkID] = x
			}
			x.score += 1.0 / float64(rrfK+r.Rank)
		}
	}
	out := make([]Result, 0, len(m))
	for _, v := range m {
		v.item.Score = v.score
		out = append(out, v.item)
	}
	return out
}

// variants returns the original query plus up to three paraphrases.
func (e *Engine) variants(ctx context.Context, query string) []string {
	out := []string{query}
	if e.paraphraser != nil {
		if more, err := e.paraphraser.Paraphrase(ctx, query, 3); err == nil {
			out = append(out, more...)
		} else {
			e.logger.Printf("paraphrase failed, using heuristic variants: %v", err)
			out = append(out, heuristicVariants(query)...)
		}
	} else {
		out = append(out, heuristicVariants(query)...)
	}
	return dedupeStrings(out, 4)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true, "to": true,
	"in": true, "on": true, "is": true, "are": true, "do": true, "does": true,
	"how": true, "what": true, "where": true, "when": true, "why": true,
	"i": true, "my": true, "can": true, "please": true,
}

// heuristicVariants derives cheap deterministic paraphrases: a keyword form
// with stopwords removed and a bare lowercase form without punctuation.
func heuristicVariants(query string) []string {
	var keywords []string
	for _, w := range strings.Fields(query) {
		plain := strings.ToLower(strings.Trim(w, ".,!?\"'"))
		if plain == "" || stopwords[plain] {
			continue
		}
		keywords = append(keywords, plain)
	}
	var out []string
	if len(keywords) > 0 {
		out = append(out, strings.Join(keywords, " "))
	}
	bare := strings.ToLower(strings.TrimRight(strings.TrimSpace(query), ".!?"))
	out = append(out, bare)
	return out
}

func dedupeStrings(in []string, max int) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) >= max {
			break
		}
	}
	return out
}

func hitsToResults(hits []index.Hit) []Result {
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ChunkID:     h.ChunkID,
			DocumentID:  h.DocumentID,
			WorkspaceID: h.WorkspaceID,
			Text:        h.Text,
			Metadata:    h.Metadata,
			Score:       h.Score,
		})
	}
	return out
}

// rank sorts by descending score with chunk ID tiebreak and assigns 1-based
// ranks.
func rank(results []Result) []Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// finalize orders results, truncates to topK, and stamps rank and method.
func finalize(results []Result, mode Mode, topK int) []Result {
	results = rank(results)
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	for i := range results {
		results[i].Method = mode
	}
	if results == nil {
		results = []Result{}
	}
	return results
}

func maxScore(results []Result) float64 {
	var m float64
	for _, r := range results {
		if r.Score > m {
			m = r.Score
		}
	}
	return m
}

func normalize(score, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return score / max
}
