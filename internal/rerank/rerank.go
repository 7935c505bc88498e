package rerank

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/answerdesk/answerdesk/internal/embedding"
	"github.com/answerdesk/answerdesk/internal/retrieval"
)

// Method selects how retrieval results are rescored.
type Method string

const (
	// MethodCrossEncoder scores each (query, chunk) pair through the
	// configured RelevanceScorer.
	MethodCrossEncoder Method = "cross_encoder"
	// MethodLexical uses cheap term-overlap scoring.
	MethodLexical Method = "lexical"
	// MethodNone passes the original retrieval score through.
	MethodNone Method = "none"
)

// Result is a retrieval result with its reranked score.
type Result struct {
	retrieval.Result
	RerankedScore float64 `json:"reranked_score"`
}

// ConfigurationError reports an unrecognised rerank method.
type ConfigurationError struct {
	Option string
	Value  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown %s: %q", e.Option, e.Value)
}

// RelevanceScorer rates how well a chunk answers a query. Implementations
// may call a cross-encoder model; errors degrade that result to its original
// retrieval score.
type RelevanceScorer interface {
	Score(ctx context.Context, query, text string) (float64, error)
}

// Embedder is the subset of the embedding engine the default scorer needs.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingScorer scores pairs by cosine similarity of their embeddings. It
// is the default cross-encoder stand-in when no dedicated model is wired.
type EmbeddingScorer struct {
	Embedder Embedder
}

func (s *EmbeddingScorer) Score(ctx context.Context, query, text string) (float64, error) {
	qv, err := s.Embedder.EmbedOne(ctx, query)
	if err != nil {
		return 0, err
	}
	tv, err := s.Embedder.EmbedOne(ctx, text)
	if err != nil {
		return 0, err
	}
	return embedding.Cosine(qv, tv), nil
}

// Reranker rescores retrieval results.
type Reranker struct {
	scorer RelevanceScorer
	logger *log.Logger
}

// New builds a reranker. scorer may be nil, in which case cross-encoder
// requests degrade to the original scores.
func New(scorer RelevanceScorer, logger *log.Logger) *Reranker {
	if logger == nil {
		logger = log.New(log.Writer(), "[RERANK] ", log.LstdFlags)
	}
	return &Reranker{scorer: scorer, logger: logger}
}

// Rerank rescores results and sorts them by descending reranked score. The
// sort is stable, so ties keep the retrieval rank order. The input order is
// assumed to be retrieval rank order.
func (r *Reranker) Rerank(ctx context.Context, query string, results []retrieval.Result, method Method) ([]Result, error) {
	if method == "" {
		method = MethodNone
	}
	switch method {
	case MethodCrossEncoder, MethodLexical, MethodNone:
	default:
		return nil, &ConfigurationError{Option: "rerank_method", Value: string(method)}
	}

	out := make([]Result, len(results))
	for i, res := range results {
		out[i] = Result{Result: res, RerankedScore: res.Score}
		switch method {
		case MethodCrossEncoder:
			if r.scorer == nil {
				continue
			}
			score, err := r.scorer.Score(ctx, query, res.Text)
			if err != nil {
				r.logger.Printf("relevance scoring failed for chunk %s, keeping original score: %v", res.ChunkID, err)
				continue
			}
			out[i].RerankedScore = score
		case MethodLexical:
			out[i].RerankedScore = lexicalOverlap(query, res.Text)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].RerankedScore > out[j].RerankedScore })
	return out, nil
}

// lexicalOverlap is a BM25-flavored term overlap score: each query term
// found in the text contributes a saturating term-frequency weight,
// normalized by query length.
func lexicalOverlap(query, text string) float64 {
	queryTerms := terms(query)
	if len(queryTerms) == 0 {
		return 0
	}
	freq := map[string]int{}
	for _, t := range terms(text) {
		freq[t]++
	}
	var score float64
	seen := map[string]bool{}
	for _, t := range queryTerms {
		if seen[t] {
			continue
		}
		seen[t] = true
		if tf := freq[t]; tf > 0 {
			// tf saturation keeps long chunks from dominating.
			score += 1 + math.Log1p(float64(tf-1))
		}
	}
	return score / float64(len(seen))
}

func terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
