package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/answerdesk/answerdesk/internal/cache"
)

// Provider is the embedding backend. Implementations return one vector per
// input text, in order.
type Provider interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// ModelInfo identifies the embedding model an index was built with. Retrieval
// code checks it before querying an index produced by a different model.
type ModelInfo struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	BatchSize int    `json:"batch_size"`
}

// Options configures the engine.
type Options struct {
	Model         string
	Dimension     int
	BatchSize     int
	FlushInterval time.Duration
	Normalize     bool
	Timeout       time.Duration
	// MemoTTL bounds how long EmbedOne results stay memoized.
	MemoTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = "text-embedding-3-small"
	}
	if o.Dimension <= 0 {
		o.Dimension = 1536
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 50 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MemoTTL <= 0 {
		o.MemoTTL = 24 * time.Hour
	}
	return o
}

// Stats are cumulative engine counters.
type Stats struct {
	Batches   uint64 `json:"batches"`
	Texts     uint64 `json:"texts"`
	Fallbacks uint64 `json:"fallbacks"`
	CacheHits uint64 `json:"cache_hits"`
}

type request struct {
	text string
	out  chan []float32
}

// Engine batches embedding requests from concurrent callers into provider
// calls. All batch accumulation happens on a single flush goroutine, so
// callers never share mutable batch state.
type Engine struct {
	provider Provider
	cache    *cache.Cache
	opts     Options
	logger   *log.Logger

	requests  chan request
	stop      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	batches   atomic.Uint64
	texts     atomic.Uint64
	fallbacks atomic.Uint64
	cacheHits atomic.Uint64
}

// NewEngine starts the flush goroutine. memo may be nil to disable
// memoization. Close releases the goroutine.
func NewEngine(provider Provider, memo *cache.Cache, opts Options, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	e := &Engine{
		provider: provider,
		cache:    memo,
		opts:     opts.withDefaults(),
		logger:   logger,
		requests: make(chan request, 4*opts.withDefaults().BatchSize),
		stop:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go e.run()
	return e
}

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("embedding engine closed")

// Close stops the flush goroutine after draining pending requests. Safe to
// call more than once and concurrently with in-flight EmbedBatch calls,
// which fail with ErrClosed instead of racing the shutdown.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.stop) })
	<-e.closed
}

// ModelInfo reports the model the engine embeds with.
func (e *Engine) ModelInfo() ModelInfo {
	return ModelInfo{Model: e.opts.Model, Dimension: e.opts.Dimension, BatchSize: e.opts.BatchSize}
}

// Stats returns cumulative counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Batches:   e.batches.Load(),
		Texts:     e.texts.Load(),
		Fallbacks: e.fallbacks.Load(),
		CacheHits: e.cacheHits.Load(),
	}
}

// EmbedBatch embeds texts in order. A failed provider batch contributes
// all-zero vectors of the configured dimension instead of failing the call,
// so partial results stay usable downstream. The only errors returned are a
// cancelled context and ErrClosed.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	outs := make([]chan []float32, len(texts))
	for i, t := range texts {
		req := request{text: t, out: make(chan []float32, 1)}
		select {
		case e.requests <- req:
			outs[i] = req.out
		case <-e.stop:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	vectors := make([][]float32, len(texts))
	for i, out := range outs {
		select {
		case vec := <-out:
			vectors[i] = vec
		case <-e.closed:
			// The flush goroutine may have answered just before exiting.
			select {
			case vec := <-out:
				vectors[i] = vec
			default:
				return nil, ErrClosed
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return vectors, nil
}

// EmbedOne embeds a single text, memoizing the result in the cache layer.
// The key covers the text, the model, and the normalize flag, so changing
// either produces a fresh vector.
func (e *Engine) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if e.cache == nil {
		return e.embedOneDirect(ctx, text)
	}
	key := cache.Key(cache.NamespaceEmbedding, e.opts.Model, strconv.FormatBool(e.opts.Normalize), text)
	if raw, ok := e.cache.Get(ctx, key); ok {
		var vec []float32
		if err := json.Unmarshal(raw, &vec); err == nil && len(vec) == e.opts.Dimension {
			e.cacheHits.Add(1)
			return vec, nil
		}
	}
	vec, err := e.embedOneDirect(ctx, text)
	if err != nil {
		return nil, err
	}
	if !IsZero(vec) {
		if raw, err := json.Marshal(vec); err == nil {
			e.cache.Set(ctx, key, raw, e.opts.MemoTTL)
		}
	}
	return vec, nil
}

func (e *Engine) embedOneDirect(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Engine) run() {
	defer close(e.closed)
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	var pending []request
	flush := func() {
		if len(pending) == 0 {
			return
		}
		e.flush(pending)
		pending = nil
	}
	for {
		select {
		case req := <-e.requests:
			pending = append(pending, req)
			if len(pending) >= e.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-e.stop:
			// Drain requests that were queued before the stop signal.
			for {
				select {
				case req := <-e.requests:
					pending = append(pending, req)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (e *Engine) flush(batch []request) {
	e.batches.Add(1)
	e.texts.Add(uint64(len(batch)))

	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
	defer cancel()

	vectors, err := e.provider.Embed(ctx, e.opts.Model, texts)
	if err != nil || len(vectors) != len(batch) {
		if err != nil {
			e.logger.Printf("embedding batch of %d failed, zero-filling: %v", len(batch), err)
		} else {
			e.logger.Printf("embedding batch returned %d vectors for %d texts, zero-filling", len(vectors), len(batch))
		}
		e.fallbacks.Add(1)
		for _, req := range batch {
			req.out <- make([]float32, e.opts.Dimension)
		}
		return
	}
	for i, req := range batch {
		vec := vectors[i]
		if len(vec) != e.opts.Dimension {
			e.fallbacks.Add(1)
			vec = make([]float32, e.opts.Dimension)
		} else if e.opts.Normalize {
			vec = Normalize(vec)
		}
		req.out <- vec
	}
}

// IsZero reports whether a vector is all zeros, the in-band signal that
// embedding was unavailable for its text.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// Normalize returns a unit-norm copy of vec. Zero vectors pass through
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Cosine computes cosine similarity in [-1,1]. Mismatched dimensions or a
// zero-norm operand yield 0 rather than an error.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Match is one most-similar candidate.
type Match struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// MostSimilar ranks candidates by descending cosine similarity to query.
// Ties keep the original candidate order. topK <= 0 returns all candidates.
func MostSimilar(query []float32, candidates [][]float32, topK int) []Match {
	matches := make([]Match, len(candidates))
	for i, c := range candidates {
		matches[i] = Match{Index: i, Score: Cosine(query, c)}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && topK < len(matches) {
		matches = matches[:topK]
	}
	return matches
}
