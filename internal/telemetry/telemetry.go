package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheStatsFunc supplies current cache counters for gauge collection.
type CacheStatsFunc func() (hits, misses, errors uint64, hitRate float64)

// EmbeddingStatsFunc supplies current embedding engine counters.
type EmbeddingStatsFunc func() (batches, texts, fallbacks uint64)

// Metrics owns the service's prometheus collectors behind a private
// registry, so tests and multiple instances never collide on the default
// one.
type Metrics struct {
	registry *prometheus.Registry

	QueryLatency       *prometheus.HistogramVec
	QueriesTotal       *prometheus.CounterVec
	DocumentsProcessed prometheus.Counter
	ChunksIndexed      prometheus.Counter
}

// New registers all collectors. The stats funcs may be nil, which skips
// their gauges.
func New(cacheStats CacheStatsFunc, embeddingStats EmbeddingStatsFunc) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "answerdesk_query_duration_seconds",
			Help:    "Latency of answered queries by search mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "answerdesk_queries_total",
			Help: "Answered queries by outcome.",
		}, []string{"outcome"}),
		DocumentsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "answerdesk_documents_processed_total",
			Help: "Documents chunked and indexed.",
		}),
		ChunksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "answerdesk_chunks_indexed_total",
			Help: "Chunks written to the vector index.",
		}),
	}
	reg.MustRegister(m.QueryLatency, m.QueriesTotal, m.DocumentsProcessed, m.ChunksIndexed)

	if cacheStats != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "answerdesk_cache_hits",
			Help: "Cumulative cache hits across tiers.",
		}, func() float64 { h, _, _, _ := cacheStats(); return float64(h) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "answerdesk_cache_misses",
			Help: "Cumulative cache misses across tiers.",
		}, func() float64 { _, m, _, _ := cacheStats(); return float64(m) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "answerdesk_cache_errors",
			Help: "Cache backend errors absorbed by the fail-open policy.",
		}, func() float64 { _, _, e, _ := cacheStats(); return float64(e) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "answerdesk_cache_hit_rate",
			Help: "Hit rate over all cache lookups.",
		}, func() float64 { _, _, _, r := cacheStats(); return r }))
	}
	if embeddingStats != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "answerdesk_embedding_batches_total",
			Help: "Embedding batches flushed to the backend.",
		}, func() float64 { b, _, _ := embeddingStats(); return float64(b) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "answerdesk_embedding_texts_total",
			Help: "Texts embedded.",
		}, func() float64 { _, t, _ := embeddingStats(); return float64(t) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "answerdesk_embedding_fallbacks_total",
			Help: "Batches that fell back to zero vectors.",
		}, func() float64 { _, _, f := embeddingStats(); return float64(f) }))
	}
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
