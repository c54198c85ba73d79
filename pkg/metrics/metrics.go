// Package metrics defines the Prometheus metric collectors used by the index
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	BuildsTotal        *prometheus.CounterVec
	BuildDuration      prometheus.Histogram
	DocsIndexedTotal   prometheus.Counter
	BlocksReusedTotal  prometheus.Counter
	SearchesTotal      *prometheus.CounterVec
	SearchLatency      prometheus.Histogram
	CandidateCount     prometheus.Histogram
	BlockCacheHits     prometheus.Counter
	BlockCacheMisses   prometheus.Counter
	WatcherEventsTotal prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_builds_total",
				Help: "Total index builds by outcome (ok, failed, canceled).",
			},
			[]string{"outcome"},
		),
		BuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_build_duration_seconds",
				Help:    "Wall time of index builds in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_docs_indexed_total",
				Help: "Total document sides whose filters were recomputed.",
			},
		),
		BlocksReusedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_blocks_reused_total",
				Help: "Total filter blocks byte-copied from the prior generation.",
			},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searches_total",
				Help: "Total searches by outcome (ok, zero_result, error, canceled).",
			},
			[]string{"outcome"},
		),
		SearchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "End-to-end search latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		CandidateCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_candidates_count",
				Help:    "Number of entries surviving bloom pruning per search.",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
			},
		),
		BlockCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "block_cache_hits_total",
				Help: "Total bloom block cache hits.",
			},
		),
		BlockCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "block_cache_misses_total",
				Help: "Total bloom block cache misses.",
			},
		),
		WatcherEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watcher_events_total",
				Help: "Total filesystem events observed by the corpus watcher.",
			},
		),
	}

	prometheus.MustRegister(
		m.BuildsTotal,
		m.BuildDuration,
		m.DocsIndexedTotal,
		m.BlocksReusedTotal,
		m.SearchesTotal,
		m.SearchLatency,
		m.CandidateCount,
		m.BlockCacheHits,
		m.BlockCacheMisses,
		m.WatcherEventsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
