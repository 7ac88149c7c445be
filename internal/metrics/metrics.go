// Package metrics exposes Prometheus counters for the mail pipeline and the
// retrieval path. Everything registers on a private registry so tests can
// create as many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job types and statuses used as label values.
const (
	JobTypeIngest = "ingest"
	JobTypeQuery  = "query"

	StatusOK    = "ok"
	StatusError = "error"
	StatusPanic = "panic"
)

// Metrics holds the pipeline instruments.
type Metrics struct {
	registry *prometheus.Registry

	// JobsTotal counts processed mail jobs by type and outcome.
	JobsTotal *prometheus.CounterVec

	// BM25Rebuilds counts lexical index rebuilds by outcome.
	BM25Rebuilds *prometheus.CounterVec

	// RetrieveSeconds observes end-to-end retrieval latency per collection.
	RetrieveSeconds *prometheus.HistogramVec

	// IngestedChunks counts chunks written per collection.
	IngestedChunks *prometheus.CounterVec
}

// New creates the instruments. queueDepth is sampled on every scrape for
// the mailrag_queue_depth gauge; pass nil when there is no queue.
func New(queueDepth func() int) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailrag_jobs_total",
			Help: "Processed mail jobs by type and status.",
		}, []string{"type", "status"}),
		BM25Rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailrag_bm25_rebuilds_total",
			Help: "Completed BM25 rebuilds by status.",
		}, []string{"status"}),
		RetrieveSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailrag_retrieve_seconds",
			Help:    "Hybrid retrieval latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection"}),
		IngestedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailrag_ingested_chunks_total",
			Help: "Chunks written to the vector store per collection.",
		}, []string{"collection"}),
	}
	registry.MustRegister(m.JobsTotal, m.BM25Rebuilds, m.RetrieveSeconds, m.IngestedChunks)

	if queueDepth != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mailrag_queue_depth",
			Help: "Jobs waiting in the mail queue.",
		}, func() float64 { return float64(queueDepth()) }))
	}
	return m
}

// Handler serves the /metrics endpoint for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
