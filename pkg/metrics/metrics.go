package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector of the analysis. It is separate from the
// global registry so tests can read values without interference.
var Registry = prometheus.NewRegistry()

var (
	// ArchiveQueries counts ClickHouse queries by outcome (ok, retry, failed, cached)
	ArchiveQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focil",
		Subsystem: "archive",
		Name:      "queries_total",
		Help:      "Archive queries by outcome.",
	}, []string{"outcome"})

	// ArchiveQueryDuration observes the wall time of one archive request
	ArchiveQueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "focil",
		Subsystem: "archive",
		Name:      "query_duration_seconds",
		Help:      "Wall time of archive requests including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	BlocksAnalyzed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "focil",
		Name:      "blocks_analyzed_total",
		Help:      "Blocks that produced an output row.",
	})

	// Chunks counts chunk runs by final status
	Chunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focil",
		Name:      "chunks_total",
		Help:      "Chunk runs by final status.",
	}, []string{"status"})

	ChunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "focil",
		Name:      "chunk_duration_seconds",
		Help:      "Wall time of one chunk from fetch to parquet.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// ChunksInFlight is the number of chunks currently being analyzed
	ChunksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "focil",
		Name:      "chunks_in_flight",
		Help:      "Chunks currently being analyzed.",
	})
)

func init() {
	Registry.MustRegister(
		ArchiveQueries,
		ArchiveQueryDuration,
		BlocksAnalyzed,
		Chunks,
		ChunkDuration,
		ChunksInFlight,
	)
}

// Handler serves the registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
