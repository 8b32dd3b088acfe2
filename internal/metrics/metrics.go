// Package metrics holds the service's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taxreply"

// Registry is private to the service so tests can construct handlers repeatedly.
var Registry = prometheus.NewRegistry()

var (
	RetrievalResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retrieval_results_total",
		Help:      "Results returned per retrieval stage.",
	}, []string{"stage"})

	SemanticFallthrough = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retrieval_semantic_fallthrough_total",
		Help:      "Semantic backend queries that fell through to the lexical path.",
	}, []string{"reason"})

	ChatRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_requests_total",
		Help:      "Provider calls by provider, mode and outcome.",
	}, []string{"provider", "mode", "outcome"})

	ChatTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_tokens_total",
		Help:      "Tokens reported by providers.",
	}, []string{"provider", "direction"})

	ReindexJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reindex_jobs_total",
		Help:      "Background chunking jobs by kind and outcome.",
	}, []string{"kind", "outcome"})

	MirrorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_mirror_errors_total",
		Help:      "Failed best-effort writes to chunk mirrors.",
	}, []string{"mirror", "op"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RetrievalResults,
		SemanticFallthrough,
		ChatRequests,
		ChatTokens,
		ReindexJobs,
		MirrorErrors,
	)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
