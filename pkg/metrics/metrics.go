// Package metrics declares the Prometheus instruments shared by the API
// server and the pipeline workers, and serves them over HTTP.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsConsumed counts deliveries per consumer, by result
	// (ok, malformed, error).
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbuilder_events_consumed_total",
		Help: "Deliveries handled per consumer, by result.",
	}, []string{"consumer", "result"})

	// DeadLetters counts deliveries dropped after exhausting max_deliver.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbuilder_dead_letters_total",
		Help: "Deliveries dropped after exhausting redelivery attempts.",
	}, []string{"consumer"})

	// EventsPublished counts JetStream publishes per event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbuilder_events_published_total",
		Help: "Events published to JetStream, by type.",
	}, []string{"event_type"})

	// IngestAccepted counts messages accepted by the ingress endpoint.
	IngestAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netbuilder_ingest_accepted_total",
		Help: "Messages accepted by the ingress endpoint.",
	})

	// IngestRejected counts ingress rejections, by reason (invalid,
	// rate_limited, publish_failed).
	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbuilder_ingest_rejected_total",
		Help: "Messages rejected by the ingress endpoint, by reason.",
	}, []string{"reason"})

	// EmbedDuration tracks embedding backend call latency, by backend.
	EmbedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netbuilder_embed_duration_seconds",
		Help:    "Embedding backend call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	// EmbedFallbacks counts remote-backend failures served by the stub.
	EmbedFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netbuilder_embed_fallbacks_total",
		Help: "Remote embedding failures that fell back to the stub backend.",
	})

	// ClusterDecisions counts clusterer outcomes, by decision
	// (created, assigned, replayed).
	ClusterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netbuilder_cluster_decisions_total",
		Help: "Clusterer outcomes per processed event.",
	}, []string{"decision"})

	// ClusterTxDuration tracks the clusterer transaction latency.
	ClusterTxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netbuilder_cluster_tx_duration_seconds",
		Help:    "Clusterer per-event transaction latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler { return promhttp.Handler() }

// ServeAsync exposes /metrics on the given port in a background goroutine.
func ServeAsync(port int, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", "error", err)
		}
	}()
}
