// Package metrics exposes the worker's Prometheus counters.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Deliveries counts processed deliveries by outcome: success, requeued,
	// user_error, system_error, malformed, empty.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lega_ingest_deliveries_total",
		Help: "Processed AMQP deliveries by outcome.",
	}, []string{"outcome"})

	// Published counts outbound messages by routing key.
	Published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lega_ingest_published_total",
		Help: "Published AMQP messages by routing key.",
	}, []string{"routing_key"})
)

// Serve exposes /metrics on the given port in the background.
func Serve(port int, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Int("port", port).Msg("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}
