package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the server's Prometheus collectors. Each instance has its own
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	ActiveHandlers      prometheus.Gauge
	PendingConnections  *prometheus.GaugeVec
	FramesSent          prometheus.Counter
	SearchRequests      prometheus.Counter
	TerminatedTransfers prometheus.Counter
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "musicstream",
			Name:      "active_handlers",
			Help:      "Number of paired clients currently being served.",
		}),
		PendingConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "musicstream",
			Name:      "pending_connections",
			Help:      "Half-connections waiting for their counterpart.",
		}, []string{"channel"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "musicstream",
			Name:      "frames_sent_total",
			Help:      "Audio packets written to clients.",
		}),
		SearchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "musicstream",
			Name:      "search_requests_total",
			Help:      "Search commands received on control channels.",
		}),
		TerminatedTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "musicstream",
			Name:      "terminated_transfers_total",
			Help:      "Song transfers aborted by a terminate request.",
		}),
	}

	m.registry.MustRegister(
		m.ActiveHandlers,
		m.PendingConnections,
		m.FramesSent,
		m.SearchRequests,
		m.TerminatedTransfers,
	)
	return m
}

// Handler returns the HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("component", "server").Str("addr", addr).Msg("Metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
