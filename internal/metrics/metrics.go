// Package metrics exposes rotation health through Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the rotation counters for one daemon instance.
type Metrics struct {
	registry *prometheus.Registry

	Rotations        prometheus.Counter
	RotationFailures prometheus.Counter
	StaleMessages    prometheus.Counter
	PeerReconnects   prometheus.Counter
	LastRotation     prometheus.Gauge
}

// New builds and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qkdtun_rotations_total",
			Help: "Completed PSK rotation cycles.",
		}),
		RotationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qkdtun_rotation_failures_total",
			Help: "Rotation cycles abandoned after exhausting retries.",
		}),
		StaleMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qkdtun_stale_messages_total",
			Help: "Rekey messages rejected for a stale or replayed sequence.",
		}),
		PeerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qkdtun_peer_reconnects_total",
			Help: "Re-establishments of the peer channel.",
		}),
		LastRotation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qkdtun_last_rotation_timestamp_seconds",
			Help: "Unix time of the last successful rotation.",
		}),
	}

	m.registry.MustRegister(
		m.Rotations,
		m.RotationFailures,
		m.StaleMessages,
		m.PeerReconnects,
		m.LastRotation,
	)
	return m
}

// Serve exposes /metrics and /health on addr until the context is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
