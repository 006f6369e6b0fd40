// Package metrics exposes pipeline counters for Prometheus scraping.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/logging"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	riskScore      prometheus.Histogram
	activeRules    prometheus.Gauge
	deferred       prometheus.Gauge
	anomalies      *prometheus.CounterVec
	droppedEvents  prometheus.Counter
	actionFailures *prometheus.CounterVec
	fingerprinters prometheus.Counter
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackwatch_requests_total",
			Help: "Tracker requests processed, by effective enforcement mode",
		}, []string{"mode"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackwatch_requests_skipped_total",
			Help: "Requests not scored, by reason",
		}, []string{"reason"}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trackwatch_risk_score",
			Help:    "Distribution of composite risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackwatch_active_rules",
			Help: "Filter rules currently installed",
		}),
		deferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackwatch_deferred_domains",
			Help: "Domains waiting for a sensitive context to end before blocking",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackwatch_anomalies_total",
			Help: "Pattern anomalies raised, by type",
		}, []string{"type"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackwatch_observer_dropped_total",
			Help: "Observer events dropped because the buffer was full",
		}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackwatch_action_failures_total",
			Help: "Enforcement actions that could not be confirmed, by action",
		}, []string{"action"}),
		fingerprinters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackwatch_critical_fingerprinters_total",
			Help: "Domains that reached critical fingerprinting severity",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.skipped, m.riskScore, m.activeRules, m.deferred,
		m.anomalies, m.droppedEvents, m.actionFailures, m.fingerprinters,
	)
	return m
}

// Nil receivers are no-ops so callers can run without metrics.

func (m *Metrics) Request(mode string, score int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(mode).Inc()
	m.riskScore.Observe(float64(score))
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ActiveRules(n int) {
	if m == nil {
		return
	}
	m.activeRules.Set(float64(n))
}

func (m *Metrics) Deferred(n int) {
	if m == nil {
		return
	}
	m.deferred.Set(float64(n))
}

func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

func (m *Metrics) ActionFailed(action string) {
	if m == nil {
		return
	}
	m.actionFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) CriticalFingerprinter() {
	if m == nil {
		return
	}
	m.fingerprinters.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	log = logging.OrNop(log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
