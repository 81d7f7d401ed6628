// Package metrics exposes search and self-test counters in the Prometheus
// text format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/pkg/log"
)

const namespace = "gomine"

// ResultOK labels a self-test in which every stage passed. Failed tests
// are labelled with the name of the failing stage.
const ResultOK = "ok"

// Metrics holds the collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	NoncesTried    *prometheus.CounterVec
	EarlyExits     *prometheus.CounterVec
	HeadersFound   *prometheus.CounterVec
	SearchRuns     *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec
	HashRate       *prometheus.GaugeVec

	Validations        *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	StepDuration       *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		NoncesTried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "nonces_tried_total",
			Help:      "Nonces hashed by the search.",
		}, []string{"source"}),
		EarlyExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "early_exits_total",
			Help:      "Nonces rejected after round 61 of the second pass.",
		}, []string{"source"}),
		HeadersFound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "headers_found_total",
			Help:      "Headers meeting the search difficulty.",
		}, []string{"source"}),
		SearchRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "runs_total",
			Help:      "Finished search runs, by whether they covered the whole range.",
		}, []string{"source", "stopped"}),
		SearchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Wall time of a search run.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"source"}),
		HashRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "hash_rate",
			Help:      "Nonces per second of the current or last run.",
		}, []string{"source"}),

		Validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "headers_total",
			Help:      "Header self-tests, by result.",
		}, []string{"source", "result"}),
		ValidationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "duration_seconds",
			Help:      "Wall time of a header self-test.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one self-test stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSearch records a finished run. It has the shape of a
// mining.Observer once source is bound.
func (m *Metrics) ObserveSearch(source string, s mining.Stats) {
	m.NoncesTried.WithLabelValues(source).Add(float64(s.Tried))
	m.EarlyExits.WithLabelValues(source).Add(float64(s.EarlyExits))
	m.HeadersFound.WithLabelValues(source).Add(float64(s.Found))
	stopped := "false"
	if s.Stopped {
		stopped = "true"
	}
	m.SearchRuns.WithLabelValues(source, stopped).Inc()
	m.SearchDuration.WithLabelValues(source).Observe(s.Elapsed.Seconds())
	m.HashRate.WithLabelValues(source).Set(s.HashRate())
}

// ObserveProgress updates the hash rate from an in-flight snapshot.
// Counters are only advanced by ObserveSearch.
func (m *Metrics) ObserveProgress(source string, s mining.Stats) {
	m.HashRate.WithLabelValues(source).Set(s.HashRate())
}

// SearchObserver binds source for use as mining.Options.Observer.
func (m *Metrics) SearchObserver(source string) mining.Observer {
	return func(s mining.Stats) { m.ObserveSearch(source, s) }
}

// ObserveValidation records a self-test report.
func (m *Metrics) ObserveValidation(source string, r *validation.Report) {
	result := ResultOK
	if failed := r.FailedStep(); failed != "" {
		result = string(failed)
	}
	m.Validations.WithLabelValues(source, result).Inc()
	m.ValidationDuration.WithLabelValues(source).Observe(r.Duration.Seconds())
	for _, s := range r.Steps {
		if !s.Skipped {
			m.StepDuration.WithLabelValues(string(s.Step)).Observe(s.Duration.Seconds())
		}
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done. An empty addr disables
// the listener and returns immediately.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if addr == "" {
		return nil
	}
	logger = logger.WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics server shutdown failed")
		}
		return nil
	}
}
