// Package metrics bundles the Prometheus collectors used across the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry          *prometheus.Registry
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RetriesTotal      *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	ExtractionsTotal  *prometheus.CounterVec
	BatchFlushesTotal prometheus.Counter
	DiscoveriesTotal  prometheus.Counter
	Discrepancies     *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_requests_total",
			Help: "Total external calls by dependency and outcome.",
		},
		[]string{"dependency", "outcome"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_request_duration_seconds",
			Help:    "Latency of external calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
		[]string{"dependency"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_errors_total",
			Help: "Total number of errors by type.",
		},
		[]string{"error_type"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricewatch_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
		},
		[]string{"dependency"},
	)
	extractions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_extractions_total",
			Help: "Price extractions by winning strategy and confidence tier.",
		},
		[]string{"strategy", "confidence"},
	)
	flushes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricewatch_batch_flushes_total",
			Help: "Discovery batches flushed to storage.",
		},
	)
	discoveries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricewatch_discoveries_total",
			Help: "Product URLs discovered and flushed.",
		},
	)
	discrepancies := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_discrepancies_total",
			Help: "Discrepancies emitted by reconciliation runs.",
		},
		[]string{"product_type"},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, breakerState,
		extractions, flushes, discoveries, discrepancies)

	return &Metrics{
		Registry:          registry,
		RequestsTotal:     requests,
		RequestDuration:   requestDuration,
		RetriesTotal:      retries,
		ErrorsTotal:       errorsTotal,
		BreakerState:      breakerState,
		ExtractionsTotal:  extractions,
		BatchFlushesTotal: flushes,
		DiscoveriesTotal:  discoveries,
		Discrepancies:     discrepancies,
	}
}

// IncRequest counts an external call outcome.
func (m *Metrics) IncRequest(dependency, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(dependency, outcome).Inc()
}

// ObserveDuration records an external call duration.
func (m *Metrics) ObserveDuration(dependency string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(dependency).Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries(dependency string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(dependency).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetBreakerState records the numeric state of a named breaker.
func (m *Metrics) SetBreakerState(dependency string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(dependency).Set(state)
}

// IncExtraction counts an extraction result.
func (m *Metrics) IncExtraction(strategy, confidence string) {
	if m == nil {
		return
	}
	m.ExtractionsTotal.WithLabelValues(strategy, confidence).Inc()
}

// ObserveFlush records a flushed discovery batch of the given size.
func (m *Metrics) ObserveFlush(size int) {
	if m == nil {
		return
	}
	m.BatchFlushesTotal.Inc()
	m.DiscoveriesTotal.Add(float64(size))
}

// AddDiscrepancies counts emitted discrepancies by product type.
func (m *Metrics) AddDiscrepancies(productType string, n int) {
	if m == nil {
		return
	}
	m.Discrepancies.WithLabelValues(productType).Add(float64(n))
}
