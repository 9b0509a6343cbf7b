// Package metrics provides Prometheus-based metrics recording for the
// generation queue, plus a Prometheus query client for usage reporting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder records queue and dispatch metrics.
type PrometheusRecorder struct {
	admissionsTotal  *prometheus.CounterVec
	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	circuitOpenTotal *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	inFlight         *prometheus.GaugeVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		admissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genqueue_admissions_total",
				Help: "Total number of admission verdicts by outcome",
			},
			[]string{"outcome"},
		),
		dispatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genqueue_dispatches_total",
				Help: "Total number of provider dispatch attempts by provider and status",
			},
			[]string{"provider", "status", "error_type"},
		),
		dispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genqueue_dispatch_duration_seconds",
				Help:    "Duration of provider generation calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		retriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genqueue_retries_total",
				Help: "Total number of retries scheduled by provider",
			},
			[]string{"provider"},
		),
		circuitOpenTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genqueue_circuit_open_total",
				Help: "Total number of circuit breaker open events by provider",
			},
			[]string{"provider"},
		),
		queueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "genqueue_depth",
				Help: "Current number of non-terminal requests in the queue",
			},
		),
		inFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "genqueue_in_flight",
				Help: "Current in-flight dispatches by provider",
			},
			[]string{"provider"},
		),
	}
}

// ObserveAdmission records one admission verdict. Outcome is "accepted" or
// the rejection reason.
func (p *PrometheusRecorder) ObserveAdmission(outcome string) {
	p.admissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDispatch records one completed provider call.
func (p *PrometheusRecorder) ObserveDispatch(provider string, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.dispatchesTotal.WithLabelValues(provider, status, errorType).Inc()
	p.dispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncRetry increments the scheduled-retry counter for a provider.
func (p *PrometheusRecorder) IncRetry(provider string) {
	p.retriesTotal.WithLabelValues(provider).Inc()
}

// IncCircuitOpen increments the circuit-open counter for a provider.
func (p *PrometheusRecorder) IncCircuitOpen(provider string) {
	p.circuitOpenTotal.WithLabelValues(provider).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (p *PrometheusRecorder) SetQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

// SetInFlight updates the in-flight gauge for a provider.
func (p *PrometheusRecorder) SetInFlight(provider string, count int) {
	p.inFlight.WithLabelValues(provider).Set(float64(count))
}
