package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can coexist in tests.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	submitted       *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	finished        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	geocodeFallback prometheus.Counter
	callbacks       *prometheus.CounterVec
	callbackTries   prometheus.Counter
	storeFailures   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booker_jobs_submitted_total",
			Help: "Jobs accepted, by mode.",
		}, []string{"mode"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booker_jobs_rejected_total",
			Help: "Submissions refused before a job was created, by reason.",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booker_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "booker_job_duration_seconds",
			Help:    "Wall time from processing to terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "booker_jobs_in_flight",
			Help: "Jobs currently processing.",
		}),
		geocodeFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "booker_geocode_fallbacks_total",
			Help: "Jobs that ran on the default coordinates because geocoding failed.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booker_callbacks_total",
			Help: "Webhook deliveries, by final outcome.",
		}, []string{"outcome"}),
		callbackTries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "booker_callback_attempts_total",
			Help: "Individual webhook HTTP attempts.",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booker_job_store_failures_total",
			Help: "Jobs whose state could not be written after retries, by stage. Non-zero means stuck records.",
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted, m.rejected, m.finished, m.duration, m.inFlight,
		m.geocodeFallback, m.callbacks, m.callbackTries, m.storeFailures,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Submitted(mode string) {
	if m != nil {
		m.submitted.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Started() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) Finished(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.finished.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(took.Seconds())
}

func (m *Metrics) GeocodeFallback() {
	if m != nil {
		m.geocodeFallback.Inc()
	}
}

func (m *Metrics) CallbackAttempt() {
	if m != nil {
		m.callbackTries.Inc()
	}
}

func (m *Metrics) CallbackDone(outcome string) {
	if m != nil {
		m.callbacks.WithLabelValues(outcome).Inc()
	}
}

// StoreFailure counts a job left in a non-terminal state because the store
// kept failing at stage (load, start or finish).
func (m *Metrics) StoreFailure(stage string) {
	if m != nil {
		m.storeFailures.WithLabelValues(stage).Inc()
	}
}
