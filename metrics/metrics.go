package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	detections     *prometheus.CounterVec
	inference      prometheus.Histogram
	diagnoses      *prometheus.CounterVec
	providerCalls  *prometheus.CounterVec
	activeSessions prometheus.Gauge

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agriscan_detection_requests_total",
			Help: "Detection requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agriscan_inference_seconds",
			Help:    "Model inference latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		diagnoses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agriscan_diagnosis_results_total",
			Help: "Diagnosis results by source",
		}, []string{"source"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agriscan_llm_provider_calls_total",
			Help: "Generative provider attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agriscan_tracking_sessions",
			Help: "Tracking sessions currently held in memory",
		}),
	}

	m.registry.MustRegister(
		m.detections,
		m.inference,
		m.diagnoses,
		m.providerCalls,
		m.activeSessions,
		collectors.NewGoCollector(),
	)

	return m
}

func (m *Metrics) ObserveDetection(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inference.Observe(d.Seconds())
}

func (m *Metrics) ObserveDiagnosis(source string) {
	if m == nil {
		return
	}
	m.diagnoses.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveProvider(provider, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
