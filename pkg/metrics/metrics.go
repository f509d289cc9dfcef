package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	DispatchesTotal     *prometheus.CounterVec
	OutcomesTotal       *prometheus.CounterVec
	DownloadDuration    *prometheus.HistogramVec
	InFlight            prometheus.Gauge
	InvariantViolations prometheus.Counter
	RenewedTotal        prometheus.Counter
	PurgedTotal         prometheus.Counter
}

// New registers the metrics with reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		DispatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dlmanager_dispatches_total",
			Help: "Downloads claimed by a worker.",
		}, []string{"executor"}),
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dlmanager_outcomes_total",
			Help: "Download outcomes by resulting status.",
		}, []string{"executor", "status"}),
		DownloadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dlmanager_download_duration_seconds",
			Help:    "Duration of executor runs.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"executor"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dlmanager_downloads_in_flight",
			Help: "Downloads currently executing.",
		}),
		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "dlmanager_invariant_violations_total",
			Help: "Permanent failures reported for recurring downloads.",
		}),
		RenewedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dlmanager_renewed_total",
			Help: "Downloads moved back to new by the renewal sweep.",
		}),
		PurgedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dlmanager_purged_total",
			Help: "Downloads deleted by retention.",
		}),
	}
}

func (m *Metrics) ObserveHTTP(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

func (m *Metrics) Dispatched(executor string) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(executor).Inc()
	m.InFlight.Inc()
}

func (m *Metrics) Finished(executor, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.OutcomesTotal.WithLabelValues(executor, status).Inc()
	m.DownloadDuration.WithLabelValues(executor).Observe(d.Seconds())
}

func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.InvariantViolations.Inc()
}

func (m *Metrics) Renewed(n int) {
	if m == nil {
		return
	}
	m.RenewedTotal.Add(float64(n))
}

func (m *Metrics) Purged(n int) {
	if m == nil {
		return
	}
	m.PurgedTotal.Add(float64(n))
}
