// Package metrics exposes refresh-run collectors on a private Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the spendwatch collectors.
type Metrics struct {
	registry *prometheus.Registry

	runs          prometheus.Counter
	runDuration   prometheus.Summary
	lastRun       prometheus.Gauge
	councils      *prometheus.CounterVec
	payments      prometheus.Counter
	duplicates    prometheus.Counter
	rejected      prometheus.Counter
	anomalies     *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	detectorFails *prometheus.CounterVec
}

// New registers every collector plus Go runtime and process collectors on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.runs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Name:      "refresh_runs_total",
		Help:      "Refresh runs completed",
	})
	m.runDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "spendwatch",
		Name:      "refresh_duration_seconds",
		Help:      "Wall time of a refresh run",
	})
	m.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendwatch",
		Name:      "last_refresh_timestamp_seconds",
		Help:      "Unix timestamp of the last finished refresh run",
	})
	m.councils = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Name:      "councils_total",
		Help:      "Council refreshes by outcome (ok or failure kind)",
	}, []string{"outcome"})
	m.payments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Name:      "payments_inserted_total",
		Help:      "Payments inserted",
	})
	m.duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Name:      "payments_duplicate_total",
		Help:      "Rows skipped as already ingested",
	})
	m.rejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Name:      "rows_rejected_total",
		Help:      "Rows routed to the rejected-rows side channel",
	})
	m.anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Name:      "anomaly_transitions_total",
		Help:      "Anomaly transitions by kind (opened, reopened, dismissed)",
	}, []string{"transition"})
	m.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spendwatch",
		Name:      "fetch_duration_seconds",
		Help:      "Source fetch time by outcome",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})
	m.detectorFails = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Name:      "detector_failures_total",
		Help:      "Detector runs that errored, panicked or timed out",
	}, []string{"detector"})

	m.registry.MustRegister(
		m.runs, m.runDuration, m.lastRun, m.councils, m.payments, m.duplicates,
		m.rejected, m.anomalies, m.fetchDuration, m.detectorFails,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one fetch.
func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Council records one council outcome: "ok" or a failure kind.
func (m *Metrics) Council(outcome string) {
	if m == nil {
		return
	}
	m.councils.WithLabelValues(outcome).Inc()
}

// DetectorFailed records a failed detector run.
func (m *Metrics) DetectorFailed(name string) {
	if m == nil {
		return
	}
	m.detectorFails.WithLabelValues(name).Inc()
}

// Run holds the totals of a finished refresh run.
type Run struct {
	Started    time.Time
	Finished   time.Time
	Inserted   int
	Duplicates int
	Rejected   int
	Opened     int
	Reopened   int
	Dismissed  int
}

// RunDone records a finished refresh run.
func (m *Metrics) RunDone(r Run) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.runDuration.Observe(r.Finished.Sub(r.Started).Seconds())
	m.lastRun.Set(float64(r.Finished.Unix()))
	m.payments.Add(float64(r.Inserted))
	m.duplicates.Add(float64(r.Duplicates))
	m.rejected.Add(float64(r.Rejected))
	m.anomalies.WithLabelValues("opened").Add(float64(r.Opened))
	m.anomalies.WithLabelValues("reopened").Add(float64(r.Reopened))
	m.anomalies.WithLabelValues("dismissed").Add(float64(r.Dismissed))
}
