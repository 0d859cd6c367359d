package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	activeRuns        prometheus.Gauge
	itemsTotal        *prometheus.CounterVec
	progressTicks     prometheus.Counter
	transformDuration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alphaimage_worker_runs_total",
			Help: "Total batch runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alphaimage_worker_run_duration_seconds",
			Help:    "Wall-clock duration of each batch run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alphaimage_worker_active_runs",
			Help: "Current number of batch runs in flight.",
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alphaimage_worker_items_total",
			Help: "Total processed work items by terminal state.",
		}, []string{"state"}),
		progressTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alphaimage_worker_progress_ticks_total",
			Help: "Total progress ticks published across all runs.",
		}),
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alphaimage_worker_transform_duration_seconds",
			Help:    "Duration of each external transform call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.itemsTotal,
		m.progressTicks,
		m.transformDuration,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
