// Package metrics exposes export job counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ova-exporter/ova-exporter/pkg/job"
)

const namespace = "ova_exporter"

// Metrics records job events. HandleEvent is called from the orchestrator's
// dispatcher goroutine only.
type Metrics struct {
	registry *prometheus.Registry

	queued   prometheus.Counter
	finished *prometheus.CounterVec
	progress prometheus.Gauge
	duration prometheus.Histogram

	started map[string]time.Time
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Export jobs accepted into the queue.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Export jobs that reached a terminal status.",
		}, []string{"status"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_job_progress_percent",
			Help:      "Progress of the running export, 0 when idle.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of exports that ran.",
			Buckets:   []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		started: map[string]time.Time{},
	}

	m.registry.MustRegister(
		m.queued, m.finished, m.progress, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterQueueDepth exposes the number of pending jobs.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Export jobs waiting to run.",
	}, func() float64 { return float64(depth()) }))
}

// HandleEvent updates the collectors from one job event.
func (m *Metrics) HandleEvent(ev job.Event) {
	switch ev.Type {
	case job.EventQueued:
		m.queued.Inc()
	case job.EventStatus:
		if _, ok := m.started[ev.JobID]; !ok {
			m.started[ev.JobID] = ev.Time
		}
	case job.EventProgress:
		m.progress.Set(float64(ev.Progress))
	case job.EventFinished:
		m.finished.WithLabelValues(string(ev.Status)).Inc()
		if start, ok := m.started[ev.JobID]; ok {
			m.duration.Observe(ev.Time.Sub(start).Seconds())
			delete(m.started, ev.JobID)
			m.progress.Set(0)
		}
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
