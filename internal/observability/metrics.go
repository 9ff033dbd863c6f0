package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveTasks       prometheus.Gauge
	QueueEvents       *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	ModerationChecks  *prometheus.CounterVec
	StopFlags         prometheus.Counter
	FirstChunkLatency prometheus.Histogram

	// Stages keeps a rolling in-process latency window alongside the
	// Prometheus instruments, served at /debug/latency.
	Stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of generation tasks currently running.",
		}),
		QueueEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_total",
			Help:      "Task queue events by kind.",
		}, []string{"kind"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Model provider errors by code.",
		}, []string{"code"}),
		ModerationChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_checks_total",
			Help:      "Moderation checks by phase and outcome.",
		}, []string{"phase", "outcome"}),
		StopFlags: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_flags_total",
			Help:      "Accepted task stop requests.",
		}),
		FirstChunkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency to the first streamed chunk in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1200, 2000, 5000, 10000},
		}),
		Stages: NewStageWindow(0),
	}
}

func (m *Metrics) ObserveFirstChunkLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.FirstChunkLatency.Observe(ms)
	m.Stages.Observe(StageFirstChunk, ms)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
