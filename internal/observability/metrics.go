package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	AttachedClients   prometheus.Gauge
	QueueDepth        prometheus.Gauge
	RunnerEvents      *prometheus.CounterVec
	RunnerFailures    *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	CompletionLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		AttachedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attached_clients",
			Help:      "Number of connected client tabs.",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the download queue.",
		}),
		RunnerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_events_total",
			Help:      "Queue runner events by type.",
		}, []string{"event"}),
		RunnerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_failures_total",
			Help:      "Failed task attempts by reason.",
		}, []string{"reason"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by stage.",
		}, []string{"stage"}),
		CompletionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_ms",
			Help:      "Time from dispatch to a detected artifact in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 5000, 10000, 30000, 60000, 180000},
		}),
	}
}

func (m *Metrics) ObserveRunnerEvent(event string) {
	if m == nil {
		return
	}
	m.RunnerEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveFailure(reason string) {
	if m == nil {
		return
	}
	m.RunnerFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveCompletionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetAttachedClients(n int) {
	if m == nil {
		return
	}
	m.AttachedClients.Set(float64(n))
}

func (m *Metrics) ObserveMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) ObserveWriteError(stage string) {
	if m == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(stage).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
