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
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	RecordingEvents    *prometheus.CounterVec
	FirstSpeechLatency prometheus.Histogram
	FinalizeDuration   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active avatar conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Collaborator errors by provider and code.",
		}, []string{"provider", "code"}),
		RecordingEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_events_total",
			Help:      "Recording lifecycle events by type.",
		}, []string{"event"}),
		FirstSpeechLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_speech_latency_ms",
			Help:      "Latency from committed transcript to first agent audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		FinalizeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_finalize_duration_ms",
			Help:      "Wall time of one recording finalize pass in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 5000, 10000, 20000, 30000},
		}),
	}
}

func (m *Metrics) ObserveFirstSpeechLatency(d time.Duration) {
	m.FirstSpeechLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFinalizeDuration(d time.Duration) {
	m.FinalizeDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
