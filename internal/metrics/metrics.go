package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionDuration prometheus.Histogram

	// Audio path
	FramesForwarded prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	BytesForwarded  prometheus.Counter

	// Provider leg
	ProviderConnections prometheus.Counter
	Reconnects          *prometheus.CounterVec
	ProviderEvents      *prometheus.CounterVec
	KeepAlivesActive    prometheus.Gauge
	KeepAlivesSent      prometheus.Counter

	// Client leg
	MessagesRelayed *prometheus.CounterVec
	SendQueueDrops  prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// so counters start from zero.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of connected client sessions",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of client sessions accepted",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of client sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		FramesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Audio frames forwarded to the provider",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped, by provider state at arrival",
		}, []string{"state"}),
		BytesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Audio bytes forwarded to the provider",
		}),
		ProviderConnections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_connections_total",
			Help:      "Provider connections opened",
		}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_reconnects_total",
			Help:      "Provider reconnects, by trigger",
		}, []string{"trigger"}),
		ProviderEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_events_total",
			Help:      "Events received from the provider, by kind",
		}, []string{"kind"}),
		KeepAlivesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keepalive_timers_active",
			Help:      "Running provider keep-alive timers",
		}),
		KeepAlivesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Keep-alive messages written to the provider",
		}),
		MessagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "JSON messages queued to clients, by kind",
		}, []string{"kind"}),
		SendQueueDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_queue_drops_total",
			Help:      "Client messages dropped because the send queue was full",
		}),
	}
}
