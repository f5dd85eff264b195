package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/pulsechat/pulse/pkg/relay"
)

// Metrics holds all Prometheus metrics for the server. All methods are safe
// on a nil receiver so that tests can run without registering collectors.
type Metrics struct {
	// Gauges
	ActiveSessions prometheus.Gauge
	OnlineUsers    prometheus.Gauge
	ActiveRooms    prometheus.Gauge

	// Counters
	EventsReceived    *prometheus.CounterVec
	EventsSent        *prometheus.CounterVec
	ErrorsSent        *prometheus.CounterVec
	MessagesPersisted *prometheus.CounterVec
	SignalsPublished  prometheus.Counter
	SignalsDelivered  prometheus.Counter
	SignalsDropped    prometheus.Counter
	SignalRetries     prometheus.Counter
	RelayReconnects   prometheus.Counter

	// Histograms
	BroadcastDuration prometheus.Histogram
}

var _ relay.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates and registers all metrics. Call it once per process;
// promauto panics on duplicate registration.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_active_sessions",
			Help: "Number of connected WebSocket sessions",
		}),
		OnlineUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_online_users",
			Help: "Number of distinct users with at least one session",
		}),
		ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_active_rooms",
			Help: "Number of rooms with at least one member",
		}),
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_events_received_total",
			Help: "Total inbound events by event name",
		}, []string{"event"}),
		EventsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_events_sent_total",
			Help: "Total outbound events by event name",
		}, []string{"event"}),
		ErrorsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_errors_sent_total",
			Help: "Total error events sent by error code",
		}, []string{"code"}),
		MessagesPersisted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_messages_persisted_total",
			Help: "Total messages written to storage by kind (channel or dm)",
		}, []string{"kind"}),
		SignalsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_signals_published_total",
			Help: "Total call signals published to the relay channel",
		}),
		SignalsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_signals_delivered_total",
			Help: "Total relayed call signals delivered to a local handler",
		}),
		SignalsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_signals_dropped_total",
			Help: "Total relayed call signals dropped for lack of a local handler",
		}),
		SignalRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_signal_publish_retries_total",
			Help: "Total call signal publishes retried after a channel recreation",
		}),
		RelayReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_relay_reconnects_total",
			Help: "Total relay channel reconnects scheduled",
		}),
		BroadcastDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulse_broadcast_duration_seconds",
			Help:    "Time to fan out one encoded frame to a room",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}
}

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

func (m *Metrics) RecordOnlineUsers(count int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(count))
}

func (m *Metrics) RecordActiveRooms(count int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(count))
}

func (m *Metrics) RecordEventReceived(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordEventSent(event string) {
	if m == nil {
		return
	}
	m.EventsSent.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordErrorSent(code int) {
	if m == nil {
		return
	}
	m.ErrorsSent.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) RecordMessagePersisted(kind string) {
	if m == nil {
		return
	}
	m.MessagesPersisted.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveBroadcast(d time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastDuration.Observe(d.Seconds())
}

// The methods below satisfy relay.MetricsRecorder.

func (m *Metrics) RelayReconnectScheduled() {
	if m == nil {
		return
	}
	m.RelayReconnects.Inc()
}

func (m *Metrics) SignalPublished() {
	if m == nil {
		return
	}
	m.SignalsPublished.Inc()
}

func (m *Metrics) SignalPublishRetried() {
	if m == nil {
		return
	}
	m.SignalRetries.Inc()
}

func (m *Metrics) SignalDelivered() {
	if m == nil {
		return
	}
	m.SignalsDelivered.Inc()
}

func (m *Metrics) SignalDropped() {
	if m == nil {
		return
	}
	m.SignalsDropped.Inc()
}
