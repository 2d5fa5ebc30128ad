// Package metrics exposes Prometheus collectors for qlink sessions.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels.
const (
	In  = "in"
	Out = "out"
)

// Metrics holds the collectors.
type Metrics struct {
	sessionsActive    prometheus.Gauge
	channelsActive    prometheus.Gauge
	channelsOpened    *prometheus.CounterVec
	frames            *prometheus.CounterVec
	bytes             *prometheus.CounterVec
	sessionErrors     *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	handshakeDuration prometheus.Histogram
}

// New registers the collectors with reg under namespace. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "qlink"
	}
	factory := promauto.With(reg)

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of established sessions",
		}),
		channelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of channels that are not closed",
		}),
		channelsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Channels opened, by initiating side",
		}, []string{"direction"}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames sent and received, by kind",
		}, []string{"direction", "kind"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Sealed record bytes written and read",
		}, []string{"direction"}),
		sessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Sessions terminated, by reason",
		}, []string{"reason"}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by supervised connections",
		}),
		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Duration of successful handshakes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

func (m *Metrics) SessionUp() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionDown(reason string) {
	if m != nil {
		m.sessionsActive.Dec()
		m.sessionErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ChannelOpened(direction string) {
	if m != nil {
		m.channelsOpened.WithLabelValues(direction).Inc()
		m.channelsActive.Inc()
	}
}

func (m *Metrics) ChannelClosed() {
	if m != nil {
		m.channelsActive.Dec()
	}
}

func (m *Metrics) Frame(direction, kind string) {
	if m != nil {
		m.frames.WithLabelValues(direction, kind).Inc()
	}
}

func (m *Metrics) Bytes(direction string, n int) {
	if m != nil {
		m.bytes.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) Handshake(d time.Duration) {
	if m != nil {
		m.handshakeDuration.Observe(d.Seconds())
	}
}
