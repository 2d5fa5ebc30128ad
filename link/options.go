package link

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/progrium/qlink-go/metrics"
	"github.com/progrium/qlink-go/transport"
)

const tracerName = "github.com/progrium/qlink-go/link"

// Option configures a Conn or Listener.
type Option func(*options)

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	dial    transport.Dialer
	tracer  trace.Tracer
}

func newOptions(opts []Option) options {
	o := options{
		log:    zap.NewNop(),
		dial:   transport.Dial,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used by the connection and its sessions.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics records connection and session metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithDialer replaces the transport registry lookup for Connect.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dial = d
		}
	}
}

// WithTracerProvider sets the provider for connect and reconnect spans.
// The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}
