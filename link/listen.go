package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/progrium/qlink-go/config"
	"github.com/progrium/qlink-go/mux"
	"github.com/progrium/qlink-go/secure"
	"github.com/progrium/qlink-go/transport"
)

// Listener accepts byte streams from a transport listener and runs the
// responder handshake on each one concurrently.
type Listener struct {
	l   transport.Listener
	cfg config.Config
	options

	ctx    context.Context
	cancel context.CancelFunc

	sessions  chan *mux.Session
	errs      chan error
	closeOnce sync.Once
}

// Listen listens on endpoint. As with Connect, query parameters of
// endpoint override fields of cfg.
func Listen(endpoint string, cfg config.Config, opts ...Option) (*Listener, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("qlink: endpoint: %w", err)
	}
	if err := cfg.ApplyValues(u.Query()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tl, err := transport.Listen(u)
	if err != nil {
		return nil, err
	}
	return Serve(tl, cfg, opts...), nil
}

// Serve runs the responder side over streams accepted from tl. The
// Listener takes ownership of tl.
func Serve(tl transport.Listener, cfg config.Config, opts ...Option) *Listener {
	l := &Listener{
		l:        tl,
		cfg:      cfg,
		options:  newOptions(opts),
		sessions: make(chan *mux.Session),
		errs:     make(chan error, 1),
	}
	if addr := tl.Addr(); addr != nil {
		l.log = l.log.With(zap.Stringer("listen", addr))
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	go l.loop()
	return l
}

func (l *Listener) loop() {
	for {
		rwc, err := l.l.Accept()
		if err != nil {
			l.errs <- err
			return
		}
		go l.handshake(rwc)
	}
}

func (l *Listener) handshake(rwc io.ReadWriteCloser) {
	ctx, span := l.tracer.Start(l.ctx, "qlink.accept", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	sess, err := mux.New(ctx, rwc, secure.Responder, l.cfg,
		mux.WithLogger(l.log),
		mux.WithMetrics(l.metrics))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.log.Info("handshake failed", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.String("qlink.session", sess.ID()))
	select {
	case l.sessions <- sess:
	case <-l.ctx.Done():
		sess.Close()
	}
}

// Accept waits for and returns the next established session.
func (l *Listener) Accept(ctx context.Context) (*mux.Session, error) {
	select {
	case sess := <-l.sessions:
		return sess, nil
	case err := <-l.errs:
		l.errs <- err
		if l.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, err
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, mux.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Addr returns the address of the transport listener.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops accepting. Sessions already returned by Accept stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.l.Close()
	})
	return err
}
