// Package link connects to qlink endpoints and keeps the connection alive.
//
// Connect dials an endpoint URL through package transport, runs the
// initiator handshake and supervises the resulting mux.Session. When the
// byte stream fails and reconnecting is enabled, a fresh session is
// established with exponential backoff. Channels never survive a
// reconnect; callers open new ones.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/progrium/qlink-go/config"
	"github.com/progrium/qlink-go/mux"
	"github.com/progrium/qlink-go/secure"
)

// Conn is a supervised connection to one endpoint.
type Conn struct {
	endpoint *url.URL
	cfg      config.Config
	options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sess    *mux.Session
	state   mux.ConnState
	changed chan struct{}
	closing bool
	err     error

	done chan struct{}
}

// Connect dials endpoint and completes the handshake. Query parameters of
// endpoint override fields of cfg, keyed by their YAML names. The dial and
// handshake are not retried; reconnecting only applies to a connection
// that was established once.
func Connect(ctx context.Context, endpoint string, cfg config.Config, opts ...Option) (*Conn, error) {
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

	c := &Conn{
		endpoint: u,
		cfg:      cfg,
		options:  newOptions(opts),
		state:    mux.StateConnecting,
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.log = c.log.With(zap.String("endpoint", u.Redacted()))
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ctx, span := c.tracer.Start(ctx, "qlink.connect", trace.WithAttributes(
		attribute.String("qlink.endpoint", u.Redacted()),
		attribute.String("qlink.transport", u.Scheme),
	))
	defer span.End()

	sess, err := c.connect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.cancel()
		return nil, err
	}
	span.SetAttributes(attribute.String("qlink.session", sess.ID()))
	c.setSession(sess)
	go c.supervise(sess)
	return c, nil
}

func (c *Conn) connect(ctx context.Context) (*mux.Session, error) {
	rwc, err := c.dial(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("qlink: dial %s: %w", c.endpoint.Scheme, err)
	}
	c.mu.Lock()
	c.state = mux.StateHandshaking
	c.mu.Unlock()
	return mux.New(ctx, rwc, secure.Initiator, c.cfg,
		mux.WithLogger(c.log),
		mux.WithMetrics(c.metrics))
}

// setSession publishes sess to waiting callers. It reports false, closing
// sess, when the Conn is already shutting down.
func (c *Conn) setSession(sess *mux.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		sess.Close()
		return false
	}
	c.sess = sess
	c.state = mux.StateEstablished
	close(c.changed)
	c.changed = make(chan struct{})
	return true
}

func (c *Conn) supervise(sess *mux.Session) {
	defer close(c.done)
	for {
		<-sess.Done()
		cause := sess.Err()

		c.mu.Lock()
		closing := c.closing
		c.sess = nil
		c.state = mux.StateConnecting
		c.mu.Unlock()

		if closing {
			c.finish(lost(mux.ErrSessionClosed))
			return
		}
		if !c.cfg.Reconnect.Enabled || !mux.IsTransportError(cause) {
			c.finish(lost(cause))
			return
		}

		c.log.Warn("connection lost, reconnecting", zap.Error(cause))
		next, err := c.reconnect(cause)
		if err != nil {
			c.finish(err)
			return
		}
		if !c.setSession(next) {
			c.finish(lost(mux.ErrSessionClosed))
			return
		}
		sess = next
	}
}

// reconnect makes up to Reconnect.MaxAttempts connect attempts. Errors
// that would fail again on retry, such as authentication, end it early.
func (c *Conn) reconnect(cause error) (*mux.Session, error) {
	ctx, span := c.tracer.Start(c.ctx, "qlink.reconnect", trace.WithAttributes(
		attribute.String("qlink.endpoint", c.endpoint.Redacted()),
		attribute.String("qlink.cause", cause.Error()),
	))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Reconnect.BackoffBase
	if c.cfg.Reconnect.BackoffMax > 0 {
		b.MaxInterval = c.cfg.Reconnect.BackoffMax
	}
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.Reconnect.MaxAttempts-1)), ctx)

	var (
		sess     *mux.Session
		attempts int
	)
	err := backoff.RetryNotify(func() error {
		attempts++
		c.metrics.ReconnectAttempt()
		c.log.Info("reconnect attempt", zap.Int("attempt", attempts))
		s, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil || !mux.IsTransportError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	}, policy, func(err error, d time.Duration) {
		c.log.Debug("reconnect failed", zap.Error(err), zap.Duration("retry_in", d))
	})
	span.SetAttributes(attribute.Int("qlink.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.ctx.Err() != nil {
			return nil, lost(mux.ErrSessionClosed)
		}
		c.log.Error("giving up reconnecting", zap.Int("attempts", attempts), zap.Error(err))
		return nil, fmt.Errorf("%w: %d reconnect attempts failed: %w", mux.ErrConnectionLost, attempts, err)
	}
	c.log.Info("reconnected", zap.Int("attempts", attempts), zap.String("session", sess.ID()))
	return sess, nil
}

// finish moves the Conn to CLOSED with the terminal error err.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	c.sess = nil
	c.state = mux.StateClosed
	close(c.changed)
	c.cancel()
}

func lost(cause error) error {
	if errors.Is(cause, mux.ErrConnectionLost) {
		return cause
	}
	return fmt.Errorf("%w: %w", mux.ErrConnectionLost, cause)
}

// session returns the live session, waiting out a reconnect.
func (c *Conn) session(ctx context.Context) (*mux.Session, error) {
	for {
		c.mu.Lock()
		sess, changed, err := c.sess, c.changed, c.err
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if sess != nil {
			select {
			case <-sess.Done():
			default:
				return sess, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, mux.ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// retry reports whether a call that failed on sess should wait for the
// next session instead of returning.
func (c *Conn) retry(sess *mux.Session, err error) bool {
	if !errors.Is(err, mux.ErrConnectionLost) || !c.cfg.Reconnect.Enabled {
		return false
	}
	<-sess.Done()
	return mux.IsTransportError(sess.Err())
}

// Open opens a channel on the current session. While a reconnect is in
// progress it waits for the new session or ctx.
func (c *Conn) Open(ctx context.Context) (*mux.Channel, error) {
	for {
		sess, err := c.session(ctx)
		if err != nil {
			return nil, err
		}
		ch, err := sess.Open(ctx)
		if err != nil && c.retry(sess, err) {
			continue
		}
		return ch, err
	}
}

// Accept waits for the next channel opened by the peer, across
// reconnects.
func (c *Conn) Accept(ctx context.Context) (*mux.Channel, error) {
	for {
		sess, err := c.session(ctx)
		if err != nil {
			return nil, err
		}
		ch, err := sess.Accept(ctx)
		if err != nil && c.retry(sess, err) {
			continue
		}
		return ch, err
	}
}

// Session returns the current session, or nil while reconnecting or
// after the Conn has closed.
func (c *Conn) Session() *mux.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// State returns the state of the current session, or of the Conn while
// no session is established.
func (c *Conn) State() mux.ConnState {
	c.mu.Lock()
	sess, state := c.sess, c.state
	c.mu.Unlock()
	if sess != nil {
		return sess.State()
	}
	return state
}

// Done is closed once the Conn has shut down for good.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, or nil while the Conn is alive. It
// matches mux.ErrConnectionLost.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the Conn has shut down. A local Close yields nil.
func (c *Conn) Wait() error {
	<-c.done
	err := c.Err()
	if errors.Is(err, mux.ErrSessionClosed) {
		return nil
	}
	return err
}

// Close closes the current session and stops reconnecting.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	sess := c.sess
	c.mu.Unlock()
	c.cancel()
	if sess != nil {
		sess.Close()
	}
	<-c.done
	return nil
}
