// Package mux multiplexes flow-controlled channels over one encrypted
// byte stream.
//
// A Session is created over any io.ReadWriteCloser with New, which runs
// the secure handshake and then starts one read loop and one write loop.
// Channels are opened with Session.Open and received with Session.Accept.
package mux

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/progrium/qlink-go/config"
	"github.com/progrium/qlink-go/metrics"
	"github.com/progrium/qlink-go/mux/frame"
	"github.com/progrium/qlink-go/secure"
)

// flushTimeout bounds how long a failing session waits for its final
// ERROR frame to be written before closing the transport.
var flushTimeout = time.Second

// Session is one multiplexed connection.
type Session struct {
	id      string
	role    secure.Role
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	t        io.ReadWriteCloser
	sec      *secure.Session
	maxFrame uint32
	status   atomic.Uint32

	sched *scheduler

	chanMu     sync.Mutex
	chans      map[uint32]*chanState
	nextID     uint32
	lastRemote uint32

	accept chan *chanState

	failOnce   sync.Once
	err        error
	done       chan struct{}
	writerDone chan struct{}
}

// New runs the handshake for role over t and starts the session loops.
// The handshake is bounded by cfg.HandshakeTimeout and ctx; on failure t
// is closed. The initiator allocates odd channel ids and the responder
// even ones.
func New(ctx context.Context, t io.ReadWriteCloser, role secure.Role, cfg config.Config, opts ...Option) (*Session, error) {
	if t == nil {
		return nil, errors.New("qlink: nil transport")
	}
	if err := cfg.Validate(); err != nil {
		t.Close()
		return nil, err
	}
	s := &Session{
		id:         xid.New().String(),
		role:       role,
		cfg:        cfg,
		log:        zap.NewNop(),
		t:          t,
		chans:      make(map[uint32]*chanState),
		accept:     make(chan *chanState, cfg.AcceptBacklog),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session", s.id), zap.Stringer("role", role))
	if role == secure.Initiator {
		s.nextID = 1
	} else {
		s.nextID = 2
	}

	s.setState(StateHandshaking)
	sec, err := s.handshake(ctx)
	if err != nil {
		s.setState(StateClosed)
		t.Close()
		s.log.Debug("handshake failed", zap.Error(err))
		return nil, err
	}
	s.sec = sec
	s.maxFrame = sec.MaxFrameSize
	s.sched = newScheduler(cfg.MaxWindow, cfg.MaxQueuedBytes)

	s.setState(StateEstablished)
	s.metrics.SessionUp()
	s.log.Info("session established",
		zap.Uint32("max_frame_size", s.maxFrame),
		zap.String("peer", config.EncodeKey(sec.PeerIdentity)))

	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func (s *Session) handshake(ctx context.Context) (*secure.Session, error) {
	identity, err := s.cfg.Security.Identity()
	if err != nil {
		return nil, err
	}
	trusted, err := s.cfg.Security.Trusted()
	if err != nil {
		return nil, err
	}
	psk, err := s.cfg.Security.PSK()
	if err != nil {
		return nil, err
	}

	hctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.HandshakeTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	}
	defer cancel()
	// transports without deadlines are unblocked by closing them
	stop := context.AfterFunc(hctx, func() { s.t.Close() })

	start := time.Now()
	sec, err := secure.Handshake(hctx, s.t, s.role, secure.Config{
		Identity:     identity,
		Trusted:      trusted,
		PSK:          psk,
		MaxFrameSize: s.cfg.MaxFrameSize,
		RekeyAfter:   s.cfg.RekeyAfter,
	})
	if !stop() && err == nil {
		err = errors.New("transport closed at deadline")
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if hctx.Err() != nil || errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: handshake: %v", ErrTimeout, err)
		}
		return nil, err
	}
	if sec.MaxFrameSize < config.MinFrameSize {
		return nil, fmt.Errorf("%w: peer max frame size %d below %d", ErrProtocolViolation, sec.MaxFrameSize, config.MinFrameSize)
	}
	s.metrics.Handshake(time.Since(start))
	return sec, nil
}

// ID returns a unique identifier for the session, used in logs.
func (s *Session) ID() string { return s.id }

// Role returns the handshake role of the local side.
func (s *Session) Role() secure.Role { return s.role }

// MaxFrameSize returns the negotiated frame payload limit.
func (s *Session) MaxFrameSize() uint32 { return s.maxFrame }

// PeerIdentity returns the authenticated Ed25519 key of the peer.
func (s *Session) PeerIdentity() ed25519.PublicKey { return s.sec.PeerIdentity }

// State returns the connection lifecycle state.
func (s *Session) State() ConnState { return ConnState(s.status.Load()) }

func (s *Session) setState(st ConnState) { s.status.Store(uint32(st)) }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, or nil while it is alive.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the session has shut down and returns the error
// causing the shutdown. A local Close yields nil.
func (s *Session) Wait() error {
	<-s.done
	if s.err == ErrSessionClosed {
		return nil
	}
	return s.err
}

// Close tears down the session and the underlying transport. Every
// channel is closed and pending calls fail with ErrConnectionLost.
func (s *Session) Close() error {
	s.fail(ErrSessionClosed)
	return nil
}

// Rekey rotates the sending key with the next record.
func (s *Session) Rekey() {
	s.sec.Sealer().Rekey()
}

func (s *Session) lostErr() error {
	<-s.done
	return &connLostError{cause: s.err}
}

// Open establishes a new channel with the other end. It returns once the
// peer has accepted the channel. If ctx ends first the channel is reset.
func (s *Session) Open(ctx context.Context) (*Channel, error) {
	select {
	case <-s.done:
		return nil, s.lostErr()
	default:
	}

	s.chanMu.Lock()
	id := s.nextID
	if id > math.MaxUint32-2 {
		s.chanMu.Unlock()
		return nil, errors.New("qlink: channel ids exhausted")
	}
	s.nextID += 2
	st := newChanState(id, LocalInitiated)
	st.recvWindow = s.cfg.InitialWindow
	s.chans[id] = st
	s.chanMu.Unlock()

	s.metrics.ChannelOpened(metrics.Out)
	s.sched.add(id, 0)
	s.sched.sendControl(frame.Frame{ChannelID: id, Kind: frame.KindOpen, Payload: frame.WindowPayload(s.cfg.InitialWindow)})
	s.log.Debug("opening channel", zap.Uint32("channel", id))

	select {
	case <-st.opened:
	case <-ctx.Done():
		st.mu.Lock()
		s.resetLocked(st, "open cancelled")
		st.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.lostErr()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		st.observed = true
		s.maybeRetire(st)
		return nil, st.err
	}
	return &Channel{id: id, s: s}, nil
}

// Accept waits for and returns the next channel opened by the peer.
// Accepting grants the peer the initial receive window.
func (s *Session) Accept(ctx context.Context) (*Channel, error) {
	var timeout <-chan time.Time
	if d := s.cfg.AcceptTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case st := <-s.accept:
			if ch := s.admit(st); ch != nil {
				return ch, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrTimeout
		case <-s.done:
			return nil, s.lostErr()
		}
	}
}

func (s *Session) admit(st *chanState) *Channel {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != ChannelOpening {
		// reset by the peer or torn down while waiting in the backlog
		st.observed = true
		s.maybeRetire(st)
		return nil
	}
	if st.remoteClosed {
		st.state = ChannelHalfClosedRemote
	} else {
		st.state = ChannelOpen
	}
	st.recvWindow = s.cfg.InitialWindow
	s.sched.sendControl(frame.Frame{ChannelID: st.id, Kind: frame.KindWindowUpdate, Payload: frame.WindowPayload(s.cfg.InitialWindow)})
	s.log.Debug("accepted channel", zap.Uint32("channel", st.id))
	return &Channel{id: st.id, s: s}
}

func (s *Session) isLocal(id uint32) bool {
	odd := id%2 == 1
	return odd == (s.role == secure.Initiator)
}

// allocated reports whether id was ever used in this session. Called
// with chanMu held.
func (s *Session) allocated(id uint32) bool {
	if s.isLocal(id) {
		return id < s.nextID
	}
	return id <= s.lastRemote
}

func (s *Session) retire(id uint32) {
	s.chanMu.Lock()
	_, ok := s.chans[id]
	delete(s.chans, id)
	s.chanMu.Unlock()
	if ok {
		s.sched.retire(id)
		s.metrics.ChannelClosed()
		s.log.Debug("channel retired", zap.Uint32("channel", id))
	}
}

// readLoop runs the inbound side. It processes records until an error
// is encountered, which then ends the session.
func (s *Session) readLoop() {
	rr := secure.NewRecordReader(s.t, secure.RecordBudget(s.maxFrame)+secure.Overhead)
	opener := s.sec.Opener()
	var plain []byte
	for {
		rec, err := rr.ReadRecord()
		if err != nil {
			s.fail(err)
			return
		}
		s.metrics.Bytes(metrics.In, secure.LengthPrefixSize+len(rec))
		plain, err = opener.Open(plain[:0], rec)
		if err != nil {
			s.fail(err)
			return
		}
		for buf := plain; len(buf) > 0; {
			f, n, err := frame.Decode(buf, s.maxFrame)
			if errors.Is(err, frame.ErrNeedMoreData) {
				err = fmt.Errorf("%w: frame split across records", ErrMalformed)
			}
			if err != nil {
				s.fail(err)
				return
			}
			buf = buf[n:]
			s.metrics.Frame(metrics.In, f.Kind.String())
			if err := s.route(f); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) route(f frame.Frame) error {
	if f.ChannelID == 0 {
		if f.Kind == frame.KindError {
			return fmt.Errorf("%w: %s", ErrRemoteFailure, f.Payload)
		}
		return fmt.Errorf("%w: %v on channel 0", ErrProtocolViolation, f.Kind)
	}
	if f.Kind == frame.KindOpen {
		return s.handleOpen(f)
	}

	s.chanMu.Lock()
	st, ok := s.chans[f.ChannelID]
	allocated := s.allocated(f.ChannelID)
	s.chanMu.Unlock()
	if !ok {
		if allocated {
			s.log.Debug("dropping frame for retired channel", zap.Uint32("channel", f.ChannelID), zap.Stringer("kind", f.Kind))
			return nil
		}
		return fmt.Errorf("%w %d", ErrUnknownChannel, f.ChannelID)
	}
	return s.handle(st, f)
}

func (s *Session) handleOpen(f frame.Frame) error {
	id := f.ChannelID
	if s.isLocal(id) {
		return fmt.Errorf("%w: peer opened channel %d with our parity", ErrProtocolViolation, id)
	}
	if f.Sequence != 0 {
		return fmt.Errorf("%w: open on channel %d with sequence %d", ErrProtocolViolation, id, f.Sequence)
	}
	window, err := frame.ParseWindow(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if window > s.cfg.MaxWindow {
		return fmt.Errorf("%w: open window %d exceeds max window %d", ErrProtocolViolation, window, s.cfg.MaxWindow)
	}

	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	if _, ok := s.chans[id]; ok || id <= s.lastRemote {
		return fmt.Errorf("%w: channel id %d reused", ErrProtocolViolation, id)
	}
	s.lastRemote = id
	if len(s.accept) == cap(s.accept) {
		s.log.Warn("rejecting channel, accept backlog full", zap.Uint32("channel", id))
		s.sched.sendControl(frame.Frame{ChannelID: id, Kind: frame.KindError, Payload: []byte("accept backlog full")})
		return nil
	}
	st := newChanState(id, RemoteInitiated)
	st.inSeq = 1
	s.chans[id] = st
	s.sched.add(id, window)
	s.metrics.ChannelOpened(metrics.In)
	s.log.Debug("peer opened channel", zap.Uint32("channel", id))
	// only the read loop sends on accept, and it is not full
	s.accept <- st
	return nil
}

// writeLoop runs the outbound side. It batches frames from the scheduler
// into records, seals and writes them.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	w := secure.NewRecordWriter(s.t)
	sealer := s.sec.Sealer()
	budget := secure.RecordBudget(s.maxFrame)
	var plain, rec []byte
	for {
		plain = plain[:0]
		for {
			f, ok := s.sched.pop(budget - len(plain))
			if !ok {
				break
			}
			plain = frame.Append(plain, f)
			s.metrics.Frame(metrics.Out, f.Kind.String())
		}
		if len(plain) == 0 {
			if !s.sched.wait() {
				return
			}
			continue
		}
		var err error
		rec, err = sealer.Seal(rec[:0], plain)
		if err != nil {
			s.fail(err)
			return
		}
		if err := w.WriteRecord(rec); err != nil {
			s.fail(err)
			return
		}
		s.metrics.Bytes(metrics.Out, secure.LengthPrefixSize+len(rec))
	}
}

// fail tears the session down with cause. Only the first call has an
// effect.
func (s *Session) fail(cause error) {
	s.failOnce.Do(func() {
		s.setState(StateClosing)
		s.err = cause

		var final *frame.Frame
		if notifyPeer(cause) {
			msg := cause.Error()
			if len(msg) > int(s.maxFrame) {
				msg = msg[:s.maxFrame]
			}
			final = &frame.Frame{Kind: frame.KindError, Payload: []byte(msg)}
		}
		s.sched.shutdown(final)

		s.chanMu.Lock()
		chans := make([]*chanState, 0, len(s.chans))
		for _, st := range s.chans {
			chans = append(chans, st)
		}
		s.chanMu.Unlock()

		lost := &connLostError{cause: cause}
		for _, st := range chans {
			st.mu.Lock()
			if st.state != ChannelClosed || st.err == nil {
				st.state = ChannelClosed
				st.err = lost
			}
			st.retired = true
			st.confirm()
			st.notify()
			st.mu.Unlock()
			s.metrics.ChannelClosed()
		}

		if final != nil {
			go func() {
				select {
				case <-s.writerDone:
				case <-time.After(flushTimeout):
				}
				s.t.Close()
			}()
		} else {
			s.t.Close()
		}

		if cause == ErrSessionClosed {
			s.log.Info("session closed")
		} else {
			s.log.Warn("session failed", zap.Error(cause))
		}
		s.metrics.SessionDown(reason(cause))
		s.setState(StateClosed)
		close(s.done)
	})
}
