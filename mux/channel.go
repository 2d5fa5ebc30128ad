package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/progrium/qlink-go/mux/frame"
)

// chanState is the session-owned state of one channel. All fields are
// guarded by mu.
type chanState struct {
	mu sync.Mutex

	id    uint32
	dir   Direction
	state ChannelState

	inbox [][]byte
	inSeq uint32

	// recvWindow is the credit the peer still holds; consumed counts bytes
	// handed to the application and not yet returned as credit.
	recvWindow uint32
	consumed   uint32

	remoteClosed bool
	eofDelivered bool

	// err is the terminal error of the channel, if any. observed is set
	// once the application has seen it.
	err      error
	observed bool
	retired  bool

	// opened is closed when a locally opened channel is confirmed or
	// rejected.
	opened chan struct{}

	// wake is closed and replaced on every change a reader may care about.
	wake chan struct{}
}

func newChanState(id uint32, dir Direction) *chanState {
	return &chanState{
		id:     id,
		dir:    dir,
		state:  ChannelOpening,
		opened: make(chan struct{}),
		wake:   make(chan struct{}),
	}
}

func (st *chanState) notify() {
	close(st.wake)
	st.wake = make(chan struct{})
}

func (st *chanState) confirm() {
	select {
	case <-st.opened:
	default:
		close(st.opened)
	}
}

// handle applies an inbound frame. Called by the read loop only.
func (s *Session) handle(st *chanState, f frame.Frame) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state == ChannelClosed {
		s.log.Debug("dropping frame for closed channel", zap.Uint32("channel", st.id), zap.Stringer("kind", f.Kind))
		return nil
	}
	if f.Sequence != st.inSeq {
		return fmt.Errorf("%w: channel %d sequence %d, expected %d", ErrProtocolViolation, st.id, f.Sequence, st.inSeq)
	}
	st.inSeq++

	switch f.Kind {
	case frame.KindData:
		if st.remoteClosed {
			return fmt.Errorf("%w: data on channel %d after close", ErrProtocolViolation, st.id)
		}
		if uint64(len(f.Payload)) > uint64(st.recvWindow) {
			return fmt.Errorf("%w: channel %d sent %d bytes with %d window", ErrProtocolViolation, st.id, len(f.Payload), st.recvWindow)
		}
		st.recvWindow -= uint32(len(f.Payload))
		st.inbox = append(st.inbox, f.Payload)
		st.notify()

	case frame.KindWindowUpdate:
		n, err := frame.ParseWindow(f.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: empty window update on channel %d", ErrProtocolViolation, st.id)
		}
		if err := s.sched.credit(st.id, n); err != nil {
			return err
		}
		if st.state == ChannelOpening && st.dir == LocalInitiated {
			st.state = ChannelOpen
			st.confirm()
		}

	case frame.KindClose:
		if st.remoteClosed {
			return fmt.Errorf("%w: duplicate close on channel %d", ErrProtocolViolation, st.id)
		}
		st.remoteClosed = true
		switch st.state {
		case ChannelOpening:
			// admitted as half closed by Accept
		case ChannelHalfClosedLocal:
			st.state = ChannelClosed
		default:
			st.state = ChannelHalfClosedRemote
		}
		st.notify()
		s.maybeRetire(st)

	case frame.KindError:
		reason := string(f.Payload)
		if st.state == ChannelOpening && st.dir == LocalInitiated {
			st.err = fmt.Errorf("%w: %s", ErrChannelRejected, reason)
		} else {
			st.err = fmt.Errorf("%w: %s", ErrChannelReset, reason)
		}
		st.state = ChannelClosed
		st.inbox = nil
		s.sched.reset(st.id, nil)
		st.confirm()
		st.notify()
		s.log.Debug("channel reset by peer", zap.Uint32("channel", st.id), zap.String("reason", reason))
		s.maybeRetire(st)

	default:
		return fmt.Errorf("%w: unexpected %v on channel %d", ErrProtocolViolation, f.Kind, st.id)
	}
	return nil
}

// maybeRetire removes a closed channel from the session table once the
// application can no longer learn anything from it. Called with st.mu held.
func (s *Session) maybeRetire(st *chanState) {
	if st.retired || st.state != ChannelClosed || len(st.inbox) > 0 {
		return
	}
	if st.err != nil && !st.observed {
		return
	}
	if st.err == nil && st.remoteClosed && !st.eofDelivered {
		return
	}
	st.retired = true
	s.retire(st.id)
}

// Channel is a handle to a logical bidirectional stream. It holds no
// channel state itself; every call resolves the channel in the session
// table. Channel implements io.ReadWriteCloser.
type Channel struct {
	id uint32
	s  *Session

	// read side buffering for Read
	rmu     sync.Mutex
	partial []byte
	sawEOF  bool
}

// ID returns the channel id, unique within the session.
func (c *Channel) ID() uint32 {
	return c.id
}

// Session returns the session carrying the channel.
func (c *Channel) Session() *Session {
	return c.s
}

func (c *Channel) lookup() (*chanState, error) {
	c.s.chanMu.Lock()
	st, ok := c.s.chans[c.id]
	c.s.chanMu.Unlock()
	if !ok {
		return nil, ErrChannelClosed
	}
	return st, nil
}

// State returns the channel lifecycle state.
func (c *Channel) State() ChannelState {
	st, err := c.lookup()
	if err != nil {
		return ChannelClosed
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Send queues payload as one DATA frame and returns without waiting for
// the peer. It fails with ErrSendBufferFull when too much data is already
// queued on the channel.
func (c *Channel) Send(payload []byte) error {
	st, err := c.lookup()
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.err != nil {
		err := st.err
		st.observed = true
		c.s.maybeRetire(st)
		st.mu.Unlock()
		return err
	}
	if st.state != ChannelOpen && st.state != ChannelHalfClosedRemote {
		st.mu.Unlock()
		return ErrChannelClosed
	}
	st.mu.Unlock()

	if len(payload) > int(c.s.maxFrame) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.s.maxFrame)
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	_, err = c.s.sched.enqueue(c.id, p)
	return c.sendErr(err)
}

func (c *Channel) sendErr(err error) error {
	if errors.Is(err, ErrSessionClosed) {
		return c.s.lostErr()
	}
	return err
}

// Write implements io.Writer. It splits p into frames and waits for
// queue space instead of failing with ErrSendBufferFull.
func (c *Channel) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		chunk := p
		if len(chunk) > int(c.s.maxFrame) {
			chunk = chunk[:c.s.maxFrame]
		}
		for {
			if err := c.checkWritable(); err != nil {
				return n, err
			}
			buf := make([]byte, len(chunk))
			copy(buf, chunk)
			space, err := c.s.sched.enqueue(c.id, buf)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrSendBufferFull) {
				return n, c.sendErr(err)
			}
			select {
			case <-space:
			case <-c.s.done:
				return n, c.s.lostErr()
			}
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

func (c *Channel) checkWritable() error {
	st, err := c.lookup()
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		st.observed = true
		return st.err
	}
	if st.state != ChannelOpen && st.state != ChannelHalfClosedRemote {
		return ErrChannelClosed
	}
	return nil
}

// Receive returns the next payload sent by the peer, in order. It returns
// io.EOF once the peer has closed its side and everything before the
// close has been received, and ErrChannelClosed after the channel is
// fully closed. If the session dies the returned error matches
// ErrConnectionLost and the cause.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	st, err := c.lookup()
	if err != nil {
		return nil, err
	}
	var timeout <-chan time.Time
	if d := c.s.cfg.ReceiveTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	for {
		st.mu.Lock()
		if len(st.inbox) > 0 {
			p := st.inbox[0]
			st.inbox[0] = nil
			st.inbox = st.inbox[1:]
			c.s.consumed(st, uint32(len(p)))
			c.s.maybeRetire(st)
			st.mu.Unlock()
			return p, nil
		}
		if st.err != nil {
			err := st.err
			st.observed = true
			c.s.maybeRetire(st)
			st.mu.Unlock()
			return nil, err
		}
		if st.remoteClosed {
			if st.eofDelivered && st.retired {
				st.mu.Unlock()
				return nil, ErrChannelClosed
			}
			st.eofDelivered = true
			c.s.maybeRetire(st)
			st.mu.Unlock()
			return nil, io.EOF
		}
		if st.state == ChannelClosed {
			st.mu.Unlock()
			return nil, ErrChannelClosed
		}
		wake := st.wake
		st.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrTimeout
		}
	}
}

// Read implements io.Reader on top of Receive.
func (c *Channel) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for len(c.partial) == 0 {
		if c.sawEOF {
			return 0, io.EOF
		}
		payload, err := c.Receive(context.Background())
		if err == io.EOF {
			c.sawEOF = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		c.partial = payload
	}
	n := copy(p, c.partial)
	c.partial = c.partial[n:]
	return n, nil
}

// Close ends the local side of the channel. CLOSE is sent after any
// queued data. The peer may keep sending until it closes too. Close is
// idempotent.
func (c *Channel) Close() error {
	st, err := c.lookup()
	if err != nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		st.observed = true
		c.s.maybeRetire(st)
		return nil
	}
	switch st.state {
	case ChannelOpen:
		st.state = ChannelHalfClosedLocal
	case ChannelHalfClosedRemote:
		// a full close ends reading too, so a pending EOF is not owed
		st.state = ChannelClosed
		st.eofDelivered = true
	default:
		return nil
	}
	c.s.sched.close(c.id)
	st.notify()
	c.s.maybeRetire(st)
	return nil
}

// Reset aborts the channel in both directions. Queued data is dropped and
// the peer receives reason with an ERROR frame.
func (c *Channel) Reset(reason string) error {
	st, err := c.lookup()
	if err != nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	c.s.resetLocked(st, reason)
	return nil
}

func (s *Session) resetLocked(st *chanState, reason string) {
	if st.state == ChannelClosed && st.err != nil {
		st.observed = true
		s.maybeRetire(st)
		return
	}
	if len(reason) > int(s.maxFrame) {
		reason = reason[:s.maxFrame]
	}
	st.state = ChannelClosed
	st.err = ErrChannelClosed
	st.observed = true
	st.inbox = nil
	s.sched.reset(st.id, []byte(reason))
	st.confirm()
	st.notify()
	s.maybeRetire(st)
}

// consumed accounts for n bytes handed to the application and returns
// credit to the peer when enough has accumulated or the inbox drained.
// Called with st.mu held.
func (s *Session) consumed(st *chanState, n uint32) {
	st.consumed += n
	if st.remoteClosed || st.state == ChannelClosed || st.consumed == 0 {
		return
	}
	if st.consumed < s.cfg.InitialWindow/2 && len(st.inbox) > 0 {
		return
	}
	credit := st.consumed
	st.consumed = 0
	st.recvWindow += credit
	s.sched.sendControl(frame.Frame{ChannelID: st.id, Kind: frame.KindWindowUpdate, Payload: frame.WindowPayload(credit)})
}
