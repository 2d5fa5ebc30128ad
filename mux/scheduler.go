package mux

import (
	"fmt"
	"sync"

	"github.com/progrium/qlink-go/mux/frame"
)

// sendQueue is the outbound side of one channel. The scheduler owns it.
type sendQueue struct {
	id     uint32
	window uint64
	frames []frame.Frame
	queued int
	seq    uint32

	// closing is set once CLOSE or ERROR has been queued.
	closing bool
	inRing  bool
	retired bool

	// pendingCtl counts control frames queued for this channel.
	pendingCtl int

	// space is closed and replaced whenever queued bytes are released.
	space chan struct{}
}

func (q *sendQueue) signal() {
	close(q.space)
	q.space = make(chan struct{})
}

// scheduler interleaves outbound frames. Control frames go first, then
// channels with pending data are served round-robin, one frame per
// channel per pass. A channel whose head DATA frame exceeds its send
// window is skipped until a WINDOW_UPDATE arrives.
type scheduler struct {
	mu        sync.Mutex
	control   []frame.Frame
	queues    map[uint32]*sendQueue
	ring      []uint32
	next      int
	maxWindow uint64
	maxQueued int

	closed bool
	final  *frame.Frame

	wake chan struct{}
	stop chan struct{}
}

func newScheduler(maxWindow uint32, maxQueued int) *scheduler {
	return &scheduler{
		queues:    make(map[uint32]*sendQueue),
		maxWindow: uint64(maxWindow),
		maxQueued: maxQueued,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

func (s *scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// add registers a channel with an initial send window.
func (s *scheduler) add(id uint32, window uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = &sendQueue{id: id, window: uint64(window), space: make(chan struct{})}
}

// sendControl queues an OPEN, WINDOW_UPDATE or ERROR frame.
func (s *scheduler) sendControl(f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if q, ok := s.queues[f.ChannelID]; ok {
		q.pendingCtl++
	}
	s.control = append(s.control, f)
	s.notify()
}

// enqueue appends a DATA frame. When the queue is over its byte limit it
// returns ErrSendBufferFull and a channel that is closed once space frees.
func (s *scheduler) enqueue(id uint32, payload []byte) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	q, ok := s.queues[id]
	if !ok || q.closing {
		return nil, ErrChannelClosed
	}
	if q.queued > 0 && q.queued+len(payload) > s.maxQueued {
		return q.space, ErrSendBufferFull
	}
	q.frames = append(q.frames, frame.Frame{ChannelID: id, Kind: frame.KindData, Payload: payload})
	q.queued += len(payload)
	s.schedule(q)
	return nil, nil
}

// close queues CLOSE behind any pending data.
func (s *scheduler) close(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok || q.closing || s.closed {
		return
	}
	q.closing = true
	q.frames = append(q.frames, frame.Frame{ChannelID: id, Kind: frame.KindClose})
	s.schedule(q)
}

// reset drops pending data for id. When reason is non-nil an ERROR frame
// carrying it is queued.
func (s *scheduler) reset(id uint32, reason []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return
	}
	q.closing = true
	q.frames = nil
	q.queued = 0
	q.signal()
	s.unschedule(q)
	if reason != nil && !s.closed {
		q.pendingCtl++
		s.control = append(s.control, frame.Frame{ChannelID: id, Kind: frame.KindError, Payload: reason})
		s.notify()
	}
	s.collect(q)
}

// credit adds n bytes to the send window of id.
func (s *scheduler) credit(id uint32, n uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return nil
	}
	if q.window+uint64(n) > s.maxWindow {
		return fmt.Errorf("%w: window update of %d on channel %d exceeds max window %d", ErrProtocolViolation, n, id, s.maxWindow)
	}
	q.window += uint64(n)
	if len(q.frames) > 0 {
		s.notify()
	}
	return nil
}

// window returns the send window of id.
func (s *scheduler) window(id uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		return q.window
	}
	return 0
}

// retire forgets id once nothing more is waiting to be sent for it.
func (s *scheduler) retire(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		q.retired = true
		s.collect(q)
	}
}

// shutdown stops the scheduler. Only final, if set, is still emitted.
func (s *scheduler) shutdown(final *frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.final = final
	s.control = nil
	s.ring = nil
	for _, q := range s.queues {
		q.signal()
	}
	close(s.stop)
}

// wait blocks until there may be something to send. It returns false
// once the scheduler is shut down and drained.
func (s *scheduler) wait() bool {
	select {
	case <-s.wake:
	case <-s.stop:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed || s.final != nil
}

// pop returns the next frame no larger than room bytes on the wire and
// assigns its sequence number.
func (s *scheduler) pop(room int) (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.final == nil || s.final.Size() > room {
			return frame.Frame{}, false
		}
		f := *s.final
		s.final = nil
		return f, true
	}

	if len(s.control) > 0 {
		f := s.control[0]
		if f.Size() > room {
			return frame.Frame{}, false
		}
		s.control[0] = frame.Frame{}
		s.control = s.control[1:]
		if q, ok := s.queues[f.ChannelID]; ok && f.ChannelID != 0 {
			f.Sequence = q.seq
			q.seq++
			q.pendingCtl--
			s.collect(q)
		}
		return f, true
	}

	n := len(s.ring)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		q := s.queues[s.ring[idx]]
		head := q.frames[0]
		if head.Kind == frame.KindData && uint64(len(head.Payload)) > q.window {
			continue
		}
		if head.Size() > room {
			return frame.Frame{}, false
		}
		q.frames[0] = frame.Frame{}
		q.frames = q.frames[1:]
		if head.Kind == frame.KindData {
			q.window -= uint64(len(head.Payload))
			q.queued -= len(head.Payload)
			q.signal()
		}
		head.Sequence = q.seq
		q.seq++

		if len(q.frames) == 0 {
			q.inRing = false
			s.ring = append(s.ring[:idx], s.ring[idx+1:]...)
			s.next = idx
		} else {
			s.next = idx + 1
		}
		if s.next >= len(s.ring) {
			s.next = 0
		}
		s.collect(q)
		return head, true
	}
	return frame.Frame{}, false
}

func (s *scheduler) schedule(q *sendQueue) {
	if !q.inRing {
		q.inRing = true
		s.ring = append(s.ring, q.id)
	}
	s.notify()
}

func (s *scheduler) unschedule(q *sendQueue) {
	if !q.inRing {
		return
	}
	q.inRing = false
	for i, id := range s.ring {
		if id == q.id {
			s.ring = append(s.ring[:i], s.ring[i+1:]...)
			if s.next > i {
				s.next--
			}
			break
		}
	}
	if s.next >= len(s.ring) {
		s.next = 0
	}
}

func (s *scheduler) collect(q *sendQueue) {
	if q.retired && len(q.frames) == 0 && q.pendingCtl == 0 {
		delete(s.queues, q.id)
	}
}
