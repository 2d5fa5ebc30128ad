package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progrium/qlink-go/mux/frame"
)

func popAll(s *scheduler) []frame.Frame {
	var out []frame.Frame
	for {
		f, ok := s.pop(1 << 20)
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestSchedulerRoundRobin(t *testing.T) {
	s := newScheduler(1<<20, 1<<20)
	s.add(1, 1000)
	s.add(3, 1000)
	for i := 0; i < 3; i++ {
		_, err := s.enqueue(1, []byte("a"))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.enqueue(3, []byte("b"))
		require.NoError(t, err)
	}

	var order []uint32
	for _, f := range popAll(s) {
		order = append(order, f.ChannelID)
	}
	assert.Equal(t, []uint32{1, 3, 1, 3, 1, 3}, order)
}

func TestSchedulerControlFirst(t *testing.T) {
	s := newScheduler(1<<20, 1<<20)
	s.add(1, 1000)
	_, err := s.enqueue(1, []byte("data"))
	require.NoError(t, err)
	s.sendControl(frame.Frame{ChannelID: 1, Kind: frame.KindWindowUpdate, Payload: frame.WindowPayload(10)})

	frames := popAll(s)
	require.Len(t, frames, 2)
	assert.Equal(t, frame.KindWindowUpdate, frames[0].Kind)
	assert.Equal(t, uint32(0), frames[0].Sequence)
	assert.Equal(t, frame.KindData, frames[1].Kind)
	assert.Equal(t, uint32(1), frames[1].Sequence)
}

func TestSchedulerSkipsChannelWithoutCredit(t *testing.T) {
	s := newScheduler(1<<20, 1<<20)
	s.add(1, 0)
	s.add(3, 100)
	_, err := s.enqueue(1, []byte("blocked"))
	require.NoError(t, err)
	_, err = s.enqueue(3, []byte("free"))
	require.NoError(t, err)

	frames := popAll(s)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(3), frames[0].ChannelID)

	require.NoError(t, s.credit(1, 4))
	assert.Empty(t, popAll(s), "head frame is larger than the credit")

	require.NoError(t, s.credit(1, 3))
	frames = popAll(s)
	require.Len(t, frames, 1)
	assert.Equal(t, "blocked", string(frames[0].Payload))
	assert.Equal(t, uint64(0), s.window(1))
}

func TestSchedulerCloseNotWindowLimited(t *testing.T) {
	s := newScheduler(1<<20, 1<<20)
	s.add(1, 0)
	s.close(1)
	_, err := s.enqueue(1, []byte("after close"))
	assert.ErrorIs(t, err, ErrChannelClosed)

	frames := popAll(s)
	require.Len(t, frames, 1)
	assert.Equal(t, frame.KindClose, frames[0].Kind)
}

func TestSchedulerCreditLimit(t *testing.T) {
	s := newScheduler(100, 1<<20)
	s.add(1, 50)
	assert.NoError(t, s.credit(1, 50))
	assert.ErrorIs(t, s.credit(1, 1), ErrProtocolViolation)
}

func TestSchedulerQueueLimit(t *testing.T) {
	s := newScheduler(1<<20, 10)
	s.add(1, 0)
	_, err := s.enqueue(1, make([]byte, 8))
	require.NoError(t, err)
	space, err := s.enqueue(1, make([]byte, 8))
	require.ErrorIs(t, err, ErrSendBufferFull)

	require.NoError(t, s.credit(1, 8))
	popAll(s)
	select {
	case <-space:
	default:
		t.Fatal("space not signalled")
	}
	_, err = s.enqueue(1, make([]byte, 8))
	assert.NoError(t, err)
}

func TestSchedulerResetAndRetire(t *testing.T) {
	s := newScheduler(1<<20, 1<<20)
	s.add(1, 0)
	_, err := s.enqueue(1, []byte("dropped"))
	require.NoError(t, err)
	s.reset(1, []byte("bye"))
	s.retire(1)

	_, ok := s.queues[1]
	assert.True(t, ok, "retired before the error was sent")
	frames := popAll(s)
	require.Len(t, frames, 1)
	assert.Equal(t, frame.KindError, frames[0].Kind)
	_, ok = s.queues[1]
	assert.False(t, ok)
}

func TestSchedulerShutdown(t *testing.T) {
	s := newScheduler(1<<20, 1<<20)
	s.add(1, 100)
	_, err := s.enqueue(1, []byte("lost"))
	require.NoError(t, err)
	s.shutdown(&frame.Frame{Kind: frame.KindError, Payload: []byte("fatal")})

	assert.True(t, s.wait())
	frames := popAll(s)
	require.Len(t, frames, 1)
	assert.Equal(t, "fatal", string(frames[0].Payload))
	assert.False(t, s.wait())

	_, err = s.enqueue(1, []byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSchedulerRecordRoom(t *testing.T) {
	s := newScheduler(1<<20, 1<<20)
	s.add(1, 1000)
	_, err := s.enqueue(1, make([]byte, 100))
	require.NoError(t, err)
	_, ok := s.pop(frame.HeaderSize + 99)
	assert.False(t, ok)
	f, ok := s.pop(frame.HeaderSize + 100)
	assert.True(t, ok)
	assert.Len(t, f.Payload, 100)
}
