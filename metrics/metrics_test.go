package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionUp()
		m.SessionDown("eof")
		m.ChannelOpened(Out)
		m.ChannelClosed()
		m.Frame(In, "DATA")
		m.Bytes(Out, 10)
		m.ReconnectAttempt()
		m.Handshake(time.Millisecond)
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.SessionUp()
	m.ChannelOpened(Out)
	m.ChannelOpened(In)
	m.ChannelClosed()
	m.Frame(Out, "DATA")
	m.Frame(Out, "DATA")
	m.Bytes(In, 42)
	m.ReconnectAttempt()
	m.Handshake(3 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelsOpened.WithLabelValues(In)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues(Out, "DATA")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.bytes.WithLabelValues(In)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnectAttempts))

	m.SessionDown("closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionErrors.WithLabelValues("closed")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
