package secure

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fatal(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

type result struct {
	sess *Session
	err  error
}

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	fatal(err, t)
	return priv
}

// pair runs both sides of a handshake over net.Pipe. A side that fails
// closes its end so the other side is never left blocked.
func pair(t *testing.T, ci, cr Config, vi, vr uint16) (result, result, net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run := func(c net.Conn, role Role, cfg Config, v uint16, out chan<- result) {
		s, err := handshake(ctx, c, role, cfg, v)
		if err != nil {
			c.Close()
		}
		out <- result{s, err}
	}
	ri := make(chan result, 1)
	rr := make(chan result, 1)
	go run(a, Initiator, ci, vi, ri)
	go run(b, Responder, cr, vr, rr)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return <-ri, <-rr, a, b
}

func baseConfig(t *testing.T) Config {
	return Config{Identity: newKey(t), MaxFrameSize: 32 * 1024}
}

func TestHandshake(t *testing.T) {
	ci, cr := baseConfig(t), baseConfig(t)
	cr.MaxFrameSize = 4096
	i, r, _, _ := pair(t, ci, cr, ProtocolVersion, ProtocolVersion)
	require.NoError(t, i.err)
	require.NoError(t, r.err)

	assert.Equal(t, Initiator, i.sess.Role)
	assert.Equal(t, Responder, r.sess.Role)
	assert.Equal(t, uint32(4096), i.sess.MaxFrameSize)
	assert.Equal(t, uint32(4096), r.sess.MaxFrameSize)
	assert.Equal(t, cr.Identity.Public(), i.sess.PeerIdentity)
	assert.Equal(t, ci.Identity.Public(), r.sess.PeerIdentity)
	assert.Equal(t, ProtocolVersion, i.sess.Version)

	rec, err := i.sess.Sealer().Seal(nil, []byte("hello"))
	fatal(err, t)
	pt, err := r.sess.Opener().Open(nil, rec)
	fatal(err, t)
	assert.Equal(t, "hello", string(pt))

	rec, err = r.sess.Sealer().Seal(nil, []byte("world"))
	fatal(err, t)
	pt, err = i.sess.Opener().Open(nil, rec)
	fatal(err, t)
	assert.Equal(t, "world", string(pt))
}

func TestHandshakeEphemeralIdentity(t *testing.T) {
	i, r, _, _ := pair(t, Config{MaxFrameSize: 1024}, Config{MaxFrameSize: 1024}, ProtocolVersion, ProtocolVersion)
	require.NoError(t, i.err)
	require.NoError(t, r.err)
	assert.Len(t, i.sess.PeerIdentity, ed25519.PublicKeySize)
	assert.Equal(t, i.sess.PeerIdentity, r.sess.LocalIdentity)
}

func TestHandshakeVersionMismatch(t *testing.T) {
	i, r, _, _ := pair(t, baseConfig(t), baseConfig(t), ProtocolVersion+1, ProtocolVersion)
	assert.ErrorIs(t, i.err, ErrVersionMismatch)
	assert.ErrorIs(t, r.err, ErrVersionMismatch)
}

func TestHandshakePSKMismatch(t *testing.T) {
	ci, cr := baseConfig(t), baseConfig(t)
	ci.PSK = bytes.Repeat([]byte{1}, 32)
	cr.PSK = bytes.Repeat([]byte{2}, 32)
	i, r, _, _ := pair(t, ci, cr, ProtocolVersion, ProtocolVersion)
	assert.Error(t, i.err)
	assert.ErrorIs(t, r.err, ErrAuth)
}

func TestHandshakeUntrustedPeer(t *testing.T) {
	ci, cr := baseConfig(t), baseConfig(t)
	other := newKey(t)
	cr.Trusted = []ed25519.PublicKey{other.Public().(ed25519.PublicKey)}
	i, r, _, _ := pair(t, ci, cr, ProtocolVersion, ProtocolVersion)
	assert.Error(t, i.err)
	assert.ErrorIs(t, r.err, ErrAuth)

	cr.Trusted = append(cr.Trusted, ci.Identity.Public().(ed25519.PublicKey))
	i, r, _, _ = pair(t, ci, cr, ProtocolVersion, ProtocolVersion)
	assert.NoError(t, i.err)
	assert.NoError(t, r.err)
}

func TestHandshakeGarbage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		NewRecordWriter(a).WriteRecord([]byte("not cbor at all"))
	}()
	_, err := Handshake(context.Background(), b, Responder, baseConfig(t))
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestHandshakeTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Handshake(ctx, b, Responder, baseConfig(t))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func sealerPair(t *testing.T, rekeyAfter uint64) (*Sealer, *Opener) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	fatal(err, t)
	s, err := newSealer(key, rekeyAfter)
	fatal(err, t)
	o, err := newOpener(key)
	fatal(err, t)
	return s, o
}

func TestSealOpen(t *testing.T) {
	s, o := sealerPair(t, 0)
	for i := 0; i < 100; i++ {
		msg := bytes.Repeat([]byte{byte(i)}, i)
		rec, err := s.Seal(nil, msg)
		fatal(err, t)
		assert.Len(t, rec, len(msg)+Overhead)
		pt, err := o.Open(nil, rec)
		fatal(err, t)
		assert.True(t, bytes.Equal(msg, pt), "record %d", i)
	}
	assert.Equal(t, uint64(100), s.Counter())

	// an empty record opens to an empty plaintext
	rec, err := s.Seal(nil, nil)
	fatal(err, t)
	assert.Len(t, rec, Overhead)
	pt, err := o.Open(nil, rec)
	fatal(err, t)
	assert.Len(t, pt, 0)
}

func TestNonceUniqueness(t *testing.T) {
	s, _ := sealerPair(t, 0)
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		rec, err := s.Seal(nil, []byte("x"))
		fatal(err, t)
		nonce := string(rec[1:SealedHeaderSize])
		require.False(t, seen[nonce], "counter reused at record %d", i)
		seen[nonce] = true
	}
}

func TestOpenReplay(t *testing.T) {
	s, o := sealerPair(t, 0)
	rec, err := s.Seal(nil, []byte("once"))
	fatal(err, t)
	_, err = o.Open(nil, rec)
	fatal(err, t)
	_, err = o.Open(nil, rec)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestOpenReorder(t *testing.T) {
	s, o := sealerPair(t, 0)
	first, err := s.Seal(nil, []byte("first"))
	fatal(err, t)
	second, err := s.Seal(nil, []byte("second"))
	fatal(err, t)
	_, err = o.Open(nil, second)
	assert.ErrorIs(t, err, ErrAuth)
	_ = first
}

func TestOpenTamper(t *testing.T) {
	cases := map[string]func(rec []byte){
		"ciphertext": func(rec []byte) { rec[SealedHeaderSize] ^= 0xff },
		"tag":        func(rec []byte) { rec[len(rec)-1] ^= 0x01 },
		"flags":      func(rec []byte) { rec[0] = 0x80 },
		"counter":    func(rec []byte) { rec[8] = 7 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s, o := sealerPair(t, 0)
			rec, err := s.Seal(nil, []byte("payload"))
			fatal(err, t)
			mutate(rec)
			_, err = o.Open(nil, rec)
			assert.ErrorIs(t, err, ErrAuth)
		})
	}

	_, o := sealerPair(t, 0)
	_, err := o.Open(nil, []byte{0, 1, 2})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestRekey(t *testing.T) {
	s, o := sealerPair(t, 3)
	for i := 0; i < 10; i++ {
		rec, err := s.Seal(nil, []byte{byte(i)})
		fatal(err, t)
		pt, err := o.Open(nil, rec)
		fatal(err, t)
		assert.Equal(t, []byte{byte(i)}, pt)
	}
	assert.Equal(t, 3, s.Rekeys())
	assert.Equal(t, s.Rekeys(), o.Rekeys())

	s.Rekey()
	rec, err := s.Seal(nil, []byte("manual"))
	fatal(err, t)
	_, err = o.Open(nil, rec)
	fatal(err, t)
	assert.Equal(t, 4, s.Rekeys())
	assert.Equal(t, 4, o.Rekeys())

	// a record sealed under a stale key is rejected
	key := make([]byte, 32)
	stale, err := newSealer(key, 0)
	fatal(err, t)
	stale.counter = s.Counter()
	rec, err = stale.Seal(nil, []byte("old"))
	fatal(err, t)
	_, err = o.Open(nil, rec)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestRecordReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewRecordWriter(&buf)
	fatal(w.WriteRecord([]byte("abc")), t)
	fatal(w.WriteRecord(bytes.Repeat([]byte{9}, 100)), t)

	r := NewRecordReader(&buf, 64)
	rec, err := r.ReadRecord()
	fatal(err, t)
	assert.Equal(t, "abc", string(rec))
	_, err = r.ReadRecord()
	assert.Error(t, err)

	buf.Reset()
	fatal(w.WriteRecord([]byte("truncated")), t)
	buf.Truncate(buf.Len() - 2)
	_, err = NewRecordReader(&buf, 64).ReadRecord()
	assert.ErrorContains(t, err, "unexpected EOF")
}

func TestRecordBudget(t *testing.T) {
	assert.Equal(t, 64*1024, RecordBudget(1024))
	assert.Equal(t, 13+1<<20, RecordBudget(1<<20))
}
