package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol negotiated on QUIC connections.
const NextProto = "qlink"

var quicConfig = &quic.Config{
	KeepAlivePeriod: 15 * time.Second,
	MaxIdleTimeout:  time.Minute,
}

// quicStream carries a session over one bidirectional stream. Closing it
// closes the whole QUIC connection.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	return s.conn.CloseWithError(0, "closed")
}

// DialQUIC connects to a QUIC endpoint and opens one stream. The server
// certificate is only verified when the verify=true query parameter is
// set; peers are authenticated by the session handshake either way.
func DialQUIC(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	verify, _ := strconv.ParseBool(u.Query().Get("verify"))
	tlsConf := &tls.Config{
		NextProtos:         []string{NextProto},
		ServerName:         u.Hostname(),
		InsecureSkipVerify: !verify,
	}
	conn, err := quic.DialAddr(ctx, u.Host, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

// QUICListener accepts one stream per QUIC connection.
type QUICListener struct {
	ln        *quic.Listener
	accepted  chan io.ReadWriteCloser
	closer    chan struct{}
	closeOnce sync.Once
	errs      chan error
}

// ListenQUIC listens for QUIC connections on addr. A nil tlsConf uses a
// freshly generated self-signed certificate.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = selfSignedTLSConfig()
		if err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	l := &QUICListener{
		ln:       ln,
		accepted: make(chan io.ReadWriteCloser),
		closer:   make(chan struct{}),
		errs:     make(chan error, 1),
	}
	go l.loop()
	return l, nil
}

func (l *QUICListener) loop() {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			l.errs <- err
			return
		}
		go l.acceptStream(conn)
	}
}

func (l *QUICListener) acceptStream(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(conn.Context(), 10*time.Second)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}
	s := &quicStream{Stream: stream, conn: conn}
	select {
	case l.accepted <- s:
	case <-l.closer:
		s.Close()
	}
}

// Accept waits for and returns the next connected stream.
func (l *QUICListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case <-l.closer:
		return nil, net.ErrClosed
	case err := <-l.errs:
		return nil, err
	case s := <-l.accepted:
		return s, nil
	}
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (l *QUICListener) Close() error {
	l.closeOnce.Do(func() { close(l.closer) })
	return l.ln.Close()
}

func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{NextProto},
	}, nil
}
