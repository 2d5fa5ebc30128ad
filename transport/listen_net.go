package transport

import (
	"io"
	"net"
	"sync"
)

// NetListener wraps a net.Listener and hands out accepted streams.
// Streams can also be delivered by HTTP handlers (see HandleWS), so
// accepting goes through a channel rather than the listener directly.
type NetListener struct {
	net.Listener
	accepted  chan io.ReadWriteCloser
	closer    chan struct{}
	closeOnce sync.Once
	errs      chan error
}

func newNetListener(l net.Listener) *NetListener {
	return &NetListener{
		Listener: l,
		accepted: make(chan io.ReadWriteCloser),
		closer:   make(chan struct{}),
		errs:     make(chan error, 2),
	}
}

// Accept waits for and returns the next connected stream.
func (l *NetListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case <-l.closer:
		return nil, net.ErrClosed
	case err := <-l.errs:
		return nil, err
	case conn := <-l.accepted:
		return conn, nil
	}
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (l *NetListener) Close() error {
	l.closeOnce.Do(func() { close(l.closer) })
	return l.Listener.Close()
}

// deliver passes conn to Accept, or closes it if the listener is closed.
func (l *NetListener) deliver(conn io.ReadWriteCloser) bool {
	select {
	case l.accepted <- conn:
		return true
	case <-l.closer:
		conn.Close()
		return false
	}
}

func listenNet(proto, addr string) (*NetListener, error) {
	l, err := net.Listen(proto, addr)
	if err != nil {
		return nil, err
	}
	nl := newNetListener(l)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				nl.errs <- err
				return
			}
			if !nl.deliver(conn) {
				return
			}
		}
	}()
	return nl, nil
}

// ListenTCP creates a TCP listener at the given address.
func ListenTCP(addr string) (*NetListener, error) {
	return listenNet("tcp", addr)
}

// ListenUnix creates a Unix domain socket listener at the given path.
func ListenUnix(path string) (*NetListener, error) {
	return listenNet("unix", path)
}
