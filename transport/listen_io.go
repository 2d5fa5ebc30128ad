package transport

import (
	"io"
	"net"
	"os"
	"sync"
)

// ioListener wraps a single ReadWriteCloser to use as a listener.
type ioListener struct {
	rwc    io.ReadWriteCloser
	once   sync.Once
	given  bool
	mu     sync.Mutex
	closer chan struct{}
}

// Accept returns the wrapped stream on the first call. Later calls block
// until the listener is closed.
func (l *ioListener) Accept() (io.ReadWriteCloser, error) {
	l.mu.Lock()
	if !l.given {
		l.given = true
		l.mu.Unlock()
		return l.rwc, nil
	}
	l.mu.Unlock()
	<-l.closer
	return nil, net.ErrClosed
}

func (l *ioListener) Close() error {
	l.once.Do(func() { close(l.closer) })
	return nil
}

func (l *ioListener) Addr() net.Addr {
	return nil
}

// ListenIO returns a Listener that yields one stream made from separate
// WriteCloser and ReadCloser halves.
func ListenIO(out io.WriteCloser, in io.ReadCloser) Listener {
	return &ioListener{
		rwc:    DialIO(out, in),
		closer: make(chan struct{}),
	}
}

// ListenStdio is a convenience for calling ListenIO with Stdout and Stdin.
func ListenStdio() Listener {
	return ListenIO(os.Stdout, os.Stdin)
}
