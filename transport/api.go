// Package transport provides the byte streams a qlink session runs over.
//
// Every connector returns a plain io.ReadWriteCloser. Encryption, framing
// and channel multiplexing happen above this layer in package mux, so a
// transport only has to deliver bytes reliably and in order.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
)

// A Dialer connects to the endpoint described by u.
type Dialer func(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error)

// A Listener accepts byte streams for the responder side of a session.
type Listener interface {
	// Accept waits for and returns the next connected stream.
	Accept() (io.ReadWriteCloser, error)

	// Close closes the listener.
	// Any blocked Accept operations will be unblocked and return errors.
	Close() error

	// Addr returns the local address the listener is bound to.
	Addr() net.Addr
}

// Dialers maps URL schemes to Dialers and includes all builtin transports.
var Dialers = map[string]Dialer{
	"tcp":   dialTCP,
	"unix":  dialUnix,
	"ws":    DialWS,
	"quic":  DialQUIC,
	"ssh":   DialSSH,
	"stdio": dialStdio,
}

// Listeners maps URL schemes to listener constructors.
var Listeners = map[string]func(u *url.URL) (Listener, error){
	"tcp": func(u *url.URL) (Listener, error) {
		return listener(ListenTCP(u.Host))
	},
	"unix": func(u *url.URL) (Listener, error) {
		return listener(ListenUnix(u.Path))
	},
	"ws": func(u *url.URL) (Listener, error) {
		return listener(ListenWS(u.Host, u.Path))
	},
	"quic": func(u *url.URL) (Listener, error) {
		return listener(ListenQUIC(u.Host, nil))
	},
	"stdio": func(*url.URL) (Listener, error) {
		return ListenStdio(), nil
	},
}

// Dial connects to u using the Dialer registered for its scheme.
func Dial(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	d, ok := Dialers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("qlink: transport %q not in available Dialers", u.Scheme)
	}
	return d(ctx, u)
}

// Listen creates a Listener for u using the constructor registered for
// its scheme.
func Listen(u *url.URL) (Listener, error) {
	l, ok := Listeners[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("qlink: transport %q not in available Listeners", u.Scheme)
	}
	return l(u)
}

func listener[L Listener](l L, err error) (Listener, error) {
	if err != nil {
		return nil, err
	}
	return l, nil
}
