package transport

import (
	"context"
	"io"
	"net"
	"net/url"
)

// DialTCP connects to a TCP address.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// DialUnix connects to a Unix domain socket at path.
func DialUnix(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

func dialTCP(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	return DialTCP(ctx, u.Host)
}

func dialUnix(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	return DialUnix(ctx, u.Path)
}
