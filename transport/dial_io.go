package transport

import (
	"context"
	"io"
	"net/url"
	"os"
)

// DialIO joins a WriteCloser and a ReadCloser into one stream.
func DialIO(out io.WriteCloser, in io.ReadCloser) io.ReadWriteCloser {
	return &ioduplex{out, in}
}

// DialStdio returns a stream over Stdout and Stdin.
func DialStdio() io.ReadWriteCloser {
	return DialIO(os.Stdout, os.Stdin)
}

func dialStdio(context.Context, *url.URL) (io.ReadWriteCloser, error) {
	return DialStdio(), nil
}

type ioduplex struct {
	io.WriteCloser
	io.ReadCloser
}

func (d *ioduplex) Close() error {
	werr := d.WriteCloser.Close()
	rerr := d.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
