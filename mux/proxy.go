package mux

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Proxy accepts channels on src then opens a channel on dst and performs
// an io.Copy in both directions in goroutines. Proxy returns nil when src
// is closed locally, other errors from src.Accept, and any errors from
// dst.Open after resetting the accepted channel from src.
func Proxy(dst, src *Session) error {
	for {
		ctx := context.Background()
		a, err := src.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}
			return err
		}
		b, err := dst.Open(ctx)
		if err != nil {
			a.Reset("proxy: " + err.Error())
			return err
		}
		go proxy(a, b)
	}
}

func proxy(a, b *Channel) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		io.Copy(a, b)
		a.Close()
		wg.Done()
	}()
	go func() {
		io.Copy(b, a)
		b.Close()
		wg.Done()
	}()
	wg.Wait()
}
