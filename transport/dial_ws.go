package transport

import (
	"context"
	"io"
	"net/url"

	"golang.org/x/net/websocket"
)

// DialWS connects to a WebSocket endpoint. Data travels in binary frames.
func DialWS(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	wsURL := *u
	wsURL.RawQuery = ""
	config, err := websocket.NewConfig(wsURL.String(), "http://"+u.Host+"/")
	if err != nil {
		return nil, err
	}
	ws, err := config.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	ws.PayloadType = websocket.BinaryFrame
	return ws, nil
}
