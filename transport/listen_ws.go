package transport

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"
	"golang.org/x/net/websocket"
)

// wsStream keeps a server-side x/net WebSocket open until it is closed,
// since the library closes the connection when its handler returns.
type wsStream struct {
	*websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *wsStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.Conn.Close()
}

// HandleWS takes a WebSocket connection and sends it to a NetListener to be
// accepted. It returns once the stream is closed or the listener is.
func HandleWS(l *NetListener, ws *websocket.Conn) {
	ws.PayloadType = websocket.BinaryFrame
	s := &wsStream{Conn: ws, done: make(chan struct{})}
	if !l.deliver(s) {
		return
	}
	select {
	case <-s.done:
	case <-l.closer:
	}
}

// ListenWS takes a TCP address and returns a NetListener with an HTTP+WebSocket
// server listening on the given address. Upgrades are served at path, or at
// the root when path is empty.
func ListenWS(addr, path string) (*NetListener, error) {
	if path == "" {
		path = "/"
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	nl := newNetListener(l)
	r := chi.NewRouter()
	r.Handle(path, websocket.Handler(func(ws *websocket.Conn) {
		HandleWS(nl, ws)
	}))
	s := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		nl.errs <- s.Serve(l)
	}()
	return nl, nil
}

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Peers authenticate in the session handshake, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocketHandler returns an http.Handler that upgrades requests with
// gorilla/websocket and passes each connection to serve as a byte stream.
// serve runs on the request goroutine and owns the stream.
func WebSocketHandler(serve func(io.ReadWriteCloser)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(NewWebSocketConn(conn))
	})
}

// WebSocketConn adapts a message oriented gorilla connection to a byte
// stream. Each Write is sent as one binary message; Read drains messages
// in order and skips non-binary ones.
type WebSocketConn struct {
	conn *gorilla.Conn
	r    io.Reader
	wmu  sync.Mutex
}

// NewWebSocketConn wraps conn.
func NewWebSocketConn(conn *gorilla.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != gorilla.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(gorilla.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetDeadline sets the read and write deadlines of the connection.
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *WebSocketConn) Close() error {
	return c.conn.Close()
}
