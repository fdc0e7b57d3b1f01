package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"PPClient/tools/errs"
)

const writeWait = 10 * time.Second

// Transport abstracts the realtime wire so the connection manager depends on
// one interface regardless of the underlying protocol. The production
// implementation speaks WebSocket; tests may substitute their own.
type Transport interface {
	// Open dials uri (credential already carried as a connection parameter)
	// and returns a live conn. A 401/403 during the upgrade comes back as
	// ErrAuthRejected; other failures as ErrTransportError.
	Open(ctx context.Context, uri string) (TransportConn, error)
}

// TransportConn is one open realtime connection.
type TransportConn interface {
	// ReadFrame blocks for the next data frame.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one frame; writes are serialized internally.
	WriteFrame(data []byte) error
	// Close closes with the given status code. Code 1000 signals normal
	// closure to the peer.
	Close(code int, reason string) error
}

// WebsocketTransport is the gorilla/websocket adapter.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
}

func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

func (t *WebsocketTransport) Open(ctx context.Context, uri string) (TransportConn, error) {
	ws, resp, err := t.Dialer.DialContext(ctx, uri, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.ErrAuthRejected.WrapMsg("ws upgrade", "status", resp.StatusCode)
		}
		return nil, errs.ErrTransportError.WrapMsg("ws dial", "cause", err)
	}
	ws.SetReadLimit(1 << 20)

	c := &wsConn{ws: ws, closed: make(chan struct{})}
	// liveness: any pong refreshes the read deadline
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c, nil
}

const (
	pingInterval = 25 * time.Second
	pongWait     = 75 * time.Second
)

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		// deadline refresh on data frames too, not only pongs
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return data, nil
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			werr := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if werr != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// closeStatus extracts the websocket close code from a read error. ok is
// false when the error was not a close (network failure, timeout).
func closeStatus(err error) (code int, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// isNormalClose reports a clean shutdown by the peer.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
