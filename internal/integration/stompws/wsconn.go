package stompws

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WSConn adapts a message oriented websocket connection to the byte stream
// the STOMP codec expects. Inbound messages are concatenated in order, each
// Write is sent as one text message.
type WSConn struct {
	ws      *websocket.Conn
	reader  io.Reader
	wmu     sync.Mutex
	once    sync.Once
	closed  atomic.Bool
	onClose func(error)
}

// NewWSConn wraps ws. onClose, when non-nil, is invoked once with the error
// that ended the read side or with io.EOF after Close.
func NewWSConn(ws *websocket.Conn, onClose func(error)) *WSConn {
	return &WSConn{ws: ws, onClose: onClose}
}

// Read implements io.Reader. It must not be called concurrently.
func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				err = normalizeCloseError(err)
				c.fireClose(err)
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements io.Writer.
func (c *WSConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying socket without a close handshake.
func (c *WSConn) Close() error {
	c.fireClose(io.EOF)
	return c.ws.Close()
}

// Closed reports whether the read side has ended or Close was called.
func (c *WSConn) Closed() bool {
	return c.closed.Load()
}

func (c *WSConn) fireClose(err error) {
	c.once.Do(func() {
		c.closed.Store(true)
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

// normalizeCloseError maps a normal websocket close to io.EOF.
func normalizeCloseError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}
