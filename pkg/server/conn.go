package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/pkg/errors"
)

const controlWriteWait = 5 * time.Second

// conn is the server side of one accepted socket. It owns the write half:
// all writes go through the mutex, so only one writer touches the socket at
// a time. Reads happen concurrently on the accept goroutine.
type conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
	log    *zap.Logger
}

func newConn(ws *websocket.Conn, log *zap.Logger) *conn {
	return &conn{ws: ws, log: log}
}

// WriteFrame sends one text frame. A delivery counts as successful once the
// frame is flushed to the socket. Sends on a closing socket fail fast.
func (c *conn) WriteFrame(data []byte) error {
	if c.closed.Load() {
		return errors.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errors.ErrClosed
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return errors.Wrap(errors.ErrTransport, err.Error())
	}
	return nil
}

// Close tears down the socket. Safe to call more than once.
func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}

// closeWithCode sends a close control frame before tearing the socket down.
func (c *conn) closeWithCode(code int, reason string) {
	c.mu.Lock()
	deadline := time.Now().Add(controlWriteWait)
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.mu.Unlock()
	if err != nil && c.log != nil {
		c.log.Debug("Close frame write failed", zap.Error(err))
	}
	c.Close()
}
