package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/pkg/errors"
	"github.com/fulanowo/maim-message/pkg/handlers"
	"github.com/fulanowo/maim-message/pkg/message"
)

// State is the lifecycle state of one client connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateStopped is terminal: reconnection gave up or was disabled. The
	// connection stays registered and can be restarted with ConnectTo.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnInfo is a snapshot of one connection's coordinates and state.
type ConnInfo struct {
	ID                string
	URL               string
	APIKey            string
	Platform          string
	State             State
	ReconnectAttempts int
	LastError         error
}

// Conn is a single outbound WebSocket bound to a fixed (url, api_key,
// platform). It survives transient network failures through the supervisor's
// reconnect loop and is destroyed only by RemoveConnection or client
// shutdown.
type Conn struct {
	id     string
	cfg    ConnConfig
	log    *zap.Logger
	h      Handlers
	custom *handlers.Table

	mu sync.Mutex // guards ws pointer and writes
	ws *websocket.Conn

	state    atomic.Int32
	attempts atomic.Int32
	received atomic.Int64
	lastErr  atomic.Error

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(id string, cfg ConnConfig, h Handlers, custom *handlers.Table, log *zap.Logger) *Conn {
	return &Conn{
		id:     id,
		cfg:    cfg,
		log:    log,
		h:      h,
		custom: custom,
	}
}

// ID returns the connection id assigned by AddConnection.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// Info returns a snapshot of the connection.
func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		ID:                c.id,
		URL:               c.cfg.URL,
		APIKey:            c.cfg.APIKey,
		Platform:          c.cfg.Platform,
		State:             c.State(),
		ReconnectAttempts: int(c.attempts.Load()),
		LastError:         c.lastErr.Load(),
	}
}

// newReconnectBackoff builds the reconnect policy: the k-th delay is
// ReconnectDelay doubled k-1 times, capped at MaxReconnectDelay.
func newReconnectBackoff(cfg ConnConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = cfg.MaxReconnectDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// run owns the connection's lifecycle: dial, pump, reconnect with backoff,
// give up into Stopped. The first dial outcome is reported on ready so
// ConnectTo can return it. done belongs to this run only: a restart installs
// a fresh channel, and each run closes exactly the one it was started with.
func (c *Conn) run(ctx context.Context, ready chan<- error, done chan struct{}) {
	defer func() {
		c.runMu.Lock()
		if c.done == done {
			c.cancel = nil
		}
		c.runMu.Unlock()
		close(done)
	}()

	bo := newReconnectBackoff(c.cfg)
	first := true
	report := func(err error) {
		if first {
			first = false
			ready <- err
		}
	}

	for {
		c.setState(StateConnecting)
		ws, err := c.dial(ctx)
		if err == nil {
			c.attach(ws)
			c.attempts.Store(0)
			bo.Reset()
			c.setState(StateConnected)
			report(nil)
			c.fireOnConnect(ctx)

			readErr := c.readLoop(ctx, ws)
			c.detach()
			if readErr != nil {
				c.lastErr.Store(readErr)
			}
			c.fireOnDisconnect(ctx, readErr)
		} else {
			c.lastErr.Store(err)
			report(err)
			if c.log != nil {
				c.log.Warn("Dial failed",
					zap.String("connection_id", c.id),
					zap.String("url", c.cfg.URL),
					zap.Error(err))
			}
		}

		if ctx.Err() != nil {
			c.setState(StateIdle)
			return
		}
		if !c.cfg.AutoReconnect {
			c.setState(StateStopped)
			return
		}
		if int(c.attempts.Load()) >= c.cfg.MaxReconnectAttempts {
			if c.log != nil {
				c.log.Warn("Reconnect attempts exhausted",
					zap.String("connection_id", c.id),
					zap.Int("attempts", c.cfg.MaxReconnectAttempts))
			}
			c.setState(StateStopped)
			return
		}
		c.attempts.Inc()
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			c.setState(StateIdle)
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := c.cfg.dialURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if c.cfg.SSLEnabled {
		tlsCfg, err := c.cfg.tlsConfig()
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	ws, resp, err := dialer.DialContext(ctx, u, c.cfg.requestHeader())
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, errors.Wrap(errors.ErrTransport, err.Error())
	}
	return ws, nil
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

func (c *Conn) detach() {
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.mu.Unlock()
}

// readLoop pumps inbound frames until the socket fails, with the heartbeat
// running alongside: a pong must arrive within PingInterval+PingTimeout of
// the previous one or the read deadline trips and the loop exits.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	readWait := c.cfg.PingInterval + c.cfg.PingTimeout
	if err := ws.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		return errors.Wrap(errors.ErrTransport, err.Error())
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(ws, pingDone)

	meta := map[string]string{
		"connection_id": c.id,
		"api_key":       c.cfg.APIKey,
		"platform":      c.cfg.Platform,
		"url":           c.cfg.URL,
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.Wrap(errors.ErrTransport, err.Error())
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := message.Classify(data)
		if err != nil {
			if c.log != nil {
				c.log.Warn("Malformed frame",
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
			continue
		}

		c.received.Inc()
		switch frame.Kind {
		case message.KindStandard:
			c.fireOnMessage(ctx, frame.Envelope, meta)
		case message.KindCustom:
			c.custom.Dispatch(ctx, frame.Custom, meta)
		}
	}
}

// pingLoop sends a ping every PingInterval. A failed ping write closes the
// socket to unblock the reader.
func (c *Conn) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.PingTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ws.Close()
				return
			}
		}
	}
}

// Send serializes the envelope onto this connection. Only a Connected
// connection sends; writes are serialized by the connection's lock.
func (c *Conn) Send(env *message.Envelope) error {
	data, err := message.Encode(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return c.writeFrame(data)
}

// SendCustom serializes a custom message onto this connection.
func (c *Conn) SendCustom(msg *message.CustomMessage) error {
	data, err := message.EncodeCustom(msg)
	if err != nil {
		return errors.Wrap(err, "encode custom message")
	}
	return c.writeFrame(data)
}

func (c *Conn) writeFrame(data []byte) error {
	switch c.State() {
	case StateConnected:
	case StateStopped:
		return errors.ErrStopped
	default:
		return errors.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.ErrClosed
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(errors.ErrTransport, err.Error())
	}
	return nil
}

// stop cancels the run loop and waits for it to exit.
func (c *Conn) stop() {
	c.runMu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.detach() // unblock the reader
	if done != nil {
		select {
		case <-done:
		case <-time.After(c.cfg.CloseTimeout):
		}
	}
}

func (c *Conn) fireOnConnect(ctx context.Context) {
	defer c.recoverCallback("OnConnect")
	c.h.OnConnect(ctx, c.id)
}

func (c *Conn) fireOnMessage(ctx context.Context, env *message.Envelope, meta map[string]string) {
	defer c.recoverCallback("OnMessage")
	c.h.OnMessage(ctx, env, meta)
}

func (c *Conn) fireOnDisconnect(ctx context.Context, err error) {
	defer c.recoverCallback("OnDisconnect")
	c.h.OnDisconnect(ctx, c.id, err)
}

func (c *Conn) recoverCallback(name string) {
	if r := recover(); r != nil && c.log != nil {
		c.log.Error("Callback panicked",
			zap.String("callback", name),
			zap.String("connection_id", c.id),
			zap.Any("panic", r))
	}
}
