// Package client implements the multi-connection WebSocket client: a
// supervisor of outbound connections, each bound to a distinct
// (api_key, platform) pair, with reconnection and best-match outbound
// routing.
package client

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/pkg/errors"
	"github.com/fulanowo/maim-message/pkg/handlers"
	"github.com/fulanowo/maim-message/pkg/message"
)

// Stats is a snapshot of the client's counters.
type Stats struct {
	Connections       int
	ActiveConnections int
	MessagesSent      int64
	MessagesReceived  int64
	SendFailures      int64
}

// Client supervises a set of outbound connections keyed by connection id.
// Outbound envelopes are dispatched onto the best-matching Connected
// connection; ties are broken by insertion order.
type Client struct {
	log    *zap.Logger
	h      Handlers
	custom *handlers.Table

	mu    sync.RWMutex
	conns map[string]*Conn
	order []string // connection ids in insertion order

	messagesSent atomic.Int64
	sendFailures atomic.Int64
}

// New builds a client. A nil Handlers gets the trivial defaults.
func New(h Handlers, log *zap.Logger) *Client {
	if h == nil {
		h = DefaultHandlers{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:    log,
		h:      h,
		custom: handlers.NewTable(log),
		conns:  make(map[string]*Conn),
	}
}

// RegisterCustomHandler installs a handler for a custom message type,
// shared by every connection.
func (c *Client) RegisterCustomHandler(messageType string, fn handlers.Func) {
	c.custom.Register(messageType, fn)
}

// UnregisterCustomHandler removes a handler for a custom message type.
func (c *Client) UnregisterCustomHandler(messageType string) {
	c.custom.Unregister(messageType)
}

// AddConnection registers a new connection in the Idle state and returns its
// generated id. The connection does not dial until ConnectTo.
func (c *Client) AddConnection(cfg ConnConfig) (string, error) {
	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	conn := newConn(id, cfg, c.h, c.custom, c.log)

	c.mu.Lock()
	c.conns[id] = conn
	c.order = append(c.order, id)
	c.mu.Unlock()

	c.log.Info("Connection added",
		zap.String("connection_id", id),
		zap.String("url", cfg.URL),
		zap.String("platform", cfg.Platform))
	return id, nil
}

// ConnectTo starts the connection's lifecycle loop and returns the outcome
// of the first dial. On failure with AutoReconnect enabled, the reconnect
// loop keeps running in the background.
func (c *Client) ConnectTo(ctx context.Context, connectionID string) error {
	conn, err := c.get(connectionID)
	if err != nil {
		return err
	}

	conn.runMu.Lock()
	if conn.cancel != nil {
		conn.runMu.Unlock()
		return nil // already running
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	conn.cancel = cancel
	conn.done = done
	conn.runMu.Unlock()

	ready := make(chan error, 1)
	go conn.run(runCtx, ready, done)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the connection's lifecycle loop and closes its socket.
// The connection stays registered and returns to Idle.
func (c *Client) Disconnect(connectionID string) error {
	conn, err := c.get(connectionID)
	if err != nil {
		return err
	}
	conn.stop()
	conn.setState(StateIdle)
	return nil
}

// RemoveConnection disconnects and destroys a connection.
func (c *Client) RemoveConnection(connectionID string) error {
	conn, err := c.get(connectionID)
	if err != nil {
		return err
	}
	conn.stop()

	c.mu.Lock()
	delete(c.conns, connectionID)
	for i, id := range c.order {
		if id == connectionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.log.Info("Connection removed", zap.String("connection_id", connectionID))
	return nil
}

// Connections returns a snapshot of every connection, in insertion order.
func (c *Client) Connections() []ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make([]ConnInfo, 0, len(c.order))
	for _, id := range c.order {
		infos = append(infos, c.conns[id].Info())
	}
	return infos
}

// ActiveConnections returns a snapshot of the Connected connections, in
// insertion order.
func (c *Client) ActiveConnections() []ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var infos []ConnInfo
	for _, id := range c.order {
		if c.conns[id].State() == StateConnected {
			infos = append(infos, c.conns[id].Info())
		}
	}
	return infos
}

// SendMessage routes an envelope onto the best-matching Connected
// connection. A failed write is returned as-is: the supervisor never retries
// on a different connection, since that could duplicate delivery.
func (c *Client) SendMessage(env *message.Envelope) error {
	if !env.Routable() {
		c.sendFailures.Inc()
		return errors.ErrUnroutable
	}

	conn := c.selectConn(env.APIKey(), env.Platform())
	if conn == nil {
		c.sendFailures.Inc()
		return errors.Wrap(errors.ErrNoMatch,
			"api_key="+env.APIKey()+" platform="+env.Platform())
	}

	if err := c.send(conn, env); err != nil {
		c.sendFailures.Inc()
		return err
	}
	c.messagesSent.Inc()
	return nil
}

func (c *Client) send(conn *Conn, env *message.Envelope) error {
	if err := conn.Send(env); err != nil {
		c.log.Warn("Send failed",
			zap.String("connection_id", conn.ID()),
			zap.Error(err))
		return err
	}
	return nil
}

// SendCustomMessage pushes a custom frame onto the first Connected
// connection.
func (c *Client) SendCustomMessage(messageType string, payload interface{}) error {
	conn := c.firstActive()
	if conn == nil {
		c.sendFailures.Inc()
		return errors.ErrNoMatch
	}
	if err := conn.SendCustom(&message.CustomMessage{Type: messageType, Payload: payload}); err != nil {
		c.sendFailures.Inc()
		return err
	}
	c.messagesSent.Inc()
	return nil
}

// selectConn picks the outbound connection for a (api_key, platform) target
// by strict priority: exact match, then api-key match, then platform match.
// Each pass walks connections in insertion order, so the pick is
// deterministic.
func (c *Client) selectConn(apiKey, platform string) *Conn {
	c.mu.RLock()
	snapshot := make([]*Conn, 0, len(c.order))
	for _, id := range c.order {
		conn := c.conns[id]
		if conn.State() == StateConnected {
			snapshot = append(snapshot, conn)
		}
	}
	c.mu.RUnlock()

	for _, conn := range snapshot {
		if conn.cfg.APIKey == apiKey && conn.cfg.Platform == platform {
			return conn
		}
	}
	for _, conn := range snapshot {
		if conn.cfg.APIKey == apiKey {
			return conn
		}
	}
	for _, conn := range snapshot {
		if conn.cfg.Platform == platform {
			return conn
		}
	}
	return nil
}

func (c *Client) firstActive() *Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		if c.conns[id].State() == StateConnected {
			return c.conns[id]
		}
	}
	return nil
}

// Stats returns the current client counters.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	total := len(c.conns)
	active := 0
	var received int64
	for _, conn := range c.conns {
		if conn.State() == StateConnected {
			active++
		}
		received += conn.received.Load()
	}
	c.mu.RUnlock()

	return Stats{
		Connections:       total,
		ActiveConnections: active,
		MessagesSent:      c.messagesSent.Load(),
		MessagesReceived:  received,
		SendFailures:      c.sendFailures.Load(),
	}
}

// Stop cancels every reconnect timer and read loop, closes every socket and
// marks all connections Stopped.
func (c *Client) Stop() {
	c.mu.RLock()
	conns := make([]*Conn, 0, len(c.order))
	for _, id := range c.order {
		conns = append(conns, c.conns[id])
	}
	c.mu.RUnlock()

	for _, conn := range conns {
		conn.stop()
		conn.setState(StateStopped)
	}
	c.log.Info("Client stopped")
}

func (c *Client) get(connectionID string) (*Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[connectionID]
	if !ok {
		return nil, errors.Wrap(errors.ErrUnknownConnection, connectionID)
	}
	return conn, nil
}
