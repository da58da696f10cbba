// Package handlers provides the type-keyed dispatch table for custom
// messages, shared by the server and client sides.
package handlers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/pkg/message"
)

// Func handles one custom message. Meta carries connection metadata; handlers
// are not expected to return delivery status.
type Func func(ctx context.Context, msg *message.CustomMessage, meta map[string]string)

// Table is a read-mostly registry of custom message handlers. It may be
// populated at any time, including while connections are live.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Func
	log      *zap.Logger
}

// NewTable creates an empty handler table.
func NewTable(log *zap.Logger) *Table {
	return &Table{
		handlers: make(map[string]Func),
		log:      log,
	}
}

// Register installs the handler for a message type, replacing any previous one.
func (t *Table) Register(messageType string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = fn
}

// Unregister removes the handler for a message type.
func (t *Table) Unregister(messageType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, messageType)
}

// Dispatch routes a custom message to its handler. Unknown types are logged
// and dropped. Handler panics are recovered so a misbehaving handler cannot
// kill the connection that delivered the message.
func (t *Table) Dispatch(ctx context.Context, msg *message.CustomMessage, meta map[string]string) {
	t.mu.RLock()
	fn, ok := t.handlers[msg.Type]
	t.mu.RUnlock()

	if !ok {
		if t.log != nil {
			t.log.Warn("No handler registered for custom message type",
				zap.String("type", msg.Type))
		}
		return
	}

	defer func() {
		if r := recover(); r != nil && t.log != nil {
			t.log.Error("Custom handler panicked",
				zap.String("type", msg.Type),
				zap.Any("panic", r))
		}
	}()
	fn(ctx, msg, meta)
}
