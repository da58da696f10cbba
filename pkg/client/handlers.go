package client

import (
	"context"

	"github.com/fulanowo/maim-message/pkg/message"
)

// Handlers is the application callback set, shared by every connection the
// client owns. Panics in callbacks are isolated per connection.
type Handlers interface {
	// OnConnect fires each time a connection reaches the Connected state.
	OnConnect(ctx context.Context, connectionID string)
	// OnMessage fires for every standard envelope received on any connection.
	OnMessage(ctx context.Context, env *message.Envelope, meta map[string]string)
	// OnDisconnect fires when a connected socket drops; err is nil on a
	// clean close.
	OnDisconnect(ctx context.Context, connectionID string, err error)
}

// DefaultHandlers ignores all events.
type DefaultHandlers struct{}

func (DefaultHandlers) OnConnect(context.Context, string) {}

func (DefaultHandlers) OnMessage(context.Context, *message.Envelope, map[string]string) {}

func (DefaultHandlers) OnDisconnect(context.Context, string, error) {}
