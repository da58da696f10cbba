package server

import (
	"context"

	"github.com/fulanowo/maim-message/pkg/auth"
	"github.com/fulanowo/maim-message/pkg/message"
)

// Handlers is the capability set an application passes at construction. It
// bundles the auth hooks with the connection lifecycle callbacks.
//
// Callbacks are best-effort: errors and panics are logged and never propagate
// to the registry or the peer.
type Handlers interface {
	auth.Authenticator

	// OnConnect fires after a connection is registered, before its first message.
	OnConnect(ctx context.Context, connectionUUID string, info auth.ConnectInfo)
	// OnMessage fires for every standard envelope. The server does not
	// auto-forward; re-routing via SendMessage is the application's decision.
	OnMessage(ctx context.Context, env *message.Envelope, info auth.ConnectInfo)
	// OnDisconnect fires once, after the connection leaves the registry.
	OnDisconnect(ctx context.Context, connectionUUID string, info auth.ConnectInfo)
}

// DefaultHandlers accepts any non-empty api key, uses it verbatim as the
// user id, and ignores lifecycle events.
type DefaultHandlers struct {
	auth.APIKeyAuthenticator
}

func (DefaultHandlers) OnConnect(context.Context, string, auth.ConnectInfo) {}

func (DefaultHandlers) OnMessage(context.Context, *message.Envelope, auth.ConnectInfo) {}

func (DefaultHandlers) OnDisconnect(context.Context, string, auth.ConnectInfo) {}
