// Package server implements the WebSocket routing endpoint: it accepts
// authenticated connections, indexes them by (user, platform, uuid) and
// routes envelopes to every matching live connection.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/internal/registry"
	"github.com/fulanowo/maim-message/pkg/auth"
	"github.com/fulanowo/maim-message/pkg/errors"
	"github.com/fulanowo/maim-message/pkg/handlers"
	"github.com/fulanowo/maim-message/pkg/message"
	"github.com/fulanowo/maim-message/pkg/metrics"
)

// Stats is a snapshot of the server's counters.
type Stats struct {
	Users             int
	Connections       int
	AuthRequests      int64
	AuthFailures      int64
	MessagesProcessed int64
	CustomProcessed   int64
}

// Server is the WebSocket routing endpoint.
type Server struct {
	cfg    *Config
	log    *zap.Logger
	h      Handlers
	reg    *registry.Registry
	custom *handlers.Table

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	baseCtx  context.Context
	stopping atomic.Bool
	readers  *waitGroup

	authRequests      atomic.Int64
	authFailures      atomic.Int64
	messagesProcessed atomic.Int64
	customProcessed   atomic.Int64
}

// New builds a server. A nil Handlers gets the trivial defaults.
func New(cfg *Config, h Handlers, log *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		h = DefaultHandlers{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		cfg:    cfg,
		log:    log,
		h:      h,
		reg:    registry.New(log),
		custom: handlers.NewTable(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		readers: newWaitGroup(),
	}, nil
}

// RegisterCustomHandler installs a handler for a custom message type.
func (s *Server) RegisterCustomHandler(messageType string, fn handlers.Func) {
	s.custom.Register(messageType, fn)
}

// UnregisterCustomHandler removes a handler for a custom message type.
func (s *Server) UnregisterCustomHandler(messageType string) {
	s.custom.Unregister(messageType)
}

// Start binds the listener and begins accepting connections. A busy port or
// bad TLS material fails here, not later.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "bind "+addr)
	}

	if s.cfg.SSLEnabled {
		tlsCfg, err := s.cfg.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		ln = newTLSListener(ln, tlsCfg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)

	s.baseCtx = ctx
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			if !s.stopping.Load() {
				s.log.Error("Server stopped unexpectedly", zap.Error(err))
			}
		}
	}()

	s.log.Info("WebSocket server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.cfg.Path),
		zap.Bool("ssl", s.cfg.SSLEnabled))
	return nil
}

// Addr returns the bound listener address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down: stop accepting, close every socket with
// 1001 going-away, then drain read loops bounded by CloseTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopping.Swap(true) {
		return nil
	}
	s.log.Info("Stopping WebSocket server")

	if s.listener != nil {
		s.listener.Close()
	}

	for _, t := range s.reg.SnapshotAll("") {
		if c, ok := t.Conn.(*conn); ok {
			c.closeWithCode(websocket.CloseGoingAway, "server shutdown")
		} else {
			t.Conn.Close()
		}
	}

	drained := s.readers.waitTimeout(s.cfg.CloseTimeout)

	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	if !drained {
		s.log.Warn("Close timeout elapsed before all read loops drained")
		return errors.New("close timeout elapsed before read loops drained")
	}
	s.log.Info("WebSocket server stopped")
	return nil
}

// Stats returns the current server counters.
func (s *Server) Stats() Stats {
	reg := s.reg.Stats()
	return Stats{
		Users:             reg.Users,
		Connections:       reg.Connections,
		AuthRequests:      s.authRequests.Load(),
		AuthFailures:      s.authFailures.Load(),
		MessagesProcessed: s.messagesProcessed.Load(),
		CustomProcessed:   s.customProcessed.Load(),
	}
}

// handleWS runs the accept pipeline and then the per-connection read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	info := auth.ConnectInfoFromRequest(r)
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := newConn(ws, s.log)

	s.authRequests.Inc()
	if info.Platform == "" || !s.authenticate(ctx, info) {
		s.authFailures.Inc()
		if s.cfg.EnableStats {
			metrics.AuthRequests.WithLabelValues("rejected").Inc()
		}
		s.log.Warn("Handshake rejected",
			zap.String("remote_addr", info.RemoteAddr),
			zap.String("platform", info.Platform))
		c.closeWithCode(websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	userID, err := s.extractUser(ctx, info)
	if err != nil {
		s.authFailures.Inc()
		if s.cfg.EnableStats {
			metrics.AuthRequests.WithLabelValues("error").Inc()
		}
		s.log.Error("User extraction failed",
			zap.String("remote_addr", info.RemoteAddr),
			zap.Error(err))
		c.closeWithCode(websocket.CloseInternalServerErr, "user extraction failed")
		return
	}
	if s.cfg.EnableStats {
		metrics.AuthRequests.WithLabelValues("accepted").Inc()
	}

	rec := registry.Record{
		UUID:          uuid.NewString(),
		UserID:        userID,
		Platform:      info.Platform,
		APIKey:        info.APIKey,
		RemoteAddr:    info.RemoteAddr,
		EstablishedAt: time.Now(),
	}
	if err := s.reg.Register(rec, c); err != nil {
		s.log.Error("Registration failed", zap.Error(err))
		c.closeWithCode(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	s.updateGauges()

	if s.cfg.EnableConnectionLog {
		s.log.Info("Client connected",
			zap.String("connection_uuid", rec.UUID),
			zap.String("user_id", userID),
			zap.String("platform", rec.Platform),
			zap.String("remote_addr", rec.RemoteAddr))
	}

	s.fireOnConnect(ctx, rec.UUID, info)
	s.readLoop(ctx, rec, c, info)
}

// readLoop consumes frames until the socket closes, then unregisters and
// fires OnDisconnect exactly once.
func (s *Server) readLoop(ctx context.Context, rec registry.Record, c *conn, info auth.ConnectInfo) {
	s.readers.add()
	defer s.readers.done()

	defer func() {
		s.reg.Unregister(rec.UUID)
		s.updateGauges()
		c.Close()
		if s.cfg.EnableConnectionLog {
			s.log.Info("Client disconnected",
				zap.String("connection_uuid", rec.UUID),
				zap.String("user_id", rec.UserID))
		}
		s.fireOnDisconnect(ctx, rec.UUID, info)
	}()

	meta := map[string]string{
		"connection_uuid": rec.UUID,
		"user_id":         rec.UserID,
		"api_key":         rec.APIKey,
		"platform":        rec.Platform,
		"remote_addr":     rec.RemoteAddr,
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := message.Classify(data)
		if err != nil {
			// Malformed frames are logged and skipped; the connection stays open.
			if s.cfg.EnableStats {
				metrics.FramesProcessed.WithLabelValues("malformed").Inc()
			}
			s.log.Warn("Malformed frame",
				zap.String("connection_uuid", rec.UUID),
				zap.Error(err))
			continue
		}

		switch frame.Kind {
		case message.KindStandard:
			s.messagesProcessed.Inc()
			if s.cfg.EnableStats {
				metrics.FramesProcessed.WithLabelValues("standard").Inc()
			}
			if s.cfg.EnableMessageLog {
				s.log.Info("Envelope received",
					zap.String("connection_uuid", rec.UUID),
					zap.String("dim_api_key", frame.Envelope.APIKey()),
					zap.String("dim_platform", frame.Envelope.Platform()))
			}
			s.fireOnMessage(ctx, frame.Envelope, info)
		case message.KindCustom:
			s.customProcessed.Inc()
			if s.cfg.EnableStats {
				metrics.FramesProcessed.WithLabelValues("custom").Inc()
			}
			s.custom.Dispatch(ctx, frame.Custom, meta)
		}
	}
}

func (s *Server) updateGauges() {
	if !s.cfg.EnableStats {
		return
	}
	st := s.reg.Stats()
	metrics.ActiveConnections.Set(float64(st.Connections))
	metrics.ActiveUsers.Set(float64(st.Users))
}

// authenticate runs the auth predicate, treating a panic as a rejection.
func (s *Server) authenticate(ctx context.Context, info auth.ConnectInfo) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Auth predicate panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return s.h.Authenticate(ctx, info)
}

// extractUser runs the user extractor, treating a panic as an error.
func (s *Server) extractUser(ctx context.Context, info auth.ConnectInfo) (userID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(errors.ErrHandshakeRejected, fmt.Sprintf("extract_user panicked: %v", r))
		}
	}()
	return s.h.ExtractUser(ctx, info)
}

func (s *Server) fireOnConnect(ctx context.Context, connectionUUID string, info auth.ConnectInfo) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("OnConnect callback panicked",
				zap.String("connection_uuid", connectionUUID),
				zap.Any("panic", r))
		}
	}()
	s.h.OnConnect(ctx, connectionUUID, info)
}

func (s *Server) fireOnMessage(ctx context.Context, env *message.Envelope, info auth.ConnectInfo) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("OnMessage callback panicked", zap.Any("panic", r))
		}
	}()
	s.h.OnMessage(ctx, env, info)
}

func (s *Server) fireOnDisconnect(ctx context.Context, connectionUUID string, info auth.ConnectInfo) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("OnDisconnect callback panicked",
				zap.String("connection_uuid", connectionUUID),
				zap.Any("panic", r))
		}
	}()
	s.h.OnDisconnect(ctx, connectionUUID, info)
}
