package server

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fulanowo/maim-message/internal/registry"
	"github.com/fulanowo/maim-message/pkg/auth"
	"github.com/fulanowo/maim-message/pkg/errors"
	"github.com/fulanowo/maim-message/pkg/message"
	"github.com/fulanowo/maim-message/pkg/metrics"
)

type sendOptions struct {
	targetPlatform string
}

// SendOption customizes a SendMessage call.
type SendOption func(*sendOptions)

// WithTargetPlatform overrides the platform dimension of the envelope for
// this send only.
func WithTargetPlatform(platform string) SendOption {
	return func(o *sendOptions) {
		o.targetPlatform = platform
	}
}

// SendMessage routes an envelope to every connection matching its routing
// dimensions. The result maps each targeted uuid to its delivery outcome; an
// unroutable envelope yields an empty map.
func (s *Server) SendMessage(ctx context.Context, env *message.Envelope, opts ...SendOption) (map[string]bool, error) {
	results := map[string]bool{}
	if s.stopping.Load() {
		return results, errors.ErrShutdown
	}

	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	apiKey := env.APIKey()
	platform := env.Platform()
	if o.targetPlatform != "" {
		platform = o.targetPlatform
	}
	if apiKey == "" || platform == "" {
		s.log.Error("Envelope not routable",
			zap.String("api_key", apiKey),
			zap.String("platform", platform))
		return results, errors.ErrUnroutable
	}

	userID, err := s.extractUser(ctx, auth.ConnectInfo{APIKey: apiKey})
	if err != nil {
		s.log.Error("User extraction failed for send",
			zap.String("api_key", apiKey),
			zap.Error(err))
		return results, errors.Wrap(errors.ErrUnknownUser, err.Error())
	}

	targets := s.reg.Lookup(userID, platform)
	if len(targets) == 0 {
		if s.cfg.EnableMessageLog {
			s.log.Info("No live connection for target",
				zap.String("user_id", userID),
				zap.String("platform", platform))
		}
		return results, nil
	}

	data, err := message.Encode(env)
	if err != nil {
		return results, errors.Wrap(err, "encode envelope")
	}
	return s.fanOut(ctx, targets, data), nil
}

// SendCustomMessage delivers a custom frame. An omitted target dimension
// broadcasts across it: all platforms of the user, all users on the
// platform, or every connection when both are empty.
func (s *Server) SendCustomMessage(ctx context.Context, messageType string, payload interface{}, targetUser, targetPlatform string) (map[string]bool, error) {
	results := map[string]bool{}
	if s.stopping.Load() {
		return results, errors.ErrShutdown
	}

	var targets []registry.Target
	switch {
	case targetUser != "" && targetPlatform != "":
		targets = s.reg.Lookup(targetUser, targetPlatform)
	case targetUser != "":
		targets = s.reg.LookupUser(targetUser)
	default:
		targets = s.reg.SnapshotAll(targetPlatform)
	}
	if len(targets) == 0 {
		return results, nil
	}

	data, err := message.EncodeCustom(&message.CustomMessage{
		Type:           messageType,
		Payload:        payload,
		TargetUser:     targetUser,
		TargetPlatform: targetPlatform,
	})
	if err != nil {
		return results, errors.Wrap(err, "encode custom message")
	}
	return s.fanOut(ctx, targets, data), nil
}

// BroadcastMessage fans an envelope out to every live connection, optionally
// filtered by platform, independent of the envelope's routing dimensions.
func (s *Server) BroadcastMessage(ctx context.Context, env *message.Envelope, platform string) (map[string]bool, error) {
	results := map[string]bool{}
	if s.stopping.Load() {
		return results, errors.ErrShutdown
	}

	targets := s.reg.SnapshotAll(platform)
	if len(targets) == 0 {
		return results, nil
	}

	data, err := message.Encode(env)
	if err != nil {
		return results, errors.Wrap(err, "encode envelope")
	}
	return s.fanOut(ctx, targets, data), nil
}

// fanOut writes a frame to each target in parallel. A failed write records
// false for that uuid and evicts the dead socket; other recipients are
// unaffected.
func (s *Server) fanOut(ctx context.Context, targets []registry.Target, data []byte) map[string]bool {
	results := make(map[string]bool, len(targets))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			err := t.Conn.WriteFrame(data)

			mu.Lock()
			results[t.Record.UUID] = err == nil
			mu.Unlock()

			if err != nil {
				if s.cfg.EnableStats {
					metrics.Deliveries.WithLabelValues("failed").Inc()
				}
				s.log.Warn("Delivery failed, evicting connection",
					zap.String("connection_uuid", t.Record.UUID),
					zap.Error(err))
				s.reg.Unregister(t.Record.UUID)
				s.updateGauges()
				t.Conn.Close()
				return nil
			}
			if s.cfg.EnableStats {
				metrics.Deliveries.WithLabelValues("ok").Inc()
			}
			return nil
		})
	}
	// Per-target outcomes are collected above; the group error is always nil.
	_ = g.Wait()
	return results
}
