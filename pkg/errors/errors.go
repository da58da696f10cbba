package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Routing errors.
var (
	// ErrHandshakeRejected is returned when the auth predicate refuses a connection.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrMalformedFrame is returned when a frame fails JSON parsing or the shape check.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnroutable is returned when an envelope is missing a routing dimension.
	ErrUnroutable = errors.New("envelope not routable")
	// ErrUnknownUser is returned when user extraction fails or the user has no connections.
	ErrUnknownUser = errors.New("unknown user")
	// ErrTransport is returned when a socket read or write fails mid-session.
	ErrTransport = errors.New("transport error")
	// ErrClosed is returned when sending on a socket that is closing or closed.
	ErrClosed = errors.New("connection closed")
	// ErrShutdown is returned for sends issued after server stop was requested.
	ErrShutdown = errors.New("shutdown in progress")
)

// Client errors.
var (
	// ErrStopped is returned when operating on a connection in the Stopped state.
	ErrStopped = errors.New("connection stopped")
	// ErrUnknownConnection is returned when a connection id is not registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrDuplicateConnection is returned when registering a uuid that already exists.
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrNoMatch is returned when best-match routing finds no eligible connection.
	ErrNoMatch = errors.New("no matching connection")
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap wraps an error with additional context. The original error stays
// matchable through errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across packages.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value("request_id").(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
