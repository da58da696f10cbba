package errors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWrapKeepsSentinelMatchable(t *testing.T) {
	err := Wrap(ErrUnroutable, "send failed")
	require.Error(t, err)
	assert.True(t, Is(err, ErrUnroutable))
	assert.Equal(t, "send failed: envelope not routable", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "anything"))
}

func TestWrapNested(t *testing.T) {
	err := Wrap(Wrap(ErrTransport, "write"), "fan out")
	assert.True(t, Is(err, ErrTransport))
	assert.Equal(t, "fan out: write: transport error", err.Error())
}

func TestLogWithError(t *testing.T) {
	err := LogWithError(context.Background(), zap.NewNop(), "registration failed", ErrDuplicateConnection)
	require.Error(t, err)
	assert.True(t, Is(err, ErrDuplicateConnection))
}

func TestLogWithErrorNilLogger(t *testing.T) {
	err := LogWithError(context.Background(), nil, "oops", ErrClosed)
	assert.True(t, Is(err, ErrClosed))
}
