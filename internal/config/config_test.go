package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "maim-message", cfg.AppName)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 18000, cfg.Port)
	assert.Equal(t, "/ws", cfg.Path)
	assert.Equal(t, 10*time.Second, cfg.CloseTimeout)
	assert.False(t, cfg.SSLEnabled)
	assert.True(t, cfg.EnableConnectionLog)
	assert.True(t, cfg.EnableStats)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_NAME", "router-test")
	t.Setenv("WS_HOST", "127.0.0.1")
	t.Setenv("WS_PORT", "19000")
	t.Setenv("WS_PATH", "/socket")
	t.Setenv("WS_CLOSE_TIMEOUT", "3s")
	t.Setenv("WS_CONNECTION_LOG", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "router-test", cfg.AppName)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 19000, cfg.Port)
	assert.Equal(t, "/socket", cfg.Path)
	assert.Equal(t, 3*time.Second, cfg.CloseTimeout)
	assert.False(t, cfg.EnableConnectionLog)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("WS_PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsIncompleteSSL(t *testing.T) {
	t.Setenv("WS_SSL_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
}
