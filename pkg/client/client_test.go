package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/pkg/errors"
	"github.com/fulanowo/maim-message/pkg/message"
)

// fakeConn registers a connection in a chosen state without dialing anything.
func fakeConn(c *Client, apiKey, platform string, st State) string {
	id := fmt.Sprintf("%s/%s/%d", apiKey, platform, len(c.order))
	conn := newConn(id, ConnConfig{URL: "ws://unused", APIKey: apiKey, Platform: platform}, c.h, c.custom, c.log)
	conn.setState(st)
	c.mu.Lock()
	c.conns[id] = conn
	c.order = append(c.order, id)
	c.mu.Unlock()
	return id
}

func TestSelectConnPriority(t *testing.T) {
	cases := []struct {
		name     string
		conns    [][2]string // (api_key, platform) in insertion order
		apiKey   string
		platform string
		want     int // index into conns, -1 for no match
	}{
		{
			name:     "exact match wins",
			conns:    [][2]string{{"kB", "wechat"}, {"kA", "qq"}, {"kA", "wechat"}},
			apiKey:   "kA",
			platform: "wechat",
			want:     2,
		},
		{
			name:     "api key beats platform",
			conns:    [][2]string{{"kB", "wechat"}, {"kA", "qq"}},
			apiKey:   "kA",
			platform: "wechat",
			want:     1,
		},
		{
			name:     "platform is the last resort",
			conns:    [][2]string{{"kB", "qq"}, {"kC", "wechat"}},
			apiKey:   "kA",
			platform: "wechat",
			want:     1,
		},
		{
			name:     "no dimension matches",
			conns:    [][2]string{{"kB", "qq"}},
			apiKey:   "kA",
			platform: "wechat",
			want:     -1,
		},
		{
			name:     "insertion order breaks exact ties",
			conns:    [][2]string{{"kA", "wechat"}, {"kA", "wechat"}},
			apiKey:   "kA",
			platform: "wechat",
			want:     0,
		},
		{
			name:     "insertion order breaks api key ties",
			conns:    [][2]string{{"kA", "qq"}, {"kA", "telegram"}},
			apiKey:   "kA",
			platform: "wechat",
			want:     0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(nil, zap.NewNop())
			ids := make([]string, 0, len(tc.conns))
			for _, pair := range tc.conns {
				ids = append(ids, fakeConn(c, pair[0], pair[1], StateConnected))
			}

			got := c.selectConn(tc.apiKey, tc.platform)
			if tc.want < 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, ids[tc.want], got.ID())
		})
	}
}

func TestSelectConnSkipsNonConnected(t *testing.T) {
	c := New(nil, zap.NewNop())
	fakeConn(c, "kA", "wechat", StateReconnecting)
	fakeConn(c, "kA", "wechat", StateStopped)
	id := fakeConn(c, "kB", "wechat", StateConnected)

	got := c.selectConn("kA", "wechat")
	require.NotNil(t, got, "platform pass should fall through to the live connection")
	assert.Equal(t, id, got.ID())
}

func TestSendMessageUnroutable(t *testing.T) {
	c := New(nil, zap.NewNop())
	fakeConn(c, "kA", "wechat", StateConnected)

	err := c.SendMessage(&message.Envelope{Dim: message.Dim{Platform: "wechat"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnroutable))
	assert.Equal(t, int64(1), c.Stats().SendFailures)
}

func TestSendMessageNoMatch(t *testing.T) {
	c := New(nil, zap.NewNop())

	env := &message.Envelope{Dim: message.Dim{APIKey: "kA", Platform: "wechat"}}
	err := c.SendMessage(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoMatch))
}

func TestReconnectBackoffSequence(t *testing.T) {
	cfg := ConnConfig{
		ReconnectDelay:    100 * time.Millisecond,
		MaxReconnectDelay: time.Second,
	}
	bo := newReconnectBackoff(cfg)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "delay %d", i+1)
	}

	// A successful connect resets the progression.
	bo.Reset()
	assert.Equal(t, 100*time.Millisecond, bo.NextBackOff())
}

func TestConnConfigDefaults(t *testing.T) {
	cfg := ConnConfig{Host: "example.com", Port: 18000, APIKey: "k"}
	cfg.ensureDefaults()

	assert.Equal(t, "ws://example.com:18000/ws", cfg.URL)
	assert.Equal(t, "default", cfg.Platform)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxReconnectDelay)
	assert.Equal(t, 20*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.PingTimeout)
}

func TestConnConfigWSSImpliesSSL(t *testing.T) {
	cfg := NewConnConfig("wss://example.com/ws", "k", "qq")
	cfg.ensureDefaults()
	assert.True(t, cfg.SSLEnabled)
}

func TestConnConfigValidate(t *testing.T) {
	bad := []ConnConfig{
		{},
		{URL: "http://example.com/ws", APIKey: "k"},
		{URL: "ws://example.com/ws"},
	}
	for i, cfg := range bad {
		err := cfg.Validate()
		require.Error(t, err, "case %d", i)
		assert.True(t, errors.Is(err, errors.ErrInvalidConfig), "case %d", i)
	}

	good := NewConnConfig("ws://example.com/ws", "k", "qq")
	assert.NoError(t, good.Validate())
}

func TestDialURLCarriesCredentials(t *testing.T) {
	cfg := ConnConfig{URL: "ws://example.com:18000/ws", APIKey: "kA", Platform: "qq"}
	u, err := cfg.dialURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://example.com:18000/ws?api_key=kA&platform=qq", u)
}

func TestRequestHeaderCarriesAPIKey(t *testing.T) {
	cfg := ConnConfig{APIKey: "kA"}
	h := cfg.requestHeader()
	assert.Equal(t, "kA", h.Get("x-apikey"))
}

func TestAddRemoveConnectionOrder(t *testing.T) {
	c := New(nil, zap.NewNop())

	id1, err := c.AddConnection(NewConnConfig("ws://example.com/ws", "kA", "wechat"))
	require.NoError(t, err)
	id2, err := c.AddConnection(NewConnConfig("ws://example.com/ws", "kB", "qq"))
	require.NoError(t, err)
	id3, err := c.AddConnection(NewConnConfig("ws://example.com/ws", "kC", "telegram"))
	require.NoError(t, err)

	infos := c.Connections()
	require.Len(t, infos, 3)
	assert.Equal(t, []string{id1, id2, id3}, []string{infos[0].ID, infos[1].ID, infos[2].ID})
	assert.Equal(t, StateIdle, infos[0].State)

	require.NoError(t, c.RemoveConnection(id2))
	infos = c.Connections()
	require.Len(t, infos, 2)
	assert.Equal(t, []string{id1, id3}, []string{infos[0].ID, infos[1].ID})

	err = c.RemoveConnection(id2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownConnection))
}

func TestAddConnectionRejectsBadConfig(t *testing.T) {
	c := New(nil, zap.NewNop())
	_, err := c.AddConnection(ConnConfig{URL: "ws://example.com/ws"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
	assert.Empty(t, c.Connections())
}

func TestSendOnNonConnectedStates(t *testing.T) {
	conn := newConn("c1", ConnConfig{URL: "ws://unused", APIKey: "k", Platform: "qq"}, DefaultHandlers{}, nil, zap.NewNop())
	env := &message.Envelope{Dim: message.Dim{APIKey: "k", Platform: "qq"}}

	conn.setState(StateStopped)
	err := conn.Send(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStopped))

	conn.setState(StateIdle)
	err = conn.Send(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClosed))

	conn.setState(StateReconnecting)
	err = conn.SendCustom(&message.CustomMessage{Type: "custom_x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClosed))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestStatsCountsActive(t *testing.T) {
	c := New(nil, zap.NewNop())
	fakeConn(c, "kA", "wechat", StateConnected)
	fakeConn(c, "kB", "qq", StateReconnecting)
	fakeConn(c, "kC", "qq", StateConnected)

	st := c.Stats()
	assert.Equal(t, 3, st.Connections)
	assert.Equal(t, 2, st.ActiveConnections)

	active := c.ActiveConnections()
	require.Len(t, active, 2)
	assert.Equal(t, "kA", active[0].APIKey)
	assert.Equal(t, "kC", active[1].APIKey)
}
