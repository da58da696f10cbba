package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fulanowo/maim-message/pkg/auth"
	"github.com/fulanowo/maim-message/pkg/errors"
)

const (
	defaultPlatform          = "default"
	defaultPath              = "/ws"
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultMaxReconnects     = 5
	defaultPingInterval      = 20 * time.Second
	defaultPingTimeout       = 10 * time.Second
	defaultCloseTimeout      = 10 * time.Second
)

// ConnConfig describes one outbound connection: where to dial, the
// (api_key, platform) pair it is bound to, and its reconnect/heartbeat
// policy.
type ConnConfig struct {
	// URL is the full ws:// or wss:// endpoint. When empty it is assembled
	// from Host, Port and Path.
	URL  string
	Host string
	Port int
	Path string

	APIKey   string
	Platform string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration
	CloseTimeout time.Duration

	SSLEnabled       bool
	SSLVerify        bool
	SSLCACerts       string
	SSLCertFile      string
	SSLKeyFile       string
	SSLCheckHostname bool

	Headers http.Header
}

// NewConnConfig returns a config with reconnection enabled and TLS
// verification on.
func NewConnConfig(wsURL, apiKey, platform string) ConnConfig {
	return ConnConfig{
		URL:              wsURL,
		APIKey:           apiKey,
		Platform:         platform,
		AutoReconnect:    true,
		SSLVerify:        true,
		SSLCheckHostname: true,
	}
}

func (c *ConnConfig) ensureDefaults() {
	if c.URL == "" && c.Host != "" {
		scheme := "ws"
		if c.SSLEnabled {
			scheme = "wss"
		}
		path := c.Path
		if path == "" {
			path = defaultPath
		}
		c.URL = fmt.Sprintf("%s://%s:%d%s", scheme, c.Host, c.Port, path)
	}
	// wss:// in the URL implies SSL.
	if strings.HasPrefix(c.URL, "wss://") {
		c.SSLEnabled = true
	}
	if c.Platform == "" {
		c.Platform = defaultPlatform
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
}

// Validate checks the config before the connection is added.
func (c *ConnConfig) Validate() error {
	if c.URL == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "url is required")
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return errors.Wrap(errors.ErrInvalidConfig, "url must start with ws:// or wss://")
	}
	if c.APIKey == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "api_key is required")
	}
	return nil
}

// dialURL returns the endpoint with api_key and platform in the query string.
func (c *ConnConfig) dialURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	q := u.Query()
	q.Set("api_key", c.APIKey)
	q.Set("platform", c.Platform)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// requestHeader returns the handshake headers, always carrying x-apikey so
// servers may take the key from either place.
func (c *ConnConfig) requestHeader() http.Header {
	h := http.Header{}
	for k, vs := range c.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set(auth.HeaderAPIKey, c.APIKey)
	return h
}

// tlsConfig builds the client TLS settings. Credentials are loaded once and
// immutable afterwards.
func (c *ConnConfig) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if !c.SSLVerify || !c.SSLCheckHostname {
		cfg.InsecureSkipVerify = true
	}

	if c.SSLCACerts != "" {
		pem, err := os.ReadFile(c.SSLCACerts)
		if err != nil {
			return nil, errors.Wrap(err, "read ca bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates parsed from ca bundle")
		}
		cfg.RootCAs = pool
	}

	if c.SSLCertFile != "" && c.SSLKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.SSLCertFile, c.SSLKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
