package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/fulanowo/maim-message/pkg/errors"
)

const (
	defaultHost         = "0.0.0.0"
	defaultPort         = 18000
	defaultPath         = "/ws"
	defaultCloseTimeout = 10 * time.Second
)

// Config holds the server's bind, TLS and observability settings.
type Config struct {
	Host string
	Port int
	Path string

	SSLEnabled  bool
	SSLCertFile string
	SSLKeyFile  string
	SSLCACerts  string
	// SSLVerify requires and verifies client certificates.
	SSLVerify bool

	// CloseTimeout bounds the drain of in-flight work during Stop.
	CloseTimeout time.Duration

	LogLevel            string
	EnableConnectionLog bool
	EnableMessageLog    bool
	EnableStats         bool
}

// DefaultConfig returns a config with connection and message logging on,
// listening on the default bind.
func DefaultConfig() *Config {
	return &Config{
		Host:                defaultHost,
		Port:                defaultPort,
		Path:                defaultPath,
		CloseTimeout:        defaultCloseTimeout,
		EnableConnectionLog: true,
		EnableMessageLog:    true,
	}
}

func (c *Config) ensureDefaults() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
}

// Validate checks the config. TLS misconfiguration is fatal at startup.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrap(errors.ErrInvalidConfig, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.SSLEnabled {
		if c.SSLCertFile == "" || c.SSLKeyFile == "" {
			return errors.Wrap(errors.ErrInvalidConfig, "ssl enabled but cert or key file missing")
		}
	}
	return nil
}

// tlsConfig loads the certificate material once at startup. Credentials are
// immutable after construction.
func (c *Config) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.SSLCertFile, c.SSLKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load server certificate")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
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
		cfg.ClientCAs = pool
	}

	if c.SSLVerify {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
