// Package config loads the bundled server binary's settings from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv   string
	AppName  string
	LogLevel string

	Host string
	Port int
	Path string

	SSLEnabled  bool
	SSLCertFile string
	SSLKeyFile  string
	SSLCACerts  string
	SSLVerify   bool

	CloseTimeout time.Duration

	EnableConnectionLog bool
	EnableMessageLog    bool
	EnableStats         bool
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:      os.Getenv("APP_ENV"),
		AppName:     os.Getenv("APP_NAME"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		Host:        os.Getenv("WS_HOST"),
		Path:        os.Getenv("WS_PATH"),
		SSLCertFile: os.Getenv("WS_SSL_CERTFILE"),
		SSLKeyFile:  os.Getenv("WS_SSL_KEYFILE"),
		SSLCACerts:  os.Getenv("WS_SSL_CA_CERTS"),
	}
	if cfg.AppName == "" {
		cfg.AppName = "maim-message"
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}

	cfg.Port = 18000
	if v := os.Getenv("WS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WS_PORT: %w", err)
		}
		cfg.Port = p
	}

	cfg.CloseTimeout = 10 * time.Second
	if v := os.Getenv("WS_CLOSE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WS_CLOSE_TIMEOUT: %w", err)
		}
		cfg.CloseTimeout = d
	}

	cfg.SSLEnabled = boolEnv("WS_SSL_ENABLED", false)
	cfg.SSLVerify = boolEnv("WS_SSL_VERIFY", false)
	cfg.EnableConnectionLog = boolEnv("WS_CONNECTION_LOG", true)
	cfg.EnableMessageLog = boolEnv("WS_MESSAGE_LOG", true)
	cfg.EnableStats = boolEnv("WS_STATS", true)

	if cfg.SSLEnabled && (cfg.SSLCertFile == "" || cfg.SSLKeyFile == "") {
		return nil, fmt.Errorf("WS_SSL_ENABLED requires WS_SSL_CERTFILE and WS_SSL_KEYFILE")
	}
	return cfg, nil
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
