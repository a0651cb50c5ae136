// Package config holds the relay server and client settings and their
// environment-variable defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Default configuration values.
const (
	DefaultAddr           = ":8080"
	DefaultRequestTimeout = 30 * time.Second
	DefaultServerURL      = "http://localhost:8080"
	DefaultTargetURL      = "http://localhost:3000"
	DefaultLocalTimeout   = 30 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultLogBufferSize  = 200
	DefaultConnectPath    = "/relay/connect"
	DefaultCaddyUpstream  = "127.0.0.1:8081"
)

// Environment variable names.
const (
	EnvEnabled       = "RELAY_ENABLED"
	EnvToken         = "RELAY_TOKEN"
	EnvAuthFile      = "RELAY_AUTH_FILE"
	EnvTimeout       = "RELAY_TIMEOUT"
	EnvAddr          = "RELAY_ADDR"
	EnvSessionDB     = "RELAY_SESSION_DB"
	EnvCaddyDomain   = "RELAY_CADDY_DOMAIN"
	EnvCaddyEmail    = "RELAY_CADDY_EMAIL"
	EnvCaddyUpstream = "RELAY_CADDY_UPSTREAM"
	EnvLogLevel      = "RELAY_LOG_LEVEL"
	EnvLogFormat     = "RELAY_LOG_FORMAT"
	EnvServerURL     = "RELAY_SERVER_URL"
	EnvRelayID       = "RELAY_ID"
	EnvTargetURL     = "RELAY_TARGET_URL"
	EnvLocalTimeout  = "RELAY_LOCAL_TIMEOUT"
	EnvPingInterval  = "RELAY_PING_INTERVAL"
)

// ServerConfig configures the public relay server.
type ServerConfig struct {
	// Enabled turns the relay on. When false every tunnel connection is refused.
	Enabled bool

	// Token is the shared secret tunnel clients must present.
	Token string

	// AuthFile is an optional YAML token file; it may be used instead of Token.
	AuthFile string

	// RequestTimeout bounds how long a proxied request waits for its response.
	RequestTimeout time.Duration

	Addr string

	// SessionDB is an optional SQLite path recording tunnel sessions.
	SessionDB string

	// LogBufferSize is the number of relayed request summaries kept in memory.
	LogBufferSize int

	UseCaddy    bool
	CaddyDomain string
	CaddyEmail  string

	// CaddyUpstream is the loopback address the relay listens on behind Caddy.
	CaddyUpstream string

	LogLevel  string
	LogFormat string
}

// DefaultServerConfig returns a ServerConfig populated from the environment.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:        EnvBool(EnvEnabled, false),
		Token:          os.Getenv(EnvToken),
		AuthFile:       os.Getenv(EnvAuthFile),
		RequestTimeout: EnvDuration(EnvTimeout, DefaultRequestTimeout),
		Addr:           EnvString(EnvAddr, DefaultAddr),
		SessionDB:      os.Getenv(EnvSessionDB),
		LogBufferSize:  DefaultLogBufferSize,
		CaddyDomain:    os.Getenv(EnvCaddyDomain),
		CaddyEmail:     os.Getenv(EnvCaddyEmail),
		CaddyUpstream:  EnvString(EnvCaddyUpstream, DefaultCaddyUpstream),
		LogLevel:       EnvString(EnvLogLevel, "info"),
		LogFormat:      EnvString(EnvLogFormat, "text"),
	}
}

// Validate validates the configuration.
func (c *ServerConfig) Validate() error {
	if c.Enabled && c.Token == "" && c.AuthFile == "" {
		return errors.New("relay enabled but neither token nor auth file is set")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.UseCaddy && c.CaddyDomain == "" {
		return errors.New("caddy domain is required when caddy is enabled")
	}
	if c.UseCaddy && (c.CaddyUpstream == "" || c.CaddyUpstream == c.Addr) {
		return fmt.Errorf("caddy upstream %q must be set and differ from the listen address", c.CaddyUpstream)
	}
	if c.LogBufferSize <= 0 {
		return fmt.Errorf("log buffer size must be positive, got %d", c.LogBufferSize)
	}
	return nil
}

// ClientConfig configures the local forwarding client.
type ClientConfig struct {
	// ServerURL is the relay server base URL (http, https, ws or wss).
	ServerURL string

	Token   string
	RelayID string

	// TargetURL is the local base URL requests are replayed against.
	TargetURL string

	// LocalTimeout bounds each local HTTP call.
	LocalTimeout time.Duration

	PingInterval time.Duration
	MaxBackoff   time.Duration

	LogLevel  string
	LogFormat string
}

// DefaultClientConfig returns a ClientConfig populated from the environment.
func DefaultClientConfig() ClientConfig {
	relayID := os.Getenv(EnvRelayID)
	if relayID == "" {
		relayID, _ = os.Hostname()
	}
	return ClientConfig{
		ServerURL:    EnvString(EnvServerURL, DefaultServerURL),
		Token:        os.Getenv(EnvToken),
		RelayID:      relayID,
		TargetURL:    EnvString(EnvTargetURL, DefaultTargetURL),
		LocalTimeout: EnvDuration(EnvLocalTimeout, DefaultLocalTimeout),
		PingInterval: EnvDuration(EnvPingInterval, DefaultPingInterval),
		MaxBackoff:   DefaultMaxBackoff,
		LogLevel:     EnvString(EnvLogLevel, "info"),
		LogFormat:    EnvString(EnvLogFormat, "text"),
	}
}

// Validate validates the configuration.
func (c *ClientConfig) Validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.RelayID == "" {
		return errors.New("relay id is required")
	}
	if _, err := ConnectURL(c.ServerURL, c.RelayID, c.Token); err != nil {
		return err
	}
	u, err := url.Parse(c.TargetURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid target url %q", c.TargetURL)
	}
	if c.LocalTimeout <= 0 {
		return fmt.Errorf("local timeout must be positive, got %s", c.LocalTimeout)
	}
	return nil
}

// ConnectURL derives the tunnel WebSocket URL from the relay server URL.
// A server URL without a path gets DefaultConnectPath.
func ConnectURL(serverURL, relayID, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", serverURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", serverURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultConnectPath
	}
	q := u.Query()
	q.Set("relay_id", relayID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EnvString returns the variable's value or def when unset.
func EnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvBool parses a boolean variable, returning def when unset or malformed.
func EnvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

// EnvDuration parses a duration variable. Bare numbers are read as seconds.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
