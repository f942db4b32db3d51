// Package transport implements the WebSocket client side of the streaming
// engine: the per-connection lifecycle state machine with capped
// reconnection, the fragmented-receive accumulator, and the worker pool
// that services connect, write and disconnect wakes for many connections.
package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxConnectAttempts caps dial attempts before the connection fails
	// permanently.
	MaxConnectAttempts = 3
	// ReconnectDelay spaces successive dial attempts.
	ReconnectDelay = time.Second
	// GracefulShutdownTimeout bounds the drain phase of a graceful shutdown.
	GracefulShutdownTimeout = 60 * time.Second

	// DefaultMaxRecvBuf caps inbound message reassembly at five minutes of
	// 16 kHz 16-bit mono audio (~19 MB). Larger messages are dropped.
	DefaultMaxRecvBuf = 16000 * 16 * 1 * 60 * 5 / 8

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultPingPeriod       = 54 * time.Second // must be less than pong wait
	DefaultWriteWait        = 10 * time.Second
)

// Config describes one WebSocket connection.
type Config struct {
	Host string
	Port int
	Path string

	// TLS selects wss. The three knobs below relax certificate validation
	// for development setups.
	TLS               bool
	AllowSelfSigned   bool
	SkipHostnameCheck bool
	AllowExpired      bool

	// Username and Password add an HTTP Basic Authorization header to the
	// handshake when both are set.
	Username string
	Password string

	Subprotocol string

	HandshakeTimeout time.Duration
	MaxRecvBuf       int
	PongWait         time.Duration
	PingPeriod       time.Duration
	WriteWait        time.Duration

	// MaxAttempts and Delay override the package reconnection defaults;
	// zero values select MaxConnectAttempts and ReconnectDelay.
	MaxAttempts *int
	Delay       time.Duration
}

// withDefaults fills unset tuning fields.
func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxRecvBuf == 0 {
		c.MaxRecvBuf = DefaultMaxRecvBuf
	}
	if c.PongWait == 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PingPeriod == 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.Delay == 0 {
		c.Delay = ReconnectDelay
	}
	return c
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts != nil {
		return *c.MaxAttempts
	}
	return MaxConnectAttempts
}

// URL renders the dial target.
func (c Config) URL() string {
	scheme := "ws"
	if c.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Host, c.Port, c.Path)
}

// ParseURL splits a service URL into a connection Config. Accepted schemes
// are ws, wss, http and https; https and wss imply TLS with default port
// 443, the cleartext schemes default to port 80.
func ParseURL(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("transport: invalid url %q: %w", raw, err)
	}

	var cfg Config
	switch strings.ToLower(u.Scheme) {
	case "wss", "https":
		cfg.TLS = true
		cfg.Port = 443
	case "ws", "http":
		cfg.Port = 80
	default:
		return Config{}, fmt.Errorf("transport: invalid scheme %q in url %q", u.Scheme, raw)
	}

	cfg.Host = u.Hostname()
	if cfg.Host == "" {
		return Config{}, fmt.Errorf("transport: missing host in url %q", raw)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Config{}, fmt.Errorf("transport: invalid port in url %q", raw)
		}
		cfg.Port = port
	}

	cfg.Path = u.EscapedPath()
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if u.RawQuery != "" {
		cfg.Path += "?" + u.RawQuery
	}

	return cfg, nil
}
