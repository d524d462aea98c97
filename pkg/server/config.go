package server

import (
	"context"
	"log/slog"

	"github.com/zocket-go/zocket/pkg/schema"
)

// Values is the merged handshake metadata bag: protocol headers overlaid
// with URL query parameters (query wins). Keys are lowercased.
type Values map[string]string

// Get returns the value for key, or "" if absent.
func (v Values) Get(key string) string {
	return v[key]
}

// Clone returns a copy of the values.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Config holds configuration for the Core.
type Config struct {
	// Handshake validates the merged header/query bag during upgrade.
	// The bag is presented as a map[string]any of strings. Validation
	// failure rejects the handshake with HTTP 400.
	// Nil accepts every handshake.
	Handshake schema.Schema

	// OnConnect builds the per-connection user context after the
	// handshake. No handler observes the connection until it returns;
	// frames arriving in that window are deferred in order.
	// A returned error closes the connection without calling OnDisconnect.
	// Nil is equivalent to returning an empty context.
	OnConnect func(ctx context.Context, clientID string, values Values) (map[string]any, error)

	// OnDisconnect runs exactly once per successful OnConnect, after all
	// in-flight handlers for the connection have completed. rooms is the
	// final subscription set; when the callback returns the connection is
	// gone from every room and from the live table.
	OnDisconnect func(clientID string, userCtx map[string]any, rooms []string)

	// OnSendError is invoked when a transport send to one recipient
	// fails. Send failures never abort delivery to other recipients.
	OnSendError func(clientID string, err error)

	// Middleware runs before every incoming procedure's own chain.
	Middleware []Middleware

	// MaxFrameQueue is the per-connection inbound frame buffer. Frames
	// beyond it are dropped with a warning. Default: 256.
	MaxFrameQueue int

	// MaxConnections caps live connections; the handshake is rejected
	// with HTTP 503 when full. 0 means no limit. Default: 0.
	MaxConnections int

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxFrameQueue:  256,
		MaxConnections: 0,
	}
}

// withDefaults fills unset fields in place and returns the config.
func (c *Config) withDefaults() *Config {
	if c == nil {
		c = DefaultConfig()
	}
	defaults := DefaultConfig()
	if c.MaxFrameQueue <= 0 {
		c.MaxFrameQueue = defaults.MaxFrameQueue
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
