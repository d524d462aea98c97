package ws

import (
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Config holds configuration for the WebSocket adapter.
type Config struct {
	// ReadBufferSize is the WebSocket read buffer size. Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size. Default: 4096.
	WriteBufferSize int

	// CheckOrigin validates the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// MaxMessageSize is the maximum inbound message size. Default: 64KB.
	MaxMessageSize int64

	// ReadTimeout is the maximum time between inbound messages (pongs
	// count). Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout bounds each outbound write. Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between ping frames. Must be shorter
	// than ReadTimeout. Default: 30 seconds.
	HeartbeatInterval time.Duration

	// RateLimit throttles inbound frames per connection. Nil disables
	// throttling.
	RateLimit *RateLimitConfig

	// EnableCompression enables per-message compression. Default: false.
	EnableCompression bool
}

// RateLimitConfig throttles inbound frames per connection. Frames over
// the limit are dropped with a warning; the connection stays open.
type RateLimitConfig struct {
	// MessagesPerSecond is the sustained rate.
	MessagesPerSecond rate.Limit

	// Burst is the instantaneous burst allowance.
	Burst int
}

// DefaultRateLimitConfig returns a limit suitable for interactive
// clients.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		MaxMessageSize:    64 * 1024,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// withDefaults fills unset fields in place and returns the config.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	defaults := DefaultConfig()
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = defaults.CheckOrigin
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	return c
}

// SameOriginCheck validates that the request origin matches the host.
// This is the secure default for CheckOrigin.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (same-origin request or a non-browser client).
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return originURL.Host == r.Host
}

// AllOrigins accepts every origin. For development only.
func AllOrigins(r *http.Request) bool {
	return true
}
