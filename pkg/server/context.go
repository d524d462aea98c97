package server

import (
	"context"
	"log/slog"
)

// ctxKey is the context.Context key under which the request Ctx travels.
type ctxKey struct{}

// Ctx is the per-request context handed to middleware and handlers.
//
// It carries a shallow copy of the connection's user context, so
// middleware refinements via Set are visible to later middleware and the
// handler of the same request but never leak into other requests. The
// connection's own user context is only written by OnConnect.
type Ctx struct {
	std      context.Context
	core     *Core
	conn     *Conn
	clientID string
	route    string
	rpc      bool
	values   map[string]any
	logger   *slog.Logger
}

// newRequestCtx builds a request context with a shallow copy of the
// connection's user context and installs itself as the ambient value on
// the std context.
func newRequestCtx(base context.Context, conn *Conn, route string, rpc bool) *Ctx {
	values := make(map[string]any, len(conn.userCtx))
	for k, v := range conn.userCtx {
		values[k] = v
	}
	c := &Ctx{
		core:     conn.core,
		conn:     conn,
		clientID: conn.id,
		route:    route,
		rpc:      rpc,
		values:   values,
		logger:   conn.logger.With("route", route),
	}
	c.std = context.WithValue(base, ctxKey{}, c)
	return c
}

// FromContext recovers the current request's Ctx from a context.Context.
// This is the ambient-context escape hatch for helpers that are called
// deep inside a handler and only hold a std context. Returns nil outside
// a request.
func FromContext(ctx context.Context) *Ctx {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ctxKey{}).(*Ctx)
	return c
}

// StdContext returns the request's std context. It is cancelled when the
// connection closes.
func (c *Ctx) StdContext() context.Context {
	return c.std
}

// WithStdContext swaps the request's std context, preserving the ambient
// Ctx link. Middleware uses this to inject trace contexts for downstream
// calls.
func (c *Ctx) WithStdContext(ctx context.Context) {
	c.std = context.WithValue(ctx, ctxKey{}, c)
}

// ClientID returns the connection's server-assigned identifier.
func (c *Ctx) ClientID() string {
	return c.clientID
}

// Route returns the dotted route path of the procedure being dispatched.
func (c *Ctx) Route() string {
	return c.route
}

// IsRPC reports whether the inbound frame carried an rpcId.
func (c *Ctx) IsRPC() bool {
	return c.rpc
}

// Handshake returns the connection's validated handshake metadata.
func (c *Ctx) Handshake() Values {
	return c.conn.values
}

// Get returns a value from the per-request context.
func (c *Ctx) Get(key string) any {
	return c.values[key]
}

// GetString returns a string value from the per-request context, or ""
// if absent or not a string.
func (c *Ctx) GetString(key string) string {
	s, _ := c.values[key].(string)
	return s
}

// Set stores a value in the per-request context. The write is visible to
// later middleware and the handler of this request only.
func (c *Ctx) Set(key string, value any) {
	c.values[key] = value
}

// Has reports whether key is present in the per-request context.
func (c *Ctx) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Send starts an outbound emit for a declared outgoing route. Targets are
// chosen by the returned dispatcher's To, ToRoom, or Broadcast.
func (c *Ctx) Send(route string, payload any) *Dispatch {
	return c.core.newDispatch(c.std, route, payload)
}

// Rooms returns the room operations bound to this connection.
func (c *Ctx) Rooms() *RoomOps {
	return &RoomOps{conn: c.conn, core: c.core}
}

// Logger returns the request logger (tagged with the client id).
func (c *Ctx) Logger() *slog.Logger {
	return c.logger
}
