// Package zocket provides the public API for the Zocket framework: a
// bidirectional RPC-and-event runtime over a single long-lived duplex
// stream (in practice a WebSocket).
//
// This is the recommended import for most applications:
//
//	import "github.com/zocket-go/zocket"
//
// Usage:
//
//	table, err := router.Flatten(router.Group{
//	    "echo": router.Group{
//	        "ping": router.In{
//	            Input: schema.Struct[PingInput](),
//	            Handler: func(c *zocket.Ctx, input any) (any, error) {
//	                in := input.(PingInput)
//	                return "pong: " + in.Message, nil
//	            },
//	        },
//	        "onPong": router.Out{Output: schema.Any()},
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	app, err := zocket.New(table, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.Handle("/ws", app.Handler())
package zocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/zocket-go/zocket/pkg/server"
	"github.com/zocket-go/zocket/pkg/transport/ws"
)

// Re-exported core types so applications only import the root package.
type (
	// Ctx is the per-request context handed to middleware and handlers.
	Ctx = server.Ctx

	// Config configures the server runtime.
	Config = server.Config

	// Handler processes one validated inbound frame.
	Handler = server.Handler

	// Middleware runs before a procedure's handler.
	Middleware = server.Middleware

	// Table is the flat dispatch table produced by router.Flatten.
	Table = server.Table

	// Values is the validated handshake metadata bag.
	Values = server.Values

	// Dispatch is the fluent sender returned by Send.
	Dispatch = server.Dispatch
)

// FromContext recovers the current request's Ctx from a context.Context.
func FromContext(ctx context.Context) *Ctx {
	return server.FromContext(ctx)
}

// App couples a Core with its WebSocket transport adapter.
type App struct {
	core    *server.Core
	adapter *ws.Adapter
}

// New builds the runtime and its WebSocket adapter. Both configs may be
// nil for defaults.
func New(table Table, config *Config, wsConfig *ws.Config) (*App, error) {
	core, err := server.New(table, config)
	if err != nil {
		return nil, err
	}
	adapter := ws.New(core, wsConfig, core.Logger())
	core.SetPublisher(adapter)
	return &App{core: core, adapter: adapter}, nil
}

// Handler returns the http.Handler that upgrades WebSocket connections.
// Mount it in any router:
//
//	r := chi.NewRouter()
//	r.Handle("/ws", app.Handler())
func (a *App) Handler() http.Handler {
	return a.adapter
}

// Core returns the underlying server runtime.
func (a *App) Core() *server.Core {
	return a.core
}

// Send starts a server-initiated emit, outside any request.
func (a *App) Send(route string, payload any) *Dispatch {
	return a.core.Send(route, payload)
}

// Shutdown gracefully closes every live connection.
func (a *App) Shutdown(ctx context.Context) error {
	return a.core.Shutdown(ctx)
}

// Logger returns the runtime logger.
func (a *App) Logger() *slog.Logger {
	return a.core.Logger()
}
