package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/zocket-go/zocket/pkg/transport"
)

// Core is the Zocket server runtime. It implements transport.Handler; a
// transport adapter drives it through the four lifecycle callbacks.
type Core struct {
	table    Table
	config   *Config
	registry *Registry
	rooms    *RoomRegistry

	// publisher is the adapter's room fan-out, if it offers one.
	publisher transport.Publisher

	shuttingDown atomic.Bool

	logger *slog.Logger
}

var _ transport.Handler = (*Core)(nil)

// New creates a Core for the given dispatch table. The table is validated
// once and immutable afterwards; configuration errors surface here, at
// startup, never at dispatch time.
func New(table Table, config *Config) (*Core, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	logger := config.Logger.With("component", "server")

	core := &Core{
		table:    table,
		config:   config,
		logger:   logger,
		registry: newRegistry(logger),
		rooms:    newRoomRegistry(logger),
	}
	return core, nil
}

// SetPublisher wires the transport's room fan-out. Without a publisher,
// room sends are logged no-ops.
func (core *Core) SetPublisher(p transport.Publisher) {
	core.publisher = p
}

// Send starts a server-initiated emit, outside any request. Broadcast
// before any connection has opened is a valid no-op; ToRoom works through
// the publisher regardless.
func (core *Core) Send(route string, payload any) *Dispatch {
	return core.newDispatch(context.Background(), route, payload)
}

// Registry returns the live connection table.
func (core *Core) Registry() *Registry {
	return core.registry
}

// Rooms returns the room registry.
func (core *Core) Rooms() *RoomRegistry {
	return core.rooms
}

// Table returns the dispatch table.
func (core *Core) Table() Table {
	return core.table
}

// Logger returns the core logger.
func (core *Core) Logger() *slog.Logger {
	return core.logger
}

// publish delivers data to every member of a room through the transport
// publisher. Without one this is a logged no-op: the core never falls
// back to iterating members, so the performance contract of room sends
// holds even when it costs observability.
func (core *Core) publish(topic string, data []byte) error {
	if core.publisher == nil {
		core.logger.Warn("room send dropped: transport has no publisher", "room", topic)
		return ErrNoPublisher
	}
	if err := core.publisher.Publish(topic, data); err != nil {
		core.logger.Warn("room publish failed", "room", topic, "error", err)
		return err
	}
	return nil
}

// =============================================================================
// Transport callbacks
// =============================================================================

// OnUpgrade validates the handshake before the transport upgrade. The
// metadata bag merges protocol headers and URL query parameters, query
// winning on conflict: browsers cannot set custom headers on WebSocket
// constructors and ferry them through the query string instead.
func (core *Core) OnUpgrade(r *http.Request) (*transport.Accept, *transport.Reject) {
	if core.shuttingDown.Load() {
		return nil, rejectJSON(http.StatusServiceUnavailable, map[string]any{"error": "Server shutting down"})
	}
	if max := core.config.MaxConnections; max > 0 && core.registry.Count() >= max {
		core.logger.Warn("handshake rejected: connection limit", "limit", max)
		return nil, rejectJSON(http.StatusServiceUnavailable, map[string]any{"error": "Server busy"})
	}

	values := make(Values)
	for k, vs := range r.Header {
		if len(vs) > 0 {
			values[strings.ToLower(k)] = vs[0]
		}
	}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			values[strings.ToLower(k)] = vs[0]
		}
	}

	if core.config.Handshake != nil {
		bag := make(map[string]any, len(values))
		for k, v := range values {
			bag[k] = v
		}
		if _, issues := core.config.Handshake.Validate(r.Context(), bag); len(issues) > 0 {
			core.logger.Warn("handshake rejected: invalid headers", "issues", issues)
			return nil, rejectJSON(http.StatusBadRequest, map[string]any{
				"error":   "Invalid headers",
				"details": issues,
			})
		}
	}

	return &transport.Accept{ClientID: newClientID(), Values: values}, nil
}

func rejectJSON(status int, body map[string]any) *transport.Reject {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"error":"Internal error"}`)
	}
	return &transport.Reject{Status: status, ContentType: "application/json", Body: data}
}

// OnOpen registers the connection and starts its dispatch goroutine. The
// goroutine runs OnConnect first; frames arriving before it returns sit
// in the queue and are processed afterwards, in order.
func (core *Core) OnOpen(sink transport.Sink, clientID string, values map[string]string) {
	conn := newConn(core, sink, clientID, Values(values))
	core.registry.add(conn)
	go conn.run()
}

// OnMessage queues one inbound frame for the connection's dispatch
// goroutine. Frames for unknown or closing connections are dropped.
func (core *Core) OnMessage(clientID string, data []byte) {
	conn := core.registry.Get(clientID)
	if conn == nil {
		core.logger.Debug("frame for unknown connection dropped", "client_id", clientID)
		return
	}
	if err := conn.enqueue(data); err != nil {
		conn.logger.Warn("inbound frame dropped", "error", err)
	}
}

// OnClose begins connection teardown. The dispatch goroutine finishes its
// current handler, runs OnDisconnect with the final room snapshot, then
// removes the connection from every room and from the live table.
func (core *Core) OnClose(clientID string) {
	conn := core.registry.Get(clientID)
	if conn == nil {
		return
	}
	conn.close()
}

// =============================================================================
// Lifecycle internals (run on the connection's dispatch goroutine)
// =============================================================================

// runOnConnect builds the user context. Returns false when the callback
// failed; the connection is then treated as never fully opened.
func (core *Core) runOnConnect(c *Conn) bool {
	if core.config.OnConnect == nil {
		c.userCtx = map[string]any{}
		return true
	}

	userCtx, err := func() (uc map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return core.config.OnConnect(c.ctx, c.id, c.values)
	}()
	if err != nil {
		c.logger.Warn("connect callback failed, closing connection", "error", err)
		return false
	}
	if userCtx == nil {
		userCtx = map[string]any{}
	}
	c.userCtx = userCtx
	return true
}

// finalize runs the disconnect sequence: OnDisconnect observes the final
// subscription set, then rooms are torn down and the connection removed
// from the live table.
func (core *Core) finalize(c *Conn, opened bool) {
	if opened && core.config.OnDisconnect != nil {
		rooms := core.rooms.snapshot(c.id)
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("disconnect callback panicked",
						"panic", r, "stack", string(debug.Stack()))
				}
			}()
			core.config.OnDisconnect(c.id, c.userCtx, rooms)
		}()
	}
	core.rooms.dropAll(c)
	core.registry.remove(c.id)
}

// Shutdown closes every live connection and waits for their disconnect
// sequences to finish or the context to expire.
func (core *Core) Shutdown(ctx context.Context) error {
	core.shuttingDown.Store(true)

	conns := core.registry.List()
	for _, c := range conns {
		c.sink.Close()
		c.close()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	core.logger.Info("shutdown complete", "connections_closed", len(conns))
	return nil
}
