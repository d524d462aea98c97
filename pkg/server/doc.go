// Package server provides the Zocket server runtime: a bidirectional
// RPC-and-event framework layered over a single long-lived duplex stream.
//
// The runtime is transport-agnostic. A transport adapter (see
// pkg/transport and pkg/transport/ws) owns the physical connections and
// drives the Core through four lifecycle callbacks; the Core routes
// inbound frames through a name-indexed dispatch table, runs the
// middleware chain and handler for each frame, and fans outbound frames
// out to single clients, explicit sets, rooms, or every connection.
//
// # Architecture
//
//   - Core: the runtime. Implements transport.Handler, owns the dispatch
//     table, the connection registry, and the room registry.
//   - Conn: one live connection. Frames are processed by a per-connection
//     goroutine in receive order; frames that arrive before OnConnect has
//     returned are deferred, never dropped.
//   - Ctx: the per-request context handed to middleware and handlers. It
//     carries a shallow copy of the connection's user context, the typed
//     sender, and room operations. FromContext recovers it from a
//     context.Context for helpers deep inside a handler.
//   - Dispatch: the fluent sender returned by Send. Terminal operations
//     To, ToRoom, and Broadcast pick the targets.
//
// # Frame lifecycle
//
// For each inbound frame the engine parses it, looks up the route,
// validates the payload against the procedure's schema, shallow-copies the
// connection's user context, runs the middleware chain, and invokes the
// handler. If the frame carried an rpcId and the handler returned without
// error, exactly one __rpc_res frame goes back on the originating
// connection. Malformed frames, unknown routes, invalid payloads, and
// middleware rejections are logged and dropped without a reply; an
// authorization middleware must not reveal whether a procedure exists.
//
// # Thread safety
//
// The dispatch table is immutable after New. The connection registry and
// room registry are guarded by RWMutexes. Per-connection state (user
// context, subscription set) is only touched from that connection's
// dispatch goroutine.
package server
