package server

import (
	"fmt"
	"strings"

	"github.com/zocket-go/zocket/pkg/protocol"
	"github.com/zocket-go/zocket/pkg/schema"
)

// Direction distinguishes the two procedure variants.
type Direction int

const (
	// In marks a client-to-server procedure: it has an input schema, a
	// middleware chain, and a handler, and may return an RPC value.
	In Direction = iota + 1

	// Out marks a server-to-client event channel: it has an output schema
	// only and can never have a handler.
	Out
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Handler processes one validated inbound frame. The returned value is the
// RPC reply payload when the frame carried an rpcId; it is discarded
// otherwise. A returned error aborts the request without a reply.
type Handler func(c *Ctx, input any) (any, error)

// Middleware runs before a procedure's handler. It can refine the
// per-request context via c.Set, short-circuit by not calling next, or
// abort by returning an error. An aborted request is logged and dropped
// without a reply, even for RPC frames, so that authorization middleware
// never reveals whether a procedure exists.
type Middleware interface {
	Handle(c *Ctx, payload any, next func() error) error
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(c *Ctx, payload any, next func() error) error

// Handle implements Middleware.
func (f MiddlewareFunc) Handle(c *Ctx, payload any, next func() error) error {
	return f(c, payload, next)
}

// Refine builds a Middleware from a function that returns values to merge
// into the per-request context. A nil map with a nil error is a plain
// pass-through; a non-nil error aborts the request.
//
//	router.In{
//	    Middleware: []server.Middleware{
//	        server.Refine(func(c *server.Ctx, payload any) (map[string]any, error) {
//	            user, err := lookupUser(c.StdContext(), c.Handshake()["token"])
//	            if err != nil {
//	                return nil, err
//	            }
//	            return map[string]any{"user": user}, nil
//	        }),
//	    },
//	    ...
//	}
func Refine(fn func(c *Ctx, payload any) (map[string]any, error)) Middleware {
	return MiddlewareFunc(func(c *Ctx, payload any, next func() error) error {
		values, err := fn(c, payload)
		if err != nil {
			return err
		}
		for k, v := range values {
			c.Set(k, v)
		}
		return next()
	})
}

// Procedure is one entry in the dispatch table.
type Procedure struct {
	// Direction is In or Out.
	Direction Direction

	// Input validates inbound payloads (In procedures). Nil skips
	// validation and hands the raw decoded payload to the handler.
	Input schema.Schema

	// Output coerces outbound payloads (Out procedures). Nil skips
	// coercion.
	Output schema.Schema

	// Middleware runs in declared order before Handler (In only).
	Middleware []Middleware

	// Handler is required for In procedures and forbidden for Out.
	Handler Handler
}

// Table is the flat dispatch table: dotted route path to procedure.
// It is immutable once handed to New.
type Table map[string]*Procedure

// Validate checks the structural invariants of a table. router.Flatten
// produces valid tables; hand-built tables go through the same checks in
// New.
func (t Table) Validate() error {
	for route, proc := range t {
		if proc == nil {
			return fmt.Errorf("server: route %q: nil procedure", route)
		}
		if route == "" {
			return fmt.Errorf("server: empty route path")
		}
		for _, seg := range strings.Split(route, ".") {
			if seg == "" {
				return fmt.Errorf("server: route %q: empty segment", route)
			}
			if seg == protocol.RPCResultType {
				return fmt.Errorf("server: route %q: reserved segment %q", route, protocol.RPCResultType)
			}
		}
		switch proc.Direction {
		case In:
			if proc.Handler == nil {
				return fmt.Errorf("server: route %q: incoming procedure without handler", route)
			}
		case Out:
			if proc.Handler != nil {
				return fmt.Errorf("server: route %q: handler attached to outgoing procedure", route)
			}
		default:
			return fmt.Errorf("server: route %q: invalid direction %d", route, int(proc.Direction))
		}
	}
	return nil
}
