// Package router declares the design-time shape of a Zocket API: a nested
// tree whose leaves are procedures and whose internal nodes are named
// groupings. Flatten converts the tree into the flat dispatch table the
// runtime uses; the tree itself is discarded afterwards.
//
//	table, err := router.Flatten(router.Group{
//	    "echo": router.Group{
//	        "ping":   router.In{Input: schema.Struct[PingInput](), Handler: pingHandler},
//	        "onPong": router.Out{Output: schema.Struct[PongEvent]()},
//	    },
//	})
//
// Every error Flatten returns is a configuration error: it surfaces at
// server startup, never at dispatch time.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zocket-go/zocket/pkg/protocol"
	"github.com/zocket-go/zocket/pkg/schema"
	"github.com/zocket-go/zocket/pkg/server"
)

// Node is one position in the router tree: a Group, an In, or an Out.
type Node interface {
	node()
}

// Group is an internal node: a named collection of children.
type Group map[string]Node

// In declares a client-to-server procedure.
type In struct {
	// Input validates the inbound payload. Nil accepts anything.
	Input schema.Schema

	// Middleware runs in declared order before Handler.
	Middleware []server.Middleware

	// Handler processes the frame. May be omitted here and supplied via
	// WithHandlers (legacy style), but exactly one of the two must
	// provide it.
	Handler server.Handler
}

// Out declares a server-to-client event channel. It exists so clients can
// type-check their subscriptions; it can never have a handler.
type Out struct {
	// Output coerces the outbound payload. Required: Flatten rejects an
	// Out without one.
	Output schema.Schema
}

func (Group) node() {}
func (In) node()    {}
func (Out) node()   {}

// Option configures Flatten.
type Option func(*flattenOptions)

type flattenOptions struct {
	handlers map[string]server.Handler
}

// WithHandlers supplies handlers on a parallel tree keyed by dotted path
// (legacy style). A route may get its handler from the procedure record
// or from this map, but not both.
func WithHandlers(handlers map[string]server.Handler) Option {
	return func(o *flattenOptions) {
		o.handlers = handlers
	}
}

// Flatten walks the tree depth-first and emits one dispatch-table entry
// per procedure, keyed by the dotted route path.
func Flatten(root Group, opts ...Option) (server.Table, error) {
	options := &flattenOptions{}
	for _, opt := range opts {
		opt(options)
	}

	table := make(server.Table)
	if err := flattenNode(table, nil, root, options); err != nil {
		return nil, err
	}

	// Legacy handlers must all land on a declared incoming route.
	for path := range options.handlers {
		if _, ok := table[path]; !ok {
			return nil, fmt.Errorf("router: handler for undeclared route %q", path)
		}
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func flattenNode(table server.Table, path []string, node Node, options *flattenOptions) error {
	switch n := node.(type) {
	case Group:
		// Deterministic traversal keeps error messages stable.
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := checkSegment(k, path); err != nil {
				return err
			}
			child := make([]string, len(path), len(path)+1)
			copy(child, path)
			child = append(child, k)
			if err := flattenNode(table, child, n[k], options); err != nil {
				return err
			}
		}
		return nil

	case In:
		return emit(table, path, &server.Procedure{
			Direction:  server.In,
			Input:      n.Input,
			Middleware: n.Middleware,
			Handler:    n.Handler,
		}, options)

	case Out:
		if n.Output == nil {
			return fmt.Errorf("router: route %q: outgoing procedure without output schema", strings.Join(path, "."))
		}
		return emit(table, path, &server.Procedure{Direction: server.Out, Output: n.Output}, options)

	case nil:
		return fmt.Errorf("router: route %q: nil node", strings.Join(path, "."))

	default:
		return fmt.Errorf("router: route %q: unknown node type %T", strings.Join(path, "."), node)
	}
}

func emit(table server.Table, path []string, proc *server.Procedure, options *flattenOptions) error {
	if len(path) == 0 {
		return fmt.Errorf("router: procedure at tree root has no name")
	}
	route := strings.Join(path, ".")

	if _, exists := table[route]; exists {
		return fmt.Errorf("router: duplicate route %q", route)
	}

	if h, ok := options.handlers[route]; ok {
		if proc.Direction == server.Out {
			return fmt.Errorf("router: route %q: handler attached to outgoing procedure", route)
		}
		if proc.Handler != nil {
			return fmt.Errorf("router: route %q: handler declared both on the procedure and in the handler tree", route)
		}
		proc.Handler = h
	}
	if proc.Direction == server.In && proc.Handler == nil {
		return fmt.Errorf("router: route %q: incoming procedure without handler", route)
	}

	table[route] = proc
	return nil
}

func checkSegment(seg string, parent []string) error {
	at := strings.Join(parent, ".")
	if at != "" {
		at += "."
	}
	if seg == "" {
		return fmt.Errorf("router: empty segment under %q", strings.Join(parent, "."))
	}
	if strings.Contains(seg, ".") {
		return fmt.Errorf("router: segment %q contains %q; nest a Group instead", at+seg, ".")
	}
	if seg == protocol.RPCResultType {
		return fmt.Errorf("router: segment %q is reserved", protocol.RPCResultType)
	}
	return nil
}
