package server

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/zocket-go/zocket/pkg/protocol"
)

// dispatchFrame processes one inbound frame on the connection's dispatch
// goroutine: parse, route, validate, middleware, handler, RPC reply.
//
// Every failure short of a handler success is logged and dropped without
// a reply, even when the frame carried an rpcId. Payload rejections and
// middleware rejections deliberately leave RPC callers to time out so
// that probing cannot distinguish "invalid input" from "no such route".
func (core *Core) dispatchFrame(conn *Conn, data []byte) {
	frame, err := protocol.DecodeInbound(data)
	if err != nil {
		if errors.Is(err, protocol.ErrMissingType) {
			conn.logger.Warn("frame dropped: missing type")
		} else {
			conn.logger.Warn("frame dropped: malformed", "error", err)
		}
		return
	}

	proc, ok := core.table[frame.Type]
	if !ok || proc.Direction != In {
		conn.logger.Warn("frame dropped: unknown route", "route", frame.Type)
		return
	}

	payload, err := frame.DecodePayload()
	if err != nil {
		conn.logger.Warn("frame dropped: malformed payload", "route", frame.Type, "error", err)
		return
	}

	input := payload
	if proc.Input != nil {
		value, issues := proc.Input.Validate(conn.ctx, payload)
		if len(issues) > 0 {
			conn.logger.Warn("frame dropped: payload invalid",
				"route", frame.Type, "issues", issues)
			return
		}
		input = value
	}

	c := newRequestCtx(conn.ctx, conn, frame.Type, frame.RPCID != "")

	var result any
	final := func() error {
		res, err := proc.Handler(c, input)
		result = res
		return err
	}

	ranFinal, err := runChain(c, core.middlewareFor(proc), input, final)
	if err != nil {
		conn.logger.Warn("request aborted",
			"route", frame.Type, "rpc", frame.RPCID != "", "error", err)
		return
	}
	if !ranFinal {
		conn.logger.Debug("middleware short-circuited", "route", frame.Type)
		return
	}

	if frame.RPCID == "" {
		return
	}
	if conn.IsClosed() {
		conn.logger.Debug("rpc reply dropped: connection closed", "route", frame.Type)
		return
	}
	out, err := protocol.EncodeRPCResult(frame.RPCID, result)
	if err != nil {
		conn.logger.Warn("rpc reply encode failed", "route", frame.Type, "error", err)
		return
	}
	conn.send(out)
}

// middlewareFor combines the global chain with the procedure's own, in
// that order.
func (core *Core) middlewareFor(proc *Procedure) []Middleware {
	global := core.config.Middleware
	if len(global) == 0 {
		return proc.Middleware
	}
	if len(proc.Middleware) == 0 {
		return global
	}
	chain := make([]Middleware, 0, len(global)+len(proc.Middleware))
	chain = append(chain, global...)
	chain = append(chain, proc.Middleware...)
	return chain
}

// runChain executes the middleware chain and then final. Middleware can
// short-circuit by returning nil without calling next: ranFinal is false
// and err nil. A panic anywhere in the chain or handler is recovered and
// reported as an error.
func runChain(c *Ctx, middleware []Middleware, payload any, final func() error) (ranFinal bool, err error) {
	ran := false
	defer func() {
		if r := recover(); r != nil {
			ranFinal = ran
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	wrappedFinal := func() error {
		ran = true
		return final()
	}

	if len(middleware) == 0 {
		return true, wrappedFinal()
	}

	index := 0
	var next func() error
	next = func() error {
		if index >= len(middleware) {
			return wrappedFinal()
		}
		mw := middleware[index]
		index++
		if mw == nil {
			return next()
		}
		return mw.Handle(c, payload, next)
	}

	err = next()
	return ran, err
}
