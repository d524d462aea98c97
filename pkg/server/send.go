package server

import (
	"context"
	"fmt"

	"github.com/zocket-go/zocket/pkg/protocol"
)

// Dispatch is the fluent sender returned by Send: the payload is fixed
// first, then exactly one terminal operation picks the targets.
//
// Construction errors (unknown route, wrong direction, output schema
// issues) are deferred to the terminal call, so call sites stay one
// expression:
//
//	c.Send("chat.onMessage", msg).ToRoom("general")
type Dispatch struct {
	core  *Core
	route string
	data  []byte
	err   error
}

// newDispatch resolves the route, coerces the payload through the
// procedure's output schema, and encodes the frame once for all targets.
func (core *Core) newDispatch(ctx context.Context, route string, payload any) *Dispatch {
	d := &Dispatch{core: core, route: route}

	proc, ok := core.table[route]
	if !ok {
		d.err = fmt.Errorf("%w: %q", ErrUnknownRoute, route)
		return d
	}
	if proc.Direction != Out {
		d.err = fmt.Errorf("%w: %q", ErrNotOutgoing, route)
		return d
	}

	if proc.Output != nil {
		value, issues := proc.Output.Validate(ctx, payload)
		if len(issues) > 0 {
			d.err = fmt.Errorf("%w: route %q: %v", ErrPayloadInvalid, route, issues)
			return d
		}
		payload = value
	}

	data, err := protocol.EncodeEvent(route, payload)
	if err != nil {
		d.err = fmt.Errorf("server: encode %q: %w", route, err)
		return d
	}
	d.data = data
	return d
}

// Err returns the construction error, if any, without sending.
func (d *Dispatch) Err() error {
	return d.err
}

// To delivers the frame to each listed client. Ids that are not currently
// connected are silently skipped; a send failure on one connection never
// affects delivery to the others.
func (d *Dispatch) To(ids ...string) error {
	if d.err != nil {
		d.core.logger.Warn("send aborted", "route", d.route, "error", d.err)
		return d.err
	}
	for _, id := range ids {
		conn := d.core.registry.Get(id)
		if conn == nil || conn.IsClosed() {
			continue
		}
		conn.send(d.data)
	}
	return nil
}

// ToRoom delivers the frame to every member of every listed room through
// the transport publisher. Without a publisher this is a logged no-op.
func (d *Dispatch) ToRoom(rooms ...string) error {
	if d.err != nil {
		d.core.logger.Warn("send aborted", "route", d.route, "error", d.err)
		return d.err
	}
	var firstErr error
	for _, room := range rooms {
		if err := d.core.publish(room, d.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast delivers the frame to every live connection. Valid with zero
// connections (a no-op).
func (d *Dispatch) Broadcast() error {
	if d.err != nil {
		d.core.logger.Warn("send aborted", "route", d.route, "error", d.err)
		return d.err
	}
	for _, conn := range d.core.registry.List() {
		if conn.IsClosed() {
			continue
		}
		conn.send(d.data)
	}
	return nil
}
