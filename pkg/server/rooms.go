package server

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/zocket-go/zocket/pkg/protocol"
)

// RoomRegistry tracks which connections belong to which rooms. A room
// exists exactly as long as it has at least one member; empty rooms are
// never materialised.
type RoomRegistry struct {
	mu sync.RWMutex

	// members: room id -> client id -> connection.
	members map[string]map[string]*Conn

	// byConn: client id -> set of room ids. The per-connection view used
	// for snapshots and disconnect cleanup.
	byConn map[string]map[string]struct{}

	logger *slog.Logger
}

func newRoomRegistry(logger *slog.Logger) *RoomRegistry {
	return &RoomRegistry{
		members: make(map[string]map[string]*Conn),
		byConn:  make(map[string]map[string]struct{}),
		logger:  logger.With("component", "rooms"),
	}
}

// join adds the connection to a room and subscribes its sink to the
// topic. Idempotent: a repeated join is a no-op.
func (rr *RoomRegistry) join(c *Conn, room string) error {
	rr.mu.Lock()
	if set, ok := rr.byConn[c.id]; ok {
		if _, member := set[room]; member {
			rr.mu.Unlock()
			return nil
		}
	}
	if rr.members[room] == nil {
		rr.members[room] = make(map[string]*Conn)
	}
	rr.members[room][c.id] = c
	if rr.byConn[c.id] == nil {
		rr.byConn[c.id] = make(map[string]struct{})
	}
	rr.byConn[c.id][room] = struct{}{}
	rr.mu.Unlock()

	if err := c.sink.Subscribe(room); err != nil {
		return NewConnError(c.id, "subscribe "+room, err)
	}
	return nil
}

// leave removes the connection from a room. A leave without a prior join
// is a no-op.
func (rr *RoomRegistry) leave(c *Conn, room string) error {
	rr.mu.Lock()
	set, ok := rr.byConn[c.id]
	if !ok {
		rr.mu.Unlock()
		return nil
	}
	if _, member := set[room]; !member {
		rr.mu.Unlock()
		return nil
	}
	delete(set, room)
	if len(set) == 0 {
		delete(rr.byConn, c.id)
	}
	rr.removeMemberLocked(room, c.id)
	rr.mu.Unlock()

	if err := c.sink.Unsubscribe(room); err != nil {
		return NewConnError(c.id, "unsubscribe "+room, err)
	}
	return nil
}

func (rr *RoomRegistry) removeMemberLocked(room, clientID string) {
	if conns, ok := rr.members[room]; ok {
		delete(conns, clientID)
		if len(conns) == 0 {
			delete(rr.members, room)
		}
	}
}

// snapshot returns the sorted room ids the connection belongs to.
func (rr *RoomRegistry) snapshot(clientID string) []string {
	rr.mu.RLock()
	set := rr.byConn[clientID]
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	rr.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// has reports membership of a single (connection, room) pair.
func (rr *RoomRegistry) has(clientID, room string) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	_, ok := rr.byConn[clientID][room]
	return ok
}

// dropAll removes the connection from every room and unsubscribes each
// topic. Called once during disconnect, after OnDisconnect has observed
// the final snapshot.
func (rr *RoomRegistry) dropAll(c *Conn) {
	rr.mu.Lock()
	set := rr.byConn[c.id]
	delete(rr.byConn, c.id)
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
		rr.removeMemberLocked(room, c.id)
	}
	rr.mu.Unlock()

	for _, room := range rooms {
		if err := c.sink.Unsubscribe(room); err != nil {
			rr.logger.Warn("unsubscribe on disconnect failed",
				"client_id", c.id, "room", room, "error", err)
		}
	}
}

// Count returns the number of rooms with at least one member.
func (rr *RoomRegistry) Count() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.members)
}

// MemberCount returns the number of members in a room.
func (rr *RoomRegistry) MemberCount(room string) int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.members[room])
}

// RoomOps is the room surface handlers reach through ctx.Rooms().
type RoomOps struct {
	conn *Conn
	core *Core
}

// Join adds this connection to a room. Idempotent.
func (r *RoomOps) Join(room string) error {
	if r.conn.IsClosed() {
		return ErrConnClosed
	}
	return r.core.rooms.join(r.conn, room)
}

// Leave removes this connection from a room. A leave without a prior
// join is a no-op.
func (r *RoomOps) Leave(room string) error {
	if r.conn.IsClosed() {
		return ErrConnClosed
	}
	return r.core.rooms.leave(r.conn, room)
}

// Current returns the sorted rooms this connection belongs to.
func (r *RoomOps) Current() []string {
	return r.core.rooms.snapshot(r.conn.id)
}

// Has reports whether this connection is a member of room.
func (r *RoomOps) Has(room string) bool {
	return r.core.rooms.has(r.conn.id, room)
}

// Broadcast emits a dynamic room-scoped event. The route is the dotted
// wire path and is deliberately not checked against the dispatch table:
// this is the escape hatch for room events whose names are built at
// runtime. Typed sends go through ctx.Send(...).ToRoom(...).
func (r *RoomOps) Broadcast(room, route string, payload any) error {
	data, err := protocol.EncodeEvent(route, payload)
	if err != nil {
		return NewConnError(r.conn.id, "encode "+route, err)
	}
	return r.core.publish(room, data)
}
