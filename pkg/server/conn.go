package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zocket-go/zocket/pkg/transport"
)

// Conn is one live connection: identity, handshake metadata, user context,
// and the per-connection dispatch goroutine.
type Conn struct {
	id     string
	values Values
	sink   transport.Sink
	core   *Core

	// userCtx is written once by the dispatch goroutine (after OnConnect)
	// and read by request contexts on the same goroutine.
	userCtx map[string]any

	// ready is closed once OnConnect has returned and the user context is
	// published. Frames arriving earlier sit in the queue.
	ready chan struct{}

	// frames is the inbound queue. The adapter's read loop is the only
	// producer; the dispatch goroutine is the only consumer, which gives
	// per-connection receive-order processing.
	frames chan []byte

	stop      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// ctx is cancelled when the connection closes; request contexts
	// derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	createdAt  time.Time
	lastActive atomic.Int64

	// sendMu serialises writes to the sink so frames from concurrent
	// senders don't interleave mid-write.
	sendMu sync.Mutex

	logger *slog.Logger
}

// newClientID allocates an identifier of the form
// client_<epoch_ms>_<base36>. Collision-resistant but not cryptographic.
func newClientID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(b[:]), 36)
	return fmt.Sprintf("client_%d_%s", time.Now().UnixMilli(), suffix)
}

func newConn(core *Core, sink transport.Sink, clientID string, values Values) *Conn {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:        clientID,
		values:    values,
		sink:      sink,
		core:      core,
		ready:     make(chan struct{}),
		frames:    make(chan []byte, core.config.MaxFrameQueue),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: now,
		logger:    core.logger.With("client_id", clientID),
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// ID returns the server-assigned client identifier.
func (c *Conn) ID() string {
	return c.id
}

// Handshake returns the connection's handshake metadata.
func (c *Conn) Handshake() Values {
	return c.values
}

// CreatedAt returns the connection's open time.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// LastActive returns the time of the last inbound frame.
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// IsClosed reports whether the connection has begun closing.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Done is closed when the connection's teardown has completed, after
// OnDisconnect has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// enqueue queues one inbound frame for dispatch. Returns
// ErrFrameQueueFull when the buffer is full; the frame is dropped.
func (c *Conn) enqueue(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.lastActive.Store(time.Now().UnixNano())
	select {
	case c.frames <- data:
		return nil
	default:
		return ErrFrameQueueFull
	}
}

// close begins teardown. Safe to call more than once; the dispatch
// goroutine finishes its current handler, then runs the disconnect
// sequence.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		close(c.stop)
	})
}

// send writes one frame to the transport sink. Failures are reported via
// the configured send-error callback and never affect other connections.
func (c *Conn) send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.sendMu.Lock()
	err := c.sink.Send(data)
	c.sendMu.Unlock()
	if err != nil {
		err = NewConnError(c.id, "send", err)
		c.logger.Warn("send failed", "error", err)
		if cb := c.core.config.OnSendError; cb != nil {
			cb(c.id, err)
		}
	}
	return err
}

// run is the per-connection dispatch goroutine. It establishes the user
// context, releases deferred frames, and processes frames in receive
// order until the connection closes.
func (c *Conn) run() {
	defer close(c.done)

	opened := c.core.runOnConnect(c)
	if !opened {
		// Treated as never fully opened: no frame dispatch, no
		// OnDisconnect. The sink is closed and the connection removed.
		c.close()
		c.sink.Close()
		c.core.finalize(c, false)
		return
	}
	close(c.ready)

	for {
		select {
		case <-c.stop:
			c.core.finalize(c, true)
			return
		case data := <-c.frames:
			c.core.dispatchFrame(c, data)
		}
	}
}
