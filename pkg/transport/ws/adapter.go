// Package ws hosts the Zocket runtime on WebSocket connections using
// gorilla/websocket. It is the reference transport adapter: it upgrades
// handshakes after the core accepts them, pumps inbound frames into the
// core in receive order, enforces liveness with ping/pong deadlines, and
// backs room fan-out with an in-process topic hub.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zocket-go/zocket/pkg/transport"
)

// Adapter bridges HTTP/WebSocket to a transport.Handler (the Zocket
// core). It implements http.Handler for mounting in any router and
// transport.Publisher for room fan-out.
type Adapter struct {
	core     transport.Handler
	config   *Config
	upgrader websocket.Upgrader
	hub      *hub
	logger   *slog.Logger
}

var _ http.Handler = (*Adapter)(nil)
var _ transport.Publisher = (*Adapter)(nil)

// New creates a WebSocket adapter driving the given core.
func New(core transport.Handler, config *Config, logger *slog.Logger) *Adapter {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws")

	return &Adapter{
		core:   core,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			CheckOrigin:       config.CheckOrigin,
			EnableCompression: config.EnableCompression,
		},
		hub:    newHub(logger),
		logger: logger,
	}
}

// Publish implements transport.Publisher.
func (a *Adapter) Publish(topic string, data []byte) error {
	return a.hub.publish(topic, data)
}

// ServeHTTP upgrades one WebSocket connection. The core decides first:
// a rejected handshake is answered over plain HTTP and never upgraded.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accept, reject := a.core.OnUpgrade(r)
	if reject != nil {
		ct := reject.ContentType
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(reject.Status)
		w.Write(reject.Body)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		a.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sink := newWSSink(a, conn, accept.ClientID)
	a.core.OnOpen(sink, accept.ClientID, accept.Values)

	go sink.heartbeat()
	go sink.readLoop()
}

// wsSink is the per-connection write side handed to the core.
type wsSink struct {
	adapter  *Adapter
	conn     *websocket.Conn
	clientID string
	limiter  *rate.Limiter
	logger   *slog.Logger

	// writes guards conn writes; gorilla allows one concurrent writer.
	writes chan writeReq
	done   chan struct{}
}

type writeReq struct {
	messageType int
	data        []byte
	result      chan error
}

func newWSSink(a *Adapter, conn *websocket.Conn, clientID string) *wsSink {
	var limiter *rate.Limiter
	if rl := a.config.RateLimit; rl != nil && rl.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rl.MessagesPerSecond, rl.Burst)
	}
	s := &wsSink{
		adapter:  a,
		conn:     conn,
		clientID: clientID,
		limiter:  limiter,
		logger:   a.logger.With("client_id", clientID),
		writes:   make(chan writeReq, 64),
		done:     make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Send implements transport.Sink. Frames are UTF-8 JSON, sent as text
// messages.
func (s *wsSink) Send(data []byte) error {
	return s.write(websocket.TextMessage, data)
}

// Close implements transport.Sink.
func (s *wsSink) Close() error {
	// Best-effort close frame; the read loop observes the closure and
	// notifies the core.
	s.write(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

// Subscribe implements transport.Sink.
func (s *wsSink) Subscribe(topic string) error {
	s.adapter.hub.subscribe(topic, s)
	return nil
}

// Unsubscribe implements transport.Sink.
func (s *wsSink) Unsubscribe(topic string) error {
	s.adapter.hub.unsubscribe(topic, s)
	return nil
}

// write hands one message to the write loop and waits for the result.
func (s *wsSink) write(messageType int, data []byte) error {
	req := writeReq{messageType: messageType, data: data, result: make(chan error, 1)}
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	case s.writes <- req:
	}
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	case err := <-req.result:
		return err
	}
}

// writeLoop serialises all writes to the connection.
func (s *wsSink) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.writes:
			s.conn.SetWriteDeadline(time.Now().Add(s.adapter.config.WriteTimeout))
			req.result <- s.conn.WriteMessage(req.messageType, req.data)
		}
	}
}

// heartbeat pings the peer at the configured interval. The read deadline
// is refreshed by the pong handler in readLoop.
func (s *wsSink) heartbeat() {
	ticker := time.NewTicker(s.adapter.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop pumps inbound messages into the core until the connection
// dies, then runs teardown: the core's OnClose fires on every exit path.
func (s *wsSink) readLoop() {
	defer func() {
		close(s.done)
		s.conn.Close()
		s.adapter.hub.drop(s)
		s.adapter.core.OnClose(s.clientID)
	}()

	s.conn.SetReadLimit(s.adapter.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.adapter.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.adapter.config.ReadTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.logger.Warn("read error", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.adapter.config.ReadTimeout))

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("frame dropped: rate limit exceeded")
			continue
		}

		s.adapter.core.OnMessage(s.clientID, data)
	}
}
