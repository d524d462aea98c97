package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBus is an in-memory publisher standing in for a transport's topic
// fabric.
type fakeBus struct {
	mu     sync.Mutex
	topics map[string]map[*fakeSink]struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{topics: make(map[string]map[*fakeSink]struct{})}
}

func (b *fakeBus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	subs := make([]*fakeSink, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Send(data)
	}
	return nil
}

func (b *fakeBus) subscribe(topic string, s *fakeSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*fakeSink]struct{})
	}
	b.topics[topic][s] = struct{}{}
}

func (b *fakeBus) unsubscribe(topic string, s *fakeSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// fakeSink records outbound frames and mirrors subscriptions into the
// bus.
type fakeSink struct {
	mu     sync.Mutex
	bus    *fakeBus
	frames chan []byte
	closed bool
	subs   map[string]struct{}

	failSends bool
}

func newFakeSink(bus *fakeBus) *fakeSink {
	return &fakeSink{
		bus:    bus,
		frames: make(chan []byte, 64),
		subs:   make(map[string]struct{}),
	}
}

func (s *fakeSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	if s.failSends {
		return errors.New("injected send failure")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case s.frames <- cp:
	default:
	}
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Subscribe(topic string) error {
	s.mu.Lock()
	s.subs[topic] = struct{}{}
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.subscribe(topic, s)
	}
	return nil
}

func (s *fakeSink) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.subs, topic)
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.unsubscribe(topic, s)
	}
	return nil
}

func (s *fakeSink) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[topic]
	return ok
}

// outFrame is the decoded shape of an outbound frame.
type outFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	RPCID   string          `json:"rpcId"`
}

// waitFrame blocks until the sink produces one frame.
func waitFrame(t *testing.T, s *fakeSink) outFrame {
	t.Helper()
	select {
	case data := <-s.frames:
		var f outFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("undecodable outbound frame %q: %v", data, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return outFrame{}
	}
}

// openTestConn opens a connection on the core and waits for OnConnect to
// complete.
func openTestConn(t *testing.T, core *Core, bus *fakeBus, id string, values Values) *fakeSink {
	t.Helper()
	sink := newFakeSink(bus)
	core.OnOpen(sink, id, values)
	conn := core.registry.Get(id)
	if conn == nil {
		t.Fatalf("connection %s not registered", id)
	}
	select {
	case <-conn.ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s never became ready", id)
	}
	return sink
}

// closeTestConn tears a connection down and waits for the disconnect
// sequence.
func closeTestConn(t *testing.T, core *Core, id string) {
	t.Helper()
	conn := core.registry.Get(id)
	if conn == nil {
		return
	}
	core.OnClose(id)
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s never finished teardown", id)
	}
}
