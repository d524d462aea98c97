package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zocket-go/zocket/pkg/schema"
)

func TestServerSendToAndBroadcast(t *testing.T) {
	core, bus := newTestCore(t, echoTable(t, nil), nil)
	sinkA := openTestConn(t, core, bus, "client_1_sA", nil)
	sinkB := openTestConn(t, core, bus, "client_1_sB", nil)

	// Targeted send: only A. Unknown ids are skipped silently.
	if err := core.Send("echo.onPong", map[string]any{"reply": "a only"}).
		To("client_1_sA", "client_gone_x"); err != nil {
		t.Fatalf("To: %v", err)
	}
	f := waitFrame(t, sinkA)
	if f.Type != "echo.onPong" {
		t.Errorf("Type = %q, want echo.onPong", f.Type)
	}
	select {
	case data := <-sinkB.frames:
		t.Errorf("B received targeted frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	// Broadcast: everyone.
	if err := core.Send("echo.onPong", map[string]any{"reply": "all"}).Broadcast(); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, sink := range []*fakeSink{sinkA, sinkB} {
		f := waitFrame(t, sink)
		var payload struct {
			Reply string `json:"reply"`
		}
		json.Unmarshal(f.Payload, &payload)
		if payload.Reply != "all" {
			t.Errorf("reply = %q, want all", payload.Reply)
		}
	}
}

func TestBroadcastWithNoConnectionsIsNoop(t *testing.T) {
	core, _ := newTestCore(t, echoTable(t, nil), nil)
	if err := core.Send("echo.onPong", map[string]any{"reply": "void"}).Broadcast(); err != nil {
		t.Errorf("Broadcast with zero connections: %v", err)
	}
}

func TestSendUnknownRoute(t *testing.T) {
	core, _ := newTestCore(t, echoTable(t, nil), nil)

	d := core.Send("no.such.event", nil)
	if !errors.Is(d.Err(), ErrUnknownRoute) {
		t.Errorf("Err = %v, want ErrUnknownRoute", d.Err())
	}
	if err := d.Broadcast(); !errors.Is(err, ErrUnknownRoute) {
		t.Errorf("Broadcast = %v, want ErrUnknownRoute", err)
	}
}

func TestSendOnIncomingRoute(t *testing.T) {
	core, _ := newTestCore(t, echoTable(t, nil), nil)

	if err := core.Send("echo.ping", nil).To("x"); !errors.Is(err, ErrNotOutgoing) {
		t.Errorf("To = %v, want ErrNotOutgoing", err)
	}
}

func TestSendOutputSchemaRejects(t *testing.T) {
	table := echoTable(t, map[string]*Procedure{
		"strict.onEvent": {
			Direction: Out,
			Output: schema.Func(func(_ context.Context, raw any) (any, []schema.Issue) {
				return nil, []schema.Issue{{Message: "always invalid"}}
			}),
		},
	})
	core, _ := newTestCore(t, table, nil)

	if err := core.Send("strict.onEvent", "x").Broadcast(); !errors.Is(err, ErrPayloadInvalid) {
		t.Errorf("Broadcast = %v, want ErrPayloadInvalid", err)
	}
}

// A failing sink must not affect delivery to other recipients, and the
// failure surfaces through the send-error callback.
func TestSendFailureIsolation(t *testing.T) {
	failures := make(chan string, 4)
	cfg := DefaultConfig()
	cfg.OnSendError = func(clientID string, err error) {
		failures <- clientID
	}
	core, bus := newTestCore(t, echoTable(t, nil), cfg)

	sinkBad := openTestConn(t, core, bus, "client_1_bad", nil)
	sinkBad.mu.Lock()
	sinkBad.failSends = true
	sinkBad.mu.Unlock()
	sinkGood := openTestConn(t, core, bus, "client_1_good", nil)

	if err := core.Send("echo.onPong", map[string]any{"reply": "x"}).Broadcast(); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	f := waitFrame(t, sinkGood)
	if f.Type != "echo.onPong" {
		t.Errorf("healthy recipient missed delivery, got %q", f.Type)
	}
	select {
	case id := <-failures:
		if id != "client_1_bad" {
			t.Errorf("send error reported for %q, want client_1_bad", id)
		}
	case <-time.After(2 * time.Second):
		t.Error("send error callback never fired")
	}
}

func TestToRoomWithoutPublisher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logger = testLogger()
	core, err := New(echoTable(t, nil), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// No SetPublisher: room sends are logged no-ops, never a member
	// iteration fallback.
	if err := core.Send("echo.onPong", nil).ToRoom("general"); !errors.Is(err, ErrNoPublisher) {
		t.Errorf("ToRoom = %v, want ErrNoPublisher", err)
	}
}

func TestToRoomThroughPublisherBeforeAnyConnection(t *testing.T) {
	core, bus := newTestCore(t, echoTable(t, nil), nil)
	_ = bus
	// Valid with zero connections: the publisher simply has no
	// subscribers yet.
	if err := core.Send("echo.onPong", map[string]any{"reply": "early"}).ToRoom("general"); err != nil {
		t.Errorf("ToRoom before any connection: %v", err)
	}
}
