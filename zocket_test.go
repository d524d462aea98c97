package zocket_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zocket-go/zocket"
	zmw "github.com/zocket-go/zocket/pkg/middleware"
	"github.com/zocket-go/zocket/pkg/router"
	"github.com/zocket-go/zocket/pkg/schema"
	"github.com/zocket-go/zocket/pkg/server"
	"github.com/zocket-go/zocket/pkg/transport/ws"
)

type pingInput struct {
	Message string `json:"message" validate:"required"`
}

type roomInput struct {
	Room string `json:"room" validate:"required"`
	Text string `json:"text"`
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	RPCID   string          `json:"rpcId,omitempty"`
}

// newTestApp builds the full stack: router, runtime, and WebSocket
// adapter, served over httptest through a chi router.
func newTestApp(t *testing.T) (*zocket.App, *httptest.Server) {
	t.Helper()

	table, err := router.Flatten(router.Group{
		"echo": router.Group{
			"ping": router.In{
				Input: schema.Struct[pingInput](),
				Handler: func(c *zocket.Ctx, input any) (any, error) {
					in := input.(pingInput)
					return "pong: " + in.Message, nil
				},
			},
			"onPong": router.Out{Output: schema.Any()},
		},
		"rooms": router.Group{
			"join": router.In{
				Input: schema.Struct[roomInput](),
				Handler: func(c *zocket.Ctx, input any) (any, error) {
					return nil, c.Rooms().Join(input.(roomInput).Room)
				},
			},
			"say": router.In{
				Input: schema.Struct[roomInput](),
				Handler: func(c *zocket.Ctx, input any) (any, error) {
					in := input.(roomInput)
					return nil, c.Send("rooms.onSay", map[string]any{"text": in.Text}).ToRoom(in.Room)
				},
			},
			"onSay": router.Out{Output: schema.Any()},
		},
	})
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}

	registry := prometheus.NewRegistry()

	cfg := server.DefaultConfig()
	cfg.Handshake = schema.Func(func(_ context.Context, raw any) (any, []schema.Issue) {
		bag := raw.(map[string]any)
		if tok, _ := bag["token"].(string); tok == "" {
			return nil, []schema.Issue{{Path: "token", Message: "required"}}
		}
		return raw, nil
	})
	cfg.Middleware = []server.Middleware{
		zmw.Prometheus(zmw.WithRegistry(registry)),
		zmw.OpenTelemetry(),
	}

	wsCfg := ws.DefaultConfig()
	wsCfg.CheckOrigin = ws.AllOrigins

	app, err := zocket.New(table, cfg, wsCfg)
	if err != nil {
		t.Fatalf("zocket.New: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/ws", app.Handler())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		app.Shutdown(ctx)
	})
	return app, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestEndToEndRPC(t *testing.T) {
	_, srv := newTestApp(t)
	conn := dial(t, srv, "?token=t1")

	writeFrame(t, conn, map[string]any{
		"type":    "echo.ping",
		"payload": map[string]any{"message": "hi"},
		"rpcId":   "r1",
	})

	f := readFrame(t, conn)
	if f.Type != "__rpc_res" || f.RPCID != "r1" {
		t.Fatalf("frame = %+v, want __rpc_res r1", f)
	}
	var reply string
	json.Unmarshal(f.Payload, &reply)
	if reply != "pong: hi" {
		t.Errorf("reply = %q, want \"pong: hi\"", reply)
	}
}

func TestEndToEndRoomFanOut(t *testing.T) {
	_, srv := newTestApp(t)
	connA := dial(t, srv, "?token=a")
	connB := dial(t, srv, "?token=b")

	for _, conn := range []*websocket.Conn{connA, connB} {
		writeFrame(t, conn, map[string]any{
			"type":    "rooms.join",
			"payload": map[string]any{"room": "general"},
			"rpcId":   "j",
		})
		if f := readFrame(t, conn); f.RPCID != "j" {
			t.Fatalf("join reply = %+v", f)
		}
	}

	writeFrame(t, connA, map[string]any{
		"type":    "rooms.say",
		"payload": map[string]any{"room": "general", "text": "hello"},
	})

	for _, conn := range []*websocket.Conn{connA, connB} {
		f := readFrame(t, conn)
		if f.Type != "rooms.onSay" {
			t.Errorf("frame = %+v, want rooms.onSay", f)
		}
	}
}

func TestEndToEndHandshakeRejection(t *testing.T) {
	_, srv := newTestApp(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("handshake without token succeeded")
	}
	if resp == nil {
		t.Fatal("no HTTP response for rejected handshake")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var parsed struct {
		Error   string            `json:"error"`
		Details []json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("body %q: %v", body, err)
	}
	if parsed.Error != "Invalid headers" {
		t.Errorf("error = %q, want Invalid headers", parsed.Error)
	}
	if len(parsed.Details) == 0 {
		t.Error("details missing from rejection body")
	}
}

func TestEndToEndServerPush(t *testing.T) {
	app, srv := newTestApp(t)
	conn := dial(t, srv, "?token=t1")

	// Settle: an RPC round trip guarantees OnConnect has completed and
	// the connection is in the live table.
	writeFrame(t, conn, map[string]any{
		"type":    "echo.ping",
		"payload": map[string]any{"message": "warm"},
		"rpcId":   "w",
	})
	readFrame(t, conn)

	if err := app.Send("echo.onPong", map[string]any{"reply": "pushed"}).Broadcast(); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != "echo.onPong" {
		t.Errorf("frame = %+v, want echo.onPong", f)
	}
}

func TestEndToEndInvalidPayloadSilence(t *testing.T) {
	_, srv := newTestApp(t)
	conn := dial(t, srv, "?token=t1")

	// Invalid payload with an rpcId: dropped without a reply. The probe
	// sent next must produce the first reply.
	writeFrame(t, conn, map[string]any{
		"type":    "echo.ping",
		"payload": map[string]any{},
		"rpcId":   "bad",
	})
	writeFrame(t, conn, map[string]any{
		"type":    "echo.ping",
		"payload": map[string]any{"message": "ok"},
		"rpcId":   "probe",
	})

	f := readFrame(t, conn)
	if f.RPCID != "probe" {
		t.Errorf("first reply rpcId = %q, want probe", f.RPCID)
	}
}

func TestMetricsMiddlewareKeepsReplies(t *testing.T) {
	// The Prometheus middleware is installed with a private registry in
	// newTestApp; a second app here shares the process-global metrics
	// instance, so assert through the default path: dispatch a frame and
	// check the middleware doesn't interfere with replies.
	_, srv := newTestApp(t)
	conn := dial(t, srv, "?token=t1")

	writeFrame(t, conn, map[string]any{
		"type":    "echo.ping",
		"payload": map[string]any{"message": "m"},
		"rpcId":   "r",
	})
	if f := readFrame(t, conn); f.RPCID != "r" {
		t.Errorf("reply = %+v", f)
	}
}
