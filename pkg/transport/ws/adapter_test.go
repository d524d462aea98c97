package ws

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.ReadBufferSize <= 0 {
		t.Error("ReadBufferSize should be positive")
	}
	if config.WriteBufferSize <= 0 {
		t.Error("WriteBufferSize should be positive")
	}
	if config.MaxMessageSize <= 0 {
		t.Error("MaxMessageSize should be positive")
	}
	if config.ReadTimeout <= 0 {
		t.Error("ReadTimeout should be positive")
	}
	if config.WriteTimeout <= 0 {
		t.Error("WriteTimeout should be positive")
	}
	if config.HeartbeatInterval <= 0 {
		t.Error("HeartbeatInterval should be positive")
	}
	if config.HeartbeatInterval >= config.ReadTimeout {
		t.Error("HeartbeatInterval must be shorter than ReadTimeout")
	}
	if config.CheckOrigin == nil {
		t.Error("CheckOrigin should default to SameOriginCheck")
	}
}

func TestConfigWithDefaultsFillsUnset(t *testing.T) {
	config := (&Config{ReadBufferSize: 1024}).withDefaults()
	if config.ReadBufferSize != 1024 {
		t.Error("explicit value overwritten")
	}
	if config.WriteBufferSize == 0 || config.ReadTimeout == 0 {
		t.Error("defaults not applied")
	}

	if c := (*Config)(nil).withDefaults(); c.ReadBufferSize == 0 {
		t.Error("nil config not defaulted")
	}
}

func TestSameOriginCheck(t *testing.T) {
	cases := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "example.com", true},
		{"same origin", "https://example.com", "example.com", true},
		{"cross origin", "https://evil.com", "example.com", false},
		{"unparsable origin", "::::", "example.com", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := SameOriginCheck(r); got != tc.want {
				t.Errorf("SameOriginCheck = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	h := newHub(testLogger())
	a := &wsSink{clientID: "a", logger: testLogger()}
	b := &wsSink{clientID: "b", logger: testLogger()}

	h.subscribe("general", a)
	h.subscribe("general", b)
	if h.topicCount() != 1 {
		t.Errorf("topicCount = %d, want 1", h.topicCount())
	}

	h.unsubscribe("general", a)
	if h.topicCount() != 1 {
		t.Error("topic vanished while it still has a subscriber")
	}

	h.unsubscribe("general", b)
	if h.topicCount() != 0 {
		t.Error("empty topic not removed")
	}
}

func TestHubDropRemovesFromAllTopics(t *testing.T) {
	h := newHub(testLogger())
	s := &wsSink{clientID: "a", logger: testLogger()}

	h.subscribe("one", s)
	h.subscribe("two", s)
	h.drop(s)

	if h.topicCount() != 0 {
		t.Errorf("topicCount = %d after drop, want 0", h.topicCount())
	}
}
