package ws

import (
	"log/slog"
	"sync"
)

// hub is the in-process topic fabric behind Subscribe/Publish. One hub
// per adapter; topics exist while they have at least one subscriber.
type hub struct {
	mu     sync.RWMutex
	topics map[string]map[*wsSink]struct{}
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		topics: make(map[string]map[*wsSink]struct{}),
		logger: logger.With("component", "ws_hub"),
	}
}

func (h *hub) subscribe(topic string, s *wsSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*wsSink]struct{})
	}
	h.topics[topic][s] = struct{}{}
}

func (h *hub) unsubscribe(topic string, s *wsSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// drop removes the sink from every topic. Called on connection teardown
// as a backstop; the core normally unsubscribes each topic itself.
func (h *hub) drop(s *wsSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// publish delivers data to every subscriber of topic. A failure on one
// sink is logged and never aborts the fan-out.
func (h *hub) publish(topic string, data []byte) error {
	h.mu.RLock()
	subs := make([]*wsSink, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.Send(data); err != nil {
			h.logger.Warn("publish delivery failed",
				"topic", topic, "client_id", s.clientID, "error", err)
		}
	}
	return nil
}

// topicCount returns the number of live topics.
func (h *hub) topicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
