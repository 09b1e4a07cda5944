package realtime

import (
	"log/slog"
	"sync"

	v1 "ripple/pkg/wire/v1"
)

// Hub owns the topic-path -> subscriber mapping for one server instance.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe/DropSession are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*Client // topic path -> session id -> client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:    log,
		topics: make(map[string]map[string]*Client),
	}
}

// Subscribe adds a client to a topic's subscriber set.
// Re-subscribing the same session to the same topic is a no-op overwrite.
func (h *Hub) Subscribe(topic v1.Topic, client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}
	path := topic.String()

	h.mu.Lock()
	set := h.topics[path]
	if set == nil {
		set = make(map[string]*Client)
		h.topics[path] = set
	}
	set[client.SessionID] = client
	h.mu.Unlock()

	h.log.Info("hub.subscribe", "topic", path, "session_id", client.SessionID)
}

// Unsubscribe removes one session from a topic's subscriber set.
func (h *Hub) Unsubscribe(topic v1.Topic, sessionID string) {
	if h == nil || sessionID == "" {
		return
	}
	path := topic.String()

	h.mu.Lock()
	if set := h.topics[path]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.topics, path)
		}
	}
	h.mu.Unlock()

	h.log.Info("hub.unsubscribe", "topic", path, "session_id", sessionID)
}

// DropSession removes a session from every topic.
// Called on disconnect before the client is closed, so no event admitted
// afterwards can reach a stale handle.
func (h *Hub) DropSession(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	h.mu.Lock()
	for path, set := range h.topics {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.topics, path)
		}
	}
	h.mu.Unlock()

	h.log.Info("hub.session.drop", "session_id", sessionID)
}

// Broadcast fans an envelope out to all subscribers of a topic.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (h *Hub) Broadcast(topic v1.Topic, env v1.Envelope) {
	if h == nil {
		return
	}
	path := topic.String()

	h.mu.RLock()
	defer h.mu.RUnlock()

	metricBroadcastsTotal.WithLabelValues(string(topic.Kind)).Inc()

	for _, m := range h.topics[path] {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole topic.
			metricBroadcastDropsTotal.Inc()
		}
	}
}

// Subscribers returns the current subscriber count for a topic (used by tests and metrics).
func (h *Hub) Subscribers(topic v1.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic.String()])
}
