// Package realtime pushes outbox events to connected users over
// server-sent events.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"marketflow/auth"
	"marketflow/outbox"
)

// Event is one frame sent to a subscriber.
type Event struct {
	ID    string          `json:"id"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Hub fans events out to per-user subscriptions. A subscriber whose buffer
// is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[chan Event]struct{}
	buffer  int
	dropped atomic.Uint64
	logger  logrus.FieldLogger
}

func NewHub(buffer int, logger logrus.FieldLogger) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{
		subs:   map[string]map[chan Event]struct{}{},
		buffer: buffer,
		logger: logger.WithField("component", "realtime"),
	}
}

// Subscribe registers a channel for userID. Call cancel to release it.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[chan Event]struct{}{}
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscription of the given users and returns
// how many channels received it.
func (h *Hub) Publish(userIDs []string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, id := range userIDs {
		for ch := range h.subs[id] {
			select {
			case ch <- ev:
				sent++
			default:
				h.dropped.Add(1)
				h.logger.WithFields(logrus.Fields{"user_id": id, "topic": ev.Topic}).Debug("slow subscriber, event dropped")
			}
		}
	}
	return sent
}

// Dropped counts events discarded because a subscriber was slow.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers counts open subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

func (h *Hub) Name() string { return "realtime" }

// PublishMessage adapts the hub to outbox.Publisher.
func (h *Hub) PublishMessage(_ context.Context, msg outbox.Message) error {
	env, err := msg.Envelope()
	if err != nil {
		return err
	}
	if len(env.Recipients) == 0 {
		return nil
	}
	h.Publish(env.Recipients, Event{ID: msg.ID, Topic: msg.Topic, Data: msg.Payload})
	return nil
}

// Publisher returns the hub as an outbox.Publisher.
func (h *Hub) Publisher() outbox.Publisher {
	return outbox.PublisherFunc{ID: h.Name(), Fn: h.PublishMessage}
}

// Handler streams the caller's events as server-sent events, pinging every
// keepalive interval.
func (h *Hub) Handler(keepalive time.Duration) http.HandlerFunc {
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		events, cancel := h.Subscribe(p.UserID)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Topic, data)
	return err
}
