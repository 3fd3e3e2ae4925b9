// Package events provides the in-process pub/sub hub the engine uses for
// state-change signaling. Internal observers subscribe instead of polling
// the store; the HTTP layer bridges the hub to a websocket stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/types"
)

// EventType classifies a published event.
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventRequestQueued  EventType = "request_queued"
	EventSessionCreated EventType = "session_created"
	EventSessionMessage EventType = "session_message"
	EventSessionEnded   EventType = "session_ended"
)

// Event is one state-change notification.
type Event struct {
	Type      EventType        `json:"type"`
	TeamID    string           `json:"team_id"`
	AgentID   string           `json:"agent_id,omitempty"`
	State     types.AgentState `json:"state,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Hub fans published events out to all subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events and the drop is
// counted, because state can always be re-read from the store.
type Hub struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	bufSize int
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewHub creates a Hub with the given per-subscriber buffer size.
func NewHub(bufSize int, logger *zap.Logger) *Hub {
	if bufSize < 1 {
		bufSize = 64
	}
	return &Hub{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
		logger:  logger.With(zap.String("component", "events")),
	}
}

// Publish delivers the event to every current subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the subscription; the channel is closed by it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.bufSize)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Dropped reports how many events were lost to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
