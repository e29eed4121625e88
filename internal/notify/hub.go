// Package notify fans out state changes to interested consumers (the REST
// layer, websockets, tests). Delivery is best-effort: a slow subscriber
// drops events instead of blocking the publishing path.
package notify

import (
	"sync"
	"time"
)

// Kind labels the event category.
type Kind string

const (
	KindSessionStatus Kind = "session_status"
	KindConversation  Kind = "conversation"
	KindMessage       Kind = "message"
)

// Event is a single change notification.
type Event struct {
	Kind     Kind
	TenantID int64
	Payload  any
	At       time.Time
}

// Hub is an in-process publish/subscribe fan-out.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]chan Event
	nextID int64
	buffer int
}

// NewHub creates a Hub with the given per-subscriber buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[int64]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full, drop.
		}
	}
}
