package notify

import (
	"sync"
	"time"
)

const subscriberBuffer = 16

// Event is a single generation progress update fanned out to a user's
// connected clients.
type Event struct {
	Type     string    `json:"type"`
	BookID   uint64    `json:"book_id"`
	Status   string    `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Hub fans progress events out to per-user subscribers. Slow subscribers are
// skipped rather than blocking the generation loop.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[uint64]map[chan Event]struct{})}
}

// Subscribe registers a listener for the given user and returns the event
// channel together with a cancel function that must be called when the
// listener goes away.
func (h *Hub) Subscribe(userID uint64) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subscribers[userID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subscribers[userID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subscribers[userID]; ok {
			if _, present := set[ch]; present {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subscribers, userID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of the given user.
func (h *Hub) Publish(userID uint64, event Event) {
	if h == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[userID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of live listeners for a user.
func (h *Hub) SubscriberCount(userID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}
