// Package bus fans real-time events out to a user's live connections.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Well-known event types.
const (
	EventMessage      = "message"
	EventTaskUpdate   = "task_update"
	EventTaskApproved = "task_approved"
	EventTaskRejected = "task_rejected"
	EventNotification = "notification"
)

// Event is one push to a user's clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Broadcaster pushes an event to every live connection of a user. Delivery is
// at-most-once; a user with no connections simply misses the event.
type Broadcaster interface {
	Broadcast(userID string, ev Event)
}

// Envelope is an event addressed to a user, as handed to sinks.
type Envelope struct {
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives a copy of every broadcast, e.g. to mirror events onto Kafka.
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
}

// Hub is the process-wide connection registry.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[uint64]*Subscription
	nextID   uint64
	sinks    []Sink
	outbound chan Envelope
	bufSize  int
}

// NewHub creates a hub whose subscriptions buffer bufSize events each.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Hub{
		subs:     make(map[string]map[uint64]*Subscription),
		outbound: make(chan Envelope, 100),
		bufSize:  bufSize,
	}
}

// AddSink registers a sink. Sinks are fed by Run.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscription is one live connection.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	hub    *Hub
	userID string
	id     uint64
	once   sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if conns, ok := s.hub.subs[s.userID]; ok {
			delete(conns, s.id)
			if len(conns) == 0 {
				delete(s.hub.subs, s.userID)
			}
		}
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Subscribe registers a live connection for userID.
func (h *Hub) Subscribe(userID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan Event, h.bufSize)
	sub := &Subscription{C: ch, ch: ch, hub: h, userID: userID, id: h.nextID}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[uint64]*Subscription)
	}
	h.subs[userID][sub.id] = sub
	return sub
}

// Connections returns the number of live connections of a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Broadcast delivers ev to every connection of userID without blocking.
// A connection whose buffer is full drops the event.
func (h *Hub) Broadcast(userID string, ev Event) {
	h.mu.RLock()
	for _, sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Debug("Broadcast dropped for slow connection", "user_id", userID, "type", ev.Type)
		}
	}
	hasSinks := len(h.sinks) > 0
	h.mu.RUnlock()

	if !hasSinks {
		return
	}
	select {
	case h.outbound <- Envelope{UserID: userID, Type: ev.Type, Payload: ev.Payload, Timestamp: time.Now().UTC()}:
	default:
		slog.Warn("Broadcast sink queue full, event dropped", "type", ev.Type)
	}
}

// Run feeds queued envelopes to the sinks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-h.outbound:
			h.mu.RLock()
			sinks := append([]Sink(nil), h.sinks...)
			h.mu.RUnlock()
			for _, s := range sinks {
				if err := s.Publish(ctx, env); err != nil {
					slog.Warn("Broadcast sink publish failed", "type", env.Type, "error", err)
				}
			}
		}
	}
}

// PendingSinkEvents returns the number of envelopes waiting for Run.
func (h *Hub) PendingSinkEvents() int {
	return len(h.outbound)
}
