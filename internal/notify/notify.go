// Package notify routes user notifications either straight to live
// connections or into a per-user digest, depending on the user's policy.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/store"
)

// Notification types.
const (
	TypeInfo           = "info"
	TypeActionRequired = "action_required"
	TypeError          = "error"
	TypeSuccess        = "success"
)

// Delivery policies.
const (
	PolicyImmediate = "immediate"
	PolicyDefer     = "defer"
	PolicyAuto      = "auto"
)

// Notification is one message for a user.
type Notification struct {
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	CellID    string         `json:"cellId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// UserSource resolves a user's notification policy.
type UserSource interface {
	GetUser(ctx context.Context, userID string) (*store.User, error)
}

// Notifier delivers notifications. The digest buffer is in memory and does
// not survive a restart.
type Notifier struct {
	users UserSource
	bus   bus.Broadcaster

	mu      sync.Mutex
	digests map[string][]Notification
}

// New creates a Notifier. users may be nil, in which case every user gets
// the auto policy.
func New(users UserSource, b bus.Broadcaster) *Notifier {
	return &Notifier{users: users, bus: b, digests: make(map[string][]Notification)}
}

// Notify delivers n under its owner's policy.
func (n *Notifier) Notify(ctx context.Context, note Notification) error {
	policy := PolicyAuto
	if n.users != nil {
		u, err := n.users.GetUser(ctx, note.UserID)
		if err != nil {
			slog.Warn("Notifier could not load user policy, using auto", "user_id", note.UserID, "error", err)
		} else if u.NotificationPolicy != "" {
			policy = u.NotificationPolicy
		}
	}
	n.Deliver(note, policy)
	return nil
}

// Deliver applies policy to note and reports whether it was sent right away.
func (n *Notifier) Deliver(note Notification, policy string) bool {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	if Immediate(note.Type, policy) {
		n.bus.Broadcast(note.UserID, bus.Event{Type: bus.EventNotification, Payload: note})
		return true
	}
	n.mu.Lock()
	n.digests[note.UserID] = append(n.digests[note.UserID], note)
	n.mu.Unlock()
	slog.Debug("Notification deferred to digest", "user_id", note.UserID, "type", note.Type)
	return false
}

// Immediate reports whether a notification of type typ bypasses the digest.
// Unknown policies behave like auto.
func Immediate(typ, policy string) bool {
	switch policy {
	case PolicyImmediate:
		return true
	case PolicyDefer:
		return false
	}
	return typ == TypeActionRequired || typ == TypeError
}

// Flush returns and clears the user's digest.
func (n *Notifier) Flush(userID string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.digests[userID]
	delete(n.digests, userID)
	return out
}

// Pending returns the number of notifications waiting in the user's digest.
func (n *Notifier) Pending(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.digests[userID])
}
