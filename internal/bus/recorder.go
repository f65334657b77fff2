package bus

import "sync"

// Recorded is one captured broadcast.
type Recorded struct {
	UserID string
	Event  Event
}

// Recorder is a Broadcaster that only records what it was asked to send.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Broadcast records the event.
func (r *Recorder) Broadcast(userID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{UserID: userID, Event: ev})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Recorded {
	var out []Recorded
	for _, e := range r.Events() {
		if e.Event.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
