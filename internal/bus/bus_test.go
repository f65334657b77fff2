package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/goleak"
)

func TestHubDeliversToEveryConnectionOfUser(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHub(4)
	a := h.Subscribe("u1")
	b := h.Subscribe("u1")
	other := h.Subscribe("u2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	h.Broadcast("u1", Event{Type: EventMessage, Payload: "hi"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C:
			if ev.Type != EventMessage || ev.Payload != "hi" {
				t.Errorf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	select {
	case ev := <-other.C:
		t.Fatalf("other user must not receive %+v", ev)
	default:
	}
}

func TestHubDropsWhenNobodyListensOrBufferFull(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHub(1)
	h.Broadcast("ghost", Event{Type: EventTaskUpdate})

	sub := h.Subscribe("u1")
	h.Broadcast("u1", Event{Type: "first"})
	h.Broadcast("u1", Event{Type: "second"})
	if ev := <-sub.C; ev.Type != "first" {
		t.Fatalf("expected first, got %s", ev.Type)
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("second event should have been dropped, got %+v", ev)
	default:
	}

	sub.Close()
	sub.Close()
	if h.Connections("u1") != 0 {
		t.Fatal("closed subscription still registered")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed")
	}
	h.Broadcast("u1", Event{Type: "after-close"})
}

type captureSink struct {
	mu   sync.Mutex
	got  []Envelope
	done chan struct{}
	err  error
}

func (c *captureSink) Publish(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	c.got = append(c.got, env)
	c.mu.Unlock()
	c.done <- struct{}{}
	return c.err
}

func TestHubRunFeedsSinks(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHub(1)
	sink := &captureSink{done: make(chan struct{}, 2), err: errors.New("broker down")}
	h.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.Run(ctx)
	}()

	h.Broadcast("u1", Event{Type: EventNotification, Payload: map[string]any{"title": "x"}})
	h.Broadcast("u1", Event{Type: EventTaskUpdate})
	for i := 0; i < 2; i++ {
		select {
		case <-sink.done:
		case <-time.After(time.Second):
			t.Fatal("sink not fed")
		}
	}
	cancel()
	wg.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 2 || sink.got[0].UserID != "u1" || sink.got[0].Type != EventNotification {
		t.Fatalf("unexpected envelopes %+v", sink.got)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkEncodesEnvelope(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{w: w, timeout: time.Second}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := sink.Publish(context.Background(), Envelope{UserID: "u1", Type: EventTaskUpdate, Payload: map[string]any{"id": "t1"}, Timestamp: ts}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "u1" || !w.msgs[0].Time.Equal(ts) {
		t.Fatalf("unexpected message %+v", w.msgs)
	}
	var decoded map[string]any
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("value not JSON: %v", err)
	}
	if decoded["userId"] != "u1" || decoded["type"] != EventTaskUpdate {
		t.Errorf("unexpected payload %v", decoded)
	}
	_ = sink.Close()
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Broadcast("u1", Event{Type: EventTaskUpdate})
	r.Broadcast("u1", Event{Type: EventMessage})
	if len(r.Events()) != 2 || len(r.OfType(EventTaskUpdate)) != 1 {
		t.Fatalf("unexpected recording %+v", r.Events())
	}
	r.Reset()
	if len(r.Events()) != 0 {
		t.Fatal("reset failed")
	}
}
