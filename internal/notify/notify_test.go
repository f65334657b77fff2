package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/store"
)

type users map[string]string

func (u users) GetUser(ctx context.Context, id string) (*store.User, error) {
	policy, ok := u[id]
	if !ok {
		return nil, errors.New("db closed")
	}
	return &store.User{ID: id, NotificationPolicy: policy}, nil
}

func TestImmediate(t *testing.T) {
	tests := []struct {
		typ, policy string
		want        bool
	}{
		{TypeInfo, PolicyImmediate, true},
		{TypeError, PolicyDefer, false},
		{TypeActionRequired, PolicyAuto, true},
		{TypeError, PolicyAuto, true},
		{TypeInfo, PolicyAuto, false},
		{TypeSuccess, PolicyAuto, false},
		{TypeError, "", true},
		{TypeInfo, "bogus", false},
	}
	for _, tt := range tests {
		if got := Immediate(tt.typ, tt.policy); got != tt.want {
			t.Errorf("Immediate(%q, %q) = %v, want %v", tt.typ, tt.policy, got, tt.want)
		}
	}
}

func TestNotifyRoutesByUserPolicy(t *testing.T) {
	rec := &bus.Recorder{}
	n := New(users{"eager": PolicyImmediate, "quiet": PolicyDefer}, rec)
	ctx := context.Background()

	_ = n.Notify(ctx, Notification{UserID: "eager", Type: TypeInfo, Title: "done"})
	_ = n.Notify(ctx, Notification{UserID: "quiet", Type: TypeError, Title: "broken"})
	_ = n.Notify(ctx, Notification{UserID: "unknown", Type: TypeInfo, Title: "fyi"})
	_ = n.Notify(ctx, Notification{UserID: "unknown", Type: TypeActionRequired, Title: "approve"})

	sent := rec.OfType(bus.EventNotification)
	if len(sent) != 2 || sent[0].UserID != "eager" || sent[1].UserID != "unknown" {
		t.Fatalf("unexpected broadcasts %+v", sent)
	}
	if note := sent[0].Event.Payload.(Notification); note.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
	if n.Pending("quiet") != 1 || n.Pending("unknown") != 1 {
		t.Fatalf("digest counts: quiet=%d unknown=%d", n.Pending("quiet"), n.Pending("unknown"))
	}

	digest := n.Flush("quiet")
	if len(digest) != 1 || digest[0].Title != "broken" {
		t.Fatalf("unexpected digest %+v", digest)
	}
	if n.Pending("quiet") != 0 || len(n.Flush("quiet")) != 0 {
		t.Error("flush must clear the digest")
	}
}
