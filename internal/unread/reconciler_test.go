package unread_test

import (
	"testing"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/cache/memory"
	"github.com/chatsync/internal/directory"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/unread"
)

// fakeSink is a minimal open-timeline stand-in.
type fakeSink struct {
	roomID string
	msgs   map[string]*model.Message
}

func (s *fakeSink) RoomID() string { return s.roomID }

func (s *fakeSink) MarkRead(messageID, readerID string) (bool, bool) {
	m, ok := s.msgs[messageID]
	if !ok {
		return false, false
	}
	return m.MarkReadBy(readerID, model.RoomTypeGroup), true
}

func newDir(t *testing.T, roomID string, unreadCount int) *directory.Directory {
	t.Helper()
	d := directory.New("alice", memory.New(), nil, time.Hour, nil)
	d.MergePush([]model.ChatRoom{{ID: roomID, Type: model.RoomTypeGroup, UnreadCount: unreadCount}})
	return d
}

func unreadOf(t *testing.T, d *directory.Directory, roomID string) int {
	t.Helper()
	r, ok := d.Get(roomID)
	if !ok {
		t.Fatalf("room %s missing", roomID)
	}
	return r.UnreadCount
}

func TestMessageReadDecrementsOnce(t *testing.T) {
	d := newDir(t, "r1", 2)
	r := unread.New("alice", d)
	sink := &fakeSink{roomID: "r1", msgs: map[string]*model.Message{
		"m1": {ID: "m1", SenderID: "bob"},
	}}

	ev := bus.MessageRead{MessageID: "m1", ChatRoomID: "r1", UserID: "alice"}
	r.ApplyMessageRead(sink, ev)
	if got := unreadOf(t, d, "r1"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}

	// The duplicate confirmation for an already-read message must not
	// decrement again.
	r.ApplyMessageRead(sink, ev)
	if got := unreadOf(t, d, "r1"); got != 1 {
		t.Fatalf("unread = %d after duplicate receipt, want 1", got)
	}
}

func TestMessageReadByOtherUser(t *testing.T) {
	d := newDir(t, "r1", 2)
	r := unread.New("alice", d)
	sink := &fakeSink{roomID: "r1", msgs: map[string]*model.Message{
		"m1": {ID: "m1", SenderID: "alice"},
	}}

	r.ApplyMessageRead(sink, bus.MessageRead{MessageID: "m1", ChatRoomID: "r1", UserID: "bob"})
	if got := unreadOf(t, d, "r1"); got != 2 {
		t.Fatalf("unread = %d, another user's read moved the local counter", got)
	}
	if !sink.msgs["m1"].ReadByUser("bob") {
		t.Fatal("read tick not applied to the message")
	}
}

func TestMessageReadWithoutOpenTimeline(t *testing.T) {
	d := newDir(t, "r1", 2)
	r := unread.New("alice", d)

	// Receipt for a room that is not open: the counter still moves.
	r.ApplyMessageRead(nil, bus.MessageRead{MessageID: "m1", ChatRoomID: "r1", UserID: "alice"})
	if got := unreadOf(t, d, "r1"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
}

func TestMarkedReadBulk(t *testing.T) {
	d := newDir(t, "r1", 3)
	r := unread.New("alice", d)
	sink := &fakeSink{roomID: "r1", msgs: map[string]*model.Message{
		"m1": {ID: "m1", SenderID: "bob"},
		"m2": {ID: "m2", SenderID: "bob"},
		"m3": {ID: "m3", SenderID: "bob"},
	}}

	r.ApplyMarkedRead(sink, bus.MessagesMarkedRead{
		ChatRoomID: "r1", MessageIDs: []string{"m1", "m2", "m3"}, UserID: "alice",
	})
	if got := unreadOf(t, d, "r1"); got != 0 {
		t.Fatalf("unread = %d, want 0", got)
	}
	for id, m := range sink.msgs {
		if !m.ReadByUser("alice") {
			t.Fatalf("%s missing alice's read tick", id)
		}
	}

	// Bulk read by another participant: ticks only.
	d2 := newDir(t, "r2", 2)
	r2 := unread.New("alice", d2)
	sink2 := &fakeSink{roomID: "r2", msgs: map[string]*model.Message{
		"m1": {ID: "m1", SenderID: "alice"},
	}}
	r2.ApplyMarkedRead(sink2, bus.MessagesMarkedRead{
		ChatRoomID: "r2", MessageIDs: []string{"m1"}, UserID: "bob",
	})
	if got := unreadOf(t, d2, "r2"); got != 2 {
		t.Fatalf("unread = %d, another user's bulk read moved the counter", got)
	}
}

func TestRecompute(t *testing.T) {
	msgs := []model.Message{
		{ID: "m1", SenderID: "alice"},                           // own send
		{ID: "m2", SenderID: "bob"},                             // unread
		{ID: "m3", SenderID: "bob", ReadBy: []string{"alice"}},  // read
		{ID: "m4", SenderID: "carol", ReadBy: []string{"bob"}},  // unread by alice
	}
	if got := unread.Recompute(msgs, "alice"); got != 2 {
		t.Fatalf("recompute = %d, want 2", got)
	}
	if got := unread.Recompute(nil, "alice"); got != 0 {
		t.Fatalf("recompute(nil) = %d, want 0", got)
	}
}

func TestRecomputeHealsDrift(t *testing.T) {
	// A corrupted counter (deltas applied twice, server restarts, ...) is
	// replaced wholesale by the recomputed value.
	d := newDir(t, "r1", 99)
	msgs := []model.Message{{ID: "m1", SenderID: "bob"}}
	n := unread.Recompute(msgs, "alice")
	d.Update("r1", directory.Patch{UnreadAbsolute: &n})
	if got := unreadOf(t, d, "r1"); got != 1 {
		t.Fatalf("unread = %d, drift not healed", got)
	}
}
