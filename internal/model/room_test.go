package model

import (
	"sort"
	"testing"
	"time"
)

func roomAt(id string, pinned, muted bool, activity time.Time) ChatRoom {
	return ChatRoom{
		ID:          id,
		Type:        RoomTypeGroup,
		IsPinned:    pinned,
		IsMuted:     muted,
		CreatedAt:   activity.Add(-24 * time.Hour),
		LastMessage: &Message{ID: id + "-last", CreatedAt: activity},
	}
}

func TestRoomOrdering(t *testing.T) {
	now := time.Now().UTC()
	rooms := []ChatRoom{
		roomAt("muted-new", false, true, now),
		roomAt("plain-old", false, false, now.Add(-2*time.Hour)),
		roomAt("pinned-old", true, false, now.Add(-3*time.Hour)),
		roomAt("pinned-muted-new", true, true, now.Add(-1*time.Hour)),
		roomAt("plain-new", false, false, now.Add(-30*time.Minute)),
	}
	sort.SliceStable(rooms, func(i, j int) bool { return rooms[i].Less(&rooms[j]) })

	want := []string{"pinned-muted-new", "pinned-old", "plain-new", "plain-old", "muted-new"}
	for i, id := range want {
		if rooms[i].ID != id {
			t.Fatalf("position %d: got %s, want %s", i, rooms[i].ID, id)
		}
	}
}

func TestRoomOrderingStable(t *testing.T) {
	// Two rooms with identical activity keep their relative order across
	// repeated sorts.
	ts := time.Now().UTC()
	rooms := []ChatRoom{roomAt("a", false, false, ts), roomAt("b", false, false, ts)}
	for i := 0; i < 3; i++ {
		sort.SliceStable(rooms, func(i, j int) bool { return rooms[i].Less(&rooms[j]) })
	}
	if rooms[0].ID != "a" || rooms[1].ID != "b" {
		t.Fatalf("equal rooms reordered: %s, %s", rooms[0].ID, rooms[1].ID)
	}
}

func TestLastActivityFallback(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := ChatRoom{ID: "r", CreatedAt: created}
	if got := r.LastActivity(); !got.Equal(created) {
		t.Fatalf("LastActivity without lastMessage = %v, want %v", got, created)
	}
	msgAt := created.Add(time.Hour)
	r.LastMessage = &Message{CreatedAt: msgAt}
	if got := r.LastActivity(); !got.Equal(msgAt) {
		t.Fatalf("LastActivity with lastMessage = %v, want %v", got, msgAt)
	}
}

func TestParticipantNormalize(t *testing.T) {
	r := ChatRoom{Participants: []Participant{
		{UserID: "u1", ProfilePhoto: "photo.png"},
		{UserID: "u2", Avatar: "avatar.png", ProfilePhoto: "ignored.png"},
	}}
	r.Normalize()
	if got := r.Participants[0].Avatar; got != "photo.png" {
		t.Fatalf("u1 avatar = %q, want photo.png", got)
	}
	if got := r.Participants[1].Avatar; got != "avatar.png" {
		t.Fatalf("u2 avatar = %q, want avatar.png", got)
	}
	for _, p := range r.Participants {
		if p.ProfilePhoto != "" {
			t.Fatalf("%s: profilePhoto not cleared", p.UserID)
		}
	}
}
