package engine_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/cache/memory"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/credentials"
	"github.com/chatsync/internal/devserver"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/model"
)

type fixture struct {
	sim     *devserver.Server
	srv     *httptest.Server
	session *engine.Session
}

func testConfig(serverURL string) *config.Config {
	return &config.Config{
		ServerURL: serverURL,
		PageLimit: 50,
		Cache:     config.CacheConfig{Backend: "memory", FreshMinutes: 5},
		Conn: config.ConnConfig{
			HandshakeTimeout: 2 * time.Second,
			BackoffBase:      20 * time.Millisecond,
			BackoffMax:       100 * time.Millisecond,
			MaxRetries:       5,
			ProbeInterval:    50 * time.Millisecond,
			PongTimeout:      5 * time.Second,
			WriteTimeout:     2 * time.Second,
			MaxMessageSize:   65536,
			SendBufferSize:   16,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := devserver.New()
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	session := engine.NewSession(testConfig(srv.URL), "alice", credentials.NewMemory("alice"), memory.New())
	t.Cleanup(session.Logout)
	return &fixture{sim: sim, srv: srv, session: session}
}

func (f *fixture) seedRoom(id string) model.ChatRoom {
	now := time.Now().UTC()
	room := model.ChatRoom{
		ID:   id,
		Type: model.RoomTypeDirect,
		Participants: []model.Participant{
			{UserID: "alice", JoinedAt: now.AddDate(0, 0, -30)},
			{UserID: "bob", FirstName: "Bob", JoinedAt: now.AddDate(0, 0, -30)},
		},
		CreatedAt: now.AddDate(0, 0, -30),
		UpdatedAt: now,
	}
	f.sim.SeedRoom(room)
	return room
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

type peerEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// dialPeer connects a second user and streams the server's push events.
func dialPeer(t *testing.T, f *fixture, userID string) (*websocket.Conn, <-chan peerEnvelope) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + userID
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	events := make(chan peerEnvelope, 64)
	go func() {
		defer close(events)
		for {
			var env peerEnvelope
			if err := c.ReadJSON(&env); err != nil {
				return
			}
			events <- env
		}
	}()
	return c, events
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenRoomMarksEverythingRead(t *testing.T) {
	f := newFixture(t)
	room := f.seedRoom("r1")
	now := time.Now().UTC()
	for _, id := range []string{"m1", "m2"} {
		f.sim.SeedMessage(model.Message{
			ID: id, ChatRoomID: room.ID, SenderID: "bob", Content: id, CreatedAt: now.Add(-time.Hour),
		})
	}
	f.start(t)

	tl, err := f.session.OpenRoom(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	if got := len(tl.Messages()); got != 2 {
		t.Fatalf("timeline = %d messages, want 2", got)
	}

	// The bulk receipt round-trips through the server and lands back as
	// messagesMarkedAsRead; unread converges to zero.
	waitFor(t, "unread to reach 0", func() bool {
		rooms := f.session.Rooms()
		return len(rooms) == 1 && rooms[0].UnreadCount == 0
	})
	waitFor(t, "read ticks on the timeline", func() bool {
		msgs := tl.Messages()
		return msgs[0].ReadByUser("alice") && msgs[1].ReadByUser("alice")
	})
}

func TestLiveMessageInOpenRoom(t *testing.T) {
	f := newFixture(t)
	room := f.seedRoom("r1")
	f.start(t)

	tl, err := f.session.OpenRoom(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("open room: %v", err)
	}

	peer, peerEvents := dialPeer(t, f, "bob")
	err = peer.WriteJSON(map[string]any{
		"event":   "sendMessage",
		"payload": map[string]any{"chatRoomId": room.ID, "content": "live one"},
	})
	if err != nil {
		t.Fatalf("peer send: %v", err)
	}

	// Seen-while-open: the message lands already read and the room's
	// unread counter never moves.
	waitFor(t, "live message marked read", func() bool {
		for _, m := range tl.Messages() {
			if m.Content == "live one" && m.ReadByUser("alice") {
				return true
			}
		}
		return false
	})
	rooms := f.session.Rooms()
	if rooms[0].UnreadCount != 0 {
		t.Fatalf("unread = %d for the open room", rooms[0].UnreadCount)
	}

	// The sender sees alice's read receipt come back.
	waitFor(t, "peer read receipt", func() bool {
		for {
			select {
			case ev := <-peerEvents:
				if ev.Event == "messageRead" {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestLiveMessageInClosedRoom(t *testing.T) {
	f := newFixture(t)
	room := f.seedRoom("r1")
	f.start(t)

	peer, _ := dialPeer(t, f, "bob")
	err := peer.WriteJSON(map[string]any{
		"event":   "sendMessage",
		"payload": map[string]any{"chatRoomId": room.ID, "content": "while away"},
	})
	if err != nil {
		t.Fatalf("peer send: %v", err)
	}

	waitFor(t, "unread bump", func() bool {
		rooms := f.session.Rooms()
		return len(rooms) == 1 && rooms[0].UnreadCount == 1 &&
			rooms[0].LastMessage != nil && rooms[0].LastMessage.Content == "while away"
	})
}

func TestTypingIndicator(t *testing.T) {
	f := newFixture(t)
	room := f.seedRoom("r1")
	f.start(t)
	if _, err := f.session.OpenRoom(context.Background(), room.ID); err != nil {
		t.Fatalf("open room: %v", err)
	}

	peer, _ := dialPeer(t, f, "bob")
	typing := func(on bool) {
		err := peer.WriteJSON(map[string]any{
			"event":   "typing",
			"payload": map[string]any{"chatRoomId": room.ID, "isTyping": on},
		})
		if err != nil {
			t.Fatalf("peer typing: %v", err)
		}
	}

	typing(true)
	waitFor(t, "typing on", func() bool {
		u, ok := f.session.TypingUsers()["bob"]
		return ok && u.IsTyping
	})

	typing(false)
	waitFor(t, "typing off", func() bool {
		_, ok := f.session.TypingUsers()["bob"]
		return !ok
	})

	// Closing the room clears the ephemeral state outright.
	typing(true)
	f.session.CloseRoom()
	if len(f.session.TypingUsers()) != 0 {
		t.Fatal("typing state survived room close")
	}
}

func TestReconnectResyncsOpenRoom(t *testing.T) {
	f := newFixture(t)
	room := f.seedRoom("r1")
	f.start(t)
	tl, err := f.session.OpenRoom(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("open room: %v", err)
	}

	// Drop the channel and let history move while disconnected. Pushed
	// events are lost; only the resync refetch can recover this message.
	f.sim.CloseConnections()
	f.sim.SeedMessage(model.Message{
		ID: "missed", ChatRoomID: room.ID, SenderID: "bob",
		Content: "sent during outage", CreatedAt: time.Now().UTC(),
	})

	waitFor(t, "missed message after resync", func() bool {
		for _, m := range tl.Messages() {
			if m.ID == "missed" {
				return true
			}
		}
		return false
	})
}

func TestCreateRoomAndMute(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	room, err := f.session.CreateRoom(context.Background(), model.RoomTypeGroup, []string{"bob"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rooms := f.session.Rooms()
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Fatalf("rooms = %+v", rooms)
	}

	if err := f.session.MuteRooms(context.Background(), []string{room.ID}, true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	waitFor(t, "room muted", func() bool {
		rs := f.session.Rooms()
		return len(rs) == 1 && rs[0].IsMuted
	})
}

func TestOpenRoomJoinsFetchedRoom(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1")
	f.start(t)

	joined := make(chan string, 8)
	f.session.Bus().Subscribe(bus.KindJoinedRoom, func(ev bus.Event) {
		joined <- ev.(bus.JoinedRoom).RoomID
	})

	// Created server-side after the initial room load, so only the
	// on-demand fetch in OpenRoom can discover it. Opening it must also
	// join its push channel, not wait for the next reconnect.
	f.seedRoom("r2")
	if _, err := f.session.OpenRoom(context.Background(), "r2"); err != nil {
		t.Fatalf("open room: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case id := <-joined:
			if id == "r2" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the fetched room's channel join")
		}
	}
}
