package conn_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/credentials"
	"github.com/chatsync/internal/devserver"
	"github.com/chatsync/internal/model"
)

func testConnConfig() config.ConnConfig {
	return config.ConnConfig{
		HandshakeTimeout: 2 * time.Second,
		BackoffBase:      20 * time.Millisecond,
		BackoffMax:       100 * time.Millisecond,
		MaxRetries:       3,
		ProbeInterval:    50 * time.Millisecond,
		PongTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
		MaxMessageSize:   65536,
		SendBufferSize:   16,
	}
}

type harness struct {
	sim     *devserver.Server
	srv     *httptest.Server
	bus     *bus.Bus
	manager *conn.Manager
	events  chan bus.Event
}

func newHarness(t *testing.T, userID string) *harness {
	t.Helper()
	sim := devserver.New()
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	b := bus.New()
	events := make(chan bus.Event, 64)
	for _, kind := range []bus.Kind{
		bus.KindConnected, bus.KindDisconnected, bus.KindConnError,
		bus.KindNewMessage, bus.KindUserTyping, bus.KindMessageRead,
		bus.KindMessagesMarkedRead, bus.KindJoinedRoom,
	} {
		b.Subscribe(kind, func(ev bus.Event) { events <- ev })
	}

	m := conn.NewManager(testConnConfig(), srv.URL, credentials.NewMemory(userID), b)
	t.Cleanup(m.Shutdown)
	return &harness{sim: sim, srv: srv, bus: b, manager: m, events: events}
}

func waitEvent(t *testing.T, h *harness, kind bus.Kind) bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind() == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// dialPeer opens a raw push connection for a second user.
func dialPeer(t *testing.T, h *harness, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + userID
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectAndDisconnect(t *testing.T) {
	h := newHarness(t, "alice")

	if got := h.manager.State(); got != conn.StateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}
	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev := waitEvent(t, h, bus.KindConnected).(bus.Connected)
	if ev.Resync {
		t.Fatal("first connect flagged as resync")
	}
	if got := h.manager.State(); got != conn.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}

	// Connecting again is a no-op.
	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("repeat connect: %v", err)
	}

	h.manager.Disconnect("user action")
	dev := waitEvent(t, h, bus.KindDisconnected).(bus.Disconnected)
	if !dev.ClientInitiated {
		t.Fatal("client disconnect not flagged as client-initiated")
	}
	if got := h.manager.State(); got != conn.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}

	// Client-initiated disconnects schedule no retry.
	time.Sleep(300 * time.Millisecond)
	if got := h.manager.State(); got != conn.StateDisconnected {
		t.Fatalf("state after wait = %s, retry ran after intentional disconnect", got)
	}
}

func TestServerDropTriggersReconnect(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, h, bus.KindConnected)

	h.sim.CloseConnections()

	dev := waitEvent(t, h, bus.KindDisconnected).(bus.Disconnected)
	if dev.ClientInitiated {
		t.Fatal("server drop flagged as client-initiated")
	}
	ev := waitEvent(t, h, bus.KindConnected).(bus.Connected)
	if !ev.Resync {
		t.Fatal("reconnect not flagged for resync")
	}
}

func TestRejoinAfterReconnect(t *testing.T) {
	h := newHarness(t, "alice")
	room := model.ChatRoom{
		ID:   "r1",
		Type: model.RoomTypeDirect,
		Participants: []model.Participant{
			{UserID: "alice"}, {UserID: "bob"},
		},
	}
	h.sim.SeedRoom(room)

	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, h, bus.KindConnected)
	if err := h.manager.JoinRoom("r1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitEvent(t, h, bus.KindJoinedRoom)

	h.sim.CloseConnections()
	waitEvent(t, h, bus.KindConnected)

	// The join must have been re-issued without a new JoinRoom call.
	jev := waitEvent(t, h, bus.KindJoinedRoom).(bus.JoinedRoom)
	if jev.RoomID != "r1" {
		t.Fatalf("rejoined %s, want r1", jev.RoomID)
	}
}

func TestPeerMessageReachesBus(t *testing.T) {
	h := newHarness(t, "alice")
	h.sim.SeedRoom(model.ChatRoom{
		ID:   "r1",
		Type: model.RoomTypeDirect,
		Participants: []model.Participant{
			{UserID: "alice"}, {UserID: "bob"},
		},
	})

	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, h, bus.KindConnected)

	peer := dialPeer(t, h, "bob")
	err := peer.WriteJSON(map[string]any{
		"event":   "sendMessage",
		"payload": map[string]any{"chatRoomId": "r1", "content": "hi alice"},
	})
	if err != nil {
		t.Fatalf("peer send: %v", err)
	}

	ev := waitEvent(t, h, bus.KindNewMessage).(bus.NewMessage)
	if ev.Message.Content != "hi alice" || ev.Message.SenderID != "bob" {
		t.Fatalf("unexpected message %+v", ev.Message)
	}
	if ev.Message.ID == "" {
		t.Fatal("server did not assign a message id")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t, "alice")
	err := h.manager.SendMessage(conn.SendMessagePayload{ChatRoomID: "r1", Content: "x"})
	if !errors.Is(err, conn.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if err := h.manager.Typing("r1", true); !errors.Is(err, conn.ErrNotConnected) {
		t.Fatalf("typing err = %v, want ErrNotConnected", err)
	}
}

func TestBackgroundGating(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, h, bus.KindConnected)

	h.manager.SetForeground(false)
	dev := waitEvent(t, h, bus.KindDisconnected).(bus.Disconnected)
	if !dev.ClientInitiated {
		t.Fatal("background disconnect not client-initiated")
	}
	if err := h.manager.Connect(context.Background()); !errors.Is(err, conn.ErrBackgrounded) {
		t.Fatalf("connect while backgrounded = %v, want ErrBackgrounded", err)
	}

	h.manager.SetForeground(true)
	ev := waitEvent(t, h, bus.KindConnected).(bus.Connected)
	if !ev.Resync {
		t.Fatal("foreground reconnect not flagged for resync")
	}
}

// Backgrounding while the handshake is in flight must not leave the manager
// connected behind an invisible UI.
func TestBackgroundedDuringDial(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	b := bus.New()
	connected := make(chan bus.Event, 1)
	b.Subscribe(bus.KindConnected, func(ev bus.Event) { connected <- ev })
	m := conn.NewManager(testConnConfig(), srv.URL, credentials.NewMemory("alice"), b)
	t.Cleanup(m.Shutdown)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background()) }()
	time.Sleep(50 * time.Millisecond) // let the dial reach the gated handler
	m.SetForeground(false)
	close(release)

	if err := <-errCh; !errors.Is(err, conn.ErrBackgrounded) {
		t.Fatalf("connect = %v, want ErrBackgrounded", err)
	}
	if st := m.State(); st == conn.StateConnected {
		t.Fatalf("state = %s after backgrounding mid-dial", st)
	}
	select {
	case <-connected:
		t.Fatal("connected event published although backgrounded")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRetriesExhausted(t *testing.T) {
	b := bus.New()
	events := make(chan bus.Event, 64)
	b.Subscribe(bus.KindConnError, func(ev bus.Event) { events <- ev })

	// Nothing listens on this address.
	m := conn.NewManager(testConnConfig(), "http://127.0.0.1:1", credentials.NewMemory("alice"), b)
	defer m.Shutdown()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("connect to dead address succeeded")
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if !errors.Is(ev.(bus.ConnError).Err, conn.ErrRetriesExhausted) {
				continue
			}
			// The given-up probe may be mid-attempt; the state settles
			// back to given_up after each failed probe.
			settle := time.Now().Add(5 * time.Second)
			for time.Now().Before(settle) {
				if m.State() == conn.StateGivenUp {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
			t.Fatalf("state = %s, want given_up", m.State())
		case <-deadline:
			t.Fatal("retries never exhausted")
		}
	}
}

func TestMissingTokenIsNotRetried(t *testing.T) {
	b := bus.New()
	var errs []error
	b.Subscribe(bus.KindConnError, func(ev bus.Event) { errs = append(errs, ev.(bus.ConnError).Err) })

	m := conn.NewManager(testConnConfig(), "http://127.0.0.1:1", credentials.NewMemory(""), b)
	defer m.Shutdown()

	err := m.Connect(context.Background())
	if !errors.Is(err, credentials.ErrNoToken) {
		t.Fatalf("connect = %v, want ErrNoToken", err)
	}
	if got := m.State(); got != conn.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	// No retry timer was armed for the auth failure.
	time.Sleep(300 * time.Millisecond)
	if len(errs) != 1 {
		t.Fatalf("conn errors = %d, want exactly the auth failure", len(errs))
	}
}
