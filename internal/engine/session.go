// Package engine wires the sync engine together: one Session owns the push
// connection, the update bus, the room directory, the open timeline and the
// ephemeral typing state for the authenticated user.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/cache"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/credentials"
	"github.com/chatsync/internal/directory"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/remote"
	"github.com/chatsync/internal/timeline"
	"github.com/chatsync/internal/unread"
)

type Session struct {
	cfg         *config.Config
	localUserID string

	bus    *bus.Bus
	conn   *conn.Manager
	remote *remote.Client
	store  cache.Store
	dir    *directory.Directory
	recon  *unread.Reconciler

	mu     sync.Mutex
	open   *timeline.Timeline
	typing model.TypingState
}

func NewSession(cfg *config.Config, localUserID string, creds credentials.Store, store cache.Store) *Session {
	b := bus.New()
	rc := remote.New(cfg.ServerURL, creds)
	s := &Session{
		cfg:         cfg,
		localUserID: localUserID,
		bus:         b,
		conn:        conn.NewManager(cfg.Conn, cfg.ServerURL, creds, b),
		remote:      rc,
		store:       store,
		typing:      make(model.TypingState),
	}
	s.dir = directory.New(localUserID, store, rc, cfg.Freshness(), b)
	s.recon = unread.New(localUserID, s.dir)
	s.subscribe(b)
	return s
}

func (s *Session) subscribe(b *bus.Bus) {
	b.Subscribe(bus.KindConnected, func(ev bus.Event) {
		c := ev.(bus.Connected)
		go s.afterConnect(c.Resync)
	})
	b.Subscribe(bus.KindNewMessage, func(ev bus.Event) {
		msg := ev.(bus.NewMessage).Message
		if tl := s.openTimeline(); tl != nil && tl.RoomID() == msg.ChatRoomID {
			tl.AddLive(msg)
		}
	})
	b.Subscribe(bus.KindMessageRead, func(ev bus.Event) {
		s.recon.ApplyMessageRead(s.openSink(), ev.(bus.MessageRead))
	})
	b.Subscribe(bus.KindMessagesMarkedRead, func(ev bus.Event) {
		s.recon.ApplyMarkedRead(s.openSink(), ev.(bus.MessagesMarkedRead))
	})
	b.Subscribe(bus.KindUserTyping, func(ev bus.Event) {
		s.applyTyping(ev.(bus.UserTyping))
	})
}

// Bus exposes the update bus for UI-bound consumers (connectivity banner,
// room list refresh hooks).
func (s *Session) Bus() *bus.Bus { return s.bus }

// Connection exposes the connection manager (state queries, foreground
// coupling).
func (s *Session) Connection() *conn.Manager { return s.conn }

// Start connects the push channel and performs the initial room-list load.
// A connection failure is not fatal: the engine keeps serving cached data in
// a degraded, send-disabled mode.
func (s *Session) Start(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		logger.Errorf("session: connect: %v", err)
	}
	rooms, err := s.dir.Load(ctx, false)
	if err != nil {
		return fmt.Errorf("session: load rooms: %w", err)
	}
	s.joinAll(rooms)
	return nil
}

// afterConnect re-joins every known room and, on reconnect, forces a full
// resync: the server does not replay events missed while disconnected.
func (s *Session) afterConnect(resync bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !resync {
		return
	}
	rooms, err := s.dir.Load(ctx, true)
	if err != nil {
		logger.Errorf("session: resync rooms: %v", err)
	}
	s.joinAll(rooms)
	if tl := s.openTimeline(); tl != nil {
		if err := tl.Resync(ctx); err != nil {
			logger.Errorf("session: resync timeline %s: %v", tl.RoomID(), err)
		}
	}
}

func (s *Session) joinAll(rooms []model.ChatRoom) {
	for i := range rooms {
		if err := s.conn.JoinRoom(rooms[i].ID); err != nil {
			logger.Errorf("session: join %s: %v", rooms[i].ID, err)
		}
	}
}

// SetForeground couples the engine to host-app visibility.
func (s *Session) SetForeground(fg bool) {
	s.conn.SetForeground(fg)
}

// Rooms returns the sorted room list.
func (s *Session) Rooms() []model.ChatRoom {
	return s.dir.Rooms()
}

// LoadRooms reloads the room list (manual refresh path).
func (s *Session) LoadRooms(ctx context.Context, force bool) ([]model.ChatRoom, error) {
	return s.dir.Load(ctx, force)
}

// OpenRoom makes roomID the on-screen room: its timeline is created and
// loaded, typing state is reset, and the bulk "mark room read" receipt is
// emitted. Any previously open room is closed.
func (s *Session) OpenRoom(ctx context.Context, roomID string) (*timeline.Timeline, error) {
	room, ok := s.dir.Get(roomID)
	if !ok {
		fetched, err := s.remote.GetChatRoom(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("session: open room %s: %w", roomID, err)
		}
		s.dir.MergePush([]model.ChatRoom{*fetched})
		// Fetched on demand, so joinAll never saw it: join its channel now.
		if err := s.conn.JoinRoom(roomID); err != nil {
			logger.Errorf("session: join %s: %v", roomID, err)
		}
		room = *fetched
	}

	var joinedAt time.Time
	if p := room.Participant(s.localUserID); p != nil {
		joinedAt = p.JoinedAt
	}

	tl := timeline.New(timeline.Options{
		RoomID:      roomID,
		RoomType:    room.Type,
		LocalUserID: s.localUserID,
		JoinedAt:    joinedAt,
		Store:       s.store,
		Remote:      s.remote,
		Channel:     s.conn,
		Directory:   s.dir,
		PageLimit:   s.cfg.PageLimit,
		Freshness:   s.cfg.Freshness(),
	})

	s.mu.Lock()
	s.open = tl
	s.typing = make(model.TypingState)
	s.mu.Unlock()
	s.dir.SetOpenRoom(roomID)

	if err := s.conn.MarkRoomRead(roomID); err != nil {
		// Disconnected: the unread state self-heals via the absolute
		// recompute on load, and again after reconnect resync.
		logger.Errorf("session: mark room read %s: %v", roomID, err)
	}
	if _, err := tl.Load(ctx, false); err != nil {
		return tl, err
	}
	return tl, nil
}

// CloseRoom leaves no room open; typing state is cleared with it.
func (s *Session) CloseRoom() {
	s.mu.Lock()
	s.open = nil
	s.typing = make(model.TypingState)
	s.mu.Unlock()
	s.dir.SetOpenRoom("")
}

// Typing emits the local user's typing indicator for the open room.
func (s *Session) Typing(isTyping bool) error {
	tl := s.openTimeline()
	if tl == nil {
		return nil
	}
	return s.conn.Typing(tl.RoomID(), isTyping)
}

// TypingUsers returns who is typing in the open room.
func (s *Session) TypingUsers() model.TypingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(model.TypingState, len(s.typing))
	for k, v := range s.typing {
		out[k] = v
	}
	return out
}

// MuteRooms toggles mute server-side and applies the confirmed ids locally.
func (s *Session) MuteRooms(ctx context.Context, ids []string, mute bool) error {
	action := "unmute"
	if mute {
		action = "mute"
	}
	changed, err := s.remote.MuteChatRooms(ctx, ids, action)
	if err != nil {
		return err
	}
	muted := mute
	for _, id := range changed {
		s.dir.Update(id, directory.Patch{IsMuted: &muted})
	}
	return nil
}

// CreateRoom creates a room server-side, merges it in and joins its channel.
func (s *Session) CreateRoom(ctx context.Context, roomType model.RoomType, participantIDs []string) (model.ChatRoom, error) {
	room, err := s.remote.CreateChatRoom(ctx, roomType, participantIDs)
	if err != nil {
		return model.ChatRoom{}, err
	}
	s.dir.MergePush([]model.ChatRoom{*room})
	if err := s.conn.JoinRoom(room.ID); err != nil {
		logger.Errorf("session: join created room %s: %v", room.ID, err)
	}
	return *room, nil
}

// Logout tears everything down: connection to Idle, joined-room set, open
// timeline and typing state cleared.
func (s *Session) Logout() {
	s.conn.Shutdown()
	s.mu.Lock()
	s.open = nil
	s.typing = make(model.TypingState)
	s.mu.Unlock()
	s.dir.SetOpenRoom("")
}

func (s *Session) openTimeline() *timeline.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Session) openSink() unread.MessageSink {
	if tl := s.openTimeline(); tl != nil {
		return tl
	}
	return nil
}

func (s *Session) applyTyping(ev bus.UserTyping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil || s.open.RoomID() != ev.RoomID || ev.UserID == s.localUserID {
		return
	}
	if ev.IsTyping {
		s.typing[ev.UserID] = model.TypingUser{IsTyping: true, FirstName: ev.FirstName}
	} else {
		delete(s.typing, ev.UserID)
	}
}
