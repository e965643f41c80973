// Package directory holds the in-memory, authoritative-for-the-session room
// list and reconciles it across three disagreeing sources: the persistent
// cache, the remote snapshot fetch, and the live push channel. The merge is
// field-level with an explicit priority: live in-memory state wins over a
// snapshot fetch, a snapshot wins over the cache, unless a forced refresh
// demands the snapshot wholesale.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/cache"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/remote"
)

type source int

const (
	srcCache source = iota
	srcRemote
	srcPush
)

// Patch is a partial room update. Nil pointer fields are left untouched.
// UnreadDelta and UnreadAbsolute are mutually exclusive; deltas clamp at
// zero, absolute values replace whatever drift the deltas accumulated.
type Patch struct {
	Name           *string
	IsPinned       *bool
	IsMuted        *bool
	LastMessage    *model.Message
	UnreadDelta    int
	UnreadAbsolute *int
	UpdatedAt      *time.Time
}

type Directory struct {
	localUserID string
	store       cache.Store
	remote      *remote.Client
	freshness   time.Duration

	mu         sync.Mutex
	rooms      map[string]*model.ChatRoom
	cacheOnly  map[string]bool
	openRoomID string
	loadedOnce bool
}

func New(localUserID string, store cache.Store, rc *remote.Client, freshness time.Duration, b *bus.Bus) *Directory {
	d := &Directory{
		localUserID: localUserID,
		store:       store,
		remote:      rc,
		freshness:   freshness,
		rooms:       make(map[string]*model.ChatRoom),
		cacheOnly:   make(map[string]bool),
	}
	if b != nil {
		d.subscribe(b)
	}
	return d
}

func (d *Directory) subscribe(b *bus.Bus) {
	upsert := func(room model.ChatRoom) {
		d.MergePush([]model.ChatRoom{room})
	}
	b.Subscribe(bus.KindRoomCreated, func(ev bus.Event) { upsert(ev.(bus.RoomCreated).Room) })
	b.Subscribe(bus.KindAddedToRoom, func(ev bus.Event) { upsert(ev.(bus.AddedToRoom).Room) })
	b.Subscribe(bus.KindRoomUpdated, func(ev bus.Event) { upsert(ev.(bus.RoomUpdated).Room) })
	b.Subscribe(bus.KindRoomRestored, func(ev bus.Event) { upsert(ev.(bus.RoomRestored).Room) })
	b.Subscribe(bus.KindRoomDeleted, func(ev bus.Event) { d.Remove(ev.(bus.RoomDeleted).RoomID) })
	b.Subscribe(bus.KindRoomHidden, func(ev bus.Event) { d.Remove(ev.(bus.RoomHidden).RoomID) })
	b.Subscribe(bus.KindRemovedFromRoom, func(ev bus.Event) { d.Remove(ev.(bus.RemovedFromRoom).RoomID) })
	b.Subscribe(bus.KindParticipantRemoved, func(ev bus.Event) {
		p := ev.(bus.ParticipantRemoved)
		d.removeParticipant(p.RoomID, p.UserID)
	})
	b.Subscribe(bus.KindNewMessage, func(ev bus.Event) {
		d.applyNewMessage(ev.(bus.NewMessage).Message)
	})
}

// SetOpenRoom tells the directory which room is on screen; new messages for
// the open room do not bump its unread counter (the open timeline marks them
// read immediately).
func (d *Directory) SetOpenRoom(roomID string) {
	d.mu.Lock()
	d.openRoomID = roomID
	d.mu.Unlock()
}

// Load populates the room list. The cache is served without a remote
// round-trip only when younger than the freshness window; the first load of
// a session always forces the remote fetch, because the cache may be missing
// events from while the app was closed.
func (d *Directory) Load(ctx context.Context, forceRefresh bool) ([]model.ChatRoom, error) {
	d.mu.Lock()
	if !d.loadedOnce {
		forceRefresh = true
	}
	d.mu.Unlock()

	cached, storedAt, err := d.store.GetRooms(ctx)
	if err != nil {
		logger.Errorf("directory: cache read: %v", err)
	}
	if len(cached) > 0 {
		d.apply(cached, srcCache, false)
		if !forceRefresh && time.Since(storedAt) < d.freshness {
			return d.Rooms(), nil
		}
	}

	fetched, err := d.remote.GetChatRooms(ctx)
	if err != nil {
		// Remote down: last good cache keeps the UI alive; the error is
		// surfaced so a banner can show.
		return d.Rooms(), err
	}
	d.apply(fetched, srcRemote, forceRefresh)
	d.mu.Lock()
	d.loadedOnce = true
	d.mu.Unlock()
	d.persistAsync()
	return d.Rooms(), nil
}

// Rooms returns a sorted snapshot: pinned first (newest activity first
// within), then unpinned unmuted, then muted, each newest first.
func (d *Directory) Rooms() []model.ChatRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.ChatRoom, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(&out[j]) })
	return out
}

// Get returns a copy of one room.
func (d *Directory) Get(roomID string) (model.ChatRoom, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return model.ChatRoom{}, false
	}
	return *r, true
}

// RoomType returns the room's type, defaulting to GROUP semantics when the
// room is not (yet) known.
func (d *Directory) RoomType(roomID string) model.RoomType {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rooms[roomID]; ok {
		return r.Type
	}
	return model.RoomTypeGroup
}

// MergePush upserts rooms from a push event. The live channel is the most
// current source; its values win outright.
func (d *Directory) MergePush(rooms []model.ChatRoom) {
	d.apply(rooms, srcPush, false)
	d.persistAsync()
}

// Update applies a partial update to one room.
func (d *Directory) Update(roomID string, p Patch) {
	d.mu.Lock()
	r, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return
	}
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.IsPinned != nil {
		r.IsPinned = *p.IsPinned
	}
	if p.IsMuted != nil {
		r.IsMuted = *p.IsMuted
	}
	if p.LastMessage != nil {
		r.LastMessage = p.LastMessage
	}
	if p.UpdatedAt != nil {
		r.UpdatedAt = *p.UpdatedAt
	}
	if p.UnreadAbsolute != nil {
		r.UnreadCount = *p.UnreadAbsolute
	} else if p.UnreadDelta != 0 {
		r.UnreadCount += p.UnreadDelta
	}
	if r.UnreadCount < 0 {
		r.UnreadCount = 0
	}
	d.mu.Unlock()
	d.persistAsync()
}

// Remove drops a room (deletion, hiding, eviction, membership loss).
func (d *Directory) Remove(roomID string) {
	d.mu.Lock()
	delete(d.rooms, roomID)
	delete(d.cacheOnly, roomID)
	d.mu.Unlock()
	d.persistAsync()
}

func (d *Directory) removeParticipant(roomID, userID string) {
	if userID == d.localUserID {
		d.Remove(roomID)
		return
	}
	d.mu.Lock()
	if r, ok := d.rooms[roomID]; ok {
		for i := range r.Participants {
			if r.Participants[i].UserID == userID {
				r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()
	d.persistAsync()
}

// applyNewMessage updates lastMessage/updatedAt for the message's room and
// bumps the unread counter unless the sender is the local user, the room is
// open on screen, or the local user already appears in the read-by set.
func (d *Directory) applyNewMessage(msg model.Message) {
	d.mu.Lock()
	r, known := d.rooms[msg.ChatRoomID]
	if known {
		r.LastMessage = &msg
		if msg.CreatedAt.After(r.UpdatedAt) {
			r.UpdatedAt = msg.CreatedAt
		}
		if msg.SenderID != d.localUserID && msg.ChatRoomID != d.openRoomID && !msg.ReadByUser(d.localUserID) {
			r.UnreadCount++
		}
	}
	d.mu.Unlock()

	if !known {
		// Message for a room this session has never seen (e.g. restored
		// while disconnected): fetch it in the background, best effort.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			room, err := d.remote.GetChatRoom(ctx, msg.ChatRoomID)
			if err != nil {
				logger.Errorf("directory: fetch room %s: %v", msg.ChatRoomID, err)
				return
			}
			d.MergePush([]model.ChatRoom{*room})
		}()
		return
	}
	d.persistAsync()
}

// apply is the single reconciliation point for all three sources.
func (d *Directory) apply(rooms []model.ChatRoom, src source, forceRefresh bool) {
	d.mu.Lock()
	for i := range rooms {
		incoming := rooms[i]
		existing, ok := d.rooms[incoming.ID]
		if !ok {
			room := incoming
			d.rooms[room.ID] = &room
			d.cacheOnly[room.ID] = src == srcCache
			continue
		}

		switch src {
		case srcCache:
			// Memory already has fresher state; the cache never overwrites.
		case srcPush:
			room := incoming
			d.rooms[room.ID] = &room
			d.cacheOnly[room.ID] = false
		case srcRemote:
			// Structural fields always follow the snapshot.
			existing.Type = incoming.Type
			existing.Name = incoming.Name
			existing.Participants = incoming.Participants
			existing.IsPinned = incoming.IsPinned
			existing.IsMuted = incoming.IsMuted
			existing.CreatedAt = incoming.CreatedAt
			// Volatile fields (unreadCount, lastMessage, updatedAt) keep the
			// in-memory value unless forced or the room was cache-sourced:
			// live events postdate any snapshot, so a blind overwrite would
			// regress state.
			if forceRefresh || d.cacheOnly[incoming.ID] {
				existing.UnreadCount = incoming.UnreadCount
				existing.LastMessage = incoming.LastMessage
				existing.UpdatedAt = incoming.UpdatedAt
			}
			d.cacheOnly[incoming.ID] = false
		}
	}
	if src == srcRemote && forceRefresh {
		// A forced snapshot is authoritative for membership: rooms the
		// server no longer returns (deleted or hidden while the client
		// was away) are dropped instead of lingering until a push event.
		present := make(map[string]struct{}, len(rooms))
		for i := range rooms {
			present[rooms[i].ID] = struct{}{}
		}
		for id := range d.rooms {
			if _, ok := present[id]; !ok {
				delete(d.rooms, id)
				delete(d.cacheOnly, id)
			}
		}
	}
	d.mu.Unlock()
}

// persistAsync writes the room list back to the cache without blocking the
// in-memory update. Failures are logged, never propagated.
func (d *Directory) persistAsync() {
	snapshot := d.Rooms()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.SetRooms(ctx, snapshot); err != nil {
			logger.Errorf("directory: cache write: %v", err)
		}
	}()
}
