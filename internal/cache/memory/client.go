package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatsync/internal/cache"
	"github.com/chatsync/internal/model"
)

type roomsEntry struct {
	rooms    []model.ChatRoom
	storedAt time.Time
}

type msgsEntry struct {
	msgs     []model.Message
	storedAt time.Time
}

// Client keeps the cache in process memory. Used by tests and as the default
// backend when neither redis nor postgres is configured.
type Client struct {
	mu      sync.RWMutex
	rooms   *roomsEntry
	msgs    map[string]msgsEntry
	archive map[string][]model.Message
}

func New() *Client {
	return &Client{
		msgs:    make(map[string]msgsEntry),
		archive: make(map[string][]model.Message),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetRooms(ctx context.Context) ([]model.ChatRoom, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rooms == nil {
		return nil, time.Time{}, nil
	}
	out := make([]model.ChatRoom, len(c.rooms.rooms))
	copy(out, c.rooms.rooms)
	return out, c.rooms.storedAt, nil
}

func (c *Client) SetRooms(ctx context.Context, rooms []model.ChatRoom) error {
	cp := make([]model.ChatRoom, len(rooms))
	copy(cp, rooms)
	c.mu.Lock()
	c.rooms = &roomsEntry{rooms: cp, storedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

func (c *Client) GetMessages(ctx context.Context, roomID string) ([]model.Message, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.msgs[roomID]
	if !ok {
		return nil, time.Time{}, nil
	}
	out := make([]model.Message, len(e.msgs))
	copy(out, e.msgs)
	return out, e.storedAt, nil
}

func (c *Client) SetMessages(ctx context.Context, roomID string, msgs []model.Message) error {
	cp := make([]model.Message, len(msgs))
	copy(cp, msgs)
	c.mu.Lock()
	c.msgs[roomID] = msgsEntry{msgs: cp, storedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

func (c *Client) DeleteMessages(ctx context.Context, roomID string) error {
	c.mu.Lock()
	delete(c.msgs, roomID)
	c.mu.Unlock()
	return nil
}

func (c *Client) GetArchivePage(ctx context.Context, roomID string, day model.ArchiveDay) ([]model.Message, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.archive[roomID+":"+cache.DayKey(day)]
	if !ok {
		return nil, false, nil
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, true, nil
}

func (c *Client) SetArchivePage(ctx context.Context, roomID string, day model.ArchiveDay, msgs []model.Message) error {
	cp := make([]model.Message, len(msgs))
	copy(cp, msgs)
	c.mu.Lock()
	c.archive[roomID+":"+cache.DayKey(day)] = cp
	c.mu.Unlock()
	return nil
}
