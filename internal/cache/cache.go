// Package cache is the persistent key-value shadow of the in-memory state.
// It is best-effort: writes are fire-and-forget relative to in-memory
// updates, and the in-memory view is always the more current one.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chatsync/internal/model"
)

// Store persists the room list, per-room message lists with freshness
// timestamps, and already-fetched archive pages.
// Implementations: memory.Client, redis.Client, pg.Client.
type Store interface {
	// GetRooms returns the cached room list and when it was stored.
	// A zero time means no entry.
	GetRooms(ctx context.Context) ([]model.ChatRoom, time.Time, error)
	SetRooms(ctx context.Context, rooms []model.ChatRoom) error

	// GetMessages returns the cached timeline for a room and its freshness
	// timestamp. A zero time means no entry.
	GetMessages(ctx context.Context, roomID string) ([]model.Message, time.Time, error)
	SetMessages(ctx context.Context, roomID string, msgs []model.Message) error
	DeleteMessages(ctx context.Context, roomID string) error

	// Archive pages are cached per day to avoid refetching cold storage.
	GetArchivePage(ctx context.Context, roomID string, day model.ArchiveDay) ([]model.Message, bool, error)
	SetArchivePage(ctx context.Context, roomID string, day model.ArchiveDay, msgs []model.Message) error

	Close() error
}

// DayKey is the canonical key suffix for an archive day ("2026-01-31").
func DayKey(day model.ArchiveDay) string {
	return fmt.Sprintf("%04d-%02d-%02d", day.Year, day.Month, day.Day)
}
