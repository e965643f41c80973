package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatsync/internal/cache"
	"github.com/chatsync/internal/model"
)

// Key layout: rooms / rooms_at, msgs:{roomID} / fresh:{roomID},
// arch:{roomID}:{yyyy-mm-dd}. Values are JSON; freshness is a unix-nano
// string stored next to the payload.
type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) GetRooms(ctx context.Context) ([]model.ChatRoom, time.Time, error) {
	var rooms []model.ChatRoom
	at, err := c.getJSON(ctx, "rooms", "rooms_at", &rooms)
	if err != nil || at.IsZero() {
		return nil, time.Time{}, err
	}
	return rooms, at, nil
}

func (c *Client) SetRooms(ctx context.Context, rooms []model.ChatRoom) error {
	return c.setJSON(ctx, "rooms", "rooms_at", rooms)
}

func (c *Client) GetMessages(ctx context.Context, roomID string) ([]model.Message, time.Time, error) {
	var msgs []model.Message
	at, err := c.getJSON(ctx, "msgs:"+roomID, "fresh:"+roomID, &msgs)
	if err != nil || at.IsZero() {
		return nil, time.Time{}, err
	}
	return msgs, at, nil
}

func (c *Client) SetMessages(ctx context.Context, roomID string, msgs []model.Message) error {
	return c.setJSON(ctx, "msgs:"+roomID, "fresh:"+roomID, msgs)
}

func (c *Client) DeleteMessages(ctx context.Context, roomID string) error {
	return c.cli.Del(ctx, "msgs:"+roomID, "fresh:"+roomID).Err()
}

func (c *Client) GetArchivePage(ctx context.Context, roomID string, day model.ArchiveDay) ([]model.Message, bool, error) {
	raw, err := c.cli.Get(ctx, "arch:"+roomID+":"+cache.DayKey(day)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, false, fmt.Errorf("redis unmarshal archive page: %w", err)
	}
	return msgs, true, nil
}

func (c *Client) SetArchivePage(ctx context.Context, roomID string, day model.ArchiveDay, msgs []model.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("redis marshal archive page: %w", err)
	}
	return c.cli.Set(ctx, "arch:"+roomID+":"+cache.DayKey(day), data, 0).Err()
}

func (c *Client) getJSON(ctx context.Context, key, atKey string, dst any) (time.Time, error) {
	raw, err := c.cli.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return time.Time{}, fmt.Errorf("redis unmarshal %s: %w", key, err)
	}
	atRaw, err := c.cli.Get(ctx, atKey).Result()
	if err == redis.Nil || err != nil {
		// Payload without a timestamp is treated as stale but usable.
		return time.Unix(0, 1), nil
	}
	nanos, err := strconv.ParseInt(atRaw, 10, 64)
	if err != nil {
		return time.Unix(0, 1), nil
	}
	return time.Unix(0, nanos), nil
}

func (c *Client) setJSON(ctx context.Context, key, atKey string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis marshal %s: %w", key, err)
	}
	if err := c.cli.Set(ctx, key, data, 0).Err(); err != nil {
		return err
	}
	return c.cli.Set(ctx, atKey, strconv.FormatInt(time.Now().UnixNano(), 10), 0).Err()
}
