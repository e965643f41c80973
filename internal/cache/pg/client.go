package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/cache"
	"github.com/chatsync/internal/model"
)

// Client stores cache entries in a single key-value table. The engine treats
// the cache as an opaque byte store; one table keeps the schema trivial and
// lets the same rows back every entry kind.
type Client struct {
	pool *pgxpool.Pool
}

const schema = `CREATE TABLE IF NOT EXISTS sync_cache (
	key       text PRIMARY KEY,
	value     bytea NOT NULL,
	stored_at timestamptz NOT NULL
)`

func New(ctx context.Context, databaseURL string) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pg parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg create schema: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func (c *Client) GetRooms(ctx context.Context) ([]model.ChatRoom, time.Time, error) {
	var rooms []model.ChatRoom
	at, err := c.get(ctx, "rooms", &rooms)
	if err != nil || at.IsZero() {
		return nil, time.Time{}, err
	}
	return rooms, at, nil
}

func (c *Client) SetRooms(ctx context.Context, rooms []model.ChatRoom) error {
	return c.set(ctx, "rooms", rooms)
}

func (c *Client) GetMessages(ctx context.Context, roomID string) ([]model.Message, time.Time, error) {
	var msgs []model.Message
	at, err := c.get(ctx, "msgs:"+roomID, &msgs)
	if err != nil || at.IsZero() {
		return nil, time.Time{}, err
	}
	return msgs, at, nil
}

func (c *Client) SetMessages(ctx context.Context, roomID string, msgs []model.Message) error {
	return c.set(ctx, "msgs:"+roomID, msgs)
}

func (c *Client) DeleteMessages(ctx context.Context, roomID string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM sync_cache WHERE key = $1`, "msgs:"+roomID)
	if err != nil {
		return fmt.Errorf("pg delete %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) GetArchivePage(ctx context.Context, roomID string, day model.ArchiveDay) ([]model.Message, bool, error) {
	var msgs []model.Message
	at, err := c.get(ctx, "arch:"+roomID+":"+cache.DayKey(day), &msgs)
	if err != nil {
		return nil, false, err
	}
	return msgs, !at.IsZero(), nil
}

func (c *Client) SetArchivePage(ctx context.Context, roomID string, day model.ArchiveDay, msgs []model.Message) error {
	return c.set(ctx, "arch:"+roomID+":"+cache.DayKey(day), msgs)
}

func (c *Client) get(ctx context.Context, key string, dst any) (time.Time, error) {
	var (
		value    []byte
		storedAt time.Time
	)
	err := c.pool.QueryRow(ctx,
		`SELECT value, stored_at FROM sync_cache WHERE key = $1`, key,
	).Scan(&value, &storedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("pg get %s: %w", key, err)
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return time.Time{}, fmt.Errorf("pg unmarshal %s: %w", key, err)
	}
	return storedAt, nil
}

func (c *Client) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pg marshal %s: %w", key, err)
	}
	_, err = c.pool.Exec(ctx,
		`INSERT INTO sync_cache (key, value, stored_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, stored_at = EXCLUDED.stored_at`,
		key, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("pg set %s: %w", key, err)
	}
	return nil
}
