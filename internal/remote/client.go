// Package remote is the HTTP client for the pull APIs of the chat service:
// room list, room lookup, message pages, archive days and archive pages.
// Pull calls are issued on demand by the directory and timelines; nothing
// here is pushed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chatsync/internal/credentials"
	"github.com/chatsync/internal/model"
)

// MessagesPage is one page of live history. HasMore=false means live
// pagination is exhausted and the caller falls through to the archive.
type MessagesPage struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

type Client struct {
	baseURL string
	creds   credentials.Store
	http    *http.Client
}

func New(baseURL string, creds credentials.Store) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) GetChatRooms(ctx context.Context) ([]model.ChatRoom, error) {
	var rooms []model.ChatRoom
	if err := c.get(ctx, "/api/chat-rooms", &rooms); err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].Normalize()
	}
	return rooms, nil
}

func (c *Client) GetChatRoom(ctx context.Context, id string) (*model.ChatRoom, error) {
	var room model.ChatRoom
	if err := c.get(ctx, "/api/chat-rooms/"+id, &room); err != nil {
		return nil, err
	}
	room.Normalize()
	return &room, nil
}

func (c *Client) GetMessages(ctx context.Context, roomID string, page, limit int) (MessagesPage, error) {
	var out MessagesPage
	path := "/api/chat-rooms/" + roomID + "/messages?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(limit)
	if err := c.get(ctx, path, &out); err != nil {
		return MessagesPage{}, err
	}
	return out, nil
}

func (c *Client) GetAvailableArchiveDays(ctx context.Context, roomID string) ([]model.ArchiveDay, error) {
	var days []model.ArchiveDay
	if err := c.get(ctx, "/api/chat-rooms/"+roomID+"/archive/days", &days); err != nil {
		return nil, err
	}
	return days, nil
}

func (c *Client) LoadArchivedMessages(ctx context.Context, roomID string, year, month, day int) ([]model.Message, error) {
	path := fmt.Sprintf("/api/chat-rooms/%s/archive/%d/%d/%d", roomID, year, month, day)
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// MuteChatRooms mutes or unmutes rooms; action is "mute" or "unmute".
// Returns the ids the server actually changed.
func (c *Client) MuteChatRooms(ctx context.Context, ids []string, action string) ([]string, error) {
	body := map[string]any{"chatRoomIds": ids, "action": action}
	var out struct {
		ChatRoomIDs []string `json:"chatRoomIds"`
	}
	if err := c.post(ctx, "/api/chat-rooms/mute", body, &out); err != nil {
		return nil, err
	}
	return out.ChatRoomIDs, nil
}

func (c *Client) CreateChatRoom(ctx context.Context, roomType model.RoomType, participantIDs []string) (*model.ChatRoom, error) {
	body := map[string]any{"type": roomType, "participantIds": participantIDs}
	var room model.ChatRoom
	if err := c.post(ctx, "/api/chat-rooms", body, &room); err != nil {
		return nil, err
	}
	room.Normalize()
	return &room, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	return c.do(ctx, http.MethodGet, path, nil, dst)
}

func (c *Client) post(ctx context.Context, path string, body, dst any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("remote marshal %s: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, data, dst)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, dst any) error {
	token, err := c.creds.Token()
	if err != nil {
		return fmt.Errorf("remote %s: %w", path, err)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("remote %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a short chunk of the body for the error message.
		chunk, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("remote %s %s: http %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(chunk))
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("remote decode %s: %w", path, err)
	}
	return nil
}
