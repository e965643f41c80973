package devserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxMsgSize  = 65536
	sendBufSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outgoing struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type hub struct {
	srv *Server

	mu      sync.Mutex
	clients map[string]map[*wsClient]struct{}
}

type wsClient struct {
	hub    *hub
	conn   *websocket.Conn
	send   chan outgoing
	userID string

	// rooms the connection has joined via joinChatRoom.
	rooms map[string]struct{}

	once sync.Once
}

func newHub(srv *Server) *hub {
	return &hub{
		srv:     srv,
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("token")
	if userID == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver: upgrade: %v", err)
		return
	}
	c := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan outgoing, sendBufSize),
		userID: userID,
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*wsClient]struct{})
	}
	h.clients[userID][c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
}

// CloseAll drops every push connection. Tests use it to simulate a server
// restart.
func (h *hub) CloseAll() {
	h.mu.Lock()
	all := make([]*wsClient, 0)
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*wsClient]struct{})
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

// sendToUser fans an event out to every connection of userID.
func (h *hub) sendToUser(userID string, msg outgoing) {
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			logger.Errorf("devserver: send buffer full user=%s, dropping", userID)
		}
	}
}

// broadcastRoom sends an event carrying the room to every participant.
func (h *hub) broadcastRoom(room model.ChatRoom, event string) {
	for _, p := range room.Participants {
		h.sendToUser(p.UserID, outgoing{Event: event, Payload: room})
	}
}

func (h *hub) broadcastToParticipants(roomID string, msg outgoing, except string) {
	h.srv.mu.Lock()
	room, ok := h.srv.rooms[roomID]
	var ids []string
	if ok {
		for _, p := range room.Participants {
			if p.UserID != except {
				ids = append(ids, p.UserID)
			}
		}
	}
	h.srv.mu.Unlock()
	for _, id := range ids {
		h.sendToUser(id, msg)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.handle(env)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handle(env envelope) {
	switch env.Event {
	case "joinChatRoom":
		var p struct {
			ChatRoomID string `json:"chatRoomId"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.rooms[p.ChatRoomID] = struct{}{}
		c.hub.sendToUser(c.userID, outgoing{
			Event:   "joinedChatRoom",
			Payload: map[string]string{"chatRoomId": p.ChatRoomID},
		})
	case "leaveChatRoom":
		var p struct {
			ChatRoomID string `json:"chatRoomId"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		delete(c.rooms, p.ChatRoomID)
	case "sendMessage":
		c.handleSend(env.Payload)
	case "typing":
		c.handleTyping(env.Payload)
	case "messageRead":
		c.handleMessageRead(env.Payload)
	case "markChatRoomAsRead":
		c.handleMarkRoomRead(env.Payload)
	default:
		logger.Infof("devserver: unknown command %q from user=%s", env.Event, c.userID)
	}
}

func (c *wsClient) handleSend(raw json.RawMessage) {
	var p struct {
		ChatRoomID string           `json:"chatRoomId"`
		Content    string           `json:"content"`
		FileURL    string           `json:"fileUrl"`
		FileName   string           `json:"fileName"`
		FileSize   int64            `json:"fileSize"`
		ReplyData  *model.ReplyData `json:"replyData"`
	}
	if json.Unmarshal(raw, &p) != nil {
		return
	}
	msg := model.Message{
		ID:         uuid.New().String(),
		ChatRoomID: p.ChatRoomID,
		SenderID:   c.userID,
		Content:    p.Content,
		FileURL:    p.FileURL,
		FileName:   p.FileName,
		FileSize:   p.FileSize,
		CreatedAt:  time.Now().UTC(),
		ReplyData:  p.ReplyData,
	}
	c.hub.srv.mu.Lock()
	c.hub.srv.msgs[p.ChatRoomID] = append(c.hub.srv.msgs[p.ChatRoomID], msg)
	if room, ok := c.hub.srv.rooms[p.ChatRoomID]; ok {
		room.UpdatedAt = msg.CreatedAt
	}
	c.hub.srv.mu.Unlock()
	// The sender gets the echo too, that is how it learns the assigned id.
	c.hub.broadcastToParticipants(p.ChatRoomID, outgoing{Event: "newMessage", Payload: msg}, "")
}

func (c *wsClient) handleTyping(raw json.RawMessage) {
	var p struct {
		ChatRoomID string `json:"chatRoomId"`
		IsTyping   bool   `json:"isTyping"`
	}
	if json.Unmarshal(raw, &p) != nil {
		return
	}
	c.hub.broadcastToParticipants(p.ChatRoomID, outgoing{
		Event: "userTyping",
		Payload: map[string]any{
			"chatRoomId": p.ChatRoomID,
			"userId":     c.userID,
			"isTyping":   p.IsTyping,
		},
	}, c.userID)
}

func (c *wsClient) handleMessageRead(raw json.RawMessage) {
	var p struct {
		MessageID  string `json:"messageId"`
		ChatRoomID string `json:"chatRoomId"`
	}
	if json.Unmarshal(raw, &p) != nil {
		return
	}
	c.hub.srv.mu.Lock()
	roomType := model.RoomTypeGroup
	if room, ok := c.hub.srv.rooms[p.ChatRoomID]; ok {
		roomType = room.Type
	}
	for i := range c.hub.srv.msgs[p.ChatRoomID] {
		if c.hub.srv.msgs[p.ChatRoomID][i].ID == p.MessageID {
			c.hub.srv.msgs[p.ChatRoomID][i].MarkReadBy(c.userID, roomType)
			break
		}
	}
	c.hub.srv.mu.Unlock()
	c.hub.broadcastToParticipants(p.ChatRoomID, outgoing{
		Event: "messageRead",
		Payload: map[string]string{
			"messageId":  p.MessageID,
			"chatRoomId": p.ChatRoomID,
			"userId":     c.userID,
		},
	}, "")
}

func (c *wsClient) handleMarkRoomRead(raw json.RawMessage) {
	var p struct {
		ChatRoomID string `json:"chatRoomId"`
	}
	if json.Unmarshal(raw, &p) != nil {
		return
	}
	c.hub.srv.mu.Lock()
	roomType := model.RoomTypeGroup
	if room, ok := c.hub.srv.rooms[p.ChatRoomID]; ok {
		roomType = room.Type
	}
	var ids []string
	for i := range c.hub.srv.msgs[p.ChatRoomID] {
		m := &c.hub.srv.msgs[p.ChatRoomID][i]
		if m.SenderID != c.userID && !m.ReadByUser(c.userID) {
			m.MarkReadBy(c.userID, roomType)
			ids = append(ids, m.ID)
		}
	}
	c.hub.srv.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)
	c.hub.broadcastToParticipants(p.ChatRoomID, outgoing{
		Event: "messagesMarkedAsRead",
		Payload: map[string]any{
			"chatRoomId": p.ChatRoomID,
			"messageIds": ids,
			"userId":     c.userID,
		},
	}, "")
}
