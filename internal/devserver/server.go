// Package devserver is an in-process chat service simulator: the pull API
// and the push channel of a real deployment, backed by in-memory state. It
// powers the -dev mode of cmd/chatsync and the engine's integration-style
// tests. Not a production server.
package devserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

type Server struct {
	mu      sync.Mutex
	rooms   map[string]*model.ChatRoom
	msgs    map[string][]model.Message
	archive map[string]map[string][]model.Message
	days    map[string][]model.ArchiveDay

	hub *hub
}

func New() *Server {
	s := &Server{
		rooms:   make(map[string]*model.ChatRoom),
		msgs:    make(map[string][]model.Message),
		archive: make(map[string]map[string][]model.Message),
		days:    make(map[string][]model.ArchiveDay),
	}
	s.hub = newHub(s)
	return s
}

// Handler returns the full HTTP surface: pull API plus the /ws push
// endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/ws", s.hub.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/api/chat-rooms", s.handleRooms)
		r.Post("/api/chat-rooms", s.handleCreateRoom)
		r.Post("/api/chat-rooms/mute", s.handleMute)
		r.Get("/api/chat-rooms/{roomID}", s.handleRoom)
		r.Get("/api/chat-rooms/{roomID}/messages", s.handleMessages)
		r.Get("/api/chat-rooms/{roomID}/archive/days", s.handleArchiveDays)
		r.Get("/api/chat-rooms/{roomID}/archive/{year}/{month}/{day}", s.handleArchivePage)
	})
	return r
}

// The simulator's auth is deliberately trivial: the bearer token is the
// user id.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := bearerUser(r)
		if userID == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerUser(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// CloseConnections drops every open push connection, simulating a server
// restart or network cut.
func (s *Server) CloseConnections() {
	s.hub.CloseAll()
}

// Seeding helpers for tests and -dev mode.

func (s *Server) SeedRoom(room model.ChatRoom) {
	s.mu.Lock()
	cp := room
	s.rooms[room.ID] = &cp
	s.mu.Unlock()
}

// RemoveRoom deletes a room server-side without notifying anyone, as if it
// happened while the client was disconnected.
func (s *Server) RemoveRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	delete(s.msgs, roomID)
	s.mu.Unlock()
}

func (s *Server) SeedMessage(msg model.Message) {
	s.mu.Lock()
	s.msgs[msg.ChatRoomID] = append(s.msgs[msg.ChatRoomID], msg)
	s.mu.Unlock()
}

func (s *Server) SeedArchive(roomID string, day model.ArchiveDay, msgs []model.Message) {
	s.mu.Lock()
	if s.archive[roomID] == nil {
		s.archive[roomID] = make(map[string][]model.Message)
	}
	key := dayKey(day)
	s.archive[roomID][key] = msgs
	s.days[roomID] = append(s.days[roomID], day)
	s.mu.Unlock()
}

func dayKey(d model.ArchiveDay) string {
	return strconv.Itoa(d.Year) + "-" + strconv.Itoa(d.Month) + "-" + strconv.Itoa(d.Day)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	userID := bearerUser(r)
	s.mu.Lock()
	out := make([]model.ChatRoom, 0, len(s.rooms))
	for _, room := range s.rooms {
		if room.Participant(userID) != nil {
			out = append(out, *room)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, out)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	room, ok := s.rooms[chi.URLParam(r, "roomID")]
	var cp model.ChatRoom
	if ok {
		cp = *room
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, cp)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type           model.RoomType `json:"type"`
		ParticipantIDs []string       `json:"participantIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	room := model.ChatRoom{
		ID:        uuid.New().String(),
		Type:      req.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ids := append([]string{bearerUser(r)}, req.ParticipantIDs...)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		room.Participants = append(room.Participants, model.Participant{UserID: id, JoinedAt: now})
	}
	s.SeedRoom(room)
	s.hub.broadcastRoom(room, "chatRoomCreated")
	writeJSON(w, room)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatRoomIDs []string `json:"chatRoomIds"`
		Action      string   `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	muted := req.Action == "mute"
	changed := make([]string, 0, len(req.ChatRoomIDs))
	s.mu.Lock()
	for _, id := range req.ChatRoomIDs {
		if room, ok := s.rooms[id]; ok {
			room.IsMuted = muted
			changed = append(changed, id)
		}
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"chatRoomIds": changed})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	s.mu.Lock()
	all := make([]model.Message, len(s.msgs[roomID]))
	copy(all, s.msgs[roomID])
	s.mu.Unlock()

	// Page 1 is the newest window.
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start := (page - 1) * limit
	end := start + limit
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	writeJSON(w, map[string]any{
		"messages": all[start:end],
		"hasMore":  end < len(all),
	})
}

func (s *Server) handleArchiveDays(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	s.mu.Lock()
	days := make([]model.ArchiveDay, len(s.days[roomID]))
	copy(days, s.days[roomID])
	s.mu.Unlock()
	writeJSON(w, days)
}

func (s *Server) handleArchivePage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	year, _ := strconv.Atoi(chi.URLParam(r, "year"))
	month, _ := strconv.Atoi(chi.URLParam(r, "month"))
	day, _ := strconv.Atoi(chi.URLParam(r, "day"))
	key := dayKey(model.ArchiveDay{Year: year, Month: month, Day: day})

	s.mu.Lock()
	msgs := s.archive[roomID][key]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"messages": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("devserver: encode response: %v", err)
	}
}
