package model

import "time"

type RoomType string

const (
	RoomTypeDirect RoomType = "DIRECT"
	RoomTypeGroup  RoomType = "GROUP"
	RoomTypeLoad   RoomType = "LOAD"
)

// Participant is a room member with the profile fields the server
// denormalizes into the room payload.
type Participant struct {
	UserID    string    `json:"userId"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Avatar    string    `json:"avatar,omitempty"`
	// ProfilePhoto is an alternate field some server responses use instead
	// of avatar. Normalize() folds it into Avatar.
	ProfilePhoto string    `json:"profilePhoto,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Normalize maps the alternate profilePhoto field onto Avatar.
func (p *Participant) Normalize() {
	if p.Avatar == "" && p.ProfilePhoto != "" {
		p.Avatar = p.ProfilePhoto
	}
	p.ProfilePhoto = ""
}

// ChatRoom is one conversation as the engine sees it. UnreadCount is a
// derived counter: adjusted by deltas for responsiveness and recomputed
// absolutely whenever a message page is (re)loaded.
type ChatRoom struct {
	ID           string        `json:"id"`
	Type         RoomType      `json:"type"`
	Name         string        `json:"name,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	IsPinned     bool          `json:"isPinned"`
	IsMuted      bool          `json:"isMuted"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Normalize normalizes all participant profiles.
func (r *ChatRoom) Normalize() {
	for i := range r.Participants {
		r.Participants[i].Normalize()
	}
}

// Participant returns the participant with the given user id, or nil.
func (r *ChatRoom) Participant(userID string) *Participant {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return &r.Participants[i]
		}
	}
	return nil
}

// LastActivity is the timestamp used for ordering rooms: the last message's
// creation time, falling back to the room's own creation time.
func (r *ChatRoom) LastActivity() time.Time {
	if r.LastMessage != nil && !r.LastMessage.CreatedAt.IsZero() {
		return r.LastMessage.CreatedAt
	}
	return r.CreatedAt
}

// Less reports whether r sorts before other in the room list:
// pinned rooms first regardless of mute; among pinned, newest activity
// first; among unpinned, muted rooms last, then newest activity first.
func (r *ChatRoom) Less(other *ChatRoom) bool {
	if r.IsPinned != other.IsPinned {
		return r.IsPinned
	}
	if !r.IsPinned && r.IsMuted != other.IsMuted {
		return !r.IsMuted
	}
	return r.LastActivity().After(other.LastActivity())
}
