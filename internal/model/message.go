package model

import "time"

// ReplyData is a denormalized snapshot of a quoted message. It is copied at
// send time, not a live reference: edits to the original do not propagate.
type ReplyData struct {
	Avatar     string    `json:"avatar,omitempty"`
	Time       time.Time `json:"time"`
	Content    string    `json:"content"`
	SenderName string    `json:"senderName"`
}

// Message identity is the server-assigned ID; timelines never hold two
// entries with the same ID.
type Message struct {
	ID         string     `json:"id"`
	ChatRoomID string     `json:"chatRoomId"`
	SenderID   string     `json:"senderId"`
	Content    string     `json:"content"`
	FileURL    string     `json:"fileUrl,omitempty"`
	FileName   string     `json:"fileName,omitempty"`
	FileSize   int64      `json:"fileSize,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	IsRead     bool       `json:"isRead"`
	ReadBy     []string   `json:"readBy"`
	ReplyData  *ReplyData `json:"replyData,omitempty"`
}

// ReadByUser reports whether userID is present in the read-by set.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MarkReadBy appends userID to the read-by set (idempotent) and updates
// IsRead per room type: DIRECT flips once any participant other than the
// sender has read it; GROUP and LOAD flip once the read-by set is non-empty.
// Returns true if userID was newly added.
func (m *Message) MarkReadBy(userID string, roomType RoomType) bool {
	added := false
	if !m.ReadByUser(userID) {
		m.ReadBy = append(m.ReadBy, userID)
		added = true
	}
	switch roomType {
	case RoomTypeDirect:
		for _, id := range m.ReadBy {
			if id != m.SenderID {
				m.IsRead = true
				break
			}
		}
	default:
		m.IsRead = len(m.ReadBy) > 0
	}
	return added
}

// MergeFrom overwrites m with non-zero fields of incoming (the fresher
// source wins on conflicts) and unions the read-by sets. Identity fields
// (ID, ChatRoomID, SenderID, CreatedAt) are taken from incoming when set.
func (m *Message) MergeFrom(incoming *Message) {
	if incoming.Content != "" {
		m.Content = incoming.Content
	}
	if incoming.FileURL != "" {
		m.FileURL = incoming.FileURL
		m.FileName = incoming.FileName
		m.FileSize = incoming.FileSize
	}
	if !incoming.CreatedAt.IsZero() {
		m.CreatedAt = incoming.CreatedAt
	}
	if incoming.ReplyData != nil {
		m.ReplyData = incoming.ReplyData
	}
	for _, id := range incoming.ReadBy {
		if !m.ReadByUser(id) {
			m.ReadBy = append(m.ReadBy, id)
		}
	}
	if incoming.IsRead {
		m.IsRead = true
	}
}
