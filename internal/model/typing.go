package model

// TypingUser is the ephemeral typing indicator for one user in one room.
// Never persisted; cleared when the open room changes.
type TypingUser struct {
	IsTyping  bool   `json:"isTyping"`
	FirstName string `json:"firstName,omitempty"`
}

// TypingState maps user ids to their typing indicator for the open room.
type TypingState map[string]TypingUser
