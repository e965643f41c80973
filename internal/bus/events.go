package bus

import "github.com/chatsync/internal/model"

// Kind tags one event type on the bus. Domain kinds mirror the wire tags of
// the push channel; lifecycle kinds are local to the engine.
type Kind string

const (
	// Lifecycle
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindConnError    Kind = "connError"

	// Domain (server → client wire tags)
	KindNewMessage         Kind = "newMessage"
	KindRoomCreated        Kind = "chatRoomCreated"
	KindAddedToRoom        Kind = "addedToChatRoom"
	KindRoomUpdated        Kind = "chatRoomUpdated"
	KindRoomDeleted        Kind = "chatRoomDeleted"
	KindRoomHidden         Kind = "chatRoomHidden"
	KindRoomRestored       Kind = "chatRoomRestored"
	KindParticipantRemoved Kind = "participantRemoved"
	KindRemovedFromRoom    Kind = "removedFromChatRoom"
	KindUserTyping         Kind = "userTyping"
	KindUserOnline         Kind = "userOnline"
	KindMessageRead        Kind = "messageRead"
	KindMessagesMarkedRead Kind = "messagesMarkedAsRead"
	KindJoinedRoom         Kind = "joinedChatRoom"
)

// Event is the tagged union carried on the bus.
type Event interface {
	Kind() Kind
}

// Connected is published after a successful handshake. Resync is set when a
// prior session existed and consumers must refetch instead of trusting
// buffered state (the server does not replay missed events).
type Connected struct {
	Resync bool
}

func (Connected) Kind() Kind { return KindConnected }

// Disconnected carries the close reason. ClientInitiated disconnects
// (backgrounding, logout) schedule no retry.
type Disconnected struct {
	Reason          string
	ClientInitiated bool
}

func (Disconnected) Kind() Kind { return KindDisconnected }

// ConnError reports a non-fatal connection problem (token missing, handshake
// failure, retries exhausted). The engine keeps serving cached data.
type ConnError struct {
	Err error
}

func (ConnError) Kind() Kind { return KindConnError }

type NewMessage struct {
	Message model.Message
}

func (NewMessage) Kind() Kind { return KindNewMessage }

type RoomCreated struct {
	Room model.ChatRoom
}

func (RoomCreated) Kind() Kind { return KindRoomCreated }

type AddedToRoom struct {
	Room model.ChatRoom
}

func (AddedToRoom) Kind() Kind { return KindAddedToRoom }

type RoomUpdated struct {
	Room model.ChatRoom
}

func (RoomUpdated) Kind() Kind { return KindRoomUpdated }

type RoomDeleted struct {
	RoomID string
}

func (RoomDeleted) Kind() Kind { return KindRoomDeleted }

type RoomHidden struct {
	RoomID string
}

func (RoomHidden) Kind() Kind { return KindRoomHidden }

// RoomRestored mirrors the server-side restore of a hidden DIRECT room when
// the other participant writes into it. Purely reactive; the client never
// infers it.
type RoomRestored struct {
	Room model.ChatRoom
}

func (RoomRestored) Kind() Kind { return KindRoomRestored }

type ParticipantRemoved struct {
	RoomID string
	UserID string
}

func (ParticipantRemoved) Kind() Kind { return KindParticipantRemoved }

type RemovedFromRoom struct {
	RoomID string
}

func (RemovedFromRoom) Kind() Kind { return KindRemovedFromRoom }

type UserTyping struct {
	RoomID    string
	UserID    string
	IsTyping  bool
	FirstName string
}

func (UserTyping) Kind() Kind { return KindUserTyping }

type UserOnline struct {
	UserID string
	Online bool
}

func (UserOnline) Kind() Kind { return KindUserOnline }

// MessageRead is the per-message receipt path.
type MessageRead struct {
	MessageID  string
	ChatRoomID string
	UserID     string
}

func (MessageRead) Kind() Kind { return KindMessageRead }

// MessagesMarkedRead is the bulk receipt path emitted when a reader opens a
// room.
type MessagesMarkedRead struct {
	ChatRoomID string
	MessageIDs []string
	UserID     string
}

func (MessagesMarkedRead) Kind() Kind { return KindMessagesMarkedRead }

type JoinedRoom struct {
	RoomID string
}

func (JoinedRoom) Kind() Kind { return KindJoinedRoom }
