package conn

import (
	"encoding/json"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// Envelope is the event-tagged wire format of the push channel, both
// directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is an outbound client→server message.
type Command struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Outbound event tags.
const (
	cmdJoinChatRoom       = "joinChatRoom"
	cmdLeaveChatRoom      = "leaveChatRoom"
	cmdSendMessage        = "sendMessage"
	cmdTyping             = "typing"
	cmdMessageRead        = "messageRead"
	cmdMarkChatRoomAsRead = "markChatRoomAsRead"
)

// SendMessagePayload is the body of an outbound sendMessage. The server
// assigns the id and echoes the message back as a newMessage event; the
// client never inserts it locally on its own.
type SendMessagePayload struct {
	ChatRoomID string           `json:"chatRoomId"`
	Content    string           `json:"content"`
	FileURL    string           `json:"fileUrl,omitempty"`
	FileName   string           `json:"fileName,omitempty"`
	FileSize   int64            `json:"fileSize,omitempty"`
	ReplyData  *model.ReplyData `json:"replyData,omitempty"`
}

type roomRef struct {
	ChatRoomID string `json:"chatRoomId"`
}

type typingPayload struct {
	ChatRoomID string `json:"chatRoomId"`
	IsTyping   bool   `json:"isTyping"`
}

type messageReadPayload struct {
	MessageID  string `json:"messageId"`
	ChatRoomID string `json:"chatRoomId"`
}

// Inbound payload shapes that are not plain model types.
type roomIDPayload struct {
	ChatRoomID string `json:"chatRoomId"`
}

type participantRemovedPayload struct {
	ChatRoomID string `json:"chatRoomId"`
	UserID     string `json:"userId"`
}

type userTypingPayload struct {
	ChatRoomID string `json:"chatRoomId"`
	UserID     string `json:"userId"`
	IsTyping   bool   `json:"isTyping"`
	FirstName  string `json:"firstName,omitempty"`
}

type userOnlinePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type inMessageReadPayload struct {
	MessageID  string `json:"messageId"`
	ChatRoomID string `json:"chatRoomId,omitempty"`
	UserID     string `json:"userId"`
}

type markedReadPayload struct {
	ChatRoomID string   `json:"chatRoomId"`
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

// dispatch decodes one server envelope into a bus event and publishes it.
// Malformed payloads are logged and dropped; they never break the loop.
func (m *Manager) dispatch(env Envelope) {
	switch env.Event {
	case "newMessage":
		var msg model.Message
		if !decode(env, &msg) {
			return
		}
		m.bus.Publish(bus.NewMessage{Message: msg})
	case "chatRoomCreated":
		var room model.ChatRoom
		if !decode(env, &room) {
			return
		}
		room.Normalize()
		m.joinRoomID(room.ID)
		m.bus.Publish(bus.RoomCreated{Room: room})
	case "addedToChatRoom":
		var room model.ChatRoom
		if !decode(env, &room) {
			return
		}
		room.Normalize()
		m.joinRoomID(room.ID)
		m.bus.Publish(bus.AddedToRoom{Room: room})
	case "chatRoomUpdated":
		var room model.ChatRoom
		if !decode(env, &room) {
			return
		}
		room.Normalize()
		m.bus.Publish(bus.RoomUpdated{Room: room})
	case "chatRoomDeleted":
		var p roomIDPayload
		if !decode(env, &p) {
			return
		}
		m.forgetRoomID(p.ChatRoomID)
		m.bus.Publish(bus.RoomDeleted{RoomID: p.ChatRoomID})
	case "chatRoomHidden":
		var p roomIDPayload
		if !decode(env, &p) {
			return
		}
		m.bus.Publish(bus.RoomHidden{RoomID: p.ChatRoomID})
	case "chatRoomRestored":
		var room model.ChatRoom
		if !decode(env, &room) {
			return
		}
		room.Normalize()
		m.bus.Publish(bus.RoomRestored{Room: room})
	case "participantRemoved":
		var p participantRemovedPayload
		if !decode(env, &p) {
			return
		}
		m.bus.Publish(bus.ParticipantRemoved{RoomID: p.ChatRoomID, UserID: p.UserID})
	case "removedFromChatRoom":
		var p roomIDPayload
		if !decode(env, &p) {
			return
		}
		m.forgetRoomID(p.ChatRoomID)
		m.bus.Publish(bus.RemovedFromRoom{RoomID: p.ChatRoomID})
	case "userTyping":
		var p userTypingPayload
		if !decode(env, &p) {
			return
		}
		m.bus.Publish(bus.UserTyping{
			RoomID:    p.ChatRoomID,
			UserID:    p.UserID,
			IsTyping:  p.IsTyping,
			FirstName: p.FirstName,
		})
	case "userOnline":
		var p userOnlinePayload
		if !decode(env, &p) {
			return
		}
		m.bus.Publish(bus.UserOnline{UserID: p.UserID, Online: p.Online})
	case "messageRead":
		var p inMessageReadPayload
		if !decode(env, &p) {
			return
		}
		m.bus.Publish(bus.MessageRead{
			MessageID:  p.MessageID,
			ChatRoomID: p.ChatRoomID,
			UserID:     p.UserID,
		})
	case "messagesMarkedAsRead":
		var p markedReadPayload
		if !decode(env, &p) {
			return
		}
		m.bus.Publish(bus.MessagesMarkedRead{
			ChatRoomID: p.ChatRoomID,
			MessageIDs: p.MessageIDs,
			UserID:     p.UserID,
		})
	case "joinedChatRoom":
		var p roomIDPayload
		if !decode(env, &p) {
			return
		}
		m.bus.Publish(bus.JoinedRoom{RoomID: p.ChatRoomID})
	default:
		logger.Infof("conn: ignoring unknown event %q", env.Event)
	}
}

func decode(env Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		logger.Errorf("conn: malformed %s payload: %v", env.Event, err)
		return false
	}
	return true
}
