// Package unread keeps per-message read sets and per-room unread counters
// consistent under concurrent local optimism and server confirmation.
// Deltas exist for responsiveness between resyncs; the absolute recompute on
// every page (re)load is the system of record and self-heals any drift.
package unread

import (
	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/directory"
	"github.com/chatsync/internal/model"
)

// MessageSink is the open timeline as the reconciler sees it: enough to
// apply a read receipt to a message it may hold.
type MessageSink interface {
	RoomID() string
	// MarkRead appends readerID to the message's read-by set and updates
	// isRead per room type. Returns whether the reader was newly added and
	// whether the message is known at all.
	MarkRead(messageID, readerID string) (newlyRead, known bool)
}

type Reconciler struct {
	localUserID string
	dir         *directory.Directory
}

func New(localUserID string, dir *directory.Directory) *Reconciler {
	return &Reconciler{localUserID: localUserID, dir: dir}
}

// ApplyMessageRead handles the per-message receipt path. The room's unread
// counter is decremented by exactly one, but only when the reader is the
// local user and the message was not already counted as read locally, the
// guard against double-decrementing after an optimistic local mark.
func (r *Reconciler) ApplyMessageRead(tl MessageSink, ev bus.MessageRead) {
	roomID := ev.ChatRoomID
	decrement := ev.UserID == r.localUserID

	if tl != nil && (roomID == "" || roomID == tl.RoomID()) {
		newlyRead, known := tl.MarkRead(ev.MessageID, ev.UserID)
		if known {
			if roomID == "" {
				roomID = tl.RoomID()
			}
			decrement = decrement && newlyRead
		}
	}
	if decrement && roomID != "" {
		r.dir.Update(roomID, directory.Patch{UnreadDelta: -1})
	}
}

// ApplyMarkedRead handles the bulk receipt path emitted when a reader opens
// a room. Message state updates for every reader (read ticks); the local
// unread counter moves only for the local user's own bulk reads.
func (r *Reconciler) ApplyMarkedRead(tl MessageSink, ev bus.MessagesMarkedRead) {
	if tl != nil && tl.RoomID() == ev.ChatRoomID {
		for _, id := range ev.MessageIDs {
			tl.MarkRead(id, ev.UserID)
		}
	}
	if ev.UserID == r.localUserID && len(ev.MessageIDs) > 0 {
		r.dir.Update(ev.ChatRoomID, directory.Patch{UnreadDelta: -len(ev.MessageIDs)})
	}
}

// Recompute derives the unread count from scratch: messages not sent by the
// local user and absent from that user's read-by set. Pushed as an absolute
// value after every page (re)load, regardless of prior delta drift.
func Recompute(msgs []model.Message, localUserID string) int {
	n := 0
	for i := range msgs {
		if msgs[i].SenderID != localUserID && !msgs[i].ReadByUser(localUserID) {
			n++
		}
	}
	return n
}
