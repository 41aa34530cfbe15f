package store

import (
	"time"

	"chat-client/internal/events"
	"chat-client/internal/models"
)

// ReadMark records a local mark-as-read so it can be reverted.
type ReadMark struct {
	ConversationID int64
	UpToID         int64
	MessageIDs     []int64
	prevUnread     int
}

// MarkRead marks every incoming message of a conversation as read locally.
// ok is false when nothing was unread.
func (s *Store) MarkRead(conversationID int64) (ReadMark, bool) {
	now := time.Now().UTC()

	s.mu.Lock()
	st, found := s.convs[conversationID]
	if !found {
		s.mu.Unlock()
		return ReadMark{}, false
	}
	mark := ReadMark{ConversationID: conversationID, prevUnread: st.conv.UnreadCount}
	for i := 0; i < st.confirmedLen(); i++ {
		msg := &st.messages[i]
		if msg.SenderID == s.cfg.SelfID {
			continue
		}
		mark.UpToID = msg.ID
		if msg.Read {
			continue
		}
		msg.Read = true
		msg.ReadAt = &now
		mark.MessageIDs = append(mark.MessageIDs, msg.ID)
	}
	changed := len(mark.MessageIDs) > 0 || st.conv.UnreadCount > 0
	st.conv.UnreadCount = 0
	s.mu.Unlock()

	if !changed {
		return mark, false
	}
	s.publish(conversationID, 0, "", events.ChangeRead)
	return mark, true
}

// RevertRead undoes a MarkRead whose server call failed.
func (s *Store) RevertRead(mark ReadMark) {
	s.mu.Lock()
	st, found := s.convs[mark.ConversationID]
	if !found {
		s.mu.Unlock()
		return
	}
	for _, id := range mark.MessageIDs {
		if idx := st.indexOf(id); idx >= 0 {
			st.messages[idx].Read = false
			st.messages[idx].ReadAt = nil
		}
	}
	st.conv.UnreadCount = mark.prevUnread
	s.mu.Unlock()

	s.publish(mark.ConversationID, 0, "", events.ChangeRead)
}

// ApplyReadReceipt applies a read receipt from the server. Receipts from the
// peer mark the local user's messages; receipts from the local user (another
// device) clear unread state.
func (s *Store) ApplyReadReceipt(receipt models.ReadReceiptFrame) bool {
	readAt := receipt.ReadAt
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}

	explicit := make(map[int64]bool, len(receipt.MessageIDs))
	for _, id := range receipt.MessageIDs {
		explicit[id] = true
	}
	covers := func(id int64) bool {
		if len(explicit) > 0 {
			return explicit[id]
		}
		return receipt.UpToID == 0 || id <= receipt.UpToID
	}

	s.mu.Lock()
	st, found := s.convs[receipt.ConversationID]
	if !found {
		s.mu.Unlock()
		return false
	}
	ownReceipt := receipt.ReaderID == s.cfg.SelfID
	changed := false
	for i := 0; i < st.confirmedLen(); i++ {
		msg := &st.messages[i]
		fromSelf := msg.SenderID == s.cfg.SelfID
		if fromSelf == ownReceipt || msg.Read || !covers(msg.ID) {
			continue
		}
		msg.Read = true
		at := readAt
		msg.ReadAt = &at
		changed = true
	}
	if ownReceipt {
		unread := 0
		for i := 0; i < st.confirmedLen(); i++ {
			if st.messages[i].SenderID != s.cfg.SelfID && !st.messages[i].Read {
				unread++
			}
		}
		if unread < st.conv.UnreadCount || changed {
			st.conv.UnreadCount = unread
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.publish(receipt.ConversationID, 0, "", events.ChangeRead)
	}
	return changed
}
