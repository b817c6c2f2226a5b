package engine

import "github.com/plexdesk/chatsync/internal/storage"

// Conversation is the engine's view of one conversation: the durable record
// plus the loaded message window and the unread marker.
type Conversation struct {
	storage.Conversation
	Unread   bool
	Messages []storage.Message
}

// store holds the in-memory conversation view. It is owned by the apply
// goroutine and has no locking of its own.
type store struct {
	order []string
	convs map[string]*Conversation
}

func newStore() *store {
	return &store{convs: make(map[string]*Conversation)}
}

func (s *store) get(id string) *Conversation {
	return s.convs[id]
}

// replaceAll swaps in a fresh conversation list from durable storage,
// preserving loaded messages and unread markers for conversations that
// survive the refresh.
func (s *store) replaceAll(list []storage.Conversation) {
	next := make(map[string]*Conversation, len(list))
	order := make([]string, 0, len(list))
	for _, c := range list {
		conv := &Conversation{Conversation: c}
		if prev, ok := s.convs[c.ID]; ok {
			conv.Messages = prev.Messages
			conv.Unread = prev.Unread
		}
		next[c.ID] = conv
		order = append(order, c.ID)
	}
	s.convs = next
	s.order = order
}

// upsertConversation merges a durable record into the view. Unknown
// conversations are prepended; known ones keep their messages and position.
func (s *store) upsertConversation(c storage.Conversation) {
	if prev, ok := s.convs[c.ID]; ok {
		prev.Conversation = c
		return
	}
	s.convs[c.ID] = &Conversation{Conversation: c}
	s.order = append([]string{c.ID}, s.order...)
}

// moveToFront bumps a conversation to the top of the list. Returns false
// when the conversation is already first or not present.
func (s *store) moveToFront(id string) bool {
	idx := -1
	for i, v := range s.order {
		if v == id {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return false
	}
	copy(s.order[1:idx+1], s.order[:idx])
	s.order[0] = id
	return true
}

// touchActivity updates the preview line and activity timestamp, creating a
// placeholder entry when the conversation is not in the view yet.
func (s *store) touchActivity(id, preview string, at int64) {
	conv, ok := s.convs[id]
	if !ok {
		conv = &Conversation{Conversation: storage.Conversation{ID: id}}
		s.convs[id] = conv
		s.order = append([]string{id}, s.order...)
	}
	conv.LastMessagePreview = preview
	if at > conv.LastActivityAt {
		conv.LastActivityAt = at
	}
}

func (s *store) markUnread(id string) {
	if conv, ok := s.convs[id]; ok {
		conv.Unread = true
	}
}

func (s *store) clearUnread(id string) {
	if conv, ok := s.convs[id]; ok {
		conv.Unread = false
	}
}

// setMessages installs a freshly loaded message window. Unconfirmed entries
// exist only in memory, so they are carried over rather than dropped.
func (s *store) setMessages(id string, msgs []storage.Message) {
	conv, ok := s.convs[id]
	if !ok {
		return
	}
	for _, have := range conv.Messages {
		if have.Status != storage.StatusSent {
			msgs = append(msgs, have)
		}
	}
	conv.Messages = msgs
}

func (s *store) clearMessages(id string) {
	if conv, ok := s.convs[id]; ok {
		conv.Messages = nil
		conv.LastMessagePreview = ""
	}
}

// appendMessage adds a message to a conversation's window. Duplicate ids are
// dropped so double delivery (global plus per-conversation topic) is a no-op.
func (s *store) appendMessage(id string, m storage.Message) bool {
	conv, ok := s.convs[id]
	if !ok {
		return false
	}
	for _, have := range conv.Messages {
		if have.ID == m.ID {
			return false
		}
	}
	conv.Messages = append(conv.Messages, m)
	return true
}

// replacePending swaps a pending message for its confirmed version in place,
// keeping its position in the window. Returns false when the pending entry
// is gone, e.g. after a history clear.
func (s *store) replacePending(id, tempID string, confirmed storage.Message) bool {
	conv, ok := s.convs[id]
	if !ok {
		return false
	}
	for i, have := range conv.Messages {
		if have.ID == tempID {
			conv.Messages[i] = confirmed
			return true
		}
	}
	return false
}

// setMessageStatus updates the status of one message. Returns the message's
// current copy, or nil when not found.
func (s *store) setMessageStatus(id, messageID, st string) *storage.Message {
	conv, ok := s.convs[id]
	if !ok {
		return nil
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			conv.Messages[i].Status = st
			return &conv.Messages[i]
		}
	}
	return nil
}

func (s *store) removeMessage(id, messageID string) bool {
	conv, ok := s.convs[id]
	if !ok {
		return false
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot deep-copies the view so readers never alias apply-loop state.
func (s *store) snapshot() []Conversation {
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		conv := s.convs[id]
		cp := *conv
		cp.MemberIDs = append([]string(nil), conv.MemberIDs...)
		cp.Messages = append([]storage.Message(nil), conv.Messages...)
		out = append(out, cp)
	}
	return out
}
