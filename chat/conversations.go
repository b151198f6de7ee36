package chat

import (
	"cmp"
	"fmt"
	"slices"
)

// CreateConversation registers a conversation explicitly. Conversations are
// otherwise created on their first message.
func (s *Store) CreateConversation(id string) Conversation {
	s.mu.Lock()
	_, existed := s.convs[id]
	info := s.ensureConversation(id).info
	s.mu.Unlock()

	if !existed {
		s.notify(Change{Kind: ChangeConversation, ConversationID: id})
	}
	return info
}

// Conversation returns the flags of conversation id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[id]
	if conv == nil {
		return Conversation{}, false
	}
	return conv.info, true
}

// Conversations lists every conversation, pinned first, then most recently
// updated. Archived conversations are included; callers filter on Archived.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, conv.info)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Conversation) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// SetMuted mutes or unmutes a conversation.
func (s *Store) SetMuted(id string, muted bool) error {
	return s.updateConversation(id, func(c *Conversation) { c.Muted = muted })
}

// SetPinned pins or unpins a conversation.
func (s *Store) SetPinned(id string, pinned bool) error {
	return s.updateConversation(id, func(c *Conversation) { c.Pinned = pinned })
}

// Archive hides or restores a conversation. Conversations are never deleted.
func (s *Store) Archive(id string, archived bool) error {
	return s.updateConversation(id, func(c *Conversation) { c.Archived = archived })
}

// MarkRead clears the unread count.
func (s *Store) MarkRead(id string) error {
	return s.updateConversation(id, func(c *Conversation) { c.UnreadCount = 0 })
}

func (s *Store) updateConversation(id string, fn func(*Conversation)) error {
	s.mu.Lock()
	conv := s.convs[id]
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	fn(&conv.info)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversation, ConversationID: id})
	return nil
}

// RestoreConversation puts back flags recovered from a snapshot. LastSeq and
// UpdatedAt only move forward.
func (s *Store) RestoreConversation(info Conversation) {
	s.mu.Lock()
	conv := s.ensureConversation(info.ID)
	lastSeq, updated := conv.info.LastSeq, conv.info.UpdatedAt
	conv.info = info
	conv.info.LastSeq = max(lastSeq, info.LastSeq)
	if updated.After(info.UpdatedAt) {
		conv.info.UpdatedAt = updated
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversation, ConversationID: info.ID})
}
