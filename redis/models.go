package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GetStream/chat-sync/chat"
)

// A message is a confirmed message stored as a hash. Timestamps are Unix
// nanoseconds; attachments and reactions are JSON.
type message struct {
	ID             string `redis:"id"`
	LocalID        string `redis:"local_id"`
	ConversationID string `redis:"conversation_id"`
	AuthorID       string `redis:"author_id"`
	Content        string `redis:"content"`
	CreatedAt      int64  `redis:"created_at"`
	EditedAt       int64  `redis:"edited_at"`
	Seq            uint64 `redis:"seq"`
	Version        int    `redis:"version"`
	Status         string `redis:"status"`
	ReplyToID      string `redis:"reply_to_id"`
	Attachments    string `redis:"attachments"`
	Reactions      string `redis:"reactions"`
}

// conversation holds the inbox flags of a conversation and the sequence
// number its cached messages are complete up to.
type conversation struct {
	ID          string `redis:"id"`
	UnreadCount int    `redis:"unread_count"`
	Muted       bool   `redis:"muted"`
	Archived    bool   `redis:"archived"`
	Pinned      bool   `redis:"pinned"`
	LastSeq     uint64 `redis:"last_seq"`
	UpdatedAt   int64  `redis:"updated_at"`
	Applied     uint64 `redis:"applied"`
}

func newMessage(m chat.Message) (*message, error) {
	att, err := json.Marshal(m.Attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return nil, fmt.Errorf("marshal reactions: %w", err)
	}
	out := &message{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UnixNano(),
		Seq:            m.Seq,
		Version:        m.Version,
		Status:         m.Status.String(),
		ReplyToID:      m.ReplyToID,
		Attachments:    string(att),
		Reactions:      string(reactions),
	}
	if m.EditedAt != nil {
		out.EditedAt = m.EditedAt.UnixNano()
	}
	return out, nil
}

func (m message) ChatMessage() (chat.Message, error) {
	status, err := chat.ParseStatus(m.Status)
	if err != nil {
		return chat.Message{}, err
	}
	out := chat.Message{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Content:        m.Content,
		CreatedAt:      time.Unix(0, m.CreatedAt).UTC(),
		Seq:            m.Seq,
		Version:        m.Version,
		Status:         status,
		ReplyToID:      m.ReplyToID,
		Reactions:      chat.Reactions{},
	}
	if m.EditedAt != 0 {
		t := time.Unix(0, m.EditedAt).UTC()
		out.EditedAt = &t
	}
	if m.Attachments != "" {
		if err := json.Unmarshal([]byte(m.Attachments), &out.Attachments); err != nil {
			return chat.Message{}, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if m.Reactions != "" {
		if err := json.Unmarshal([]byte(m.Reactions), &out.Reactions); err != nil {
			return chat.Message{}, fmt.Errorf("unmarshal reactions: %w", err)
		}
		if out.Reactions == nil {
			out.Reactions = chat.Reactions{}
		}
	}
	return out, nil
}

func newConversation(c chat.Conversation, applied uint64) *conversation {
	return &conversation{
		ID:          c.ID,
		UnreadCount: c.UnreadCount,
		Muted:       c.Muted,
		Archived:    c.Archived,
		Pinned:      c.Pinned,
		LastSeq:     c.LastSeq,
		UpdatedAt:   c.UpdatedAt.UnixNano(),
		Applied:     applied,
	}
}

func (c conversation) ChatConversation() chat.Conversation {
	return chat.Conversation{
		ID:          c.ID,
		UnreadCount: c.UnreadCount,
		Muted:       c.Muted,
		Archived:    c.Archived,
		Pinned:      c.Pinned,
		LastSeq:     c.LastSeq,
		UpdatedAt:   time.Unix(0, c.UpdatedAt).UTC(),
	}
}
