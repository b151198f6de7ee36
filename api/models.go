package api

import (
	"slices"
	"time"

	"github.com/GetStream/chat-sync/chat"
)

// A Message is a message as presented to a client.
type Message struct {
	ID             string            `json:"id"`
	LocalID        string            `json:"local_id"`
	ConversationID string            `json:"conversation_id"`
	AuthorID       string            `json:"author_id"`
	Content        string            `json:"content"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	EditedAt       *time.Time        `json:"edited_at,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	Attachments    []chat.Attachment `json:"attachments"`
	Reactions      []Reaction        `json:"reactions"`
	ReactionCount  int               `json:"reaction_count"`
	// Retryable marks failed messages the server never acknowledged.
	Retryable bool `json:"retryable"`
}

// A Reaction groups the users who reacted to a message with one emoji.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
	Count   int      `json:"count"`
}

// A Conversation is an inbox entry.
type Conversation struct {
	ID          string    `json:"id"`
	UnreadCount int       `json:"unread_count"`
	Muted       bool      `json:"muted"`
	Archived    bool      `json:"archived"`
	Pinned      bool      `json:"pinned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newMessage(m chat.Message) Message {
	out := Message{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Content:        m.Content,
		Status:         m.Status.String(),
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		ReplyToID:      m.ReplyToID,
		Attachments:    m.Attachments,
		Reactions:      []Reaction{},
		Retryable:      m.Status == chat.StatusFailed && !m.Confirmed(),
	}
	if out.Attachments == nil {
		out.Attachments = []chat.Attachment{}
	}
	emojis := make([]string, 0, len(m.Reactions))
	for emoji := range m.Reactions {
		emojis = append(emojis, emoji)
	}
	slices.Sort(emojis)
	for _, emoji := range emojis {
		users := m.Reactions[emoji]
		out.Reactions = append(out.Reactions, Reaction{Emoji: emoji, UserIDs: users, Count: len(users)})
		out.ReactionCount += len(users)
	}
	return out
}

func newConversation(c chat.Conversation) Conversation {
	return Conversation{
		ID:          c.ID,
		UnreadCount: c.UnreadCount,
		Muted:       c.Muted,
		Archived:    c.Archived,
		Pinned:      c.Pinned,
		UpdatedAt:   c.UpdatedAt,
	}
}
