package chat

import (
	"slices"
	"time"
)

// A Message represents a message as rendered to the user. Unconfirmed
// messages carry a temporary id and a zero Seq until the server acknowledges
// them.
type Message struct {
	ID               string       `json:"id"`
	LocalID          string       `json:"local_id"`
	ConversationID   string       `json:"conversation_id"`
	AuthorID         string       `json:"author_id"`
	Content          string       `json:"content"`
	CreatedAt        time.Time    `json:"created_at"`
	EditedAt         *time.Time   `json:"edited_at,omitempty"`
	Seq              uint64       `json:"seq"`
	Version          int          `json:"version"`
	Status           Status       `json:"status"`
	ReplyToID        string       `json:"reply_to_id,omitempty"`
	Attachments      []Attachment `json:"attachments"`
	Reactions        Reactions    `json:"reactions"`
	CorrelationToken string       `json:"correlation_token,omitempty"`
	Attempts         int          `json:"attempts"`
	Deleted          bool         `json:"deleted,omitempty"`
}

// Confirmed reports whether the server has assigned the message its durable
// id and order key.
func (m *Message) Confirmed() bool {
	return m.Seq > 0
}

func (m Message) clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	m.Reactions = m.Reactions.Clone()
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	return m
}

// An Attachment is an uploaded file referenced by a message.
type Attachment struct {
	ID           string `json:"id" validate:"required"`
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	URL          string `json:"url" validate:"required,url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty" validate:"omitempty,url"`
}

// Reactions maps an emoji to the users who reacted with it.
type Reactions map[string][]string

// Add records userID under emoji and reports whether anything changed.
func (r Reactions) Add(emoji, userID string) bool {
	users := r[emoji]
	if slices.Contains(users, userID) {
		return false
	}
	users = append(users, userID)
	slices.Sort(users)
	r[emoji] = users
	return true
}

// Remove drops userID from emoji and reports whether anything changed.
func (r Reactions) Remove(emoji, userID string) bool {
	users := r[emoji]
	i := slices.Index(users, userID)
	if i < 0 {
		return false
	}
	users = slices.Delete(users, i, i+1)
	if len(users) == 0 {
		delete(r, emoji)
	} else {
		r[emoji] = users
	}
	return true
}

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	return slices.Contains(r[emoji], userID)
}

func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = slices.Clone(users)
	}
	return out
}

// A Conversation holds the per-conversation flags shown in the inbox.
type Conversation struct {
	ID          string    `json:"id"`
	UnreadCount int       `json:"unread_count"`
	Muted       bool      `json:"muted"`
	Archived    bool      `json:"archived"`
	Pinned      bool      `json:"pinned"`
	LastSeq     uint64    `json:"last_seq"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// A Draft is the user's intent to send a message.
type Draft struct {
	ConversationID string       `validate:"required"`
	AuthorID       string       `validate:"required"`
	Content        string       `validate:"max=4000"`
	ReplyToID      string
	Attachments    []Attachment `validate:"dive"`
}

// ReplyContext prefills a composer with the message being replied to. It is
// never persisted.
type ReplyContext struct {
	MessageID string `json:"message_id"`
	AuthorID  string `json:"author_id"`
	Preview   string `json:"preview"`
}

// A ServerMessage is a message as acknowledged or pushed by the server.
type ServerMessage struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversation_id"`
	AuthorID         string       `json:"author_id"`
	Content          string       `json:"content"`
	CreatedAt        time.Time    `json:"created_at"`
	Seq              uint64       `json:"seq"`
	Version          int          `json:"version"`
	Status           Status       `json:"status"`
	ReplyToID        string       `json:"reply_to_id,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Reactions        Reactions    `json:"reactions,omitempty"`
	CorrelationToken string       `json:"correlation_token,omitempty"`
}

// Message converts the server representation into a confirmed Message.
func (sm ServerMessage) Message() Message {
	status := sm.Status
	if status == StatusPending || status == StatusFailed {
		status = StatusSent
	}
	reactions := sm.Reactions.Clone()
	return Message{
		ID:             sm.ID,
		LocalID:        sm.ID,
		ConversationID: sm.ConversationID,
		AuthorID:       sm.AuthorID,
		Content:        sm.Content,
		CreatedAt:      sm.CreatedAt,
		Seq:            sm.Seq,
		Version:        sm.Version,
		Status:         status,
		ReplyToID:      sm.ReplyToID,
		Attachments:    slices.Clone(sm.Attachments),
		Reactions:      reactions,
	}
}

// A Snapshot is the confirmed state of one conversation as persisted between
// runs. Applied is the sequence number the conversation was complete up to.
type Snapshot struct {
	Conversation Conversation `json:"conversation"`
	Applied      uint64       `json:"applied"`
	Messages     []Message    `json:"messages"`
}
