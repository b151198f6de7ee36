package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/GetStream/chat-sync/chat"
)

// An outboxMessage is a local send the server has not acknowledged yet.
type outboxMessage struct {
	bun.BaseModel `bun:"table:outbox_messages"`

	LocalID          string            `bun:",pk"`
	ConversationID   string            `bun:",notnull"`
	AuthorID         string            `bun:",notnull"`
	Content          string            `bun:",notnull"`
	ReplyToID        string            `bun:",nullzero"`
	Status           string            `bun:",notnull"`
	Attempts         int               `bun:",notnull,default:0"`
	CorrelationToken string            `bun:",notnull,unique"`
	Attachments      []chat.Attachment `bun:"type:jsonb"`
	CreatedAt        time.Time         `bun:",notnull"`
}

func newOutboxMessage(m chat.Message) *outboxMessage {
	return &outboxMessage{
		LocalID:          m.LocalID,
		ConversationID:   m.ConversationID,
		AuthorID:         m.AuthorID,
		Content:          m.Content,
		ReplyToID:        m.ReplyToID,
		Status:           m.Status.String(),
		Attempts:         m.Attempts,
		CorrelationToken: m.CorrelationToken,
		Attachments:      m.Attachments,
		CreatedAt:        m.CreatedAt,
	}
}

// ChatMessage returns the row as an unconfirmed message keyed by its local
// id.
func (r outboxMessage) ChatMessage() (chat.Message, error) {
	status, err := chat.ParseStatus(r.Status)
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:               r.LocalID,
		LocalID:          r.LocalID,
		ConversationID:   r.ConversationID,
		AuthorID:         r.AuthorID,
		Content:          r.Content,
		CreatedAt:        r.CreatedAt,
		Status:           status,
		ReplyToID:        r.ReplyToID,
		Attachments:      r.Attachments,
		Reactions:        chat.Reactions{},
		CorrelationToken: r.CorrelationToken,
		Attempts:         r.Attempts,
	}, nil
}
