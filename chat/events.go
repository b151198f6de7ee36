package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a push event.
type EventType string

const (
	EventMessageCreated  EventType = "message.created"
	EventStatusChanged   EventType = "message.statusChanged"
	EventMessageEdited   EventType = "message.edited"
	EventMessageDeleted  EventType = "message.deleted"
	EventReactionChanged EventType = "reaction.changed"
)

// An Envelope is a push event as it arrives on the wire.
type Envelope struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Seq            uint64          `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload"`
}

// An Event is a decoded push event. Payload is one of MessageCreated,
// StatusChanged, MessageEdited, MessageDeleted or ReactionChanged.
type Event struct {
	ID             string
	ConversationID string
	Seq            uint64
	Payload        Payload
}

// Type returns the type of the event's payload.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// Payload is implemented by the event payload types only.
type Payload interface {
	Type() EventType
}

type MessageCreated struct {
	Message ServerMessage `json:"message"`
}

type StatusChanged struct {
	MessageID string `json:"message_id"`
	Status    Status `json:"status"`
}

type MessageEdited struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	EditedAt  time.Time `json:"edited_at"`
}

type MessageDeleted struct {
	MessageID string `json:"message_id"`
}

type ReactionChanged struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Added     bool   `json:"added"`
}

func (MessageCreated) Type() EventType  { return EventMessageCreated }
func (StatusChanged) Type() EventType   { return EventStatusChanged }
func (MessageEdited) Type() EventType   { return EventMessageEdited }
func (MessageDeleted) Type() EventType  { return EventMessageDeleted }
func (ReactionChanged) Type() EventType { return EventReactionChanged }

// DecodeEvent turns an envelope into a typed Event.
func DecodeEvent(env Envelope) (Event, error) {
	if env.ID == "" || env.ConversationID == "" || env.Seq == 0 {
		return Event{}, fmt.Errorf("decode event %q: %w: missing id, conversation or sequence", env.ID, ErrValidation)
	}

	var p Payload
	var err error
	switch env.Type {
	case EventMessageCreated:
		p, err = decodePayload[MessageCreated](env.Payload)
	case EventStatusChanged:
		p, err = decodePayload[StatusChanged](env.Payload)
	case EventMessageEdited:
		p, err = decodePayload[MessageEdited](env.Payload)
	case EventMessageDeleted:
		p, err = decodePayload[MessageDeleted](env.Payload)
	case EventReactionChanged:
		p, err = decodePayload[ReactionChanged](env.Payload)
	default:
		return Event{}, fmt.Errorf("decode event %q: %w: %q", env.ID, ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}

	return Event{
		ID:             env.ID,
		ConversationID: env.ConversationID,
		Seq:            env.Seq,
		Payload:        p,
	}, nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(ev Event) (Envelope, error) {
	if ev.Payload == nil {
		return Envelope{}, fmt.Errorf("encode event %q: %w: no payload", ev.ID, ErrValidation)
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", ev.Type(), err)
	}
	return Envelope{
		ID:             ev.ID,
		Type:           ev.Type(),
		ConversationID: ev.ConversationID,
		Seq:            ev.Seq,
		Payload:        raw,
	}, nil
}
