package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/GetStream/chat-sync/chat"
	"github.com/GetStream/chat-sync/chat/validator"
	"github.com/GetStream/chat-sync/retry"
	"github.com/GetStream/chat-sync/upload"
)

// A Store provides read access to conversations and their messages.
type Store interface {
	Conversations() []chat.Conversation
	Conversation(id string) (chat.Conversation, bool)
	Snapshot(convID string) []chat.Message
	Message(id string) (chat.Message, bool)
	MarkRead(id string) error
	SetMuted(id string, muted bool) error
	SetPinned(id string, pinned bool) error
	Archive(id string, archived bool) error
}

// A Session accepts user intents.
type Session interface {
	Send(ctx context.Context, d chat.Draft, att *upload.Tracker) (chat.Message, error)
	Retry(ctx context.Context, id string) (chat.Message, error)
	Edit(ctx context.Context, id, content string) (chat.Message, error)
	Delete(ctx context.Context, id string) error
	React(ctx context.Context, id, emoji string) (bool, error)
	Online() bool
}

// API exposes the local message state to presentation clients over HTTP.
// Clients read snapshots and dispatch intents; they never write state
// directly.
type API struct {
	Logger  *slog.Logger
	Store   Store
	Session Session
	Val     *validator.Validator

	once sync.Once
	mux  *http.ServeMux
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", a.status)
	mux.HandleFunc("GET /conversations", a.listConversations)
	mux.HandleFunc("PATCH /conversations/{id}", a.updateConversation)
	mux.HandleFunc("POST /conversations/{id}/read", a.markRead)
	mux.HandleFunc("GET /conversations/{id}/messages", a.listMessages)
	mux.HandleFunc("POST /conversations/{id}/messages", a.createMessage)
	mux.HandleFunc("PATCH /conversations/{id}/messages/{messageID}", a.editMessage)
	mux.HandleFunc("DELETE /conversations/{id}/messages/{messageID}", a.deleteMessage)
	mux.HandleFunc("POST /conversations/{id}/messages/{messageID}/retry", a.retryMessage)
	mux.HandleFunc("POST /conversations/{id}/messages/{messageID}/reactions", a.createReaction)

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	a.Logger.Error("Error", "error", err.Error())
	a.respond(w, status, response{Error: msg})
}

// respondIntentError maps an intent's error onto an HTTP status.
func (a *API) respondIntentError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		a.respondError(w, http.StatusNotFound, err, msg+": not found")
	case errors.Is(err, chat.ErrValidation), errors.Is(err, upload.ErrAttachmentFailed), errors.Is(err, upload.ErrUploadsPending):
		a.respondError(w, http.StatusBadRequest, err, err.Error())
	case errors.Is(err, chat.ErrConflict):
		a.respondError(w, http.StatusConflict, err, msg+": conflict")
	case errors.Is(err, chat.ErrInvalidTransition):
		a.respondError(w, http.StatusConflict, err, msg+": not allowed in the current state")
	case errors.Is(err, retry.ErrExhausted):
		a.respondError(w, http.StatusBadGateway, err, msg+": retry attempts exhausted")
	default:
		a.respondError(w, http.StatusBadGateway, err, msg)
	}
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	if err := r.Body.Close(); err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not close request body")
		return false
	}
	return a.validateBody(w, v)
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// conversation responds 404 and returns false when the path's conversation
// is unknown.
func (a *API) conversation(w http.ResponseWriter, r *http.Request) (chat.Conversation, bool) {
	id := r.PathValue("id")
	conv, ok := a.Store.Conversation(id)
	if !ok {
		a.respondError(w, http.StatusNotFound, chat.ErrNotFound, "Conversation not found")
		return chat.Conversation{}, false
	}
	return conv, true
}

// message responds 404 and returns false unless the path's message exists,
// is not deleted and belongs to the path's conversation.
func (a *API) message(w http.ResponseWriter, r *http.Request) (chat.Message, bool) {
	m, ok := a.Store.Message(r.PathValue("messageID"))
	if !ok || m.Deleted || m.ConversationID != r.PathValue("id") {
		a.respondError(w, http.StatusNotFound, chat.ErrNotFound, "Message not found")
		return chat.Message{}, false
	}
	return m, true
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Online bool `json:"online"`
	}
	a.respond(w, http.StatusOK, response{Online: a.Session.Online()})
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Conversations []Conversation `json:"conversations"`
	}

	archived := r.URL.Query().Get("archived") == "true"
	res := response{Conversations: []Conversation{}}
	for _, c := range a.Store.Conversations() {
		if c.Archived != archived {
			continue
		}
		res.Conversations = append(res.Conversations, newConversation(c))
	}
	a.respond(w, http.StatusOK, res)
}

func (a *API) updateConversation(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Muted    *bool `json:"muted"`
		Pinned   *bool `json:"pinned"`
		Archived *bool `json:"archived"`
	}

	conv, ok := a.conversation(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	var err error
	if body.Muted != nil && err == nil {
		err = a.Store.SetMuted(conv.ID, *body.Muted)
	}
	if body.Pinned != nil && err == nil {
		err = a.Store.SetPinned(conv.ID, *body.Pinned)
	}
	if body.Archived != nil && err == nil {
		err = a.Store.Archive(conv.ID, *body.Archived)
	}
	if err != nil {
		a.respondIntentError(w, err, "Could not update conversation")
		return
	}

	conv, _ = a.Store.Conversation(conv.ID)
	a.respond(w, http.StatusOK, newConversation(conv))
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.MarkRead(r.PathValue("id")); err != nil {
		a.respondIntentError(w, err, "Could not mark conversation read")
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Messages []Message `json:"messages"`
	}

	conv, ok := a.conversation(w, r)
	if !ok {
		return
	}
	msgs := a.Store.Snapshot(conv.ID)
	a.Logger.Info("Got messages from store", "conversation_id", conv.ID, "count", len(msgs))

	res := response{Messages: make([]Message, len(msgs))}
	for i, m := range msgs {
		res.Messages[i] = newMessage(m)
	}
	a.respond(w, http.StatusOK, res)
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Content     string            `json:"content" validate:"max=4000"`
		ReplyToID   string            `json:"reply_to_id"`
		Attachments []chat.Attachment `json:"attachments" validate:"dive"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	m, err := a.Session.Send(r.Context(), chat.Draft{
		ConversationID: r.PathValue("id"),
		Content:        body.Content,
		ReplyToID:      body.ReplyToID,
		Attachments:    body.Attachments,
	}, nil)
	if err != nil {
		a.respondIntentError(w, err, "Could not send message")
		return
	}

	a.respond(w, http.StatusCreated, newMessage(m))
}

func (a *API) editMessage(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Content string `json:"content" validate:"required,max=4000"`
	}

	target, ok := a.message(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	m, err := a.Session.Edit(r.Context(), target.ID, body.Content)
	if err != nil {
		a.respondIntentError(w, err, "Could not edit message")
		return
	}
	a.respond(w, http.StatusOK, newMessage(m))
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := a.message(w, r)
	if !ok {
		return
	}
	if err := a.Session.Delete(r.Context(), m.ID); err != nil {
		a.respondIntentError(w, err, "Could not delete message")
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) retryMessage(w http.ResponseWriter, r *http.Request) {
	target, ok := a.message(w, r)
	if !ok {
		return
	}
	m, err := a.Session.Retry(r.Context(), target.ID)
	if err != nil {
		a.respondIntentError(w, err, "Could not retry message")
		return
	}
	a.respond(w, http.StatusOK, newMessage(m))
}

func (a *API) createReaction(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			Emoji string `json:"emoji" validate:"required,max=32"`
		}
		response struct {
			MessageID string `json:"message_id"`
			Emoji     string `json:"emoji"`
			Added     bool   `json:"added"`
		}
	)

	m, ok := a.message(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	added, err := a.Session.React(r.Context(), m.ID, body.Emoji)
	if err != nil {
		a.respondIntentError(w, err, "Could not react to message")
		return
	}
	a.respond(w, http.StatusOK, response{MessageID: m.ID, Emoji: body.Emoji, Added: added})
}
