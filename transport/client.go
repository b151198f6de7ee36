// Package transport talks to the chat backend: a REST client for sends and
// mutations, a multipart uploader for attachments and a websocket stream for
// push events.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/GetStream/chat-sync/chat"
)

// A StatusError is a non-2xx response from the backend. It matches
// chat.ErrConflict for 409, and chat.ErrValidation for other client errors
// except 408 and 429. Everything else is transient.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() []error {
	switch {
	case e.Code == http.StatusConflict:
		return []error{chat.ErrConflict}
	case e.Code == http.StatusNotFound:
		return []error{chat.ErrValidation, chat.ErrNotFound}
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return nil
	case e.Code >= 400 && e.Code < 500:
		return []error{chat.ErrValidation}
	}
	return nil
}

// Client is the REST client of the chat backend.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Logger  *slog.Logger
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Send submits a message. The correlation token doubles as the idempotency
// key so the backend can deduplicate a resubmitted attempt.
func (c *Client) Send(ctx context.Context, m chat.Message) (chat.ServerMessage, error) {
	type request struct {
		Content          string            `json:"content"`
		ReplyToID        string            `json:"reply_to_id,omitempty"`
		Attachments      []chat.Attachment `json:"attachments,omitempty"`
		CorrelationToken string            `json:"correlation_token"`
	}
	path := "/conversations/" + url.PathEscape(m.ConversationID) + "/messages"
	header := http.Header{"Idempotency-Key": {m.CorrelationToken}}

	var sm chat.ServerMessage
	err := c.do(ctx, http.MethodPost, path, header, request{
		Content:          m.Content,
		ReplyToID:        m.ReplyToID,
		Attachments:      m.Attachments,
		CorrelationToken: m.CorrelationToken,
	}, &sm)
	if err != nil {
		return chat.ServerMessage{}, fmt.Errorf("send message: %w", err)
	}
	if sm.ConversationID == "" {
		sm.ConversationID = m.ConversationID
	}
	if sm.CorrelationToken == "" {
		sm.CorrelationToken = m.CorrelationToken
	}
	return sm, nil
}

// Edit replaces a message's content. version is the version the edit was
// made against; the backend answers 409 when it has moved on.
func (c *Client) Edit(ctx context.Context, id, content string, version int) (chat.ServerMessage, error) {
	type request struct {
		Content string `json:"content"`
		Version int    `json:"version"`
	}
	var sm chat.ServerMessage
	err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(id), nil, request{Content: content, Version: version}, &sm)
	if err != nil {
		return chat.ServerMessage{}, fmt.Errorf("edit message: %w", err)
	}
	return sm, nil
}

// Delete deletes a message for everyone.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// React adds or removes the user's emoji reaction.
func (c *Client) React(ctx context.Context, id, emoji string, added bool) error {
	method := http.MethodPut
	if !added {
		method = http.MethodDelete
	}
	path := "/messages/" + url.PathEscape(id) + "/reactions/" + url.PathEscape(emoji)
	if err := c.do(ctx, method, path, nil, nil, nil); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

// History returns the messages of a conversation with a sequence number
// greater than after, in order.
func (c *Client) History(ctx context.Context, convID string, after uint64) ([]chat.ServerMessage, error) {
	type response struct {
		Messages []chat.ServerMessage `json:"messages"`
	}
	q := url.Values{"after": {strconv.FormatUint(after, 10)}}
	path := "/conversations/" + url.PathEscape(convID) + "/messages?" + q.Encode()

	var res response
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &res); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	for i := range res.Messages {
		if res.Messages[i].ConversationID == "" {
			res.Messages[i].ConversationID = convID
		}
	}
	return res.Messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.BaseURL, "/")+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	c.logger().Debug("Response received", "method", req.Method, "path", req.URL.Path, "status", res.StatusCode)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return statusError(res)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(res *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err := json.Unmarshal(b, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(b))
	}
	return &StatusError{Code: res.StatusCode, Message: body.Error}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
