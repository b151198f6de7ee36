// Package upload tracks the attachments of a message being composed, from
// selection until each one has been uploaded and can be referenced by the
// message.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/GetStream/chat-sync/chat"
	"github.com/GetStream/chat-sync/metrics"
)

var (
	// ErrAttachmentFailed blocks sending while an attachment is in the error
	// state. Reupload or remove it first.
	ErrAttachmentFailed = errors.New("attachment upload failed")
	// ErrUploadsPending blocks sending while attachments are still uploading.
	ErrUploadsPending = errors.New("attachment uploads pending")
)

// State is the lifecycle position of one attachment.
type State int

const (
	Queued State = iota
	Uploading
	Uploaded
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Uploading:
		return "uploading"
	case Uploaded:
		return "uploaded"
	case Failed:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// An Opener returns a fresh reader over the attachment's bytes. It is called
// once for sniffing and once per upload attempt.
type Opener func() (io.ReadCloser, error)

// A File is an attachment's content handed to an Uploader.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// An Uploader stores a file remotely. It calls progress with the number of
// bytes sent so far.
type Uploader interface {
	Upload(ctx context.Context, f File, progress func(sent int64)) (chat.Attachment, error)
}

// Item is the externally visible state of one attachment.
type Item struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	ContentType string           `json:"content_type"`
	Size        int64            `json:"size"`
	State       State            `json:"state"`
	Progress    int              `json:"progress"`
	Error       string           `json:"error,omitempty"`
	Attachment  *chat.Attachment `json:"attachment,omitempty"`
}

type entry struct {
	Item
	open   Opener
	cancel context.CancelFunc
	body   io.Closer
}

// Config configures a Tracker.
type Config struct {
	Uploader Uploader
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Concurrency bounds the parallel uploads started by UploadAll.
	Concurrency int
	// OnChange is called with a copy of an item after each state or progress
	// change, with no lock held.
	OnChange func(Item)
}

// Tracker holds the attachments of one draft.
type Tracker struct {
	cfg Config

	mu    sync.Mutex
	items []*entry
}

// New returns an empty Tracker.
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &Tracker{cfg: cfg}
}

// Add queues an attachment. The content type is sniffed from the first bytes
// of the content.
func (t *Tracker) Add(name string, size int64, open Opener) (Item, error) {
	r, err := open()
	if err != nil {
		return Item{}, fmt.Errorf("open %s: %w", name, err)
	}
	mtype, err := mimetype.DetectReader(r)
	r.Close()
	if err != nil {
		return Item{}, fmt.Errorf("detect content type of %s: %w", name, err)
	}

	e := &entry{
		Item: Item{
			ID:          uuid.NewString(),
			Name:        name,
			ContentType: mtype.String(),
			Size:        size,
			State:       Queued,
		},
		open: open,
	}
	t.mu.Lock()
	t.items = append(t.items, e)
	item := e.Item
	t.mu.Unlock()

	t.changed(item)
	return item, nil
}

// AddFile queues the file at path.
func (t *Tracker) AddFile(path string) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return Item{}, fmt.Errorf("%w: %s is a directory", chat.ErrValidation, path)
	}
	return t.Add(filepath.Base(path), info.Size(), func() (io.ReadCloser, error) {
		return os.Open(path)
	})
}

// Start uploads a queued attachment and blocks until it is uploaded, fails
// or is removed.
func (t *Tracker) Start(ctx context.Context, id string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	e := t.find(id)
	if e == nil {
		t.mu.Unlock()
		return fmt.Errorf("upload %s: %w", id, chat.ErrNotFound)
	}
	if e.State != Queued {
		state := e.State
		t.mu.Unlock()
		return fmt.Errorf("upload %s: attachment is %s", id, state)
	}
	e.State = Uploading
	e.Progress = 0
	e.Error = ""
	e.cancel = cancel
	item := e.Item
	t.mu.Unlock()
	t.changed(item)

	att, err := t.upload(ctx, e)

	t.mu.Lock()
	e.cancel = nil
	e.closeBody()
	if t.find(id) == nil {
		t.mu.Unlock()
		t.cfg.Metrics.Upload("removed")
		return fmt.Errorf("upload %s: removed: %w", id, context.Canceled)
	}
	if err != nil {
		e.State = Failed
		e.Error = err.Error()
	} else {
		e.State = Uploaded
		e.Progress = 100
		e.Attachment = &att
	}
	item = e.Item
	t.mu.Unlock()
	t.changed(item)

	if err != nil {
		t.cfg.Metrics.Upload("failed")
		t.cfg.Logger.Info("Attachment upload failed", "id", id, "name", item.Name, "error", err.Error())
		return fmt.Errorf("upload %s: %w", id, err)
	}
	t.cfg.Metrics.Upload("ok")
	return nil
}

func (t *Tracker) upload(ctx context.Context, e *entry) (chat.Attachment, error) {
	body, err := e.open()
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("open: %w", err)
	}
	t.mu.Lock()
	e.body = body
	t.mu.Unlock()

	f := File{Name: e.Name, ContentType: e.ContentType, Size: e.Size, Body: body}
	att, err := t.cfg.Uploader.Upload(ctx, f, func(sent int64) { t.progress(e, sent) })
	if err != nil {
		return chat.Attachment{}, err
	}
	if att.Name == "" {
		att.Name = e.Name
	}
	if att.ContentType == "" {
		att.ContentType = e.ContentType
	}
	if att.Size == 0 {
		att.Size = e.Size
	}
	return att, nil
}

// progress records bytes sent. Progress never moves backwards and reaches
// 100 only once the upload has completed.
func (t *Tracker) progress(e *entry, sent int64) {
	if e.Size <= 0 {
		return
	}
	pct := int(sent * 100 / e.Size)
	pct = min(max(pct, 0), 99)

	t.mu.Lock()
	if e.State != Uploading || pct <= e.Progress {
		t.mu.Unlock()
		return
	}
	e.Progress = pct
	item := e.Item
	t.mu.Unlock()
	t.changed(item)
}

// Reupload moves a failed attachment back to queued and starts it again.
func (t *Tracker) Reupload(ctx context.Context, id string) error {
	t.mu.Lock()
	e := t.find(id)
	if e == nil {
		t.mu.Unlock()
		return fmt.Errorf("reupload %s: %w", id, chat.ErrNotFound)
	}
	if e.State != Failed {
		state := e.State
		t.mu.Unlock()
		return fmt.Errorf("reupload %s: attachment is %s", id, state)
	}
	e.State = Queued
	e.Progress = 0
	e.Error = ""
	t.mu.Unlock()
	return t.Start(ctx, id)
}

// UploadAll starts every queued attachment and waits for all of them. One
// failure does not stop the others; the first error is returned.
func (t *Tracker) UploadAll(ctx context.Context) error {
	t.mu.Lock()
	var ids []string
	for _, e := range t.items {
		if e.State == Queued {
			ids = append(ids, e.ID)
		}
	}
	t.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			return t.Start(ctx, id)
		})
	}
	return g.Wait()
}

// Remove drops an attachment in any state. An upload in progress is
// cancelled and its file handle released.
func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	i := slices.IndexFunc(t.items, func(e *entry) bool { return e.ID == id })
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	e := t.items[i]
	t.items = slices.Delete(t.items, i, i+1)
	if e.cancel != nil {
		e.cancel()
	}
	e.closeBody()
	t.mu.Unlock()

	t.cfg.Logger.Debug("Removed attachment", "id", id, "state", e.State.String())
	return true
}

// Items returns every attachment in the order they were added.
func (t *Tracker) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Item, len(t.items))
	for i, e := range t.items {
		out[i] = e.Item
	}
	return out
}

// Item returns one attachment.
func (t *Tracker) Item(id string) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.find(id); e != nil {
		return e.Item, true
	}
	return Item{}, false
}

// Ready reports whether a message referencing the attachments may be sent.
func (t *Tracker) Ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := false
	for _, e := range t.items {
		switch e.State {
		case Failed:
			return fmt.Errorf("%w: %s", ErrAttachmentFailed, e.Name)
		case Queued, Uploading:
			pending = true
		}
	}
	if pending {
		return ErrUploadsPending
	}
	return nil
}

// Attachments returns the uploaded attachments in the order they were added.
func (t *Tracker) Attachments() []chat.Attachment {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []chat.Attachment
	for _, e := range t.items {
		if e.State == Uploaded && e.Attachment != nil {
			out = append(out, *e.Attachment)
		}
	}
	return out
}

// Reset removes every attachment, cancelling uploads in progress.
func (t *Tracker) Reset() {
	for _, item := range t.Items() {
		t.Remove(item.ID)
	}
}

func (t *Tracker) find(id string) *entry {
	for _, e := range t.items {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (t *Tracker) changed(item Item) {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(item)
	}
}

func (e *entry) closeBody() {
	if e.body != nil {
		e.body.Close()
		e.body = nil
	}
}
