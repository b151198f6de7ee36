package chat

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GetStream/chat-sync/chat/validator"
	"github.com/GetStream/chat-sync/metrics"
)

// localPrefix marks ids generated on this device before the server has
// acknowledged the message.
const localPrefix = "local-"

// ChangeKind describes what a Change did to the store.
type ChangeKind int

const (
	ChangeAppended ChangeKind = iota
	ChangeConfirmed
	ChangeInserted
	ChangeStatus
	ChangeEdited
	ChangeDeleted
	ChangeReaction
	ChangeConversation
)

// A Change is delivered to subscribers after every successful mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	// PreviousID is set on ChangeConfirmed to the temporary id that was
	// replaced.
	PreviousID string
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// UserID is the local user. Inbound messages from anyone else count as
	// unread.
	UserID    string
	Logger    *slog.Logger
	Validator *validator.Validator
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Store is the single owner of every conversation's message sequence as
// rendered to the user. Callers receive copies; all writes go through its
// methods.
//
// Each conversation keeps its confirmed messages as a prefix sorted by
// (Seq, ID) followed by unconfirmed messages in the order they were appended.
type Store struct {
	userID  string
	logger  *slog.Logger
	val     *validator.Validator
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	convs      map[string]*conversation
	byID       map[string]*Message
	aliases    map[string]string
	tokens     map[string]*Message
	tombstones map[string]struct{}
	// deferred holds a status that arrived before the one it follows, keyed
	// by message id. It is applied once the message catches up.
	deferred   map[string]Status
	subs       map[int]func(Change)
	nextSub    int
}

type conversation struct {
	info  Conversation
	order []*Message
}

// NewStore returns an empty Store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == nil {
		cfg.Validator = validator.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		userID:     cfg.UserID,
		logger:     cfg.Logger,
		val:        cfg.Validator,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		convs:      make(map[string]*conversation),
		byID:       make(map[string]*Message),
		aliases:    make(map[string]string),
		tokens:     make(map[string]*Message),
		tombstones: make(map[string]struct{}),
		deferred:   make(map[string]Status),
		subs:       make(map[int]func(Change)),
	}
}

// UserID returns the local user the store was created for.
func (s *Store) UserID() string {
	return s.userID
}

// Subscribe registers fn to be called after each mutation. Calls happen on the
// mutating goroutine with no lock held, so fn may read from the store.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// ValidateDraft rejects drafts that can never be sent.
func (s *Store) ValidateDraft(d Draft) error {
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return fmt.Errorf("%w: message has no content and no attachments", ErrValidation)
	}
	return s.val.Struct(d, ErrValidation)
}

// AppendLocal validates d and appends it as a pending message at the tail of
// its conversation. The returned message carries the temporary id and the
// correlation token to send with it. Nothing is stored when validation fails.
func (s *Store) AppendLocal(d Draft) (Message, error) {
	if err := s.ValidateDraft(d); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	conv := s.ensureConversation(d.ConversationID)
	id := localPrefix + uuid.NewString()
	m := &Message{
		ID:               id,
		LocalID:          id,
		ConversationID:   d.ConversationID,
		AuthorID:         d.AuthorID,
		Content:          d.Content,
		CreatedAt:        s.now(),
		Status:           StatusPending,
		ReplyToID:        s.resolve(d.ReplyToID),
		Attachments:      slices.Clone(d.Attachments),
		Reactions:        Reactions{},
		CorrelationToken: uuid.NewString(),
		Attempts:         1,
	}
	conv.order = append(conv.order, m)
	conv.info.UpdatedAt = m.CreatedAt
	s.byID[m.ID] = m
	s.tokens[m.CorrelationToken] = m
	out := m.clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAppended, ConversationID: m.ConversationID, MessageID: m.ID})
	return out, nil
}

// RestoreLocal puts back an unconfirmed message recovered from durable
// storage, keeping its ids and token. Confirmed or already known messages are
// ignored.
func (s *Store) RestoreLocal(m Message) bool {
	if m.Confirmed() || m.ID == "" || m.CorrelationToken == "" {
		return false
	}
	s.mu.Lock()
	if _, ok := s.byID[m.ID]; ok {
		s.mu.Unlock()
		return false
	}
	conv := s.ensureConversation(m.ConversationID)
	cp := m.clone()
	if cp.LocalID == "" {
		cp.LocalID = cp.ID
	}
	if cp.Reactions == nil {
		cp.Reactions = Reactions{}
	}
	conv.order = append(conv.order, &cp)
	s.byID[cp.ID] = &cp
	s.tokens[cp.CorrelationToken] = &cp
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAppended, ConversationID: cp.ConversationID, MessageID: cp.ID})
	return true
}

// Load seeds a conversation with confirmed messages, for example from a
// snapshot cache. Messages already present are left untouched.
func (s *Store) Load(convID string, msgs []Message) int {
	s.mu.Lock()
	conv := s.ensureConversation(convID)
	n := 0
	for _, m := range msgs {
		if !m.Confirmed() || s.byID[m.ID] != nil {
			continue
		}
		cp := m.clone()
		cp.ConversationID = convID
		if cp.LocalID == "" {
			cp.LocalID = cp.ID
		}
		if cp.Reactions == nil {
			cp.Reactions = Reactions{}
		}
		s.insertConfirmed(conv, &cp)
		s.byID[cp.ID] = &cp
		n++
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify(Change{Kind: ChangeInserted, ConversationID: convID})
	}
	return n
}

// ReconcileServerMessage merges a message acknowledged or pushed by the
// server. An unconfirmed local message with a matching correlation token is
// replaced in place and upgraded to sent; the temporary id and every reply
// pointer to it switch to the durable id in the same step. Otherwise the
// message is inserted at its order position. Messages already known by server
// id are left alone. It reports whether the store changed.
func (s *Store) ReconcileServerMessage(sm ServerMessage) bool {
	if sm.ID == "" || sm.Seq == 0 {
		s.logger.Warn("Ignoring server message without id or sequence", "id", sm.ID, "seq", sm.Seq)
		return false
	}

	s.mu.Lock()
	if _, ok := s.byID[sm.ID]; ok {
		s.mu.Unlock()
		return false
	}
	conv := s.ensureConversation(sm.ConversationID)

	if sm.CorrelationToken != "" {
		if local := s.tokens[sm.CorrelationToken]; local != nil && !local.Confirmed() {
			prev := local.ID
			s.confirm(conv, local, sm)
			s.mu.Unlock()
			s.notify(Change{Kind: ChangeConfirmed, ConversationID: sm.ConversationID, MessageID: sm.ID, PreviousID: prev})
			return true
		}
	}

	m := sm.Message()
	if _, ok := s.tombstones[m.ID]; ok {
		m.Deleted = true
		delete(s.tombstones, m.ID)
	}
	s.insertConfirmed(conv, &m)
	s.byID[m.ID] = &m
	if sm.CorrelationToken != "" {
		s.tokens[sm.CorrelationToken] = &m
	}
	if !m.Deleted && m.AuthorID != s.userID {
		conv.info.UnreadCount++
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeInserted, ConversationID: m.ConversationID, MessageID: m.ID})
	return true
}

func (s *Store) confirm(conv *conversation, local *Message, sm ServerMessage) {
	prev := local.ID
	if i := slices.Index(conv.order, local); i >= 0 {
		conv.order = slices.Delete(conv.order, i, i+1)
	}

	local.ID = sm.ID
	local.Seq = sm.Seq
	local.Version = sm.Version
	local.CreatedAt = sm.CreatedAt
	if sm.Content != "" {
		local.Content = sm.Content
	}
	if len(sm.Attachments) > 0 {
		local.Attachments = slices.Clone(sm.Attachments)
	}
	local.Status = StatusSent
	if sm.Status == StatusDelivered || sm.Status == StatusRead {
		local.Status = sm.Status
	}

	delete(s.byID, prev)
	s.byID[local.ID] = local
	s.aliases[prev] = local.ID
	for _, m := range conv.order {
		if m.ReplyToID == prev {
			m.ReplyToID = local.ID
		}
	}
	s.insertConfirmed(conv, local)
}

// insertConfirmed places m into the sorted confirmed prefix of conv.
func (s *Store) insertConfirmed(conv *conversation, m *Message) {
	n := slices.IndexFunc(conv.order, func(o *Message) bool { return !o.Confirmed() })
	if n < 0 {
		n = len(conv.order)
	}
	i, _ := slices.BinarySearchFunc(conv.order[:n], m, compareOrder)
	conv.order = slices.Insert(conv.order, i, m)
	if m.Seq > conv.info.LastSeq {
		conv.info.LastSeq = m.Seq
	}
	if m.CreatedAt.After(conv.info.UpdatedAt) {
		conv.info.UpdatedAt = m.CreatedAt
	}
}

func compareOrder(a, b *Message) int {
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// UpdateStatus moves a message to status if the delivery state machine allows
// it. Regressions and repeats are discarded and logged. A forward skip on an
// acknowledged message, such as read arriving before delivered, is held back
// until the missing step is applied. It reports whether the status changed.
func (s *Store) UpdateStatus(id string, status Status) bool {
	s.mu.Lock()
	m := s.lookup(id)
	if m == nil || m.Deleted {
		s.mu.Unlock()
		s.metrics.Status(status.String(), "unknown")
		s.logger.Debug("Discarded status update for unknown message", "id", id, "status", status)
		return false
	}
	from := m.Status
	if !CanTransition(from, status) && from >= StatusSent && from < status && status <= StatusRead {
		if status > s.deferred[m.ID] {
			s.deferred[m.ID] = status
		}
		s.mu.Unlock()
		s.metrics.Status(status.String(), "deferred")
		s.logger.Debug("Deferred status update", "id", id, "from", from, "to", status)
		return false
	}
	if !CanTransition(from, status) {
		s.mu.Unlock()
		s.metrics.Status(status.String(), "discarded")
		s.logger.Info("Discarded status update", "id", id, "from", from, "to", status)
		return false
	}
	m.Status = status
	if next, ok := s.deferred[m.ID]; ok {
		if CanTransition(m.Status, next) {
			m.Status = next
		}
		if next <= m.Status {
			delete(s.deferred, m.ID)
		}
	}
	convID, msgID := m.ConversationID, m.ID
	s.mu.Unlock()

	s.metrics.Status(status.String(), "applied")
	s.notify(Change{Kind: ChangeStatus, ConversationID: convID, MessageID: msgID})
	return true
}

// MarkFailed records a send-path error or timeout.
func (s *Store) MarkFailed(id string) bool {
	return s.UpdateStatus(id, StatusFailed)
}

// Resend moves a failed, unacknowledged message back to pending as a new
// attempt with a fresh correlation token. It keeps the message's position.
// Earlier tokens still resolve to the message so a late acknowledgement of an
// older attempt confirms it instead of creating a duplicate.
func (s *Store) Resend(id string) (Message, error) {
	s.mu.Lock()
	m := s.lookup(id)
	if m == nil || m.Deleted {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("resend %s: %w", id, ErrNotFound)
	}
	if m.Status != StatusFailed {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("resend %s from %s: %w", id, m.Status, ErrInvalidTransition)
	}
	if m.Confirmed() {
		// The server already holds it; another send would create a copy.
		s.mu.Unlock()
		return Message{}, fmt.Errorf("resend %s: %w: already acknowledged", id, ErrInvalidTransition)
	}
	m.Status = StatusPending
	m.CorrelationToken = uuid.NewString()
	m.Attempts++
	s.tokens[m.CorrelationToken] = m
	out := m.clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeStatus, ConversationID: out.ConversationID, MessageID: out.ID})
	return out, nil
}

// MarkDeleted tombstones a message. Deleting an id the store has not seen yet
// records the tombstone so the message arrives already deleted.
func (s *Store) MarkDeleted(id string) bool {
	s.mu.Lock()
	m := s.lookup(id)
	if m == nil {
		s.tombstones[id] = struct{}{}
		s.mu.Unlock()
		return false
	}
	if m.Deleted {
		s.mu.Unlock()
		return false
	}
	m.Deleted = true
	convID, msgID := m.ConversationID, m.ID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDeleted, ConversationID: convID, MessageID: msgID})
	return true
}

// RemoveMessage is the user-initiated delete. Like MarkDeleted it keeps a
// tombstone rather than dropping the record.
func (s *Store) RemoveMessage(id string) bool {
	return s.MarkDeleted(id)
}

// ApplyEdit applies a server edit if its version is newer than the one held.
func (s *Store) ApplyEdit(id, content string, version int, editedAt time.Time) bool {
	s.mu.Lock()
	m := s.lookup(id)
	if m == nil || m.Deleted || version <= m.Version {
		s.mu.Unlock()
		return false
	}
	m.Content = content
	m.Version = version
	m.EditedAt = &editedAt
	convID, msgID := m.ConversationID, m.ID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeEdited, ConversationID: convID, MessageID: msgID})
	return true
}

// EditLocal applies an optimistic edit and returns the message as it was
// before, for RevertEdit.
func (s *Store) EditLocal(id, content string) (Message, error) {
	s.mu.Lock()
	m := s.lookup(id)
	if m == nil || m.Deleted {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("edit %s: %w", id, ErrNotFound)
	}
	if strings.TrimSpace(content) == "" && len(m.Attachments) == 0 {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("edit %s: %w: empty content", id, ErrValidation)
	}
	prev := m.clone()
	now := s.now()
	m.Content = content
	m.EditedAt = &now
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeEdited, ConversationID: prev.ConversationID, MessageID: prev.ID})
	return prev, nil
}

// RevertEdit restores the content captured by EditLocal unless a server edit
// has landed since.
func (s *Store) RevertEdit(prev Message) bool {
	s.mu.Lock()
	m := s.lookup(prev.ID)
	if m == nil || m.Version != prev.Version {
		s.mu.Unlock()
		return false
	}
	m.Content = prev.Content
	m.EditedAt = prev.EditedAt
	convID, msgID := m.ConversationID, m.ID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeEdited, ConversationID: convID, MessageID: msgID})
	return true
}

// ApplyReaction adds or removes userID's emoji reaction.
func (s *Store) ApplyReaction(id, emoji, userID string, added bool) bool {
	s.mu.Lock()
	m := s.lookup(id)
	if m == nil || m.Deleted {
		s.mu.Unlock()
		return false
	}
	var changed bool
	if added {
		changed = m.Reactions.Add(emoji, userID)
	} else {
		changed = m.Reactions.Remove(emoji, userID)
	}
	convID, msgID := m.ConversationID, m.ID
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeReaction, ConversationID: convID, MessageID: msgID})
	}
	return changed
}

// ToggleReactionLocal flips the local user's emoji reaction and reports
// whether it is now present.
func (s *Store) ToggleReactionLocal(id, emoji string) (bool, error) {
	s.mu.Lock()
	m := s.lookup(id)
	if m == nil || m.Deleted {
		s.mu.Unlock()
		return false, fmt.Errorf("react %s: %w", id, ErrNotFound)
	}
	added := !m.Reactions.Has(emoji, s.userID)
	s.mu.Unlock()

	s.ApplyReaction(id, emoji, s.userID, added)
	return added, nil
}

// Message returns a copy of the message with id, which may be a temporary id
// that has since been replaced. Tombstoned messages are returned with Deleted
// set.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookup(id)
	if m == nil {
		return Message{}, false
	}
	return m.clone(), true
}

// Snapshot returns the visible messages of a conversation in display order.
func (s *Store) Snapshot(convID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[convID]
	if conv == nil {
		return []Message{}
	}
	out := make([]Message, 0, len(conv.order))
	for _, m := range conv.order {
		if m.Deleted {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// Unconfirmed returns the messages of a conversation still waiting for a
// server acknowledgement, pending and failed alike.
func (s *Store) Unconfirmed(convID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[convID]
	if conv == nil {
		return nil
	}
	var out []Message
	for _, m := range conv.order {
		if !m.Confirmed() && !m.Deleted {
			out = append(out, m.clone())
		}
	}
	return out
}

// Resolve maps a possibly replaced temporary id to the current id.
func (s *Store) Resolve(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve(id)
}

func (s *Store) resolve(id string) string {
	if durable, ok := s.aliases[id]; ok {
		return durable
	}
	return id
}

func (s *Store) lookup(id string) *Message {
	return s.byID[s.resolve(id)]
}

func (s *Store) ensureConversation(id string) *conversation {
	conv := s.convs[id]
	if conv == nil {
		conv = &conversation{info: Conversation{ID: id, UpdatedAt: s.now()}}
		s.convs[id] = conv
	}
	return conv
}
