// Package session wires the message store, the reconciler, the retry
// controller and the backend into the intents a chat client dispatches:
// send, reply, edit, delete, react and retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/GetStream/chat-sync/chat"
	"github.com/GetStream/chat-sync/metrics"
	"github.com/GetStream/chat-sync/retry"
	"github.com/GetStream/chat-sync/upload"
)

// A Client is the backend the session sends intents to.
type Client interface {
	Send(ctx context.Context, m chat.Message) (chat.ServerMessage, error)
	Edit(ctx context.Context, id, content string, version int) (chat.ServerMessage, error)
	Delete(ctx context.Context, id string) error
	React(ctx context.Context, id, emoji string, added bool) error
	History(ctx context.Context, convID string, after uint64) ([]chat.ServerMessage, error)
}

// An Outbox persists unconfirmed local sends so they survive a restart.
type Outbox interface {
	Save(ctx context.Context, m chat.Message) error
	Remove(ctx context.Context, localID string) error
	List(ctx context.Context) ([]chat.Message, error)
}

// A Cache persists confirmed conversation snapshots.
type Cache interface {
	Put(ctx context.Context, snap chat.Snapshot) error
	Get(ctx context.Context, convID string) (chat.Snapshot, error)
	Conversations(ctx context.Context) ([]string, error)
}

// Config configures a Session. Store and Client are required.
type Config struct {
	Store   *chat.Store
	Client  Client
	Outbox  Outbox
	Cache   Cache
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Retry settings for Session.Retry.
	Retry retry.Config
	// SendTimeout bounds one send attempt.
	SendTimeout time.Duration
	// GapTimeout is how long buffered events wait for a missing sequence
	// number before the history is fetched and the gap is applied across.
	GapTimeout time.Duration
	// MaxBuffered bounds the push events held per conversation behind a gap.
	MaxBuffered int
	// FlushRate paces outbox flushes after reconnecting, in sends per second.
	FlushRate  float64
	FlushBurst int

	// Notify is called for each new message from another user in a
	// conversation that is not muted.
	Notify func(chat.Message)
}

// Session is the entry point presentation consumers dispatch intents to.
type Session struct {
	store      *chat.Store
	reconciler *chat.Reconciler
	retry      *retry.Controller
	client     Client
	outbox     Outbox
	cache      Cache
	logger     *slog.Logger
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	notify     func(chat.Message)

	sendTimeout time.Duration
	gapTimeout  time.Duration

	mu        sync.Mutex
	online    bool
	flushing  bool
	sending   map[string]struct{}
	replies   map[string]chat.ReplyContext
	gapTimers map[string]*time.Timer
	// holeFetched is the first sequence hole history was last loaded for.
	holeFetched map[string]uint64
	listeners   []func(online bool)
	closed      bool

	// outboxQueue holds local ids waiting for an outbox write, drained in
	// order by a single goroutine while outboxRunning is set.
	outboxQueue   []string
	outboxQueued  map[string]struct{}
	outboxRunning bool

	wg          sync.WaitGroup
	unsubscribe func()
}

// New returns a Session that starts offline.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.Retry.AttemptTimeout <= 0 {
		cfg.Retry.AttemptTimeout = cfg.SendTimeout
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = 3 * time.Second
	}
	if cfg.FlushRate <= 0 {
		cfg.FlushRate = 10
	}
	if cfg.FlushBurst <= 0 {
		cfg.FlushBurst = 5
	}

	s := &Session{
		store:        cfg.Store,
		client:       cfg.Client,
		outbox:       cfg.Outbox,
		cache:        cfg.Cache,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		limiter:      rate.NewLimiter(rate.Limit(cfg.FlushRate), cfg.FlushBurst),
		notify:       cfg.Notify,
		sendTimeout:  cfg.SendTimeout,
		gapTimeout:   cfg.GapTimeout,
		sending:      make(map[string]struct{}),
		replies:      make(map[string]chat.ReplyContext),
		gapTimers:    make(map[string]*time.Timer),
		holeFetched:  make(map[string]uint64),
		outboxQueued: make(map[string]struct{}),
	}
	s.reconciler = chat.NewReconciler(cfg.Store, chat.ReconcilerConfig{
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		MaxBuffered: cfg.MaxBuffered,
	})
	s.retry = &retry.Controller{
		Store:   cfg.Store,
		Sender:  cfg.Client,
		Config:  cfg.Retry,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}
	s.unsubscribe = cfg.Store.Subscribe(s.observe)
	return s
}

// Store returns the store the session writes to.
func (s *Session) Store() *chat.Store {
	return s.store
}

// Reconciler returns the reconciler push events are applied through.
func (s *Session) Reconciler() *chat.Reconciler {
	return s.reconciler
}

// Close stops gap timers and waits for background sends to finish.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.gapTimers {
		t.Stop()
		delete(s.gapTimers, id)
	}
	s.mu.Unlock()
	s.unsubscribe()
	s.wg.Wait()
}

// Wait blocks until background sends and flushes have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Online reports whether the push stream is connected.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// OnConnectivity registers fn to be called when the session goes online or
// offline, for example to show a reconnect banner.
func (s *Session) OnConnectivity(fn func(online bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetOnline records connectivity. Going online flushes the outbox and fetches
// history for conversations waiting on a sequence gap.
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online || s.closed {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Info("Connectivity changed", "online", online)
	for _, fn := range listeners {
		fn(online)
	}
	if !online {
		return
	}

	s.background(func(ctx context.Context) {
		if err := s.Flush(ctx); err != nil {
			s.logger.Error("Could not flush outbox", "error", err.Error())
		}
		for _, convID := range s.reconciler.Gaps() {
			s.fillGap(ctx, convID)
		}
	})
}

// Send validates d, appends it optimistically and submits it. Attachments
// come from att, which must have finished uploading; it is reset once the
// message is queued. The returned message is the pending local copy. When
// offline the message waits in the outbox until the session goes online.
// A failed submission leaves the message failed and is not an error.
func (s *Session) Send(ctx context.Context, d chat.Draft, att *upload.Tracker) (chat.Message, error) {
	if att != nil {
		if err := att.Ready(); err != nil {
			return chat.Message{}, err
		}
		d.Attachments = append(d.Attachments, att.Attachments()...)
	}
	if d.AuthorID == "" {
		d.AuthorID = s.store.UserID()
	}
	if d.ReplyToID == "" {
		if reply, ok := s.Reply(d.ConversationID); ok {
			d.ReplyToID = reply.MessageID
		}
	}

	m, err := s.store.AppendLocal(d)
	if err != nil {
		s.metrics.Send("invalid")
		return chat.Message{}, err
	}
	s.CancelReply(d.ConversationID)
	if att != nil {
		att.Reset()
	}

	s.persist(ctx, m)
	if cur, ok := s.store.Message(m.ID); !ok || cur.Confirmed() || cur.Deleted {
		// Acknowledged or deleted while the entry was being written.
		s.syncOutbox(m.LocalID)
	}

	if s.Online() {
		s.background(func(ctx context.Context) { s.dispatch(ctx, m) })
	} else {
		s.logger.Info("Queued message while offline", "local_id", m.LocalID)
	}
	return m, nil
}

// Flush submits every pending message, oldest conversation activity last,
// paced by the flush rate. It stops early when the session goes offline.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.flushing || !s.online {
		s.mu.Unlock()
		return nil
	}
	s.flushing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
	}()

	var queued []chat.Message
	for _, conv := range s.store.Conversations() {
		for _, m := range s.store.Unconfirmed(conv.ID) {
			if m.Status == chat.StatusPending {
				queued = append(queued, m)
			}
		}
	}
	if len(queued) > 0 {
		s.logger.Info("Flushing outbox", "count", len(queued))
	}

	for _, m := range queued {
		if !s.Online() {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("flush outbox: %w", err)
		}
		s.dispatch(ctx, m)
	}
	return nil
}

// dispatch submits one attempt of a pending message.
func (s *Session) dispatch(ctx context.Context, m chat.Message) {
	if s.retry.InFlight(m.ID) {
		return
	}
	s.mu.Lock()
	if _, ok := s.sending[m.LocalID]; ok {
		s.mu.Unlock()
		return
	}
	s.sending[m.LocalID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sending, m.LocalID)
		s.mu.Unlock()
	}()

	cur, ok := s.store.Message(m.ID)
	if !ok || cur.Deleted || cur.Confirmed() || cur.Status != chat.StatusPending {
		return
	}
	m = cur

	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	sm, err := s.client.Send(ctx, m)
	if err != nil {
		if cur, ok := s.store.Message(m.ID); ok && cur.Confirmed() {
			// The push stream delivered the acknowledgement first.
			return
		}
		s.store.MarkFailed(m.ID)
		s.metrics.Send("failed")
		s.logger.Warn("Could not send message", "local_id", m.LocalID, "error", err.Error())
		return
	}
	if sm.ConversationID == "" {
		sm.ConversationID = m.ConversationID
	}
	if sm.CorrelationToken == "" {
		sm.CorrelationToken = m.CorrelationToken
	}
	s.store.ReconcileServerMessage(sm)
	s.metrics.Send("ok")
}

// Sending reports whether a send attempt of the message is on the wire.
func (s *Session) Sending(id string) bool {
	m, ok := s.store.Message(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	_, sending := s.sending[m.LocalID]
	s.mu.Unlock()
	return sending || s.retry.InFlight(id)
}

// Retry resends a failed message with backoff.
func (s *Session) Retry(ctx context.Context, id string) (chat.Message, error) {
	return s.retry.Retry(ctx, id)
}

// SetReply makes the composer of convID reply to message id.
func (s *Session) SetReply(convID, id string) (chat.ReplyContext, error) {
	m, ok := s.store.Message(id)
	if !ok || m.Deleted || m.ConversationID != convID {
		return chat.ReplyContext{}, fmt.Errorf("reply to %s: %w", id, chat.ErrNotFound)
	}
	reply := chat.ReplyContext{MessageID: m.ID, AuthorID: m.AuthorID, Preview: preview(m.Content, 80)}
	s.mu.Lock()
	s.replies[convID] = reply
	s.mu.Unlock()
	return reply, nil
}

// Reply returns the reply context of the composer of convID. A reply whose
// target was confirmed since is returned with the durable id.
func (s *Session) Reply(convID string) (chat.ReplyContext, bool) {
	s.mu.Lock()
	reply, ok := s.replies[convID]
	s.mu.Unlock()
	if ok {
		reply.MessageID = s.store.Resolve(reply.MessageID)
	}
	return reply, ok
}

// CancelReply clears the reply context of the composer of convID.
func (s *Session) CancelReply(convID string) {
	s.mu.Lock()
	delete(s.replies, convID)
	s.mu.Unlock()
}

// Edit changes a sent message's content. The edit shows immediately and is
// rolled back if the server rejects it; a stale edit fails with
// chat.ErrConflict.
func (s *Session) Edit(ctx context.Context, id, content string) (chat.Message, error) {
	m, ok := s.store.Message(id)
	if !ok || m.Deleted {
		return chat.Message{}, fmt.Errorf("edit %s: %w", id, chat.ErrNotFound)
	}
	if !m.Confirmed() {
		return chat.Message{}, fmt.Errorf("edit %s: %w: message not sent yet", id, chat.ErrValidation)
	}
	if m.AuthorID != s.store.UserID() {
		return chat.Message{}, fmt.Errorf("edit %s: %w: not the author", id, chat.ErrValidation)
	}

	prev, err := s.store.EditLocal(id, content)
	if err != nil {
		return chat.Message{}, err
	}
	sm, err := s.client.Edit(ctx, prev.ID, content, prev.Version)
	if err != nil {
		s.store.RevertEdit(prev)
		s.logger.Info("Reverted edit", "id", prev.ID, "error", err.Error())
		return chat.Message{}, fmt.Errorf("edit %s: %w", id, err)
	}
	if cur, ok := s.store.Message(id); ok && cur.EditedAt != nil {
		s.store.ApplyEdit(id, sm.Content, sm.Version, *cur.EditedAt)
	}
	out, _ := s.store.Message(id)
	return out, nil
}

// Delete deletes a message. Confirmed messages are deleted on the server
// first; unconfirmed ones that are not on the wire are dropped locally along
// with their outbox entry.
func (s *Session) Delete(ctx context.Context, id string) error {
	m, ok := s.store.Message(id)
	if !ok || m.Deleted {
		return fmt.Errorf("delete %s: %w", id, chat.ErrNotFound)
	}
	if m.Confirmed() {
		if err := s.client.Delete(ctx, m.ID); err != nil && !errors.Is(err, chat.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		s.store.RemoveMessage(m.ID)
		return nil
	}
	if s.Sending(id) {
		return fmt.Errorf("delete %s: %w: send in progress", id, chat.ErrInvalidTransition)
	}
	s.store.RemoveMessage(m.ID)
	return nil
}

// React toggles the local user's emoji reaction on a sent message and
// reports whether it is now present. The toggle is rolled back if the server
// rejects it.
func (s *Session) React(ctx context.Context, id, emoji string) (bool, error) {
	m, ok := s.store.Message(id)
	if !ok || m.Deleted {
		return false, fmt.Errorf("react %s: %w", id, chat.ErrNotFound)
	}
	if !m.Confirmed() {
		return false, fmt.Errorf("react %s: %w: message not sent yet", id, chat.ErrValidation)
	}
	if strings.TrimSpace(emoji) == "" {
		return false, fmt.Errorf("react %s: %w: empty emoji", id, chat.ErrValidation)
	}

	added, err := s.store.ToggleReactionLocal(id, emoji)
	if err != nil {
		return false, err
	}
	if err := s.client.React(ctx, m.ID, emoji, added); err != nil {
		s.store.ApplyReaction(id, emoji, s.store.UserID(), !added)
		return !added, fmt.Errorf("react %s: %w", id, err)
	}
	return added, nil
}

// HandleEvent applies a push event. Events arriving ahead of a sequence gap
// are held; if the gap does not close within the gap timeout the missing
// history is fetched and the held events are applied. History is also
// fetched right away when a full buffer was applied across a gap.
func (s *Session) HandleEvent(env chat.Envelope) {
	outcome, err := s.reconciler.ApplyEnvelope(env)
	if err != nil {
		s.logger.Error("Could not apply event", "id", env.ID, "type", string(env.Type), "error", err.Error())
		return
	}
	s.logger.Debug("Applied event", "id", env.ID, "type", string(env.Type), "outcome", outcome.String())

	convID := env.ConversationID
	switch outcome {
	case chat.Buffered:
		s.armGap(convID)
	case chat.Applied:
		s.disarmGap(convID)
		if s.claimHole(convID) {
			s.background(func(ctx context.Context) { s.fillGap(ctx, convID) })
		}
	}
}

// claimHole reports whether convID has a sequence hole no history was loaded
// for yet, and marks it as being loaded.
func (s *Session) claimHole(convID string) bool {
	hole, ok := s.reconciler.FirstHole(convID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holeFetched[convID] == hole {
		return false
	}
	s.holeFetched[convID] = hole
	return true
}

func (s *Session) armGap(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.gapTimers[convID]; ok {
		return
	}
	s.gapTimers[convID] = time.AfterFunc(s.gapTimeout, func() {
		s.mu.Lock()
		delete(s.gapTimers, convID)
		s.mu.Unlock()
		s.background(func(ctx context.Context) { s.fillGap(ctx, convID) })
	})
}

func (s *Session) disarmGap(convID string) {
	for _, id := range s.reconciler.Gaps() {
		if id == convID {
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.gapTimers[convID]; ok {
		t.Stop()
		delete(s.gapTimers, convID)
	}
}

// fillGap loads the messages missing before the held events and in earlier
// holes, then applies the held events in order.
func (s *Session) fillGap(ctx context.Context, convID string) {
	var fetched bool
	if s.Online() {
		after := s.reconciler.Applied(convID)
		if hole, ok := s.reconciler.FirstHole(convID); ok {
			after = hole - 1
		}
		ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		msgs, err := s.client.History(ctx, convID, after)
		cancel()
		if err != nil {
			s.logger.Warn("Could not fetch history for sequence gap", "conversation_id", convID, "error", err.Error())
		} else {
			fetched = true
		}
		for _, sm := range msgs {
			if sm.ConversationID == "" {
				sm.ConversationID = convID
			}
			s.store.ReconcileServerMessage(sm)
		}
	}
	if n := s.reconciler.FlushGaps(convID); n > 0 {
		s.logger.Info("Applied events across sequence gap", "conversation_id", convID, "count", n)
	}

	hole, ok := s.reconciler.FirstHole(convID)
	s.mu.Lock()
	if fetched && ok {
		s.holeFetched[convID] = hole
	} else if !fetched {
		delete(s.holeFetched, convID)
	}
	s.mu.Unlock()
}

// Restore loads cached snapshots and outbox entries into the store.
func (s *Session) Restore(ctx context.Context) error {
	if s.cache != nil {
		convs, err := s.cache.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("list cached conversations: %w", err)
		}
		for _, convID := range convs {
			snap, err := s.cache.Get(ctx, convID)
			if err != nil {
				s.logger.Error("Could not load snapshot", "conversation_id", convID, "error", err.Error())
				continue
			}
			s.store.RestoreConversation(snap.Conversation)
			n := s.store.Load(convID, snap.Messages)
			s.reconciler.Seed(convID, snap.Applied)
			s.logger.Info("Restored conversation", "conversation_id", convID, "messages", n, "applied", snap.Applied)
		}
	}

	if s.outbox != nil {
		msgs, err := s.outbox.List(ctx)
		if err != nil {
			return fmt.Errorf("list outbox: %w", err)
		}
		for _, m := range msgs {
			s.store.RestoreLocal(m)
		}
		if len(msgs) > 0 {
			s.logger.Info("Restored outbox", "count", len(msgs))
		}
	}
	return nil
}

// Checkpoint writes the confirmed state of a conversation to the cache.
func (s *Session) Checkpoint(ctx context.Context, convID string) error {
	if s.cache == nil {
		return nil
	}
	conv, ok := s.store.Conversation(convID)
	if !ok {
		return fmt.Errorf("checkpoint %s: %w", convID, chat.ErrNotFound)
	}
	var msgs []chat.Message
	for _, m := range s.store.Snapshot(convID) {
		if m.Confirmed() {
			msgs = append(msgs, m)
		}
	}
	snap := chat.Snapshot{Conversation: conv, Applied: s.reconciler.Applied(convID), Messages: msgs}
	if err := s.cache.Put(ctx, snap); err != nil {
		return fmt.Errorf("checkpoint %s: %w", convID, err)
	}
	return nil
}

// CheckpointAll writes every conversation to the cache.
func (s *Session) CheckpointAll(ctx context.Context) error {
	var errs []error
	for _, conv := range s.store.Conversations() {
		errs = append(errs, s.Checkpoint(ctx, conv.ID))
	}
	return errors.Join(errs...)
}

// observe keeps the outbox in step with the store and raises notifications.
// It runs under the reconciler's lock, so outbox writes are queued.
func (s *Session) observe(c chat.Change) {
	switch c.Kind {
	case chat.ChangeConfirmed:
		if m, ok := s.store.Message(c.MessageID); ok {
			s.syncOutbox(m.LocalID)
		}
	case chat.ChangeStatus, chat.ChangeDeleted:
		if m, ok := s.store.Message(c.MessageID); ok && !m.Confirmed() {
			s.syncOutbox(m.LocalID)
		}
	case chat.ChangeInserted:
		if c.MessageID == "" || s.notify == nil {
			return
		}
		m, ok := s.store.Message(c.MessageID)
		if !ok || m.Deleted || m.AuthorID == s.store.UserID() {
			return
		}
		if conv, ok := s.store.Conversation(c.ConversationID); ok && !conv.Muted {
			s.notify(m)
		}
	}
}

// persist saves m to the outbox, even once ctx is done.
func (s *Session) persist(ctx context.Context, m chat.Message) {
	if s.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.outbox.Save(ctx, m); err != nil {
		s.logger.Error("Could not save message to outbox", "local_id", m.LocalID, "error", err.Error())
	}
}

// syncOutbox queues an outbox write for the message with localID. The write
// stores the message as it is when the write runs: unconfirmed messages are
// saved and the rest removed.
func (s *Session) syncOutbox(localID string) {
	if s.outbox == nil || localID == "" {
		return
	}
	s.mu.Lock()
	if _, ok := s.outboxQueued[localID]; ok {
		s.mu.Unlock()
		return
	}
	s.outboxQueued[localID] = struct{}{}
	s.outboxQueue = append(s.outboxQueue, localID)
	if s.outboxRunning {
		s.mu.Unlock()
		return
	}
	s.outboxRunning = true
	s.mu.Unlock()

	if !s.background(s.drainOutbox) {
		s.drainOutbox(context.Background())
	}
}

func (s *Session) drainOutbox(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.outboxQueue) == 0 {
			s.outboxRunning = false
			s.mu.Unlock()
			return
		}
		localID := s.outboxQueue[0]
		s.outboxQueue = s.outboxQueue[1:]
		delete(s.outboxQueued, localID)
		s.mu.Unlock()

		if m, ok := s.store.Message(localID); ok && !m.Confirmed() && !m.Deleted {
			s.persist(ctx, m)
		} else {
			s.forget(localID)
		}
	}
}

func (s *Session) forget(localID string) {
	if s.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.outbox.Remove(ctx, localID); err != nil {
		s.logger.Error("Could not remove message from outbox", "local_id", localID, "error", err.Error())
	}
}

// background runs fn on its own goroutine tracked by Wait. It reports false
// without running fn once the session is closed.
func (s *Session) background(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn(context.Background())
	}()
	return true
}

func preview(content string, n int) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	r := []rune(content)
	return string(r[:n-1]) + "…"
}
