package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(StoreConfig{UserID: "me", Logger: slogt.New(t), Now: testClock()})
}

func serverMsg(id string, seq uint64, author, content string) ServerMessage {
	return ServerMessage{
		ID:             id,
		ConversationID: "c1",
		AuthorID:       author,
		Content:        content,
		CreatedAt:      t0.Add(time.Duration(seq) * time.Minute),
		Seq:            seq,
		Status:         StatusSent,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func mustAppend(t *testing.T, s *Store, content string) Message {
	t.Helper()
	m, err := s.AppendLocal(Draft{ConversationID: "c1", AuthorID: "me", Content: content})
	if err != nil {
		t.Fatalf("AppendLocal(%q): %v", content, err)
	}
	return m
}

func TestStore_AppendLocal(t *testing.T) {
	s := newTestStore(t)

	m := mustAppend(t, s, "Hello")
	if !strings.HasPrefix(m.ID, localPrefix) {
		t.Errorf("Got id %q, want temporary id", m.ID)
	}
	if m.Status != StatusPending {
		t.Errorf("Got status %s, want pending", m.Status)
	}
	if m.CorrelationToken == "" {
		t.Error("Got empty correlation token")
	}

	snap := s.Snapshot("c1")
	if len(snap) != 1 || snap[0].Content != "Hello" {
		t.Fatalf("Got snapshot %+v, want one Hello message", snap)
	}
}

func TestStore_AppendLocalValidation(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
	}{
		{
			name:  "Empty",
			draft: Draft{ConversationID: "c1", AuthorID: "me"},
		},
		{
			name:  "Whitespace",
			draft: Draft{ConversationID: "c1", AuthorID: "me", Content: "  \n"},
		},
		{
			name:  "NoConversation",
			draft: Draft{AuthorID: "me", Content: "hi"},
		},
		{
			name:  "TooLong",
			draft: Draft{ConversationID: "c1", AuthorID: "me", Content: strings.Repeat("x", 4001)},
		},
		{
			name: "BadAttachment",
			draft: Draft{ConversationID: "c1", AuthorID: "me", Attachments: []Attachment{
				{ID: "a1", URL: "not a url"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			_, err := s.AppendLocal(tt.draft)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Got error %v, want ErrValidation", err)
			}
			if _, ok := s.Conversation(tt.draft.ConversationID); ok {
				t.Error("Conversation was created for a rejected draft")
			}
			if got := s.Snapshot(tt.draft.ConversationID); len(got) != 0 {
				t.Errorf("Got %d messages, want none", len(got))
			}
		})
	}
}

func TestStore_AppendLocalAttachmentOnly(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendLocal(Draft{ConversationID: "c1", AuthorID: "me", Attachments: []Attachment{
		{ID: "a1", URL: "https://cdn.example.com/a1.png"},
	}})
	if err != nil {
		t.Fatalf("AppendLocal: %v", err)
	}
}

func TestStore_ReconcileReplacesLocal(t *testing.T) {
	s := newTestStore(t)
	first := mustAppend(t, s, "Hello")
	reply, err := s.AppendLocal(Draft{ConversationID: "c1", AuthorID: "me", Content: "again", ReplyToID: first.ID})
	if err != nil {
		t.Fatal(err)
	}

	ack := serverMsg("s1", 1, "me", "Hello")
	ack.CorrelationToken = first.CorrelationToken
	if !s.ReconcileServerMessage(ack) {
		t.Fatal("ReconcileServerMessage reported no change")
	}

	snap := s.Snapshot("c1")
	if diff := cmp.Diff([]string{"s1", reply.ID}, ids(snap)); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if snap[0].Status != StatusSent || snap[0].Content != "Hello" || snap[0].LocalID != first.ID {
		t.Errorf("Got %+v, want sent Hello keeping local id", snap[0])
	}
	if snap[1].ReplyToID != "s1" {
		t.Errorf("Got reply pointer %q, want s1", snap[1].ReplyToID)
	}

	got, ok := s.Message(first.ID)
	if !ok || got.ID != "s1" {
		t.Errorf("Message(%q) = %q, %v; want s1 via alias", first.ID, got.ID, ok)
	}

	// The same acknowledgement arriving again over the push stream is a no-op.
	if s.ReconcileServerMessage(ack) {
		t.Error("Second reconcile reported a change")
	}
	if got := len(s.Snapshot("c1")); got != 2 {
		t.Errorf("Got %d messages, want 2", got)
	}
}

func TestStore_ReconcileOrdersBySeq(t *testing.T) {
	s := newTestStore(t)
	local := mustAppend(t, s, "draft")

	s.ReconcileServerMessage(serverMsg("s3", 3, "bob", "three"))
	s.ReconcileServerMessage(serverMsg("s1", 1, "bob", "one"))
	s.ReconcileServerMessage(serverMsg("s2b", 2, "bob", "two b"))
	s.ReconcileServerMessage(serverMsg("s2a", 2, "ann", "two a"))

	want := []string{"s1", "s2a", "s2b", "s3", local.ID}
	if diff := cmp.Diff(want, ids(s.Snapshot("c1"))); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_ConfirmMovesIntoOrder(t *testing.T) {
	s := newTestStore(t)
	local := mustAppend(t, s, "mine")
	s.ReconcileServerMessage(serverMsg("s5", 5, "bob", "theirs"))

	ack := serverMsg("s4", 4, "me", "mine")
	ack.CorrelationToken = local.CorrelationToken
	s.ReconcileServerMessage(ack)

	if diff := cmp.Diff([]string{"s4", "s5"}, ids(s.Snapshot("c1"))); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_UpdateStatusMonotonic(t *testing.T) {
	s := newTestStore(t)
	s.ReconcileServerMessage(serverMsg("s1", 1, "me", "hi"))

	steps := []struct {
		to   Status
		want bool
	}{
		{StatusDelivered, true},
		{StatusDelivered, false},
		{StatusRead, true},
		{StatusSent, false},
		{StatusDelivered, false},
		{StatusFailed, false},
		{StatusPending, false},
	}
	for _, step := range steps {
		if got := s.UpdateStatus("s1", step.to); got != step.want {
			t.Errorf("UpdateStatus(%s) = %v, want %v", step.to, got, step.want)
		}
	}

	m, _ := s.Message("s1")
	if m.Status != StatusRead {
		t.Errorf("Got status %s, want read", m.Status)
	}
}

func TestStore_UpdateStatusDeferred(t *testing.T) {
	s := newTestStore(t)
	s.ReconcileServerMessage(serverMsg("s1", 1, "me", "hi"))
	local := mustAppend(t, s, "pending")

	// Read arrives before delivered and waits for it.
	if s.UpdateStatus("s1", StatusRead) {
		t.Error("UpdateStatus(read) from sent reported a change")
	}
	if m, _ := s.Message("s1"); m.Status != StatusSent {
		t.Errorf("Got status %s, want sent", m.Status)
	}
	if !s.UpdateStatus("s1", StatusDelivered) {
		t.Error("UpdateStatus(delivered) reported no change")
	}
	if m, _ := s.Message("s1"); m.Status != StatusRead {
		t.Errorf("Got status %s, want read", m.Status)
	}

	// Unacknowledged messages never skip ahead.
	if s.UpdateStatus(local.ID, StatusDelivered) {
		t.Error("UpdateStatus(delivered) from pending reported a change")
	}
	s.ReconcileServerMessage(ServerMessage{
		ID: "s2", ConversationID: "c1", AuthorID: "me", Content: "pending",
		CreatedAt: t0, Seq: 2, CorrelationToken: local.CorrelationToken,
	})
	if m, _ := s.Message("s2"); m.Status != StatusSent {
		t.Errorf("Got status %s after ack, want sent", m.Status)
	}
}

func TestStore_ResendAcknowledged(t *testing.T) {
	s := newTestStore(t)
	m := mustAppend(t, s, "Hello")
	ack := serverMsg("s1", 1, "me", "Hello")
	ack.CorrelationToken = m.CorrelationToken
	s.ReconcileServerMessage(ack)

	if !s.UpdateStatus("s1", StatusFailed) {
		t.Fatal("UpdateStatus(failed) from sent reported no change")
	}
	if _, err := s.Resend(m.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Got %v, want ErrInvalidTransition", err)
	}

	// It keeps its place and is not queued for another send.
	snap := s.Snapshot("c1")
	if len(snap) != 1 || snap[0].ID != "s1" || snap[0].Status != StatusFailed || snap[0].Seq != 1 {
		t.Errorf("Got %+v, want single failed s1", snap)
	}
	if got := s.Unconfirmed("c1"); len(got) != 0 {
		t.Errorf("Got %d unconfirmed messages, want none", len(got))
	}
}

func TestStore_Resend(t *testing.T) {
	s := newTestStore(t)
	m := mustAppend(t, s, "Hello")

	if _, err := s.Resend(m.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Resend of pending: got %v, want ErrInvalidTransition", err)
	}
	if !s.MarkFailed(m.ID) {
		t.Fatal("MarkFailed reported no change")
	}

	again, err := s.Resend(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != StatusPending || again.Attempts != 2 {
		t.Errorf("Got %s after %d attempts, want pending after 2", again.Status, again.Attempts)
	}
	if again.CorrelationToken == m.CorrelationToken {
		t.Error("Resend kept the old correlation token")
	}

	// A late acknowledgement of the first attempt still confirms the message.
	ack := serverMsg("s1", 1, "me", "Hello")
	ack.CorrelationToken = m.CorrelationToken
	s.ReconcileServerMessage(ack)

	snap := s.Snapshot("c1")
	if len(snap) != 1 || snap[0].ID != "s1" || snap[0].Status != StatusSent {
		t.Fatalf("Got %+v, want single sent s1", snap)
	}
}

func TestStore_Tombstones(t *testing.T) {
	s := newTestStore(t)
	s.ReconcileServerMessage(serverMsg("s1", 1, "bob", "hi"))

	if !s.MarkDeleted("s1") {
		t.Fatal("MarkDeleted reported no change")
	}
	if s.MarkDeleted("s1") {
		t.Error("Second MarkDeleted reported a change")
	}
	if s.UpdateStatus("s1", StatusDelivered) {
		t.Error("Status update applied to a tombstone")
	}
	if s.ApplyEdit("s1", "edited", 1, t0) {
		t.Error("Edit applied to a tombstone")
	}
	if s.ApplyReaction("s1", "👍", "bob", true) {
		t.Error("Reaction applied to a tombstone")
	}
	if s.ReconcileServerMessage(serverMsg("s1", 1, "bob", "hi")) {
		t.Error("Late create resurrected a tombstone")
	}
	if got := s.Snapshot("c1"); len(got) != 0 {
		t.Errorf("Got %d visible messages, want 0", len(got))
	}
	if m, ok := s.Message("s1"); !ok || !m.Deleted {
		t.Errorf("Message(s1) = %+v, %v; want tombstone", m, ok)
	}
}

func TestStore_DeleteBeforeCreate(t *testing.T) {
	s := newTestStore(t)
	s.MarkDeleted("s9")
	s.ReconcileServerMessage(serverMsg("s9", 9, "bob", "gone"))

	if got := s.Snapshot("c1"); len(got) != 0 {
		t.Errorf("Got %d visible messages, want 0", len(got))
	}
	if c, _ := s.Conversation("c1"); c.UnreadCount != 0 {
		t.Errorf("Got unread %d, want 0", c.UnreadCount)
	}
}

func TestStore_Edits(t *testing.T) {
	s := newTestStore(t)
	s.ReconcileServerMessage(serverMsg("s1", 1, "me", "first"))

	if !s.ApplyEdit("s1", "second", 2, t0) {
		t.Fatal("ApplyEdit v2 reported no change")
	}
	if s.ApplyEdit("s1", "stale", 1, t0) {
		t.Error("Stale edit applied")
	}

	prev, err := s.EditLocal("s1", "third")
	if err != nil {
		t.Fatal(err)
	}
	if m, _ := s.Message("s1"); m.Content != "third" {
		t.Errorf("Got %q, want optimistic third", m.Content)
	}
	if !s.RevertEdit(prev) {
		t.Fatal("RevertEdit reported no change")
	}
	if m, _ := s.Message("s1"); m.Content != "second" {
		t.Errorf("Got %q after revert, want second", m.Content)
	}

	if _, err := s.EditLocal("s1", " "); !errors.Is(err, ErrValidation) {
		t.Errorf("Got %v, want ErrValidation", err)
	}
}

func TestStore_Reactions(t *testing.T) {
	s := newTestStore(t)
	s.ReconcileServerMessage(serverMsg("s1", 1, "bob", "hi"))

	added, err := s.ToggleReactionLocal("s1", "🎉")
	if err != nil || !added {
		t.Fatalf("ToggleReactionLocal = %v, %v; want added", added, err)
	}
	s.ApplyReaction("s1", "🎉", "bob", true)
	s.ApplyReaction("s1", "🎉", "bob", true)

	m, _ := s.Message("s1")
	if diff := cmp.Diff(Reactions{"🎉": {"bob", "me"}}, m.Reactions); diff != "" {
		t.Errorf("Reactions mismatch (-want +got):\n%s", diff)
	}

	added, _ = s.ToggleReactionLocal("s1", "🎉")
	if added {
		t.Error("Second toggle reported added")
	}
	m, _ = s.Message("s1")
	if diff := cmp.Diff(Reactions{"🎉": {"bob"}}, m.Reactions); diff != "" {
		t.Errorf("Reactions mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Conversations(t *testing.T) {
	s := newTestStore(t)
	s.ReconcileServerMessage(serverMsg("s1", 1, "bob", "hi"))
	s.ReconcileServerMessage(serverMsg("s2", 2, "me", "hello"))
	s.ReconcileServerMessage(serverMsg("s3", 3, "bob", "how are you"))
	s.CreateConversation("c2")

	c, ok := s.Conversation("c1")
	if !ok || c.UnreadCount != 2 || c.LastSeq != 3 {
		t.Fatalf("Got %+v, want 2 unread at seq 3", c)
	}
	if err := s.MarkRead("c1"); err != nil {
		t.Fatal(err)
	}
	if c, _ := s.Conversation("c1"); c.UnreadCount != 0 {
		t.Errorf("Got unread %d after MarkRead, want 0", c.UnreadCount)
	}

	if err := s.SetPinned("c2", true); err != nil {
		t.Fatal(err)
	}
	if err := s.Archive("c1", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMuted("nope", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Got %v, want ErrNotFound", err)
	}

	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != "c2" || !convs[1].Archived {
		t.Errorf("Got %+v, want pinned c2 then archived c1", convs)
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := newTestStore(t)
	var got []ChangeKind
	unsubscribe := s.Subscribe(func(c Change) {
		got = append(got, c.Kind)
		// Reading from the store inside a callback must not deadlock.
		_ = s.Snapshot(c.ConversationID)
	})

	m := mustAppend(t, s, "Hello")
	ack := serverMsg("s1", 1, "me", "Hello")
	ack.CorrelationToken = m.CorrelationToken
	s.ReconcileServerMessage(ack)
	unsubscribe()
	s.UpdateStatus("s1", StatusDelivered)

	if diff := cmp.Diff([]ChangeKind{ChangeAppended, ChangeConfirmed}, got); diff != "" {
		t.Errorf("Changes mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_LoadAndRestore(t *testing.T) {
	s := newTestStore(t)
	n := s.Load("c1", []Message{
		{ID: "s2", Seq: 2, Content: "two", Status: StatusRead},
		{ID: "s1", Seq: 1, Content: "one", Status: StatusRead},
		{ID: "local-x", Content: "skipped"},
	})
	if n != 2 {
		t.Errorf("Load = %d, want 2", n)
	}

	restored := s.RestoreLocal(Message{
		ID: "local-y", ConversationID: "c1", Content: "queued", Status: StatusPending, CorrelationToken: "tok",
	})
	if !restored {
		t.Fatal("RestoreLocal reported no change")
	}

	if diff := cmp.Diff([]string{"s1", "s2", "local-y"}, ids(s.Snapshot("c1"))); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}

	ack := serverMsg("s3", 3, "me", "queued")
	ack.CorrelationToken = "tok"
	s.ReconcileServerMessage(ack)
	if got := s.Unconfirmed("c1"); len(got) != 0 {
		t.Errorf("Got %d unconfirmed, want 0", len(got))
	}
}

func TestStore_RestoreConversation(t *testing.T) {
	s := newTestStore(t)
	s.ReconcileServerMessage(serverMsg("s9", 9, "bob", "newer"))

	s.RestoreConversation(Conversation{ID: "c1", UnreadCount: 4, Muted: true, Pinned: true, LastSeq: 5, UpdatedAt: t0})

	got, _ := s.Conversation("c1")
	want := Conversation{
		ID:          "c1",
		UnreadCount: 4,
		Muted:       true,
		Pinned:      true,
		LastSeq:     9,
		UpdatedAt:   t0.Add(9 * time.Minute),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Conversation mismatch (-want +got):\n%s", diff)
	}
}
