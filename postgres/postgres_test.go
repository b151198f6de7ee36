package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/GetStream/chat-sync/chat"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestOutboxMessage_ChatMessage(t *testing.T) {
	m := chat.Message{
		ID:               "local-1",
		LocalID:          "local-1",
		ConversationID:   "c1",
		AuthorID:         "me",
		Content:          "hello",
		CreatedAt:        t0,
		Status:           chat.StatusFailed,
		ReplyToID:        "s1",
		Reactions:        chat.Reactions{},
		CorrelationToken: "tok",
		Attempts:         2,
	}

	got, err := newOutboxMessage(m).ChatMessage()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("Message mismatch (-want +got):\n%s", diff)
	}

	bad := outboxMessage{LocalID: "local-2", Status: "lost"}
	if _, err := bad.ChatMessage(); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("Got %v, want validation error", err)
	}
}

// TestPostgres_Outbox runs against a live database named by
// CHATSYNC_TEST_POSTGRES_DSN.
func TestPostgres_Outbox(t *testing.T) {
	dsn := os.Getenv("CHATSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pg, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pg.Close() })
	if err := pg.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := pg.bun.NewTruncateTable().Model((*outboxMessage)(nil)).Exec(ctx); err != nil {
		t.Fatal(err)
	}

	first := chat.Message{
		ID: "local-1", LocalID: "local-1", ConversationID: "c1", AuthorID: "me",
		Content: "one", CreatedAt: t0, Status: chat.StatusPending, CorrelationToken: "t1",
		Reactions: chat.Reactions{},
	}
	second := first
	second.ID, second.LocalID, second.CorrelationToken = "local-2", "local-2", "t2"
	second.Content = "two"
	second.CreatedAt = t0.Add(time.Second)
	second.Attachments = []chat.Attachment{{ID: "a1", Name: "x.png", ContentType: "image/png", Size: 3, URL: "https://cdn.example.com/a1"}}

	for _, m := range []chat.Message{second, first} {
		if err := pg.Save(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	// Saving again updates in place, a retried attempt included.
	first.Status = chat.StatusFailed
	first.Attempts = 2
	first.CorrelationToken = "t1-retry"
	if err := pg.Save(ctx, first); err != nil {
		t.Fatal(err)
	}

	got, err := pg.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]chat.Message{first, second}, got); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	if err := pg.Remove(ctx, "local-1"); err != nil {
		t.Fatal(err)
	}
	if err := pg.Remove(ctx, "local-1"); err != nil {
		t.Errorf("Second remove: %v", err)
	}
	got, _ = pg.List(ctx)
	if len(got) != 1 || got[0].LocalID != "local-2" {
		t.Errorf("Got %+v after remove, want only local-2", got)
	}
}
