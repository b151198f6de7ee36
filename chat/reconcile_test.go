package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/neilotoole/slogt"
)

func newTestReconciler(t *testing.T) (*Store, *Reconciler) {
	t.Helper()
	s := newTestStore(t)
	return s, NewReconciler(s, ReconcilerConfig{Logger: slogt.New(t)})
}

func created(seq uint64, sm ServerMessage) Event {
	sm.Seq = seq
	return Event{ID: fmt.Sprintf("e%d", seq), ConversationID: "c1", Seq: seq, Payload: MessageCreated{Message: sm}}
}

func event(seq uint64, p Payload) Event {
	return Event{ID: fmt.Sprintf("e%d", seq), ConversationID: "c1", Seq: seq, Payload: p}
}

func TestReconciler_InOrder(t *testing.T) {
	s, r := newTestReconciler(t)

	for _, ev := range []Event{
		created(1, serverMsg("s1", 0, "bob", "hi")),
		event(2, StatusChanged{MessageID: "s1", Status: StatusDelivered}),
		event(3, ReactionChanged{MessageID: "s1", Emoji: "👍", UserID: "me", Added: true}),
	} {
		got, err := r.Apply(ev)
		if err != nil {
			t.Fatal(err)
		}
		if got != Applied {
			t.Errorf("Apply(%s) = %s, want applied", ev.ID, got)
		}
	}

	m, _ := s.Message("s1")
	if m.Seq != 1 || m.Status != StatusDelivered || !m.Reactions.Has("👍", "me") {
		t.Errorf("Got %+v", m)
	}
	if got := r.Applied("c1"); got != 3 {
		t.Errorf("Applied = %d, want 3", got)
	}
}

func TestReconciler_Duplicates(t *testing.T) {
	s, r := newTestReconciler(t)
	ev := created(1, serverMsg("s1", 0, "bob", "hi"))

	if got, _ := r.Apply(ev); got != Applied {
		t.Fatalf("First apply = %s, want applied", got)
	}
	if got, _ := r.Apply(ev); got != Duplicate {
		t.Errorf("Second apply = %s, want duplicate", got)
	}

	// A new event id replaying an old sequence number is superseded.
	replay := ev
	replay.ID = "other"
	if got, _ := r.Apply(replay); got != Superseded {
		t.Errorf("Replay = %s, want superseded", got)
	}

	if got := len(s.Snapshot("c1")); got != 1 {
		t.Errorf("Got %d messages, want 1", got)
	}
	if c, _ := s.Conversation("c1"); c.UnreadCount != 1 {
		t.Errorf("Got unread %d, want 1", c.UnreadCount)
	}
}

func TestReconciler_ReverseArrival(t *testing.T) {
	s, r := newTestReconciler(t)

	// Two devices send in quick succession; the pushes arrive in reverse.
	evs := []Event{
		created(2, serverMsg("s2", 0, "phone", "second")),
		created(1, serverMsg("s1", 0, "laptop", "first")),
	}
	want := []Outcome{Buffered, Applied}
	for i, ev := range evs {
		got, err := r.Apply(ev)
		if err != nil {
			t.Fatal(err)
		}
		if got != want[i] {
			t.Errorf("Apply(%s) = %s, want %s", ev.ID, got, want[i])
		}
	}

	if diff := cmp.Diff([]string{"s1", "s2"}, ids(s.Snapshot("c1"))); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if gaps := r.Gaps(); len(gaps) != 0 {
		t.Errorf("Got gaps %v, want none", gaps)
	}
}

func TestReconciler_OfflineSendAcknowledged(t *testing.T) {
	s, r := newTestReconciler(t)
	local := mustAppend(t, s, "Hello")

	ack := serverMsg("s1", 0, "me", "Hello")
	ack.CorrelationToken = local.CorrelationToken
	if _, err := r.Apply(created(1, ack)); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot("c1")
	if len(snap) != 1 {
		t.Fatalf("Got %d messages, want 1", len(snap))
	}
	if snap[0].ID != "s1" || snap[0].Status != StatusSent || snap[0].Content != "Hello" {
		t.Errorf("Got %+v, want sent Hello with server id", snap[0])
	}
}

// orderedScenario builds a conversation history whose final state is known.
// The token ties the first created event to a local optimistic message.
func orderedScenario(token string) []Event {
	mine := serverMsg("s1", 0, "me", "Hello")
	mine.CorrelationToken = token
	return []Event{
		created(1, mine),
		created(2, serverMsg("s2", 0, "bob", "hey")),
		created(3, serverMsg("s3", 0, "bob", "oops")),
		event(4, StatusChanged{MessageID: "s1", Status: StatusDelivered}),
		event(5, StatusChanged{MessageID: "s1", Status: StatusRead}),
		event(6, ReactionChanged{MessageID: "s2", Emoji: "😂", UserID: "me", Added: true}),
		event(7, MessageEdited{MessageID: "s2", Content: "hey there", Version: 1, EditedAt: t0}),
		event(8, MessageDeleted{MessageID: "s3"}),
		event(9, StatusChanged{MessageID: "s1", Status: StatusDelivered}),
		event(10, ReactionChanged{MessageID: "s2", Emoji: "😂", UserID: "bob", Added: true}),
	}
}

func TestReconciler_OrderIndependent(t *testing.T) {
	ignore := cmpopts.IgnoreFields(Message{}, "LocalID", "CorrelationToken")

	s, r := newTestReconciler(t)
	local := mustAppend(t, s, "Hello")
	for _, ev := range orderedScenario(local.CorrelationToken) {
		if _, err := r.Apply(ev); err != nil {
			t.Fatal(err)
		}
	}
	want := s.Snapshot("c1")
	if len(want) != 2 || want[0].Status != StatusRead {
		t.Fatalf("Unexpected in-order state %+v", want)
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		t.Run(fmt.Sprintf("Shuffle%d", trial), func(t *testing.T) {
			s, r := newTestReconciler(t)
			local := mustAppend(t, s, "Hello")

			evs := orderedScenario(local.CorrelationToken)
			// Deliver some events twice.
			for i := range evs {
				if rng.Intn(3) == 0 {
					evs = append(evs, evs[i])
				}
			}
			rng.Shuffle(len(evs), func(i, j int) { evs[i], evs[j] = evs[j], evs[i] })

			for _, ev := range evs {
				if _, err := r.Apply(ev); err != nil {
					t.Fatal(err)
				}
			}

			if diff := cmp.Diff(want, s.Snapshot("c1"), ignore); diff != "" {
				t.Errorf("State mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReconciler_SeedAndFlush(t *testing.T) {
	s, r := newTestReconciler(t)
	r.Seed("c1", 5)

	if got, _ := r.Apply(created(3, serverMsg("s3", 0, "bob", "old"))); got != Superseded {
		t.Errorf("Apply(seq 3) = %s, want superseded", got)
	}
	if got, _ := r.Apply(created(8, serverMsg("s8", 0, "bob", "later"))); got != Buffered {
		t.Errorf("Apply(seq 8) = %s, want buffered", got)
	}
	if diff := cmp.Diff([]string{"c1"}, r.Gaps()); diff != "" {
		t.Errorf("Gaps mismatch (-want +got):\n%s", diff)
	}

	if n := r.FlushGaps("c1"); n != 1 {
		t.Errorf("FlushGaps = %d, want 1", n)
	}
	if got := r.Applied("c1"); got != 8 {
		t.Errorf("Applied = %d, want 8", got)
	}
	if got, _ := r.Apply(created(4, serverMsg("s4", 0, "bob", "seeded"))); got != Superseded {
		t.Errorf("Apply(seq 4) = %s, want superseded", got)
	}
	// Seq 6 and 7 were skipped by the flush and still apply when they arrive.
	if got, _ := r.Apply(created(6, serverMsg("s6", 0, "bob", "late"))); got != Applied {
		t.Errorf("Apply(seq 6) = %s, want applied", got)
	}
	if got, _ := r.Apply(event(6, MessageDeleted{MessageID: "s8"})); got != Duplicate {
		t.Errorf("Apply(seq 6 again) = %s, want duplicate", got)
	}
	if hole, ok := r.FirstHole("c1"); !ok || hole != 7 {
		t.Errorf("FirstHole = %d, %v, want 7", hole, ok)
	}
	if diff := cmp.Diff([]string{"s6", "s8"}, ids(s.Snapshot("c1"))); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
}

func TestReconciler_BufferOverflow(t *testing.T) {
	s := newTestStore(t)
	r := NewReconciler(s, ReconcilerConfig{Logger: slogt.New(t), MaxBuffered: 3})

	r.Apply(created(3, serverMsg("s3", 0, "bob", "c")))
	r.Apply(created(4, serverMsg("s4", 0, "bob", "d")))
	got, _ := r.Apply(created(5, serverMsg("s5", 0, "bob", "e")))
	if got != Applied {
		t.Errorf("Apply at capacity = %s, want applied", got)
	}
	if diff := cmp.Diff([]string{"s3", "s4", "s5"}, ids(s.Snapshot("c1"))); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}

	if got, _ := r.Apply(created(1, serverMsg("s1", 0, "bob", "a"))); got != Applied {
		t.Errorf("Late apply(seq 1) = %s, want applied", got)
	}
	if got, _ := r.Apply(event(2, MessageDeleted{MessageID: "s4"})); got != Applied {
		t.Errorf("Late apply(seq 2) = %s, want applied", got)
	}
	if diff := cmp.Diff([]string{"s1", "s3", "s5"}, ids(s.Snapshot("c1"))); diff != "" {
		t.Errorf("Order mismatch after late events (-want +got):\n%s", diff)
	}
}

func TestReconciler_ApplyEnvelope(t *testing.T) {
	s, r := newTestReconciler(t)

	payload, _ := json.Marshal(MessageCreated{Message: serverMsg("s1", 0, "bob", "hi")})
	_, err := r.ApplyEnvelope(Envelope{ID: "e1", Type: EventMessageCreated, ConversationID: "c1", Seq: 1, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(s.Snapshot("c1")); got != 1 {
		t.Errorf("Got %d messages, want 1", got)
	}

	tests := []struct {
		name string
		env  Envelope
		want error
	}{
		{
			name: "UnknownType",
			env:  Envelope{ID: "e2", Type: "typing.started", ConversationID: "c1", Seq: 2, Payload: json.RawMessage(`{}`)},
			want: ErrUnknownEvent,
		},
		{
			name: "NoSequence",
			env:  Envelope{ID: "e3", Type: EventMessageDeleted, ConversationID: "c1", Payload: json.RawMessage(`{}`)},
			want: ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.ApplyEnvelope(tt.env); !errors.Is(err, tt.want) {
				t.Errorf("Got %v, want %v", err, tt.want)
			}
		})
	}

	_, err = r.ApplyEnvelope(Envelope{ID: "e4", Type: EventStatusChanged, ConversationID: "c1", Seq: 2, Payload: json.RawMessage(`{"status": 3}`)})
	if err == nil {
		t.Error("Got nil error for malformed payload")
	}
}

func TestEncodeEvent(t *testing.T) {
	ev := event(4, MessageEdited{MessageID: "s1", Content: "x", Version: 2, EditedAt: t0.Add(time.Hour)})
	env, err := EncodeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != EventMessageEdited {
		t.Errorf("Got type %q", env.Type)
	}
	back, err := DecodeEvent(env)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ev, back); diff != "" {
		t.Errorf("Event mismatch (-want +got):\n%s", diff)
	}
}

func TestReconciler_LateEventsAfterGap(t *testing.T) {
	tests := []struct {
		name string
		// late carries seq 2 and arrives after seq 3 to 5 were applied
		// across the gap.
		late       Event
		wantIDs    []string
		wantStatus Status
	}{
		{
			name:       "Created",
			late:       created(2, serverMsg("s2", 0, "bob", "two")),
			wantIDs:    []string{"s1", "s2", "s3", "s4"},
			wantStatus: StatusSent,
		},
		{
			name:       "Deleted",
			late:       event(2, MessageDeleted{MessageID: "s1"}),
			wantIDs:    []string{"s3", "s4"},
			wantStatus: StatusSent,
		},
		{
			name:       "Delivered",
			late:       event(2, StatusChanged{MessageID: "s1", Status: StatusDelivered}),
			wantIDs:    []string{"s1", "s3", "s4"},
			wantStatus: StatusRead,
		},
	}

	for _, tt := range tests {
		for _, overflow := range []bool{false, true} {
			name := tt.name + "/FlushGaps"
			if overflow {
				name = tt.name + "/Overflow"
			}
			t.Run(name, func(t *testing.T) {
				s := newTestStore(t)
				cfg := ReconcilerConfig{Logger: slogt.New(t)}
				if overflow {
					cfg.MaxBuffered = 3
				}
				r := NewReconciler(s, cfg)

				for _, ev := range []Event{
					created(1, serverMsg("s1", 0, "me", "one")),
					event(3, StatusChanged{MessageID: "s1", Status: StatusRead}),
					created(4, serverMsg("s3", 0, "bob", "three")),
				} {
					if _, err := r.Apply(ev); err != nil {
						t.Fatal(err)
					}
				}
				if overflow {
					if got, _ := r.Apply(created(5, serverMsg("s4", 0, "bob", "four"))); got != Applied {
						t.Fatalf("Apply at capacity = %s, want applied", got)
					}
				} else {
					r.Apply(created(5, serverMsg("s4", 0, "bob", "four")))
					if n := r.FlushGaps("c1"); n != 3 {
						t.Fatalf("FlushGaps = %d, want 3", n)
					}
				}
				if hole, ok := r.FirstHole("c1"); !ok || hole != 2 {
					t.Fatalf("FirstHole = %d, %v, want 2", hole, ok)
				}

				if got, err := r.Apply(tt.late); err != nil || got != Applied {
					t.Fatalf("Late apply = %s, %v, want applied", got, err)
				}
				if _, ok := r.FirstHole("c1"); ok {
					t.Error("Hole still open after the late event")
				}

				// The hole is closed: a replay is superseded.
				replay := tt.late
				replay.ID = "replay"
				if got, _ := r.Apply(replay); got != Superseded {
					t.Errorf("Replay = %s, want superseded", got)
				}

				if diff := cmp.Diff(tt.wantIDs, ids(s.Snapshot("c1"))); diff != "" {
					t.Errorf("Order mismatch (-want +got):\n%s", diff)
				}
				if m, _ := s.Message("s1"); m.Status != tt.wantStatus {
					t.Errorf("Got s1 status %s, want %s", m.Status, tt.wantStatus)
				}
			})
		}
	}
}

func TestReconciler_SeedClosesHoles(t *testing.T) {
	_, r := newTestReconciler(t)
	r.Apply(created(1, serverMsg("s1", 0, "bob", "a")))
	r.Apply(created(5, serverMsg("s5", 0, "bob", "e")))
	r.FlushGaps("c1")

	if hole, ok := r.FirstHole("c1"); !ok || hole != 2 {
		t.Fatalf("FirstHole = %d, %v, want 2", hole, ok)
	}
	r.Seed("c1", 3)
	if hole, ok := r.FirstHole("c1"); !ok || hole != 4 {
		t.Errorf("FirstHole after seed = %d, %v, want 4", hole, ok)
	}
	if got, _ := r.Apply(created(3, serverMsg("s3", 0, "bob", "c"))); got != Superseded {
		t.Errorf("Apply(seq 3) = %s, want superseded", got)
	}
	if got, _ := r.Apply(created(4, serverMsg("s4", 0, "bob", "d"))); got != Applied {
		t.Errorf("Apply(seq 4) = %s, want applied", got)
	}
}
