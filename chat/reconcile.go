package chat

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/GetStream/chat-sync/metrics"
)

const (
	defaultMaxBuffered = 512
	defaultSeenLimit   = 4096
	// maxHoles bounds the skipped sequence ranges remembered per
	// conversation.
	maxHoles = 64
)

// Outcome says what the Reconciler did with an event.
type Outcome int

const (
	// Applied means the event, and possibly buffered successors, reached the
	// store.
	Applied Outcome = iota
	// Buffered means the event is held until the sequence gap before it fills.
	Buffered
	// Duplicate means the event id was seen before.
	Duplicate
	// Superseded means the conversation has already moved past the event's
	// sequence number.
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case Superseded:
		return "superseded"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// MaxBuffered bounds the events held per conversation while waiting for
	// a gap. Reaching it flushes the buffer across the gap.
	MaxBuffered int
	// SeenLimit bounds the remembered event ids per conversation.
	SeenLimit int
}

// Reconciler applies server push events to a Store in per-conversation
// sequence order. Applying an event twice is a no-op, and events that arrive
// early wait for their predecessors, so any arrival order converges on the
// state produced by applying the events in sequence order.
type Reconciler struct {
	store       *Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxBuffered int
	seenLimit   int

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	applied  uint64
	buffered map[uint64]Event
	seen     map[string]struct{}
	seenFIFO []string
	// holes are sequence numbers below applied that were skipped when
	// buffered events were applied across a gap, as sorted inclusive ranges.
	// An event filling a hole is still applied when it shows up.
	holes []span
}

type span struct{ lo, hi uint64 }

// NewReconciler returns a Reconciler writing into store.
func NewReconciler(store *Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = defaultMaxBuffered
	}
	if cfg.SeenLimit <= 0 {
		cfg.SeenLimit = defaultSeenLimit
	}
	return &Reconciler{
		store:       store,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		maxBuffered: cfg.MaxBuffered,
		seenLimit:   cfg.SeenLimit,
		streams:     make(map[string]*stream),
	}
}

func (r *Reconciler) stream(convID string) *stream {
	st := r.streams[convID]
	if st == nil {
		st = &stream{
			buffered: make(map[uint64]Event),
			seen:     make(map[string]struct{}),
		}
		r.streams[convID] = st
	}
	return st
}

// Seed sets the sequence number a conversation is known to be complete up
// to, typically from a restored snapshot. It never moves backwards.
func (r *Reconciler) Seed(convID string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stream(convID)
	if seq > st.applied {
		st.applied = seq
		r.dropSuperseded(st)
		r.drain(st)
	}
	st.holes = slices.DeleteFunc(st.holes, func(h span) bool { return h.hi <= seq })
	for i := range st.holes {
		st.holes[i].lo = max(st.holes[i].lo, seq+1)
	}
}

// Applied returns the highest sequence number applied for a conversation.
func (r *Reconciler) Applied(convID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.streams[convID]; st != nil {
		return st.applied
	}
	return 0
}

// FirstHole returns the lowest sequence number that was skipped when
// buffered events were applied across a gap and has not arrived since.
func (r *Reconciler) FirstHole(convID string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.streams[convID]; st != nil && len(st.holes) > 0 {
		return st.holes[0].lo, true
	}
	return 0, false
}

// Gaps lists the conversations holding buffered events.
func (r *Reconciler) Gaps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, st := range r.streams {
		if len(st.buffered) > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// ApplyEnvelope decodes env and applies it.
func (r *Reconciler) ApplyEnvelope(env Envelope) (Outcome, error) {
	ev, err := DecodeEvent(env)
	if err != nil {
		r.metrics.Event(string(env.Type), "rejected")
		return 0, err
	}
	return r.Apply(ev)
}

// Apply routes ev through the conversation's ordering buffer.
func (r *Reconciler) Apply(ev Event) (Outcome, error) {
	if ev.Payload == nil || ev.Seq == 0 || ev.ConversationID == "" {
		return 0, fmt.Errorf("apply event %q: %w", ev.ID, ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stream(ev.ConversationID)

	if _, ok := st.seen[ev.ID]; ok {
		r.metrics.Event(string(ev.Type()), Duplicate.String())
		return Duplicate, nil
	}
	if ev.Seq <= st.applied && r.fillHole(st, ev.Seq) {
		r.remember(st, ev.ID)
		r.logger.Info("Applying late event skipped by a sequence gap",
			"id", ev.ID, "conversation_id", ev.ConversationID, "seq", ev.Seq, "applied", st.applied)
		r.dispatch(ev)
		return Applied, nil
	}
	if ev.Seq <= st.applied {
		r.remember(st, ev.ID)
		r.metrics.Event(string(ev.Type()), Superseded.String())
		r.logger.Debug("Dropped superseded event", "id", ev.ID, "seq", ev.Seq, "applied", st.applied)
		return Superseded, nil
	}
	if _, ok := st.buffered[ev.Seq]; ok {
		r.metrics.Event(string(ev.Type()), Duplicate.String())
		return Duplicate, nil
	}

	if ev.Seq > st.applied+1 {
		st.buffered[ev.Seq] = ev
		r.remember(st, ev.ID)
		r.metrics.Event(string(ev.Type()), Buffered.String())
		r.metrics.AddBuffered(1)
		if len(st.buffered) >= r.maxBuffered {
			r.logger.Warn("Event buffer full, applying across gap",
				"conversation_id", ev.ConversationID, "applied", st.applied, "buffered", len(st.buffered))
			r.flush(st)
			return Applied, nil
		}
		return Buffered, nil
	}

	r.remember(st, ev.ID)
	r.apply(st, ev)
	r.drain(st)
	return Applied, nil
}

// FlushGaps gives up waiting for missing sequence numbers and applies every
// buffered event of a conversation in order. It returns how many were applied.
func (r *Reconciler) FlushGaps(convID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.streams[convID]
	if st == nil || len(st.buffered) == 0 {
		return 0
	}
	r.logger.Info("Applying buffered events across sequence gap",
		"conversation_id", convID, "applied", st.applied, "buffered", len(st.buffered))
	return r.flush(st)
}

func (r *Reconciler) flush(st *stream) int {
	seqs := make([]uint64, 0, len(st.buffered))
	for seq := range st.buffered {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	for _, seq := range seqs {
		ev := st.buffered[seq]
		delete(st.buffered, seq)
		r.metrics.AddBuffered(-1)
		if seq > st.applied+1 {
			r.addHole(st, span{lo: st.applied + 1, hi: seq - 1})
		}
		r.apply(st, ev)
	}
	return len(seqs)
}

func (r *Reconciler) addHole(st *stream, h span) {
	st.holes = append(st.holes, h)
	if len(st.holes) > maxHoles {
		r.logger.Warn("Too many sequence holes, forgetting the oldest",
			"from", st.holes[0].lo, "to", st.holes[0].hi)
		st.holes = st.holes[1:]
	}
}

// fillHole removes seq from the holes of st and reports whether it was one.
func (r *Reconciler) fillHole(st *stream, seq uint64) bool {
	for i, h := range st.holes {
		if seq < h.lo || seq > h.hi {
			continue
		}
		var rest []span
		if h.lo < seq {
			rest = append(rest, span{lo: h.lo, hi: seq - 1})
		}
		if seq < h.hi {
			rest = append(rest, span{lo: seq + 1, hi: h.hi})
		}
		st.holes = slices.Replace(st.holes, i, i+1, rest...)
		return true
	}
	return false
}

func (r *Reconciler) drain(st *stream) {
	for {
		ev, ok := st.buffered[st.applied+1]
		if !ok {
			return
		}
		delete(st.buffered, ev.Seq)
		r.metrics.AddBuffered(-1)
		r.apply(st, ev)
	}
}

func (r *Reconciler) dropSuperseded(st *stream) {
	for seq := range st.buffered {
		if seq <= st.applied {
			delete(st.buffered, seq)
			r.metrics.AddBuffered(-1)
		}
	}
}

func (r *Reconciler) remember(st *stream, id string) {
	if id == "" {
		return
	}
	st.seen[id] = struct{}{}
	st.seenFIFO = append(st.seenFIFO, id)
	if len(st.seenFIFO) > r.seenLimit {
		delete(st.seen, st.seenFIFO[0])
		st.seenFIFO = st.seenFIFO[1:]
	}
}

// apply advances the high-water mark to ev and hands it to the store. The
// store deciding an event changes nothing is not an error: it is how late
// events for tombstoned or already confirmed messages become no-ops.
func (r *Reconciler) apply(st *stream, ev Event) {
	st.applied = ev.Seq
	r.dispatch(ev)
}

func (r *Reconciler) dispatch(ev Event) {
	var changed bool
	switch p := ev.Payload.(type) {
	case MessageCreated:
		sm := p.Message
		sm.ConversationID = ev.ConversationID
		if sm.Seq == 0 {
			sm.Seq = ev.Seq
		}
		changed = r.store.ReconcileServerMessage(sm)
	case StatusChanged:
		changed = r.store.UpdateStatus(p.MessageID, p.Status)
	case MessageEdited:
		changed = r.store.ApplyEdit(p.MessageID, p.Content, p.Version, p.EditedAt)
	case MessageDeleted:
		changed = r.store.MarkDeleted(p.MessageID)
	case ReactionChanged:
		changed = r.store.ApplyReaction(p.MessageID, p.Emoji, p.UserID, p.Added)
	default:
		r.logger.Error("Unhandled event payload", "id", ev.ID, "type", fmt.Sprintf("%T", p))
		r.metrics.Event(string(ev.Type()), "unhandled")
		return
	}

	outcome := "applied"
	if !changed {
		outcome = "noop"
	}
	r.metrics.Event(string(ev.Type()), outcome)
}
