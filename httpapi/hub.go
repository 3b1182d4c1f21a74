package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/coqsync/internal/logx"
	"pkt.systems/coqsync/schema"
)

// Stream event types.
const (
	StreamSnapshot = "snapshot"
	StreamOutput   = "output"
	StreamState    = "state"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq        uint64                  `json:"seq"`
	Type       string                  `json:"type"`
	DocumentID schema.DocumentID       `json:"document_id"`
	Output     *schema.OutputEvent     `json:"output,omitempty"`
	Snapshot   *schema.SessionSnapshot `json:"snapshot,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// Hub broadcasts events per document and keeps a bounded history for replay.
// It implements the console and state sink of a session.
type Hub struct {
	mu          sync.Mutex
	docs        map[schema.DocumentID]*docHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		docs:        make(map[schema.DocumentID]*docHub),
		historySize: historySize,
	}
}

// OnOutput records REPL output.
func (h *Hub) OnOutput(event schema.OutputEvent) {
	log := logx.WithDocument(context.Background(), event.DocumentID)
	log.Trace("hub output event", "pane", event.Pane, "bytes", len(event.Text))
	h.publish(event.DocumentID, StreamEvent{
		Type:      StreamOutput,
		Output:    &event,
		Timestamp: time.Now(),
	})
}

// OnState records a session snapshot.
func (h *Hub) OnState(event schema.StateEvent) {
	log := logx.WithDocument(context.Background(), event.DocumentID)
	log.Trace("hub state event", "position", event.Snapshot.Position, "ready", event.Snapshot.Ready)
	snap := event.Snapshot
	h.publish(event.DocumentID, StreamEvent{
		Type:      StreamState,
		Snapshot:  &snap,
		Timestamp: time.Now(),
	})
}

// Subscribe registers a subscriber for a document. Events in the returned
// history have Seq at most seq; events on the channel come after it.
func (h *Hub) Subscribe(id schema.DocumentID) (<-chan StreamEvent, func(), uint64, []StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dh := h.getOrCreateLocked(id)
	ch := make(chan StreamEvent, 256)
	dh.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), dh.history...)
	seq := dh.seq
	log := logx.WithDocument(context.Background(), id)
	log.Info("hub subscribe", "subs", len(dh.subs), "history", len(history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := dh.subs[ch]; ok {
				delete(dh.subs, ch)
				close(ch)
			}
			remaining := len(dh.subs)
			h.mu.Unlock()
			log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq, history
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(id schema.DocumentID, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	dh := h.docs[id]
	if dh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(dh.history))
	for _, event := range dh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithDocument(context.Background(), id).Debug("hub replay", "after", after, "count", len(events))
	return events
}

// Forget drops the history of a document and closes its subscribers.
func (h *Hub) Forget(id schema.DocumentID) {
	h.mu.Lock()
	dh := h.docs[id]
	delete(h.docs, id)
	if dh != nil {
		for ch := range dh.subs {
			delete(dh.subs, ch)
			close(ch)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) publish(id schema.DocumentID, event StreamEvent) {
	event.DocumentID = id
	h.mu.Lock()
	dh := h.getOrCreateLocked(id)
	dh.seq++
	event.Seq = dh.seq
	dh.history = append(dh.history, event)
	if len(dh.history) > h.historySize {
		dh.history = dh.history[len(dh.history)-h.historySize:]
	}
	dropped := 0
	for sub := range dh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		logx.WithDocument(context.Background(), id).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateLocked(id schema.DocumentID) *docHub {
	dh := h.docs[id]
	if dh == nil {
		dh = &docHub{
			subs: make(map[chan StreamEvent]struct{}),
		}
		h.docs[id] = dh
	}
	return dh
}

type docHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
