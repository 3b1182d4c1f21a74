package eventbus

import (
	"context"
	"sync"

	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventOutput carries REPL output for a pane.
	EventOutput EventType = "output"
	// EventState carries a session snapshot.
	EventState EventType = "state"
)

// Event represents a UI-facing event emitted by a session.
type Event struct {
	Type   EventType
	Output schema.OutputEvent
	State  schema.StateEvent
}

// DocumentID returns the document the event belongs to.
func (e Event) DocumentID() schema.DocumentID {
	if e.Type == EventState {
		return e.State.DocumentID
	}
	return e.Output.DocumentID
}

// Bus fans out events to per-document subscribers. It implements the
// console and state sink of a session.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.DocumentID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.DocumentID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the document and returns a channel + cancel.
func (b *Bus) Subscribe(id schema.DocumentID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	docSubs := b.subs[id]
	if docSubs == nil {
		docSubs = make(map[chan Event]struct{})
		b.subs[id] = docSubs
	}
	docSubs[ch] = struct{}{}
	count := len(docSubs)
	b.mu.Unlock()
	b.log.With("document", id).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[id]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, id)
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.With("document", id).Debug("eventbus unsubscribe")
		})
	}
}

// OnOutput publishes an output event.
func (b *Bus) OnOutput(event schema.OutputEvent) {
	b.publish(event.DocumentID, Event{Type: EventOutput, Output: event})
}

// OnState publishes a state event.
func (b *Bus) OnState(event schema.StateEvent) {
	b.publish(event.DocumentID, Event{Type: EventState, State: event})
}

func (b *Bus) publish(id schema.DocumentID, event Event) {
	if b == nil {
		return
	}
	// Sends never block, so holding the lock keeps cancel from closing a
	// channel mid-send.
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs[id] {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("document", id).Trace("eventbus dropped", "count", dropped)
	}
}
