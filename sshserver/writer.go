package sshserver

import (
	"io"
	"strings"
	"sync"

	"pkt.systems/coqsync/internal/eventbus"
	"pkt.systems/coqsync/internal/format"
)

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// writeLines ends lines with CRLF so they render on raw terminals too.
func (l *lockedWriter) writeLines(lines []string) {
	if len(lines) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, strings.Join(lines, "\r\n")+"\r\n")
}

// outputPump copies output events to a writer as they arrive. flush prints
// everything already queued before returning.
type outputPump struct {
	w        *lockedWriter
	renderer *format.PlainRenderer
	flushCh  chan chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

func startOutputPump(w *lockedWriter, events <-chan eventbus.Event) *outputPump {
	p := &outputPump{
		w:        w,
		renderer: format.NewPlainRenderer(),
		flushCh:  make(chan chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.loop(events)
	return p
}

func (p *outputPump) loop(events <-chan eventbus.Event) {
	defer close(p.stopped)
	for {
		select {
		case <-p.done:
			return
		case ack := <-p.flushCh:
			events = p.drain(events)
			close(ack)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.print(event)
		}
	}
}

func (p *outputPump) drain(events <-chan eventbus.Event) <-chan eventbus.Event {
	for events != nil {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			p.print(event)
		default:
			return events
		}
	}
	return nil
}

func (p *outputPump) print(event eventbus.Event) {
	if event.Type != eventbus.EventOutput || strings.TrimSpace(event.Output.Text) == "" {
		return
	}
	p.w.writeLines(p.renderer.FormatOutput(event.Output))
}

func (p *outputPump) flush() {
	ack := make(chan struct{})
	select {
	case p.flushCh <- ack:
		<-ack
	case <-p.stopped:
	}
}

func (p *outputPump) stop() {
	p.once.Do(func() { close(p.done) })
	<-p.stopped
}
