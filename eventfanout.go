package coqsync

import (
	"pkt.systems/coqsync/core"
	"pkt.systems/coqsync/schema"
)

type eventSink interface {
	core.Console
	core.StateSink
}

type eventFanout struct {
	consoles []core.Console
	states   []core.StateSink
}

func (f *eventFanout) add(sink eventSink) {
	f.consoles = append(f.consoles, sink)
	f.states = append(f.states, sink)
}

func (f eventFanout) OnOutput(event schema.OutputEvent) {
	for _, sink := range f.consoles {
		if sink == nil {
			continue
		}
		sink.OnOutput(event)
	}
}

func (f eventFanout) OnState(event schema.StateEvent) {
	for _, sink := range f.states {
		if sink == nil {
			continue
		}
		sink.OnState(event)
	}
}
