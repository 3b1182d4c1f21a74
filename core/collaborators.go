package core

import (
	"pkt.systems/coqsync/internal/segment"
	"pkt.systems/coqsync/schema"
)

// Document is the text a session advances through.
type Document interface {
	Text() string
	InComment(offset int) bool
}

// Highlighter tracks the proven regions of a document.
type Highlighter interface {
	MarkProven(id string, region schema.Region)
	ClearProven(id string)
}

// Console receives REPL output for display.
type Console interface {
	OnOutput(event schema.OutputEvent)
}

// StateSink receives session state changes.
type StateSink interface {
	OnState(event schema.StateEvent)
}

// Annotator extracts identifiers a reply reports as defined.
type Annotator interface {
	DefinedNames(output string) []schema.Name
}

// Segmenter finds the next unit to advance over.
type Segmenter interface {
	Next(src segment.Source, position int) (segment.Unit, error)
}
