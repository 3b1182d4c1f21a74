package core

import (
	"pkt.systems/coqsync/internal/persist"
	"pkt.systems/pslog"
)

// DriverDeps captures the collaborators of a single session driver.
type DriverDeps struct {
	Channel     Channel
	Document    Document
	Highlighter Highlighter
	Segmenter   Segmenter
	Annotator   Annotator
	Console     Console
	States      StateSink
	Logger      pslog.Logger
	// Path is the file backing the document, if any.
	Path string
}

// RegistryDeps captures optional dependencies for the session registry.
type RegistryDeps struct {
	Launcher  Launcher
	Segmenter Segmenter
	Annotator Annotator
	Console   Console
	States    StateSink
	Store     *persist.Store
	Logger    pslog.Logger
}
