package core

import "context"

// Frame is one prompt-terminated reply from the REPL.
type Frame struct {
	Output string
	Prompt string
	// Skipped counts prompt-only replies that arrived ahead of this one in
	// the same read and were discarded.
	Skipped int
	// Err is set when reading failed; Output then holds the partial buffer.
	Err error
}

// Channel is a running REPL process.
type Channel interface {
	// Send writes command followed by a newline.
	Send(command string) error
	// Frames yields replies in arrival order and is closed when the process output ends.
	Frames() <-chan Frame
	// Terminate kills the process.
	Terminate() error
}

// LaunchRequest describes a REPL invocation.
type LaunchRequest struct {
	// Path is the executable; empty means search PATH.
	Path  string
	Args  []string
	Dir   string
	Debug bool
}

// Launcher starts REPL processes.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Channel, error)
}
