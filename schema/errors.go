package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidDocument indicates an invalid document identifier.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrLaunch indicates the REPL executable could not be found or started.
	ErrLaunch = errors.New("coqtop launch failed")
	// ErrChannelClosed indicates the REPL process has exited.
	ErrChannelClosed = errors.New("coqtop channel closed")
	// ErrNotReady indicates a command is already in flight.
	ErrNotReady = errors.New("session is busy")
	// ErrSessionNotFound indicates no session exists for the document.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a session already runs for the document.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionClosed indicates the session was stopped.
	ErrSessionClosed = errors.New("session closed")
	// ErrNothingToUndo indicates the step stack is empty.
	ErrNothingToUndo = errors.New("nothing to undo")
	// ErrNotInProof indicates the operation requires an open proof.
	ErrNotInProof = errors.New("not in a proof")
	// ErrEndOfDocument indicates there is nothing left to advance over.
	ErrEndOfDocument = errors.New("end of document")
	// ErrProvenRegionModified indicates an edit touched the proven prefix.
	ErrProvenRegionModified = errors.New("proven region is read-only")
	// ErrEmptyQuery indicates a query without a value.
	ErrEmptyQuery = errors.New("empty query")
)
