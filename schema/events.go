package schema

// OutputEvent carries REPL output destined for a pane.
type OutputEvent struct {
	DocumentID DocumentID `json:"document_id"`
	Pane       Pane       `json:"pane"`
	Text       string     `json:"text"`
	// Progress marks the transient "Running..." notice.
	Progress bool `json:"progress,omitempty"`
	// Failure marks replies that carried a REPL error.
	Failure bool `json:"failure,omitempty"`
}

// StateEvent reports a session state change.
type StateEvent struct {
	DocumentID DocumentID      `json:"document_id"`
	Snapshot   SessionSnapshot `json:"snapshot"`
}
