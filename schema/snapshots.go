package schema

// StepSnapshot is the read model of one advanced step.
type StepSnapshot struct {
	ID       string   `json:"id"`
	Kind     StepKind `json:"kind"`
	Position int      `json:"position"`
	Scope    Scope    `json:"scope"`
	Defined  []Name   `json:"defined,omitempty"`
}

// AutorunSnapshot is the read model of the autorun target.
type AutorunSnapshot struct {
	Target  int  `json:"target"`
	Forward bool `json:"forward"`
	Enabled bool `json:"enabled"`
}

// SessionSnapshot is the read model of a session.
type SessionSnapshot struct {
	DocumentID DocumentID       `json:"document_id"`
	Path       string           `json:"path,omitempty"`
	Position   int              `json:"position"`
	Scope      Scope            `json:"scope"`
	Ready      bool             `json:"ready"`
	Theorem    string           `json:"theorem,omitempty"`
	LastOutput string           `json:"last_output,omitempty"`
	Steps      []StepSnapshot   `json:"steps"`
	Autorun    *AutorunSnapshot `json:"autorun,omitempty"`
	Closed     bool             `json:"closed,omitempty"`
	Err        string           `json:"error,omitempty"`
}
