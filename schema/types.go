package schema

// DocumentID identifies an open document and its REPL session.
type DocumentID string

// Name is an identifier defined in the REPL (a lemma, definition, ...).
type Name string

// StepKind classifies one unit of advanced history.
type StepKind string

const (
	// StepComment is a comment or a query statement that leaves no REPL state.
	StepComment StepKind = "comment"
	// StepStatement is an ordinary statement.
	StepStatement StepKind = "statement"
	// StepProofClose is a proof-closing statement (Qed, Admitted, Save, Defined).
	StepProofClose StepKind = "qed"
)

// Scope is the proof-nesting level of a session.
type Scope string

const (
	// ScopeToplevel means no proof is open.
	ScopeToplevel Scope = "toplevel"
	// ScopeTheorem means a theorem statement was accepted but its proof body has not started.
	ScopeTheorem Scope = "theorem"
	// ScopeTactic means the session is inside a proof body.
	ScopeTactic Scope = "tactic"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeToplevel, ScopeTheorem, ScopeTactic:
		return true
	default:
		return false
	}
}

// Region is a half-open [Start, End) span of rune offsets.
type Region struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of runes covered by the region.
func (r Region) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Pane names an output target for REPL replies.
type Pane string

const (
	// PaneConsole is the shared console every session writes to.
	PaneConsole Pane = "console"
	// PaneSearch receives search query results.
	PaneSearch Pane = "search"
	// PaneEvaluate receives evaluation results.
	PaneEvaluate Pane = "evaluate"
)
