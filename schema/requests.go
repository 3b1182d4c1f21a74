package schema

// StartRequest opens a session for a document.
type StartRequest struct {
	DocumentID DocumentID `json:"id"`
	// Path is the file backing the document, used for the project binding.
	Path string `json:"path,omitempty"`
	// Text is the initial document text. When empty and Path is set it is read from disk.
	Text string `json:"text,omitempty"`
	// Resume advances to the last persisted position when the proven prefix still matches.
	Resume bool `json:"resume,omitempty"`
}

// QueryRequest is a search or evaluation command redirected to a pane.
type QueryRequest struct {
	// Kind is the REPL command, e.g. Search, SearchPattern, Locate, Compute, Check.
	Kind  string `json:"kind"`
	Value string `json:"value"`
	// Quote wraps the value in double quotes instead of parentheses.
	Quote bool `json:"quote,omitempty"`
	Pane  Pane `json:"pane,omitempty"`
	// Width is the pane width in columns; zero keeps the current printing width.
	Width int `json:"width,omitempty"`
}
