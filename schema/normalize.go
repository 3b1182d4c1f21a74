package schema

import (
	"strings"
	"unicode"
)

// ValidateDocumentID ensures a document id matches [A-Za-z0-9._-] with no normalization.
func ValidateDocumentID(id DocumentID) error {
	raw := string(id)
	if raw == "" {
		return ErrInvalidDocument
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidDocument
	}
	for _, r := range raw {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		return ErrInvalidDocument
	}
	return nil
}

// NormalizePane maps an empty pane to the console and validates the rest.
func NormalizePane(pane Pane) (Pane, error) {
	switch Pane(strings.ToLower(strings.TrimSpace(string(pane)))) {
	case "", PaneConsole:
		return PaneConsole, nil
	case PaneSearch:
		return PaneSearch, nil
	case PaneEvaluate:
		return PaneEvaluate, nil
	default:
		return "", ErrInvalidRequest
	}
}
