// Package coqtext holds the text conventions of coqtop -emacs replies.
package coqtext

import (
	"regexp"
	"strings"

	"pkt.systems/coqsync/schema"
)

var (
	noisePattern   = regexp.MustCompile(`\AToplevel input,.+\n| \(ID \d+\)|\(dependent evars: \(printing disabled\) \)`)
	infoMsgPattern = regexp.MustCompile(`<infomsg>\n?|\n?</infomsg>`)
	errorPattern   = regexp.MustCompile(`(?m)^(Error:|Syntax [Ee]rror:)`)
	definedPattern = regexp.MustCompile(`(?m)^(\S+) (?:is|are) (?:recursively )?(?:defined|declared|assumed)`)
	queryTail      = regexp.MustCompile(`\.(?:$|\s+.*)`)
	keywordPattern = regexp.MustCompile(`^\s*([A-Z][a-z]+)`)
)

// Clean removes diagnostic noise: the input echo header, (ID n) annotations
// and the evar printing notice.
func Clean(output string) string {
	return noisePattern.ReplaceAllString(output, "")
}

// StripInfoMsg removes <infomsg> wrapper tags.
func StripInfoMsg(output string) string {
	return infoMsgPattern.ReplaceAllString(output, "")
}

// IsError reports whether output carries an error at the start of a line.
func IsError(output string) bool {
	return errorPattern.MatchString(output)
}

// TheoremName returns the text between the first and last '|' of a prompt,
// or "" when the prompt has fewer than two delimiters.
func TheoremName(prompt string) string {
	first := strings.IndexByte(prompt, '|')
	last := strings.LastIndexByte(prompt, '|')
	if first < 0 || last <= first {
		return ""
	}
	return prompt[first+1 : last]
}

// Annotator extracts defined identifiers from REPL replies.
type Annotator struct{}

// DefinedNames returns identifiers announced as defined, declared or assumed.
func (Annotator) DefinedNames(output string) []schema.Name {
	return DefinedNames(output)
}

// DefinedNames returns identifiers announced as defined, declared or assumed, in order.
func DefinedNames(output string) []schema.Name {
	matches := definedPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]schema.Name, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		name := strings.TrimRight(m[1], ",")
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, schema.Name(name))
	}
	return names
}

// SanitizeQuery drops a terminating period and anything after it.
func SanitizeQuery(value string) string {
	return queryTail.ReplaceAllString(value, "")
}

// Keyword returns the leading capitalized word of a statement, or "".
func Keyword(statement string) string {
	m := keywordPattern.FindStringSubmatch(statement)
	if m == nil {
		return ""
	}
	return m[1]
}

// Classify maps a statement keyword onto a step kind and reports whether it
// closes a proof.
func Classify(statement string) (schema.StepKind, bool) {
	switch Keyword(statement) {
	case "Show", "Print", "Check":
		return schema.StepComment, false
	case "Qed", "Admitted", "Save", "Defined":
		return schema.StepProofClose, true
	default:
		return schema.StepStatement, false
	}
}
