// Package coqmock emulates enough of `coqtop -emacs` to drive sessions
// without a proof assistant installed.
package coqmock

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"time"
)

// DefaultBanner is printed before the first prompt.
const DefaultBanner = "Welcome to Coq 8.20.0 (coqsync mock)"

// Options tunes the mock.
type Options struct {
	Banner string
	// ReplyDelay is slept before each reply.
	ReplyDelay time.Duration
}

var (
	sentencePattern = regexp.MustCompile(`(?s)\s*(.*?[^.]\.)(?:\s+|$)`)
	namePattern     = regexp.MustCompile(`^\s*([A-Z][A-Za-z]*)\s+([A-Za-z_][A-Za-z0-9_']*)`)
	keywordPattern  = regexp.MustCompile(`^\s*([A-Z][A-Za-z]*)\b\s*(.*?)\.?\s*$`)
	identPattern    = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_']*`)
)

var builtins = map[string]bool{
	"nat": true, "bool": true, "True": true, "False": true, "I": true,
	"O": true, "S": true, "plus": true, "mult": true, "eq": true,
	"true": true, "false": true, "fun": true, "forall": true, "Type": true, "Prop": true,
}

type proof struct {
	name  string
	steps int
	goal  string
}

// Machine is the mock proof state. It is not safe for concurrent use.
type Machine struct {
	state   int
	defined []string
	proofs  []proof
}

// NewMachine constructs an empty machine.
func NewMachine() *Machine {
	return &Machine{state: 1}
}

// Prompt returns the current prompt text without tags.
func (m *Machine) Prompt() string {
	if len(m.proofs) == 0 {
		return fmt.Sprintf("Coq < %d || 0 < ", m.state)
	}
	top := m.proofs[len(m.proofs)-1].name
	return fmt.Sprintf("%s < %d |%s| 0 < ", top, m.state, top)
}

// Sentences splits a command line into sentences. A trailing fragment
// without a period, such as a bullet, is returned as its own sentence.
func Sentences(line string) []string {
	var out []string
	rest := line
	for {
		loc := sentencePattern.FindStringSubmatchIndex(rest)
		if loc == nil || loc[0] != 0 {
			break
		}
		out = append(out, rest[loc[2]:loc[3]])
		rest = rest[loc[1]:]
	}
	if tail := strings.TrimSpace(rest); tail != "" {
		out = append(out, tail)
	}
	return out
}

// Eval runs one sentence and returns its output.
func (m *Machine) Eval(sentence string) string {
	sentence = strings.TrimSpace(sentence)
	keyword, arg := "", ""
	if match := keywordPattern.FindStringSubmatch(sentence); match != nil {
		keyword, arg = match[1], strings.TrimSpace(match[2])
	}
	name := ""
	if match := namePattern.FindStringSubmatch(sentence); match != nil {
		name = match[2]
	}
	if strings.Contains(sentence, "fail") {
		return "Error: Tactic failure."
	}
	switch keyword {
	case "Set", "Unset":
		return ""
	case "Lemma", "Theorem", "Example", "Corollary", "Proposition", "Remark", "Fact", "Goal":
		if keyword == "Goal" {
			name = "Unnamed_thm"
		}
		if m.isDefined(name) {
			return fmt.Sprintf("Error: %s already exists.", name)
		}
		goal := arg
		if i := strings.Index(arg, ":"); i >= 0 && keyword != "Goal" {
			goal = strings.TrimSpace(arg[i+1:])
		}
		m.proofs = append(m.proofs, proof{name: name, goal: goal})
		m.state++
		return subgoal(goal)
	case "Qed", "Defined", "Save", "Admitted":
		if len(m.proofs) == 0 {
			return "Error: No focused proof (No proof-editing in progress)."
		}
		p := m.proofs[len(m.proofs)-1]
		m.proofs = m.proofs[:len(m.proofs)-1]
		m.defined = append(m.defined, p.name)
		m.state++
		if keyword == "Admitted" {
			return p.name + " is declared"
		}
		return p.name + " is defined"
	case "Abort":
		if len(m.proofs) == 0 {
			return "Error: No focused proof (No proof-editing in progress)."
		}
		m.proofs = m.proofs[:len(m.proofs)-1]
		m.state++
		return ""
	case "Undo":
		if len(m.proofs) == 0 || m.top().steps == 0 {
			return "Error: Cannot undo."
		}
		m.top().steps--
		m.state++
		return subgoal(m.top().goal)
	case "Reset":
		target := strings.TrimSuffix(arg, ".")
		// Resetting an open proof aborts it and everything opened after it.
		if j := slices.IndexFunc(m.proofs, func(p proof) bool { return p.name == target }); j >= 0 {
			m.proofs = m.proofs[:j]
			m.state++
			return ""
		}
		i := slices.Index(m.defined, target)
		if i < 0 {
			return fmt.Sprintf("Error: %s: no such entry", target)
		}
		m.defined = m.defined[:i]
		m.state++
		return ""
	case "Definition", "Fixpoint", "Let":
		return m.define(name, name+" is defined")
	case "Inductive":
		return m.define(name, fmt.Sprintf("%[1]s is defined\n%[1]s_rect is defined\n%[1]s_ind is defined\n%[1]s_rec is defined", name), name+"_rect", name+"_ind", name+"_rec")
	case "Axiom", "Parameter", "Variable", "Hypothesis":
		return m.define(name, name+" is declared")
	case "Search", "SearchPattern", "SearchAbout", "SearchRewrite", "Locate":
		return m.search(strings.Trim(arg, `()"`))
	case "Print":
		if !m.known(arg) {
			return fmt.Sprintf("Error: %s not a defined object.", arg)
		}
		return fmt.Sprintf("%s = %s\n     : Type", arg, arg)
	case "Check", "Compute", "Eval":
		if missing := m.unknownIdent(arg); missing != "" {
			return fmt.Sprintf("Error: The reference %s was not found in the current environment.", missing)
		}
		return fmt.Sprintf("%s\n     : Type", arg)
	case "Proof":
		if len(m.proofs) == 0 {
			return "Error: No focused proof (No proof-editing in progress)."
		}
		m.top().steps++
		m.state++
		return subgoal(m.top().goal)
	case "Show":
		if len(m.proofs) == 0 {
			return "Error: No focused proof."
		}
		return subgoal(m.top().goal)
	}
	if len(m.proofs) == 0 {
		return "Error: Syntax error: illegal begin of vernac."
	}
	m.top().steps++
	m.state++
	return "No more subgoals."
}

func (m *Machine) top() *proof {
	return &m.proofs[len(m.proofs)-1]
}

func (m *Machine) define(name, output string, extra ...string) string {
	if name == "" {
		return "Error: Syntax error: [identifier] expected."
	}
	if m.isDefined(name) {
		return fmt.Sprintf("Error: %s already exists.", name)
	}
	m.defined = append(m.defined, name)
	m.defined = append(m.defined, extra...)
	m.state++
	return output
}

func (m *Machine) isDefined(name string) bool {
	return slices.Contains(m.defined, name)
}

func (m *Machine) known(name string) bool {
	return builtins[name] || m.isDefined(name)
}

func (m *Machine) unknownIdent(expr string) string {
	for _, ident := range identPattern.FindAllString(expr, -1) {
		if !m.known(ident) {
			return ident
		}
	}
	return ""
}

// search lists matching definitions; an exact match prints nothing.
func (m *Machine) search(query string) string {
	if m.known(query) {
		return ""
	}
	var lines []string
	for _, name := range m.defined {
		if strings.Contains(name, query) {
			lines = append(lines, name+": Type")
		}
	}
	return strings.Join(lines, "\n")
}

func subgoal(goal string) string {
	return fmt.Sprintf("1 subgoal\n  \n  ============================\n   %s", goal)
}

// Serve runs the REPL loop over r and w until r ends or ctx is done. Each
// sentence gets its own reply: output, a newline, then the tagged prompt.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts Options) error {
	banner := opts.Banner
	if banner == "" {
		banner = DefaultBanner
	}
	out := bufio.NewWriter(w)
	m := NewMachine()
	if err := writeReply(out, banner, m.Prompt()); err != nil {
		return err
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, sentence := range Sentences(scanner.Text()) {
			if opts.ReplyDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(opts.ReplyDelay):
				}
			}
			output := m.Eval(sentence)
			if err := writeReply(out, output, m.Prompt()); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

func writeReply(out *bufio.Writer, output, prompt string) error {
	if output != "" {
		if _, err := out.WriteString(output + "\n"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(out, "<prompt>%s</prompt>", prompt); err != nil {
		return err
	}
	return out.Flush()
}
