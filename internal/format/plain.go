// Package format renders session output and state as plain text lines.
package format

import (
	"fmt"
	"strings"

	"pkt.systems/coqsync/schema"
)

// Pane markers prefix lines that did not come from the console.
const (
	SearchMarker   = "? "
	EvaluateMarker = "= "
	ErrorMarker    = "! "
)

// PlainRenderer formats events as plain text lines.
type PlainRenderer struct {
	// Verbose adds the step list to state renderings.
	Verbose bool
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatOutput converts an OutputEvent into user-facing lines. Progress
// notices render as a single line.
func (p *PlainRenderer) FormatOutput(event schema.OutputEvent) []string {
	if event.Progress {
		return []string{strings.TrimSpace(event.Text)}
	}
	lines := splitLines(event.Text)
	switch {
	case event.Failure:
		return markLines(ErrorMarker, lines)
	case event.Pane == schema.PaneSearch:
		return markLines(SearchMarker, lines)
	case event.Pane == schema.PaneEvaluate:
		return markLines(EvaluateMarker, lines)
	default:
		return lines
	}
}

// FormatState summarizes a snapshot.
func (p *PlainRenderer) FormatState(snap schema.SessionSnapshot) []string {
	status := "ready"
	switch {
	case snap.Closed:
		status = "closed"
	case !snap.Ready:
		status = "busy"
	}
	head := fmt.Sprintf("%s: %s at %d (%s, %d steps)", snap.DocumentID, status, snap.Position, snap.Scope, len(snap.Steps))
	lines := []string{head}
	if snap.Theorem != "" {
		lines = append(lines, fmt.Sprintf("theorem: %s", snap.Theorem))
	}
	if run := snap.Autorun; run != nil {
		direction := "back"
		if run.Forward {
			direction = "forward"
		}
		state := "running"
		if !run.Enabled {
			state = "stopped"
		}
		lines = append(lines, fmt.Sprintf("autorun: %s to %d (%s)", direction, run.Target, state))
	}
	if snap.Err != "" {
		lines = append(lines, fmt.Sprintf("error: %s", snap.Err))
	}
	if p.Verbose {
		for _, step := range snap.Steps {
			lines = append(lines, formatStep(step))
		}
	}
	return lines
}

func formatStep(step schema.StepSnapshot) string {
	line := fmt.Sprintf("- %s %s @%d [%s]", step.ID, step.Kind, step.Position, step.Scope)
	if len(step.Defined) == 0 {
		return line
	}
	names := make([]string, 0, len(step.Defined))
	for _, name := range step.Defined {
		names = append(names, string(name))
	}
	return line + " defines " + strings.Join(names, ", ")
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}
