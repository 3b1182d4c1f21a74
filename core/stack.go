package core

import (
	"fmt"
	"slices"

	"pkt.systems/coqsync/schema"
)

// Step is one unit of advanced history. Position and Scope are the values
// before the step was pushed, so popping it restores them.
type Step struct {
	Kind     schema.StepKind
	Position int
	Scope    schema.Scope
	Defined  []schema.Name
}

// Popped describes a step removed from the stack.
type Popped struct {
	Kind schema.StepKind
	// ID is the identifier returned when the step was pushed.
	ID string
	// OldScope is the scope that was active before the pop.
	OldScope schema.Scope
	Defined  []schema.Name
}

// StepID derives the identifier of a step from its pre-advance position.
func StepID(position int) string {
	return fmt.Sprintf("coq-%d", position)
}

// Push records a step advancing over region and enters newScope. It returns
// the step identifier.
func (s *Session) Push(kind schema.StepKind, region schema.Region, newScope schema.Scope, defined []schema.Name) string {
	s.stack = append(s.stack, Step{
		Kind:     kind,
		Position: s.position,
		Scope:    s.scope,
		Defined:  slices.Clone(defined),
	})
	previous := s.position
	s.position = region.End
	s.scope = newScope
	s.trace("session push", "kind", kind, "start", region.Start, "end", region.End, "scope", newScope, "defined", defined)
	return StepID(previous)
}

// Pop removes the top step and restores the position and scope it recorded.
func (s *Session) Pop() (Popped, bool) {
	if len(s.stack) == 0 {
		return Popped{}, false
	}
	oldScope := s.scope
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.position = top.Position
	s.scope = top.Scope
	s.trace("session pop", "kind", top.Kind, "position", top.Position, "scope", top.Scope, "defined", top.Defined)
	return Popped{
		Kind:     top.Kind,
		ID:       StepID(top.Position),
		OldScope: oldScope,
		Defined:  top.Defined,
	}, true
}

// RevFind scans from the top for the most recent step recorded with scope
// and returns the position of the step directly below it.
func (s *Session) RevFind(scope schema.Scope) (int, bool) {
	found := false
	for i := len(s.stack) - 1; i >= 0; i-- {
		if found {
			return s.stack[i].Position, true
		}
		if s.stack[i].Scope == scope {
			found = true
		}
	}
	return 0, false
}

// Depth returns the number of steps on the stack.
func (s *Session) Depth() int {
	return len(s.stack)
}

// Steps returns a copy of the stack, bottom first.
func (s *Session) Steps() []Step {
	out := make([]Step, len(s.stack))
	for i, step := range s.stack {
		step.Defined = slices.Clone(step.Defined)
		out[i] = step
	}
	return out
}
