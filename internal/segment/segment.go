// Package segment finds the next comment or sentence to advance over.
//
// It is a best-effort tokenizer over the surface text, not a parser of the
// proof language: sentences end at a period that follows a non-period
// character and precedes whitespace or the end of input, bullets are runs of
// '*', '+' and '-', and comments are the shortest (* ... *) span. Offsets are
// rune offsets.
package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"pkt.systems/coqsync/schema"
)

// Kind classifies a unit of text.
type Kind string

const (
	// KindComment is a (* ... *) block.
	KindComment Kind = "comment"
	// KindStatement is a bullet or a period-terminated sentence.
	KindStatement Kind = "statement"
)

// Unit is one segment of the document.
type Unit struct {
	Kind   Kind
	Region schema.Region
	Text   string
}

// Source is the document view the segmenter reads.
type Source interface {
	Text() string
	// InComment reports whether the rune at offset is inside a comment.
	InComment(offset int) bool
}

const (
	commentPattern   = `\(\*(.|\n)*?\*\)`
	statementPattern = `[*+-]+|(.|\n)*?[^\.]\.(?=\s|$)`
	spacePattern     = `\s*`
)

// DefaultMatchTimeout bounds a single pattern search.
const DefaultMatchTimeout = 5 * time.Second

// Segmenter locates units with the heuristic patterns.
type Segmenter struct {
	comment   *regexp2.Regexp
	statement *regexp2.Regexp
	space     *regexp2.Regexp
}

// New constructs a Segmenter.
func New() *Segmenter {
	s := &Segmenter{
		comment:   regexp2.MustCompile(commentPattern, regexp2.None),
		statement: regexp2.MustCompile(statementPattern, regexp2.None),
		space:     regexp2.MustCompile(spacePattern, regexp2.None),
	}
	for _, re := range []*regexp2.Regexp{s.comment, s.statement, s.space} {
		re.MatchTimeout = DefaultMatchTimeout
	}
	return s
}

// Next returns the earliest comment or statement at or after position.
// It returns schema.ErrEndOfDocument when nothing remains.
func (s *Segmenter) Next(src Source, position int) (Unit, error) {
	runes := []rune(src.Text())
	if position < 0 || position > len(runes) {
		return Unit{}, fmt.Errorf("position %d out of range: %w", position, schema.ErrInvalidRequest)
	}
	comment, commentOK, err := s.findAt(s.comment, runes, position)
	if err != nil {
		return Unit{}, err
	}
	statement, statementOK, err := s.findStatement(src, runes, position)
	if err != nil {
		return Unit{}, err
	}
	switch {
	case commentOK && (!statementOK || comment.Start <= statement.Start):
		return Unit{Kind: KindComment, Region: comment, Text: string(runes[comment.Start:comment.End])}, nil
	case statementOK:
		return Unit{Kind: KindStatement, Region: statement, Text: string(runes[statement.Start:statement.End])}, nil
	default:
		return Unit{}, schema.ErrEndOfDocument
	}
}

func (s *Segmenter) findStatement(src Source, runes []rune, position int) (schema.Region, bool, error) {
	region, ok, err := s.findAt(s.statement, runes, position)
	if err != nil || !ok {
		return schema.Region{}, false, err
	}
	// A period inside a trailing comment does not end the sentence.
	for region.End < len(runes) && src.InComment(region.End) {
		next, ok, err := s.findAt(s.statement, runes, region.End)
		if err != nil || !ok {
			return schema.Region{}, false, err
		}
		region.End = next.End
	}
	return region, true, nil
}

func (s *Segmenter) findAt(re *regexp2.Regexp, runes []rune, position int) (schema.Region, bool, error) {
	start, err := s.skipSpace(runes, position)
	if err != nil {
		return schema.Region{}, false, err
	}
	m, err := re.FindRunesMatchStartingAt(runes, start)
	if err != nil {
		return schema.Region{}, false, wrapMatchErr(err)
	}
	if m == nil {
		return schema.Region{}, false, nil
	}
	return schema.Region{Start: m.Index, End: m.Index + m.Length}, true, nil
}

func (s *Segmenter) skipSpace(runes []rune, position int) (int, error) {
	m, err := s.space.FindRunesMatchStartingAt(runes, position)
	if err != nil {
		return 0, wrapMatchErr(err)
	}
	if m == nil || m.Index != position {
		return position, nil
	}
	return position + m.Length, nil
}

func wrapMatchErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New("segment match failed"), err)
}
