package segment

import (
	"errors"
	"strings"
	"testing"

	"pkt.systems/coqsync/schema"
)

// fakeSource marks every rune between "(*" and the next "*)" as comment.
type fakeSource struct {
	text  string
	spans []schema.Region
}

func newFakeSource(text string) fakeSource {
	runes := []rune(text)
	var spans []schema.Region
	for i := 0; i+1 < len(runes); i++ {
		if runes[i] != '(' || runes[i+1] != '*' {
			continue
		}
		end := len(runes)
		for j := i + 2; j+1 < len(runes); j++ {
			if runes[j] == '*' && runes[j+1] == ')' {
				end = j + 2
				break
			}
		}
		spans = append(spans, schema.Region{Start: i, End: end})
		i = end - 1
	}
	return fakeSource{text: text, spans: spans}
}

func (f fakeSource) Text() string { return f.text }

func (f fakeSource) InComment(offset int) bool {
	for _, span := range f.spans {
		if offset >= span.Start && offset < span.End {
			return true
		}
	}
	return false
}

func collect(t *testing.T, text string) []Unit {
	t.Helper()
	seg := New()
	src := newFakeSource(text)
	var units []Unit
	position := 0
	for {
		unit, err := seg.Next(src, position)
		if errors.Is(err, schema.ErrEndOfDocument) {
			return units
		}
		if err != nil {
			t.Fatalf("Next(%d): %v", position, err)
		}
		if unit.Region.End <= position {
			t.Fatalf("segmenter did not advance at %d: %+v", position, unit)
		}
		units = append(units, unit)
		position = unit.Region.End
	}
}

func TestNextSplitsSentencesAndComments(t *testing.T) {
	text := "(* header *)\nLemma foo : 1 + 1 = 2.\nProof.\n  - simpl. reflexivity.\nQed.\n"
	units := collect(t, text)
	want := []struct {
		kind Kind
		text string
	}{
		{KindComment, "(* header *)"},
		{KindStatement, "Lemma foo : 1 + 1 = 2."},
		{KindStatement, "Proof."},
		{KindStatement, "-"},
		{KindStatement, "simpl."},
		{KindStatement, "reflexivity."},
		{KindStatement, "Qed."},
	}
	if len(units) != len(want) {
		t.Fatalf("expected %d units, got %d: %+v", len(want), len(units), units)
	}
	for i, w := range want {
		if units[i].Kind != w.kind || units[i].Text != w.text {
			t.Fatalf("unit %d = %s %q, want %s %q", i, units[i].Kind, units[i].Text, w.kind, w.text)
		}
	}
}

func TestNextRegionsAreRuneOffsets(t *testing.T) {
	text := "Definition α := 1.\nDefinition β := α."
	units := collect(t, text)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %+v", units)
	}
	first := units[0].Region
	if first.Start != 0 || first.End != len([]rune("Definition α := 1.")) {
		t.Fatalf("unexpected first region %+v", first)
	}
	runes := []rune(text)
	if got := string(runes[units[1].Region.Start:units[1].Region.End]); got != "Definition β := α." {
		t.Fatalf("unexpected second unit %q", got)
	}
}

func TestNextDoublePeriodIsNotTerminator(t *testing.T) {
	units := collect(t, "Notation x := (a..b). Check x.")
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %+v", units)
	}
	if units[0].Text != "Notation x := (a..b)." {
		t.Fatalf("unexpected first unit %q", units[0].Text)
	}
}

func TestNextAbsorbsPeriodInTrailingComment(t *testing.T) {
	text := "rewrite (* use H. *) H.\nauto."
	units := collect(t, text)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %+v", units)
	}
	if units[0].Text != "rewrite (* use H. *) H." {
		t.Fatalf("expected comment to be absorbed, got %q", units[0].Text)
	}
	if units[1].Text != "auto." {
		t.Fatalf("unexpected second unit %q", units[1].Text)
	}
}

func TestNextCommentWinsTies(t *testing.T) {
	seg := New()
	unit, err := seg.Next(newFakeSource("  (* a. *) b."), 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if unit.Kind != KindComment || unit.Region.Start != 2 {
		t.Fatalf("expected comment at 2, got %+v", unit)
	}
}

func TestNextEndOfDocument(t *testing.T) {
	seg := New()
	for _, text := range []string{"", "   \n\t", "Lemma unterminated", "x.y"} {
		if _, err := seg.Next(newFakeSource(text), 0); !errors.Is(err, schema.ErrEndOfDocument) {
			t.Fatalf("Next(%q) expected end of document, got %v", text, err)
		}
	}
}

func TestNextRejectsOutOfRangePosition(t *testing.T) {
	seg := New()
	if _, err := seg.Next(newFakeSource("a."), 5); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestNextUnterminatedCommentInsideStatement(t *testing.T) {
	seg := New()
	text := "auto. (* open"
	unit, err := seg.Next(newFakeSource(text), 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if unit.Text != "auto." {
		t.Fatalf("unexpected unit %q", unit.Text)
	}
	if _, err := seg.Next(newFakeSource(text), unit.Region.End); !errors.Is(err, schema.ErrEndOfDocument) {
		t.Fatalf("expected end of document after unterminated comment, got %v", err)
	}
	if strings.Contains(unit.Text, "(*") {
		t.Fatalf("statement should stop before the comment")
	}
}
