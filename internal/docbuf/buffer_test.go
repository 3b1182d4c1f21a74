package docbuf

import (
	"errors"
	"testing"

	"pkt.systems/coqsync/schema"
)

func TestInComment(t *testing.T) {
	b := New(`a (* x (* y *) z *) "(* s" (* open`)
	cases := []struct {
		offset int
		want   bool
	}{
		{0, false},
		{2, true},   // '('
		{9, true},   // inner comment
		{15, true},  // 'z' after the inner close
		{18, true},  // ')' of outer close
		{19, false}, // space after
		{22, false}, // inside string
		{29, true},  // unterminated comment
		{33, true},
		{34, false},
	}
	for _, tc := range cases {
		if got := b.InComment(tc.offset); got != tc.want {
			t.Fatalf("InComment(%d) = %v, want %v", tc.offset, got, tc.want)
		}
	}
}

func TestProvenRegions(t *testing.T) {
	b := New("Lemma a. Proof.")
	b.MarkProven("coq-0", schema.Region{Start: 0, End: 8})
	b.MarkProven("coq-8", schema.Region{Start: 9, End: 15})
	if got := b.ProvenEnd(); got != 15 {
		t.Fatalf("expected proven end 15, got %d", got)
	}
	b.ClearProven("coq-8")
	regions := b.Regions()
	if len(regions) != 1 || regions["coq-0"].End != 8 {
		t.Fatalf("unexpected regions %+v", regions)
	}
	regions["coq-0"] = schema.Region{}
	if b.Regions()["coq-0"].End != 8 {
		t.Fatalf("Regions must return a copy")
	}
	if got := b.Slice(schema.Region{Start: 9, End: 99}); got != "Proof." {
		t.Fatalf("unexpected clamped slice %q", got)
	}
}

func TestReplaceGuardsProvenPrefix(t *testing.T) {
	b := New("Lemma a. Proof.")
	if err := b.Replace("Lemma a. Proof. auto.", 8); err != nil {
		t.Fatalf("append after boundary: %v", err)
	}
	if err := b.Replace("Lemma b. Proof.", 8); !errors.Is(err, schema.ErrProvenRegionModified) {
		t.Fatalf("expected proven region error, got %v", err)
	}
	if err := b.Replace("Lemma", 8); !errors.Is(err, schema.ErrProvenRegionModified) {
		t.Fatalf("expected truncation error, got %v", err)
	}
	if got := b.Text(); got != "Lemma a. Proof. auto." {
		t.Fatalf("rejected edits must not apply, got %q", got)
	}
	if err := b.Replace("", 0); err != nil || b.Len() != 0 {
		t.Fatalf("unguarded replace failed: %v", err)
	}
}

func TestCommonPrefix(t *testing.T) {
	if got := CommonPrefix([]rune("héllo"), []rune("hélp")); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := CommonPrefix(nil, []rune("x")); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
