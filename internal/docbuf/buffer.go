// Package docbuf is an in-memory document with proven-region bookkeeping.
package docbuf

import (
	"fmt"
	"sort"
	"sync"

	"pkt.systems/coqsync/schema"
)

// Buffer is a thread-safe document buffer. Offsets are rune offsets.
type Buffer struct {
	mu       sync.RWMutex
	text     []rune
	comments []schema.Region
	proven   map[string]schema.Region
}

// New constructs a Buffer holding text.
func New(text string) *Buffer {
	b := &Buffer{proven: make(map[string]schema.Region)}
	b.setLocked([]rune(text))
	return b
}

// Text returns the current document text.
func (b *Buffer) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.text)
}

// Len returns the document length in runes.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.text)
}

// Slice returns the text covered by region, clamped to the document.
func (b *Buffer) Slice(region schema.Region) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := clamp(region.Start, 0, len(b.text))
	end := clamp(region.End, start, len(b.text))
	return string(b.text[start:end])
}

// InComment reports whether the rune at offset lies inside a (* *) comment,
// delimiters included. Comments nest and are not recognized inside strings.
func (b *Buffer) InComment(offset int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := sort.Search(len(b.comments), func(i int) bool {
		return b.comments[i].End > offset
	})
	return i < len(b.comments) && b.comments[i].Start <= offset
}

// MarkProven records a proven region under id.
func (b *Buffer) MarkProven(id string, region schema.Region) {
	b.mu.Lock()
	b.proven[id] = region
	b.mu.Unlock()
}

// ClearProven removes the proven region recorded under id.
func (b *Buffer) ClearProven(id string) {
	b.mu.Lock()
	delete(b.proven, id)
	b.mu.Unlock()
}

// Regions returns a copy of the proven regions keyed by id.
func (b *Buffer) Regions() map[string]schema.Region {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]schema.Region, len(b.proven))
	for id, region := range b.proven {
		out[id] = region
	}
	return out
}

// ProvenEnd returns the end of the furthest proven region, or 0.
func (b *Buffer) ProvenEnd() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	end := 0
	for _, region := range b.proven {
		if region.End > end {
			end = region.End
		}
	}
	return end
}

// Replace swaps in new text unless it changes any of the first boundary runes.
func (b *Buffer) Replace(text string, boundary int) error {
	next := []rune(text)
	b.mu.Lock()
	defer b.mu.Unlock()
	if boundary > 0 {
		if boundary > len(next) || boundary > len(b.text) {
			return fmt.Errorf("edit truncates proven text at %d: %w", boundary, schema.ErrProvenRegionModified)
		}
		if i := CommonPrefix(b.text[:boundary], next[:boundary]); i < boundary {
			return fmt.Errorf("edit at %d inside proven text: %w", i, schema.ErrProvenRegionModified)
		}
	}
	b.setLocked(next)
	return nil
}

// CommonPrefix returns the length of the longest common prefix of a and b.
func CommonPrefix(a, b []rune) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func (b *Buffer) setLocked(text []rune) {
	b.text = text
	b.comments = scanComments(text)
}

func scanComments(text []rune) []schema.Region {
	var spans []schema.Region
	depth := 0
	start := 0
	inString := false
	for i := 0; i < len(text); i++ {
		r := text[i]
		if depth == 0 {
			if inString {
				if r == '"' {
					inString = false
				}
				continue
			}
			if r == '"' {
				inString = true
				continue
			}
		}
		if r == '(' && i+1 < len(text) && text[i+1] == '*' {
			if depth == 0 {
				start = i
			}
			depth++
			i++
			continue
		}
		if depth > 0 && r == '*' && i+1 < len(text) && text[i+1] == ')' {
			depth--
			i++
			if depth == 0 {
				spans = append(spans, schema.Region{Start: start, End: i + 1})
			}
		}
	}
	if depth > 0 {
		spans = append(spans, schema.Region{Start: start, End: len(text)})
	}
	return spans
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
