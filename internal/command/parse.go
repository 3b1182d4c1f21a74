package command

import (
	"strings"
	"unicode"
)

// Command is a slash command line split into words. Raw is the text after
// the slash.
type Command struct {
	Name      string
	Args      []string
	Raw       string
	Remainder string

	// starts holds the byte offset in Raw of each word, name included.
	starts []int
}

// Parse returns the command on a line starting with "/". Other input is
// left for the caller.
func Parse(input string) (Command, bool) {
	line := strings.TrimLeft(input, " \t")
	raw, ok := strings.CutPrefix(line, "/")
	if !ok {
		return Command{}, false
	}
	raw = strings.TrimSpace(raw)
	cmd := Command{Raw: raw, Args: []string{}}
	words, starts := splitWords(raw)
	if len(words) == 0 {
		return cmd, true
	}
	cmd.Name = strings.ToLower(words[0])
	cmd.Args = words[1:]
	cmd.starts = starts
	cmd.Remainder = cmd.After(1)
	return cmd, true
}

// After returns Raw from the n-th word on, with its spacing intact.
func (c Command) After(n int) string {
	if n < 0 || n >= len(c.starts) {
		return ""
	}
	return strings.TrimSpace(c.Raw[c.starts[n]:])
}

func splitWords(s string) ([]string, []int) {
	var words []string
	var starts []int
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
			starts = append(starts, i)
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words, starts
}
