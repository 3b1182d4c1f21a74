package coqtop

import (
	"bytes"
	"errors"
	"io"
	"os"
	"regexp"
	"strings"

	"pkt.systems/coqsync/core"
	"pkt.systems/coqsync/internal/coqtext"
)

// PromptTerminator ends every reply.
const PromptTerminator = "</prompt>"

// ReadChunk is the size of a single read from the REPL output.
const ReadChunk = 65536

var (
	promptHeader = regexp.MustCompile(`(?s)\A\n*<prompt>.*?</prompt>\n?`)
	promptTags   = regexp.MustCompile(`</?prompt>`)
)

// SplitFrame splits one raw reply into output and prompt. Leading prompt
// headers and byte-order-mark bytes are discarded; the prompt is the text
// after the last newline.
func SplitFrame(raw []byte) core.Frame {
	buf := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b == 0xfe || b == 0xff {
			continue
		}
		buf = append(buf, b)
	}
	skipped := 0
	for {
		loc := promptHeader.FindIndex(buf)
		if loc == nil || loc[1] >= len(buf) {
			break
		}
		buf = buf[loc[1]:]
		skipped++
	}
	text := strings.ToValidUTF8(string(buf), "�")
	var output, prompt string
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		output, prompt = text[:i], text[i+1:]
	} else {
		prompt = text
	}
	return core.Frame{
		Output:  coqtext.StripInfoMsg(output),
		Prompt:  promptTags.ReplaceAllString(prompt, ""),
		Skipped: skipped,
	}
}

// ReadFrames reads r until it ends, calling emit once per prompt-terminated
// reply in arrival order. A read error is delivered as a final frame carrying
// the partial buffer. emit returning false stops the loop.
func ReadFrames(r io.Reader, emit func(core.Frame) bool) {
	var buf []byte
	chunk := make([]byte, ReadChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if bytes.HasSuffix(buf, []byte(PromptTerminator)) {
				frame := SplitFrame(buf)
				buf = nil
				if !emit(frame) {
					return
				}
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return
		}
		frame := SplitFrame(buf)
		frame.Err = err
		emit(frame)
		return
	}
}
