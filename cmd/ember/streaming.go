package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", StreamInstant:
		return StreamInstant, nil
	case StreamQuiet:
		return StreamQuiet, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (instant, quiet)", s)
	}
}

// StreamWriter prints generated fragments. Instant mode writes each fragment
// as it arrives; quiet mode holds everything until Flush.
type StreamWriter struct {
	mode StreamMode
	raw  bool

	mu          sync.Mutex
	buffer      *bufio.Writer
	accumulator strings.Builder
}

// NewStreamWriter writes to out. With raw set, control characters are shown
// as escapes.
func NewStreamWriter(out io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode:   mode,
		raw:    raw,
		buffer: bufio.NewWriterSize(out, 4096),
	}
}

func (w *StreamWriter) Write(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(fragment)
	if w.mode == StreamQuiet {
		return
	}
	_, _ = w.buffer.WriteString(w.render(fragment))
	_ = w.buffer.Flush()
}

// Flush writes anything still held back and returns the full text seen since
// the last Reset.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	text := w.accumulator.String()
	if w.mode == StreamQuiet {
		_, _ = w.buffer.WriteString(w.render(text))
	}
	_ = w.buffer.Flush()
	return text
}

func (w *StreamWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.accumulator.Reset()
}

func (w *StreamWriter) render(s string) string {
	if !w.raw {
		return s
	}
	return escapeRawOutput(s)
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
