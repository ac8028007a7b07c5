package main

import (
	"io"
	"os"
	"strings"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// readPrompt reads the whole of r as the prompt, dropping one trailing
// newline.
func readPrompt(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return trimTrailingNewline(string(b)), nil
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
