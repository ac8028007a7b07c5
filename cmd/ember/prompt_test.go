package main

import (
	"strings"
	"testing"
)

func TestReadPrompt(t *testing.T) {
	cases := map[string]string{
		"hello\n":         "hello",
		"hello\r\n":       "hello",
		"two\nlines\n":    "two\nlines",
		"no newline":      "no newline",
		"keeps blank\n\n": "keeps blank\n",
	}
	for in, want := range cases {
		got, err := readPrompt(strings.NewReader(in))
		if err != nil {
			t.Fatalf("readPrompt(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("readPrompt(%q) = %q, want %q", in, got, want)
		}
	}
}
