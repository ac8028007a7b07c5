//go:build linux

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var interactiveHistory []string

// readInteractiveLine reads one prompt with line editing and history when
// stdin is a terminal, and a plain line otherwise.
func readInteractiveLine(prompt string) (string, error) {
	if !stdinIsTTY() {
		return readPlainLine(prompt)
	}

	fd := int(os.Stdin.Fd())
	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	raw := *oldState
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return "", err
	}
	defer func() { _ = unix.IoctlSetTermios(fd, unix.TCSETS, oldState) }()

	fmt.Print(prompt)
	ed := newLineEditor(prompt, os.Stdout, &interactiveHistory)
	var buf [16]byte
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return "", err
		}
		for _, b := range buf[:n] {
			if line, done, err := ed.feed(b); done {
				return line, err
			}
		}
	}
}

var stdinReader = bufio.NewReader(os.Stdin)

func readPlainLine(prompt string) (string, error) {
	fmt.Print(prompt)
	s, err := stdinReader.ReadString('\n')
	if err == io.EOF && s != "" {
		err = nil
	}
	if err != nil {
		return "", err
	}
	return trimTrailingNewline(s), nil
}
