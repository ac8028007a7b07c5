//go:build !linux

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

var stdinReader = bufio.NewReader(os.Stdin)

func readInteractiveLine(prompt string) (string, error) {
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
