// Package detok turns a sequence of token ids into text fragments that never
// split a multi-byte character.
package detok

import (
	"fmt"
	"unicode/utf8"
)

// Decoder maps token ids to their raw bytes. The result may end in the middle
// of a UTF-8 sequence.
type Decoder interface {
	Decode(ids []int) (string, error)
}

// Stream buffers decoded bytes and releases the longest prefix that does not
// end in an incomplete character. One Stream serves one generation call.
type Stream struct {
	dec Decoder
	buf []byte
}

func New(dec Decoder) *Stream {
	return &Stream{dec: dec}
}

// Next decodes id and returns the text that became complete. An empty string
// means the bytes are held until a later token completes them.
func (s *Stream) Next(id int) (string, error) {
	piece, err := s.dec.Decode([]int{id})
	if err != nil {
		return "", fmt.Errorf("detokenize %d: %w", id, err)
	}
	s.buf = append(s.buf, piece...)
	n := completePrefix(s.buf)
	if n == 0 {
		return "", nil
	}
	out := string(s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	return out, nil
}

// Flush releases whatever is still buffered, even if it is not valid UTF-8.
func (s *Stream) Flush() string {
	out := string(s.buf)
	s.buf = s.buf[:0]
	return out
}

// Pending reports how many bytes are held back.
func (s *Stream) Pending() int { return len(s.buf) }

// completePrefix returns the length of the longest prefix of b that does not
// stop inside a character. Bytes that can never start a valid character are
// passed through rather than held.
func completePrefix(b []byte) int {
	i := 0
	for i < len(b) {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 && !utf8.FullRune(b[i:]) {
			break
		}
		i += size
	}
	return i
}
